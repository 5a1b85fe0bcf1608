package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONVERSATION_TRIM_THRESHOLD", "")
	t.Setenv("QUERY_STREAM_TIMEOUT", "")

	cfg := Load()

	assert.Equal(t, 50, cfg.MaxMessages)
	assert.Equal(t, 25, cfg.TrimThreshold)
	assert.Equal(t, 20, cfg.TrimTarget)
	assert.Equal(t, 10, cfg.HistoryWindow)
	assert.Equal(t, 2*time.Minute, cfg.StreamTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUERY_BACKEND_URL", "http://backend:9000")
	t.Setenv("QUERY_STREAM_TIMEOUT", "15s")
	t.Setenv("CONVERSATION_MAX_MESSAGES", "80")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("QUERY_HISTORY_WINDOW", "not-a-number")

	cfg := Load()

	assert.Equal(t, "http://backend:9000", cfg.BackendURL)
	assert.Equal(t, 15*time.Second, cfg.StreamTimeout)
	assert.Equal(t, 80, cfg.MaxMessages)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 10, cfg.HistoryWindow, "unparseable values fall back to the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero trim target", mutate: func(c *Config) { c.TrimTarget = 0 }, wantErr: true},
		{name: "target above threshold", mutate: func(c *Config) { c.TrimTarget = 30 }, wantErr: true},
		{name: "hard cap below threshold", mutate: func(c *Config) { c.MaxMessages = 25 }, wantErr: true},
		{name: "negative window", mutate: func(c *Config) { c.HistoryWindow = -1 }, wantErr: true},
		{name: "no timeout", mutate: func(c *Config) { c.StreamTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				StreamTimeout: time.Minute,
				HistoryWindow: 10,
				MaxMessages:   50,
				TrimThreshold: 25,
				TrimTarget:    20,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_ListsAndLimits(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example.com, ,https://b.example.com")
	t.Setenv("CONVERSATION_TRIM_TARGET", "15")

	cfg := Load()

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	limits := cfg.Limits()
	assert.Equal(t, 15, limits.TrimTarget)
	assert.Equal(t, cfg.TrimThreshold, limits.TrimThreshold)
	assert.Equal(t, cfg.MaxMessages, limits.MaxMessages)
}
