// Package config provides environment configuration for the query client and
// the reference backend.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/query-stream/internal/conversation"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings (reference backend)
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Client settings
	BackendURL    string
	APIToken      string
	StreamTimeout time.Duration
	HistoryWindow int

	// Conversation limits
	MaxMessages   int
	TrimThreshold int
	TrimTarget    int

	// NATS settings (outcome audit trail, disabled when NATSURL is empty)
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings (backend auth, disabled when JWTSecret is empty)
	JWTSecret        string
	JWTRequiredScope string

	// CORS origins allowed by the backend; empty allows any
	CORSAllowedOrigins []string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	DefaultModel    string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 5*time.Minute),

		// Client
		BackendURL:    getEnv("QUERY_BACKEND_URL", "http://localhost:8080"),
		APIToken:      getEnv("QUERY_API_TOKEN", ""),
		StreamTimeout: getDurationEnv("QUERY_STREAM_TIMEOUT", 2*time.Minute),
		HistoryWindow: getIntEnv("QUERY_HISTORY_WINDOW", 10),

		// Conversation limits
		MaxMessages:   getIntEnv("CONVERSATION_MAX_MESSAGES", 50),
		TrimThreshold: getIntEnv("CONVERSATION_TRIM_THRESHOLD", 25),
		TrimTarget:    getIntEnv("CONVERSATION_TRIM_TARGET", 20),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret:        getEnv("JWT_SECRET", ""),
		JWTRequiredScope: getEnv("JWT_REQUIRED_SCOPE", ""),

		// CORS
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		DefaultModel:    getEnv("DEFAULT_MODEL", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate checks the client-side limits for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.TrimTarget < 1 {
		errs = append(errs, fmt.Errorf("trim target must be at least 1, got %d", c.TrimTarget))
	}
	if c.TrimTarget > c.TrimThreshold {
		errs = append(errs, fmt.Errorf("trim target %d exceeds trim threshold %d", c.TrimTarget, c.TrimThreshold))
	}
	if c.MaxMessages <= c.TrimThreshold {
		errs = append(errs, fmt.Errorf("max messages %d must exceed trim threshold %d", c.MaxMessages, c.TrimThreshold))
	}
	if c.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("history window must not be negative, got %d", c.HistoryWindow))
	}
	if c.StreamTimeout < 0 {
		errs = append(errs, fmt.Errorf("stream timeout must not be negative, got %s", c.StreamTimeout))
	}
	return errors.Join(errs...)
}

// Limits returns the conversation bounds.
func (c *Config) Limits() conversation.Limits {
	return conversation.Limits{
		MaxMessages:   c.MaxMessages,
		TrimThreshold: c.TrimThreshold,
		TrimTarget:    c.TrimTarget,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
