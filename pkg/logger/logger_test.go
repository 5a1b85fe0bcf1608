package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGlobal(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { SetGlobal(prev) })

	require.NotNil(t, prev)
	require.NotNil(t, prev.Logger)

	l := NewNop()
	SetGlobal(l)
	assert.Same(t, l, Global())

	SetGlobal(nil)
	require.NotNil(t, Global())
	assert.NotPanics(t, func() { Global().Info("still usable") })
}

func TestNew_Level(t *testing.T) {
	l, err := New("warn")
	require.NoError(t, err)

	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestWithSession(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := (&Logger{Logger: zap.New(core)}).WithSession("s1")

	l.Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "s1", logs.All()[0].ContextMap()["session_id"])
}
