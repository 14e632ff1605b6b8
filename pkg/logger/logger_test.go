package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_LevelFallback(t *testing.T) {
	log := New("not-a-level")
	require.NotNil(t, log)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))

	debug := NewWithFormat("debug", "console")
	assert.True(t, debug.Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithRoom(ctx, "lobby")
	cl.LogRequest(ctx, "GET", "/api/v1/rooms/:id", 200, 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "lobby", fields["room_id"])
	assert.EqualValues(t, 200, fields["status_code"])
	assert.NotContains(t, fields, "trace_id")
}

func TestPionLoggerFactory_FiltersBelowLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := NewPionLoggerFactory(zap.New(core).Sugar(), "warn")

	l := f.NewLogger("ice")
	l.Debug("noisy")
	l.Tracef("very %s", "noisy")
	l.Infof("gathering %d", 3)
	l.Warn("slow")
	l.Errorf("failed: %s", "boom")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "slow", logs.All()[0].Message)
	assert.Equal(t, "ice", logs.All()[0].ContextMap()["mod"])
	assert.Equal(t, "failed: boom", logs.All()[1].Message)
}
