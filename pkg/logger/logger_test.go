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

// swapGlobal installs an observed logger as the global for the duration of a
// test so emitted fields can be inspected.
func swapGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	old := globalLogger
	globalLogger = zap.New(core)
	t.Cleanup(func() { globalLogger = old })
	return logs
}

func TestWithContextAttachesFields(t *testing.T) {
	logs := swapGlobal(t)

	ctx := context.WithValue(context.Background(), SessionIDKey, "term-42")
	ctx = context.WithValue(ctx, ScenarioKey, "login-flow")
	ctx = context.WithValue(ctx, ComponentKey, "bench")

	WithContext(ctx).Info("annotated")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "term-42", fields["session_id"])
	assert.Equal(t, "login-flow", fields["scenario"])
	assert.Equal(t, "bench", fields["component"])
}

func TestWithContextIgnoresAbsentKeys(t *testing.T) {
	logs := swapGlobal(t)

	WithContext(context.Background()).Info("bare")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].ContextMap())
}
