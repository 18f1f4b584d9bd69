package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevels(t *testing.T) {
	for _, tc := range []struct {
		name          string
		log           func(Logger, string)
		expectedLevel zapcore.Level
	}{
		{"debug", func(l Logger, m string) { l.Debug(m) }, zapcore.DebugLevel},
		{"info", func(l Logger, m string) { l.Info(m) }, zapcore.InfoLevel},
		{"warn", func(l Logger, m string) { l.Warn(m) }, zapcore.WarnLevel},
		{"error", func(l Logger, m string) { l.Error(m) }, zapcore.ErrorLevel},
		{"debug_ctx", func(l Logger, m string) { l.DebugWithContext(context.Background(), m) }, zapcore.DebugLevel},
		{"info_ctx", func(l Logger, m string) { l.InfoWithContext(context.Background(), m) }, zapcore.InfoLevel},
		{"warn_ctx", func(l Logger, m string) { l.WarnWithContext(context.Background(), m) }, zapcore.WarnLevel},
		{"error_ctx", func(l Logger, m string) { l.ErrorWithContext(context.Background(), m) }, zapcore.ErrorLevel},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dut, logs := NewObserverLogger("debug")
			tc.log(dut, "ABC")

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			require.Equal(t, "ABC", entry.Message)
			require.Equal(t, tc.expectedLevel, entry.Level)
			require.Empty(t, entry.ContextMap())
		})
	}
}

func TestWithContextAddsTraceFields(t *testing.T) {
	dut, logs := NewObserverLogger("debug")

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01},
		SpanID:  trace.SpanID{0x02},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	dut.InfoWithContext(ctx, "traced", zap.String("fingerprint", "42"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "42", fields["fingerprint"])
	require.Equal(t, spanCtx.TraceID().String(), fields["trace_id"])
	require.Equal(t, spanCtx.SpanID().String(), fields["span_id"])
}

func TestWith(t *testing.T) {
	dut, logs := NewObserverLogger("info")
	child := dut.With(zap.String("component", "engine"))

	child.Info("hello")
	dut.Info("plain")

	require.Equal(t, 2, logs.Len())
	require.Equal(t, "engine", logs.All()[0].ContextMap()["component"])
	require.Empty(t, logs.All()[1].ContextMap())
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger("text", "verbose")
	require.Error(t, err)

	_, err = NewLogger("xml", "info")
	require.Error(t, err)

	l, err := NewLogger("json", "none")
	require.NoError(t, err)
	require.NotNil(t, l)

	l, err = NewLogger("json", "warn")
	require.NoError(t, err)
	require.NotNil(t, l)
}
