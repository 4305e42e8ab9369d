package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMaskFieldsRedactsStringFields(t *testing.T) {
	fields := []zapcore.Field{
		zapcore.Field{Key: "authorization", Type: zapcore.StringType, String: "Bearer sometoken12345678901234567890"},
		zapcore.Field{Key: "count", Type: zapcore.Int64Type, Integer: 3},
	}

	out := maskFields(fields)

	require := assert.New(t)
	require.Contains(out[0].String, "REDACTED")
	require.NotContains(out[0].String, "sometoken12345678901234567890")
	require.Equal(int64(3), out[1].Integer)
}

func TestMaskingCoreMasksMessageAndFields(t *testing.T) {
	observed, logs := observer.New(zapcore.InfoLevel)
	zl := zap.New(&maskingCore{Core: observed})

	zl.Info("token=supersecretvalue1234567890", zapcore.Field{Key: "body", Type: zapcore.StringType, String: "Bearer anothersecrettoken1234567890"})

	require := assert.New(t)
	entries := logs.All()
	require.Len(entries, 1)
	require.Contains(entries[0].Message, "REDACTED")
	require.NotContains(entries[0].Message, "supersecretvalue1234567890")
	require.Contains(entries[0].Context[0].String, "REDACTED")
	require.NotContains(entries[0].Context[0].String, "anothersecrettoken1234567890")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("unknown"))
}

func TestNewReturnsUsableLogger(t *testing.T) {
	logger := New(Options{Level: "info", Format: "json"})
	assert.False(t, logger.GetSink() == nil)
}
