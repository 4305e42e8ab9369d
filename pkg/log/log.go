// Package log builds the engine's structured logger: a logr.Logger backed by
// zap, with the message and every string-typed field run through pkg/masking
// before it reaches a sink.
package log

import (
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jordigilh/stagee/pkg/masking"
)

// Options configures logger construction from ENGINE_LOG_LEVEL / config.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // console|json
}

// New builds a masked logr.Logger. Every sink (console or JSON) sees the
// message and string fields redacted; masking happens in maskingCore below,
// not at the call site.
func New(opts Options) logr.Logger {
	level := parseLevel(opts.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(opts.Format, "console") {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := &maskingCore{
		Core: zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), level),
	}

	zl := zap.New(core, zap.AddCaller())
	return zapr.NewLogger(zl)
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// maskingCore wraps a zapcore.Core and redacts the entry message and every
// zapcore.StringType field before it is written; fields of other types
// (errors, reflected values, numbers) are passed through unchanged.
type maskingCore struct {
	zapcore.Core
}

func (c *maskingCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskingCore{Core: c.Core.With(maskFields(fields))}
}

func (c *maskingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	ent.Message = masking.Mask(ent.Message)
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *maskingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, maskFields(fields))
}

func maskFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if f.Type == zapcore.StringType {
			f.String = masking.Mask(f.String)
		}
		out[i] = f
	}
	return out
}
