package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	service string
	z       *zap.Logger
}

var base = newBase("info")

// Configure replaces the shared zap core. Loggers created earlier keep the old core.
func Configure(level string) {
	base = newBase(level)
}

func newBase(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), lvl)
	return zap.New(core).With(zap.String("hostname", hostname()))
}

func New(service string) *Logger {
	return &Logger{service: service, z: base.With(zap.String("service", service))}
}

// Nop discards everything; used by tests.
func Nop() *Logger { return &Logger{service: "nop", z: zap.NewNop()} }

func (l *Logger) Service() string { return l.service }

func (l *Logger) fields(action string, fields map[string]any, err error) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+2)
	out = append(out, zap.String("action", action))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	if err != nil {
		out = append(out, zap.Error(err))
	}
	return out
}

func (l *Logger) Info(action string, fields map[string]any)  { l.z.Info(action, l.fields(action, fields, nil)...) }
func (l *Logger) Debug(action string, fields map[string]any) { l.z.Debug(action, l.fields(action, fields, nil)...) }
func (l *Logger) Warn(action string, fields map[string]any)  { l.z.Warn(action, l.fields(action, fields, nil)...) }
func (l *Logger) Error(action string, err error, fields map[string]any) {
	l.z.Error(action, l.fields(action, fields, err)...)
}

func (l *Logger) Sync() { _ = l.z.Sync() }

func hostname() string { h, _ := os.Hostname(); return h }
