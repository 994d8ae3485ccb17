package logger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel defines the logging level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string level to LogLevel. Unknown values default to Info.
func ParseLevel(levelStr string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Output formats accepted by NewZapLogger.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ZapLogger implements ports.Logger on top of a zap.Logger.
type ZapLogger struct {
	zl *zap.Logger
}

// NewZapLogger builds a production zap logger writing to stderr in the given format
// ("json" or "console"; empty means json).
func NewZapLogger(level LogLevel, format string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "time"
	cfg.OutputPaths = []string{"stderr"}
	cfg.Sampling = nil

	switch strings.ToLower(format) {
	case "", FormatJSON:
		cfg.Encoding = FormatJSON
	case FormatConsole:
		cfg.Encoding = FormatConsole
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return &ZapLogger{zl: zl}, nil
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(zl *zap.Logger) *ZapLogger {
	return &ZapLogger{zl: zl}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.zl.Sync()
}

func toZapFields(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 || fields[0] == nil {
		return nil
	}
	keys := make([]string, 0, len(fields[0]))
	for k := range fields[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[0][k]))
	}
	return out
}

// Debug logs a message at Debug level.
func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.zl.Debug(msg, toZapFields(fields)...)
}

// Info logs a message at Info level.
func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.zl.Info(msg, toZapFields(fields)...)
}

// Warn logs a message at Warning level.
func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.zl.Warn(msg, toZapFields(fields)...)
}

// Error logs an error message at Error level.
func (l *ZapLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	zf := toZapFields(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	l.zl.Error(msg, zf...)
}
