package logging

import (
	"io"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	// Default to a production logger until SetGlobal is called
	globalLogger, _ = zap.NewProduction()
}

// ParseLevel converts a config level string to a zap level. Unknown values
// fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a new zap logger from a level and format string.
// format is "json" (default) or "console".
func New(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig = encoderConfig(format)
	if format == "console" {
		cfg.Encoding = "console"
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	return cfg.Build()
}

// Rotation configures a rotating log file.
type Rotation struct {
	MaxSize    int // megabytes before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	LocalTime  bool
}

// NewWithOutput is New with a destination. "", "stderr" and "stdout" are
// the standard streams; anything else is a file path rotated by
// lumberjack. The returned closer is nil for the standard streams.
func NewWithOutput(level, format, output string, rot Rotation) (*zap.Logger, io.Closer, error) {
	switch output {
	case "", "stderr":
		l, err := New(level, format)
		return l, nil, err
	case "stdout":
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig = encoderConfig(format)
		if format == "console" {
			cfg.Encoding = "console"
		}
		cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
		cfg.OutputPaths = []string{"stdout"}
		l, err := cfg.Build()
		return l, nil, err
	}

	lj := &lumberjack.Logger{
		Filename:   output,
		MaxSize:    rot.MaxSize,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAge,
		Compress:   rot.Compress,
		LocalTime:  rot.LocalTime,
	}
	encCfg := encoderConfig(format)
	var enc zapcore.Encoder
	if format == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(lj), zap.NewAtomicLevelAt(ParseLevel(level)))
	return zap.New(core, zap.AddCaller()), lj, nil
}

func encoderConfig(format string) zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return enc
}

// Global returns the global logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = Global().Sync()
}
