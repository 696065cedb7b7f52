package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a log level
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", s)
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Fields is a map of log fields
type Fields map[string]interface{}

// Logger wraps a zap.Logger with a runtime-adjustable level and
// per-component level overrides.
type Logger struct {
	zl              *zap.Logger
	level           zap.AtomicLevel
	componentLevels map[string]Level
	mu              sync.RWMutex
}

var (
	globalLogger *Logger
	loggerMu     sync.RWMutex
)

// New creates a new logger instance writing to output.
// Format is "json" or "text".
func New(level Level, format string, output io.Writer) *Logger {
	atomic := zap.NewAtomicLevelAt(level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(output), atomic)

	return &Logger{
		zl:              zap.New(core),
		level:           atomic,
		componentLevels: make(map[string]Level),
	}
}

// Init initializes the global logger
func Init(level Level, format string, output io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = New(level, format, output)
}

// Get returns the global logger. If Init has not been called the returned
// logger discards everything, which keeps library use in tests quiet.
func Get() *Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = New(InfoLevel, "json", io.Discard)
	}
	return globalLogger
}

// SetLevel sets the global log level
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// SetComponentLevel sets the log level for a specific component
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLevels[component] = level
}

func (l *Logger) componentLevel(component string) (Level, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	level, ok := l.componentLevels[component]
	return level, ok
}

// Sync flushes buffered log entries
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// ComponentLogger is a logger bound to a named component
type ComponentLogger struct {
	parent    *Logger
	zl        *zap.Logger
	component string
}

// WithComponent returns a logger bound to the given component name
func (l *Logger) WithComponent(component string) *ComponentLogger {
	return &ComponentLogger{
		parent:    l,
		zl:        l.zl.With(zap.String("component", component)),
		component: component,
	}
}

func (c *ComponentLogger) enabled(level Level) bool {
	if override, ok := c.parent.componentLevel(c.component); ok {
		return level >= override
	}
	return c.parent.level.Enabled(level.zapLevel())
}

func zapFields(fields []Fields) []zap.Field {
	var total int
	for _, f := range fields {
		total += len(f)
	}
	if total == 0 {
		return nil
	}
	zf := make([]zap.Field, 0, total)
	for _, f := range fields {
		for k, v := range f {
			zf = append(zf, zap.Any(k, v))
		}
	}
	return zf
}

// Debug logs a debug message
func (c *ComponentLogger) Debug(msg string, fields ...Fields) {
	if !c.enabled(DebugLevel) {
		return
	}
	c.zl.Debug(msg, zapFields(fields)...)
}

// Info logs an info message
func (c *ComponentLogger) Info(msg string, fields ...Fields) {
	if !c.enabled(InfoLevel) {
		return
	}
	c.zl.Info(msg, zapFields(fields)...)
}

// Warn logs a warning message
func (c *ComponentLogger) Warn(msg string, fields ...Fields) {
	if !c.enabled(WarnLevel) {
		return
	}
	c.zl.Warn(msg, zapFields(fields)...)
}

// Error logs an error message
func (c *ComponentLogger) Error(msg string, fields ...Fields) {
	if !c.enabled(ErrorLevel) {
		return
	}
	c.zl.Error(msg, zapFields(fields)...)
}

// Fatal logs a fatal message and exits
func (c *ComponentLogger) Fatal(msg string, fields ...Fields) {
	c.zl.Fatal(msg, zapFields(fields)...)
}
