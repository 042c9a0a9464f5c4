// Package logger builds the zap loggers used by the CLI and the sandbox.
// Components take a *zap.Logger; the package-level logger exists for the
// binaries' own main functions.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string // debug, info, warn, error, fatal
	Format string // json or console
	// EnableColor only affects the console format.
	EnableColor bool
	// Output is a zap sink path such as "stderr" or a file. Stdout is left to
	// command output.
	Output string
}

// DefaultConfig reads LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT, NO_COLOR and LOG_COLOR.
func DefaultConfig() Config {
	return Config{
		Level:       envOr("LOG_LEVEL", "info"),
		Format:      envOr("LOG_FORMAT", "console"),
		EnableColor: colorWanted(),
		Output:      envOr("LOG_OUTPUT", "stderr"),
	}
}

func (c Config) encoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder

	if c.Format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}

	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	if !c.EnableColor {
		return zapcore.NewConsoleEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return NewColoredConsoleEncoder(ec)
}

// build assembles a logger whose level can be changed through the returned atom.
func build(cfg Config, opts ...zap.Option) (*zap.Logger, zap.AtomicLevel, error) {
	out := cfg.Output
	if out == "" {
		out = "stderr"
	}
	sink, _, err := zap.Open(out)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("open log output %q: %w", out, err)
	}
	errSink, _, err := zap.Open("stderr")
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	level := parseLevel(cfg.Level)
	atom := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(cfg.encoder(), sink, atom)

	base := []zap.Option{zap.ErrorOutput(errSink), zap.AddCaller()}
	// stack traces only help when someone is already debugging
	if level == zapcore.DebugLevel {
		base = append(base, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(core, append(base, opts...)...), atom, nil
}

// New builds a standalone logger. The global one is left alone.
func New(cfg Config) (*zap.Logger, error) {
	l, _, err := build(cfg)
	return l, err
}

var (
	mu     sync.RWMutex
	global *zap.Logger
	level  zap.AtomicLevel
)

// Initialize installs the global logger. Only the first call has any effect.
func Initialize(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return
	}
	// skip the package-level wrapper frame when reporting callers
	l, atom, err := build(cfg, zap.AddCallerSkip(1))
	if err != nil {
		panic("logger: " + err.Error())
	}
	global, level = l, atom
}

// Get returns the global logger, initializing it from DefaultConfig if needed.
func Get() *zap.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}
	Initialize(DefaultConfig())
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// SetLevel changes the global logger's level at runtime.
func SetLevel(lvl string) {
	Get()
	level.SetLevel(parseLevel(lvl))
}

func With(fields ...zap.Field) *zap.Logger { return Get().With(fields...) }

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

// Sync flushes the global logger if one was created.
func Sync() {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.ToLower(v)
	}
	return fallback
}

func parseLevel(lvl string) zapcore.Level {
	l, err := zapcore.ParseLevel(strings.ToLower(lvl))
	if err != nil || l > zapcore.FatalLevel {
		return zapcore.InfoLevel
	}
	return l
}

// colorWanted honors NO_COLOR (https://no-color.org), then LOG_COLOR, and
// defaults to on.
func colorWanted() bool {
	if _, off := os.LookupEnv("NO_COLOR"); off {
		return false
	}
	switch os.Getenv("LOG_COLOR") {
	case "":
		return true
	case "1", "true":
		return true
	default:
		return false
	}
}
