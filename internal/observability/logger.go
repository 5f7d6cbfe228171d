// internal/observability/logger.go
package observability

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/xkilldash9x/probe-cli/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	current  atomic.Pointer[zap.Logger]
	initOnce sync.Once
)

// sgr holds the ANSI foreground codes a color name in logger.colors may use.
var sgr = map[string]int{
	"red":     31,
	"green":   32,
	"yellow":  33,
	"blue":    34,
	"magenta": 35,
	"cyan":    36,
	"white":   37,
}

const ansiReset = "\x1b[0m"

// paint wraps s in the escape sequence for color, or returns it unchanged
// for unknown names.
func paint(color, s string) string {
	code, ok := sgr[strings.ToLower(color)]
	if !ok {
		return s
	}
	return fmt.Sprintf("\x1b[%dm%s%s", code, s, ansiReset)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// NewLogger builds a logger from configuration without touching global state.
// Entries go to console in the configured format; with cfg.LogFile set they
// are also written as JSON to a rotated file.
func NewLogger(cfg config.LoggerConfig, console zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	levelErr := level.UnmarshalText([]byte(cfg.Level))

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		enc = consoleEncoder(cfg.Colors)
	} else {
		enc = jsonEncoder()
	}
	core := zapcore.NewCore(enc, console, level)

	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		core = zapcore.NewTee(core, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(rotated), level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(core, opts...)
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}
	if levelErr != nil {
		logger.Warn("Unknown log level; using info.", zap.String("configured_level", cfg.Level))
	}
	return logger
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	return ec
}

func jsonEncoder() zapcore.Encoder {
	ec := encoderConfig()
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// consoleEncoder prints one colored line per entry; names end in a dot so
// "probe-cli.runner." stands apart from the message.
func consoleEncoder(colors config.ColorConfig) zapcore.Encoder {
	byLevel := map[zapcore.Level]string{
		zapcore.DebugLevel:  colors.Debug,
		zapcore.InfoLevel:   colors.Info,
		zapcore.WarnLevel:   colors.Warn,
		zapcore.ErrorLevel:  colors.Error,
		zapcore.DPanicLevel: colors.DPanic,
		zapcore.PanicLevel:  colors.Panic,
		zapcore.FatalLevel:  colors.Fatal,
	}
	ec := encoderConfig()
	ec.EncodeLevel = func(l zapcore.Level, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(paint(byLevel[l], l.CapitalString()))
	}
	ec.EncodeName = func(name string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// Initialize installs the global logger. Only the first call has an effect.
func Initialize(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	initOnce.Do(func() {
		logger := NewLogger(cfg, console)
		current.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger installs the global logger on stderr; stdout carries reports.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stderr))
}

// ResetForTest forgets the global logger so the next Initialize takes effect.
func ResetForTest() {
	current.Store(nil)
	initOnce = sync.Once{}
}

// GetLogger returns the global logger. Before initialization it returns a
// stderr logger named "fallback" with default settings.
func GetLogger() *zap.Logger {
	if logger := current.Load(); logger != nil {
		return logger
	}
	fallback := NewLogger(config.LoggerConfig{Level: "info", Format: "console"}, zapcore.Lock(os.Stderr)).Named("fallback")
	fallback.Debug("Global logger requested before initialization.")
	return fallback
}

// Sync flushes the global logger. Terminals and pipes reject fsync on most
// platforms; those errors are dropped.
func Sync() {
	logger := current.Load()
	if logger == nil {
		return
	}
	err := logger.Sync()
	if err == nil || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.ENOTSUP) {
		return
	}
	fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
}
