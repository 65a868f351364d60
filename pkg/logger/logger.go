package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Leveled process-wide logger used by the collaboration service.
// - backed by zap (SugaredLogger + AtomicLevel)
// - provides Debug/Info/Warn/Error/Fatal variants and Init(level)

var (
	mu    sync.RWMutex
	atom  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar = newSugar(os.Getenv("SERVER_ENVIRONMENT"))
)

func newSugar(env string) *zap.SugaredLogger {
	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(env), "production") {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atom)
	return zap.New(core).Sugar()
}

// Init sets the global log level (case-insensitive: debug, info, warn, error, fatal).
// Call early during startup. Default level is Info.
func Init(l string) {
	s := strings.ToLower(strings.TrimSpace(l))
	switch s {
	case "debug":
		atom.SetLevel(zapcore.DebugLevel)
	case "warn", "warning":
		atom.SetLevel(zapcore.WarnLevel)
	case "error":
		atom.SetLevel(zapcore.ErrorLevel)
	case "fatal":
		atom.SetLevel(zapcore.FatalLevel)
	default:
		atom.SetLevel(zapcore.InfoLevel)
	}
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// setCore swaps the output core; the level stays governed by Init.
func setCore(core zapcore.Core) func() {
	mu.Lock()
	prev := sugar
	sugar = zap.New(core).Sugar()
	mu.Unlock()
	return func() {
		mu.Lock()
		sugar = prev
		mu.Unlock()
	}
}

func Debugf(format string, v ...interface{}) { current().Debugf(format, v...) }
func Infof(format string, v ...interface{})  { current().Infof(format, v...) }
func Warnf(format string, v ...interface{})  { current().Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { current().Errorf(format, v...) }

func Fatalf(format string, v ...interface{}) {
	current().Fatalf(format, v...)
}

// Println kept for brief messages (maps to Info)
func Println(v ...interface{}) {
	current().Info(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Debug/Info/Warn/Error helpers that accept a message plus key/value pairs
func Debug(msg string, kv ...interface{}) { current().Debugw(msg, kv...) }
func Info(msg string, kv ...interface{})  { current().Infow(msg, kv...) }
func Warn(msg string, kv ...interface{})  { current().Warnw(msg, kv...) }
func Error(msg string, kv ...interface{}) { current().Errorw(msg, kv...) }

// Logger is a scoped logger carrying fixed key/value context.
type Logger struct {
	kv []interface{}
}

// With returns a scoped logger; fields are attached on every call.
func With(kv ...interface{}) *Logger {
	return &Logger{kv: append([]interface{}(nil), kv...)}
}

func (l *Logger) With(kv ...interface{}) *Logger {
	merged := make([]interface{}, 0, len(l.kv)+len(kv))
	merged = append(merged, l.kv...)
	merged = append(merged, kv...)
	return &Logger{kv: merged}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { current().With(l.kv...).Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { current().With(l.kv...).Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { current().With(l.kv...).Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { current().With(l.kv...).Errorw(msg, kv...) }

// Sync flushes buffered output.
func Sync() {
	_ = current().Sync()
}

// LevelString returns the current level as text.
func LevelString() string {
	switch atom.Level() {
	case zapcore.DebugLevel:
		return "debug"
	case zapcore.InfoLevel:
		return "info"
	case zapcore.WarnLevel:
		return "warn"
	case zapcore.ErrorLevel:
		return "error"
	case zapcore.FatalLevel:
		return "fatal"
	}
	return "info"
}
