// Package logging provides config-driven categorized logging for deviceNERD.
// Each subsystem logs under its own category; categories can be enabled or
// disabled individually from the device config. Output goes through zap, to
// the console and optionally to <data-dir>/logs/devd.log.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Boot/initialization
	CategoryStore      Category = "store"      // Persistent store operations
	CategoryTools      Category = "tools"      // Tool registration and execution
	CategoryVM         Category = "vm"         // Bytecode VM
	CategoryRules      Category = "rules"      // Rule interpreter
	CategoryEvents     Category = "events"     // Event bus
	CategoryAutomation Category = "automation" // Automation engine
	CategoryTransport  Category = "transport"  // Transports and framing
	CategoryArena      Category = "arena"      // Memory arenas
	CategoryConfig     Category = "config"     // Configuration loading
	CategoryScript     Category = "script"     // Embedded script host
	CategoryAudit      Category = "audit"      // Execution audit store
)

// Options controls logger construction.
type Options struct {
	// Debug enables debug-level output. When false only warnings and
	// errors are emitted.
	Debug bool

	// Categories maps category name -> enabled. Nil enables everything.
	Categories map[string]bool

	// LogDir, when non-empty, adds a JSON file sink at LogDir/devd.log.
	LogDir string

	// Console disables the stderr sink when false.
	Console bool
}

// Logger is a category-bound printf-style logger.
type Logger struct {
	category Category
	s        *zap.SugaredLogger
	enabled  bool
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	opts    = Options{Console: true}
	loggers = map[Category]*Logger{}
)

// Initialize builds the process logger. Safe to call more than once; later
// calls replace the sinks (used by config hot-reload).
func Initialize(o Options) error {
	cores := []zapcore.Core{}

	level := zapcore.WarnLevel
	if o.Debug {
		level = zapcore.DebugLevel
	}

	if o.Console {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	if o.LogDir != "" {
		if err := os.MkdirAll(o.LogDir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(o.LogDir, "devd.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(f),
			level,
		))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(cores) == 0 {
		root = zap.NewNop()
	} else {
		root = zap.New(zapcore.NewTee(cores...))
	}
	opts = o
	loggers = map[Category]*Logger{}
	return nil
}

// SetRoot replaces the underlying zap logger. Used by tests and by hosts
// that already own a zap instance.
func SetRoot(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	loggers = map[Category]*Logger{}
}

// IsCategoryEnabled reports whether a category emits logs.
func IsCategoryEnabled(c Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(c)
}

func categoryEnabledLocked(c Category) bool {
	if opts.Categories == nil {
		return true
	}
	enabled, ok := opts.Categories[string(c)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns the logger for a category. Disabled categories get a no-op
// logger so call sites never need to check.
func Get(c Category) *Logger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	l := &Logger{
		category: c,
		s:        root.Named(string(c)).WithOptions(zap.AddCallerSkip(1)).Sugar(),
		enabled:  categoryEnabledLocked(c),
	}
	loggers[c] = l
	return l
}

func (l *Logger) Debug(format string, args ...any) {
	if l.enabled {
		l.s.Debugf(format, args...)
	}
}

func (l *Logger) Info(format string, args ...any) {
	if l.enabled {
		l.s.Infof(format, args...)
	}
}

func (l *Logger) Warn(format string, args ...any) {
	if l.enabled {
		l.s.Warnf(format, args...)
	}
}

func (l *Logger) Error(format string, args ...any) {
	if l.enabled {
		l.s.Errorf(format, args...)
	}
}

// Category shortcuts used by the hot paths.

func StoreDebug(format string, args ...any)      { Get(CategoryStore).Debug(format, args...) }
func ToolsDebug(format string, args ...any)      { Get(CategoryTools).Debug(format, args...) }
func VMDebug(format string, args ...any)         { Get(CategoryVM).Debug(format, args...) }
func EventsDebug(format string, args ...any)     { Get(CategoryEvents).Debug(format, args...) }
func AutomationDebug(format string, args ...any) { Get(CategoryAutomation).Debug(format, args...) }
