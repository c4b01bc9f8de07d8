// Package logging provides config-driven categorized logging for the harness.
// Every category is a named child of one zap root logger; a category can be
// switched off in config, in which case Get returns a no-op logger.
// Until Initialize is called all loggers are no-ops, which keeps tests quiet.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot   Category = "boot"   // Startup, config and credential checks
	CategoryRun    Category = "run"    // Matrix scheduling and attempt state transitions
	CategoryStore  Category = "store"  // Attempt/label log I/O
	CategoryJudge  Category = "judge"  // Blind judge calls and parsing
	CategoryAPI    Category = "api"    // Model invocation transport
	CategoryExport Category = "export" // Merge, CSV/SQLite export, summaries
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional extra sink
	Categories map[string]bool // missing category = enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	cfg     Config
	loggers = make(map[Category]*Logger)
	sinks   []*os.File
)

// Initialize installs base as the root logger. When cfg.File is set, records
// are also written there as JSON.
func Initialize(base *zap.Logger, c Config) error {
	if base == nil {
		return fmt.Errorf("root logger required")
	}

	level, err := parseLevel(c.Level)
	if err != nil {
		return err
	}

	core := base.Core()
	var files []*os.File
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		files = append(files, f)

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		var enc zapcore.Encoder
		if strings.EqualFold(c.Format, "console") {
			enc = zapcore.NewConsoleEncoder(encCfg)
		} else {
			enc = zapcore.NewJSONEncoder(encCfg)
		}
		core = zapcore.NewTee(core, zapcore.NewCore(enc, zapcore.Lock(f), level))
	}

	mu.Lock()
	defer mu.Unlock()
	closeSinksLocked()
	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if level > zapcore.DebugLevel && core.Enabled(level-1) {
		opts = append(opts, zap.IncreaseLevel(level))
	}
	root = zap.New(core, opts...)
	cfg = c
	sinks = files
	loggers = make(map[Category]*Logger)
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: root.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// With returns a child logger carrying structured fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.Desugar().With(fields...).Sugar()}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// CloseAll flushes the root logger and closes file sinks (call at shutdown).
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	_ = root.Sync()
	closeSinksLocked()
	root = zap.NewNop()
	loggers = make(map[Category]*Logger)
}

func closeSinksLocked() {
	for _, f := range sinks {
		_ = f.Close()
	}
	sinks = nil
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// Run logs to the run category
func Run(format string, args ...interface{}) {
	Get(CategoryRun).Info(format, args...)
}

// RunDebug logs debug to the run category
func RunDebug(format string, args ...interface{}) {
	Get(CategoryRun).Debug(format, args...)
}

// RunWarn logs a warning to the run category
func RunWarn(format string, args ...interface{}) {
	Get(CategoryRun).Warn(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs a warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// Judge logs to the judge category
func Judge(format string, args ...interface{}) {
	Get(CategoryJudge).Info(format, args...)
}

// JudgeDebug logs debug to the judge category
func JudgeDebug(format string, args ...interface{}) {
	Get(CategoryJudge).Debug(format, args...)
}

// JudgeWarn logs a warning to the judge category
func JudgeWarn(format string, args ...interface{}) {
	Get(CategoryJudge).Warn(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// APIError logs an error to the api category
func APIError(format string, args ...interface{}) {
	Get(CategoryAPI).Error(format, args...)
}

// Export logs to the export category
func Export(format string, args ...interface{}) {
	Get(CategoryExport).Info(format, args...)
}

// ExportDebug logs debug to the export category
func ExportDebug(format string, args ...interface{}) {
	Get(CategoryExport).Debug(format, args...)
}

// =============================================================================
// TIMING
// =============================================================================

// Timer measures an operation and logs its duration to a category.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer starts timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level.
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}
