// Package logging provides config-driven categorized file-based logging for Nancy.
// Logs are written to .nancy/logs/ with separate files per category.
// The level and per-category switches come from the logging section of the
// loaded config; before Initialize every call collapses to a no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup/shutdown lifecycle
	CategoryConfig    Category = "config"    // Configuration loading
	CategoryPacket    Category = "packet"    // Knowledge packet validation and processing
	CategoryStore     Category = "store"     // Storage brain operations
	CategoryVector    Category = "vector"    // Vector brain operations
	CategoryGraph     Category = "graph"     // Graph brain operations
	CategoryLLM       Category = "llm"       // Linguistic model API calls
	CategoryIntent    Category = "intent"    // Query intent analysis
	CategorySynth     Category = "synth"     // Response synthesis
	CategoryRouter    Category = "router"    // Query routing decisions
	CategoryExtractor Category = "extractor" // Extractor worker supervision and RPC
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryCache     Category = "cache"     // Query result cache
	CategoryWatcher   Category = "watcher"   // Directory change detection
)

// Options controls logger behavior. Mirrors config.LoggingConfig to avoid a
// circular import between logging and config.
type Options struct {
	Level      string          `json:"level"`
	Structured bool            `json:"structured"`
	LogQueries bool            `json:"log_queries"`
	Categories map[string]bool `json:"categories"`
}

// StructuredLogEntry is the JSON form of a log line when structured output is
// enabled.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory. Should be called once at startup
// with the workspace path and the logging section of the loaded config.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	optsMu.Lock()
	opts = o
	logLevel = parseLevel(o.Level)
	optsMu.Unlock()

	logsDir = filepath.Join(workspace, ".nancy", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== Nancy logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Level: %s structured=%v", o.Level, o.Structured)
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel adjusts the log level at runtime.
func SetLevel(level string) {
	optsMu.Lock()
	defer optsMu.Unlock()
	logLevel = parseLevel(level)
	opts.Level = level
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger before Initialize or when the category is disabled.
func Get(category Category) *Logger {
	if logsDir == "" || !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) write(levelNum int, level, format string, args ...interface{}) {
	if l.logger == nil || logLevel > levelNum {
		return
	}
	msg := fmt.Sprintf(format, args...)
	optsMu.RLock()
	structured := opts.Structured
	optsMu.RUnlock()
	if structured {
		l.logJSON(level, msg)
	} else {
		l.logger.Printf("[%s] %s", level, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// StructuredLog writes a fully structured entry with custom fields, regardless
// of the structured flag. Used for query audit lines when log_queries is on.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
		return
	}
	l.logger.Printf("%s", data)
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for cat, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
		delete(loggers, cat)
	}
}

// =============================================================================
// CATEGORY CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs debug to the boot category.
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// Packet logs to the packet category.
func Packet(format string, args ...interface{}) { Get(CategoryPacket).Info(format, args...) }

// PacketDebug logs debug to the packet category.
func PacketDebug(format string, args ...interface{}) { Get(CategoryPacket).Debug(format, args...) }

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Router logs to the router category.
func Router(format string, args ...interface{}) { Get(CategoryRouter).Info(format, args...) }

// RouterDebug logs debug to the router category.
func RouterDebug(format string, args ...interface{}) { Get(CategoryRouter).Debug(format, args...) }

// Extractor logs to the extractor category.
func Extractor(format string, args ...interface{}) { Get(CategoryExtractor).Info(format, args...) }

// ExtractorDebug logs debug to the extractor category.
func ExtractorDebug(format string, args ...interface{}) {
	Get(CategoryExtractor).Debug(format, args...)
}

// Intent logs to the intent category.
func Intent(format string, args ...interface{}) { Get(CategoryIntent).Info(format, args...) }

// IntentDebug logs debug to the intent category.
func IntentDebug(format string, args ...interface{}) { Get(CategoryIntent).Debug(format, args...) }

// Embedding logs to the embedding category.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs debug to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
