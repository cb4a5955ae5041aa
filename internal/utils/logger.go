// Package utils provides logging and small shared helpers for the gateway.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset   = "\033[0m"
	colorBright  = "\033[1m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorGray    = "\033[90m"
)

// LogLevel represents the log level
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelSuccess LogLevel = "SUCCESS"
	LogLevelWarn    LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelDebug   LogLevel = "DEBUG"
)

// Logger writes leveled, colored messages to stdout and, when file output is
// enabled, plain-text copies to a daily log file (app.log.<YYYY-MM-DD>).
type Logger struct {
	mu             sync.Mutex
	isDebugEnabled bool

	fileDir  string
	file     *os.File
	fileDate string
}

// NewLogger creates a new Logger instance
func NewLogger() *Logger {
	return &Logger{}
}

// SetDebug enables or disables debug mode
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isDebugEnabled = enabled
}

// IsDebugEnabled returns whether debug mode is enabled
func (l *Logger) IsDebugEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isDebugEnabled
}

// EnableFileOutput mirrors every log line into dir/app.log.<date>.
// The file rolls over when the local date changes.
func (l *Logger) EnableFileOutput(dir string) error {
	if err := EnsureDir(dir); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fileDir = dir
	return l.rotateLocked(time.Now())
}

// rotateLocked opens the log file for the given day. Caller holds l.mu.
func (l *Logger) rotateLocked(now time.Time) error {
	date := now.Format("2006-01-02")
	if l.file != nil && l.fileDate == date {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	path := filepath.Join(l.fileDir, "app.log."+date)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	l.fileDate = date
	return nil
}

// Close releases the log file handle if one is open.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// print formats and prints a log message
func (l *Logger) print(level LogLevel, color string, message string, args ...interface{}) {
	now := time.Now()
	timestampStr := now.UTC().Format(time.RFC3339Nano)
	formattedMessage := fmt.Sprintf(message, args...)

	fmt.Fprintf(os.Stdout, "%s[%s]%s %s[%s]%s %s\n",
		colorGray, timestampStr, colorReset,
		color, level, colorReset,
		formattedMessage)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileDir == "" {
		return
	}
	if err := l.rotateLocked(now); err != nil {
		return
	}
	fmt.Fprintf(l.file, "[%s] [%s] %s\n", timestampStr, level, formattedMessage)
}

// Info logs a standard info message
func (l *Logger) Info(message string, args ...interface{}) {
	l.print(LogLevelInfo, colorBlue, message, args...)
}

// Success logs a success message
func (l *Logger) Success(message string, args ...interface{}) {
	l.print(LogLevelSuccess, colorGreen, message, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, args ...interface{}) {
	l.print(LogLevelWarn, colorYellow, message, args...)
}

// Error logs an error message
func (l *Logger) Error(message string, args ...interface{}) {
	l.print(LogLevelError, colorRed, message, args...)
}

// Debug logs a debug message (only if debug mode is enabled)
func (l *Logger) Debug(message string, args ...interface{}) {
	if l.IsDebugEnabled() {
		l.print(LogLevelDebug, colorMagenta, message, args...)
	}
}

// Header prints a section header to stdout only
func (l *Logger) Header(title string) {
	fmt.Printf("\n%s%s=== %s ===%s\n\n", colorBright, colorCyan, title, colorReset)
}

// Global logger instance
var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = NewLogger()
	})
	return globalLogger
}

// Convenience functions using the global logger

// Info logs a standard info message using the global logger
func Info(message string, args ...interface{}) {
	GetLogger().Info(message, args...)
}

// Success logs a success message using the global logger
func Success(message string, args ...interface{}) {
	GetLogger().Success(message, args...)
}

// Warn logs a warning message using the global logger
func Warn(message string, args ...interface{}) {
	GetLogger().Warn(message, args...)
}

// Error logs an error message using the global logger
func Error(message string, args ...interface{}) {
	GetLogger().Error(message, args...)
}

// Debug logs a debug message using the global logger
func Debug(message string, args ...interface{}) {
	GetLogger().Debug(message, args...)
}

// SetDebug enables or disables debug mode on the global logger
func SetDebug(enabled bool) {
	GetLogger().SetDebug(enabled)
}

// IsDebug reports whether debug mode is enabled on the global logger
func IsDebug() bool {
	return GetLogger().IsDebugEnabled()
}

// Header prints a section header using the global logger
func Header(title string) {
	GetLogger().Header(title)
}

// EnableFileOutput enables the daily log file on the global logger
func EnableFileOutput(dir string) error {
	return GetLogger().EnableFileOutput(dir)
}
