package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Type alias for slog.Level for easier usage
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug // -4
	LevelInfo    = slog.LevelInfo  // 0
	LevelWarning = slog.LevelWarn  // 4
	LevelError   = slog.LevelError // 8
	LevelFatal   = slog.Level(12)  // 12
)

var (
	Logger          *slog.Logger
	errorSampleRate int32 = 1 // Log every error by default (configurable via ERROR_SAMPLE_RATE)
	programLevel          = new(slog.LevelVar)
)

// Counters for the metrics endpoint (incremented regardless of sampling)
var (
	TotalErrors       atomic.Int64
	TotalWarnings     atomic.Int64
	Total5xxErrors    atomic.Int64
	Total4xxErrors    atomic.Int64
	Total400Errors    atomic.Int64
	Total404Errors    atomic.Int64
	SlowRequests      atomic.Int64
	DBConnectRetries  atomic.Int64
	RuleEvalFailures  atomic.Int64
	ImportRowFailures atomic.Int64
)

func init() {
	programLevel.Set(slog.LevelInfo)

	// Get log level from environment variable (default: INFO)
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	programLevel.Set(level)

	// ERROR_SAMPLE_RATE=100 logs 1% of errors/warnings; counters still see all of them
	if sampleStr := os.Getenv("ERROR_SAMPLE_RATE"); sampleStr != "" {
		if rate, err := strconv.Atoi(sampleStr); err == nil && rate > 0 {
			atomic.StoreInt32(&errorSampleRate, int32(rate))
		}
	}

	SetOutput(os.Stdout)
}

// SetOutput replaces the package logger with a JSON logger writing to w and
// makes it the slog default.
func SetOutput(w io.Writer) {
	Logger = New(w)
	slog.SetDefault(Logger)
}

// New returns a JSON logger writing to w at the package level. TRACE and
// FATAL are rendered by name.
func New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey || len(groups) > 0 {
				return a
			}
			if level, ok := a.Value.Any().(slog.Level); ok {
				a.Value = slog.StringValue(LevelName(level))
			}
			return a
		},
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// LevelName returns the display name for level.
func LevelName(level slog.Level) string {
	switch level {
	case LevelTrace:
		return "TRACE"
	case LevelFatal:
		return "FATAL"
	default:
		return level.String()
	}
}

// SetLevel sets the minimum log level for the logger
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// SetSampleRate logs one in rate warnings and errors. Values below 1 log all.
func SetSampleRate(rate int) {
	atomic.StoreInt32(&errorSampleRate, int32(max(rate, 1)))
}

// ParseLevel converts a string level name to slog.Level. An empty string is INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (defaulting to INFO)", levelStr)
	}
}

// shouldSample returns true if we should log this message
// Uses sampling to reduce log volume (1 out of every N messages)
func shouldSample() bool {
	rate := atomic.LoadInt32(&errorSampleRate)
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// ============================================================================
// Logging Functions
// ============================================================================

// Trace logs a trace-level message
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs a debug-level message
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs an info-level message
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a warning-level message WITH SAMPLING
// The counter is always incremented, but log output is sampled
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error logs an error-level message WITH SAMPLING
// The counter is always incremented, but log output is sampled
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs a fatal-level message and exits
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}

// ============================================================================
// Counter Helpers
// ============================================================================

// ErrorHttp5xx counts an HTTP 5xx response
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx counts an HTTP 4xx response
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)

	switch status {
	case 400:
		Total400Errors.Add(1)
	case 404:
		Total404Errors.Add(1)
	}
}

// WarnSlowRequest counts a request slower than the configured threshold
func WarnSlowRequest() {
	SlowRequests.Add(1)
	TotalWarnings.Add(1)
}

// WarnDBConnectRetry counts a failed database connection attempt that will be retried
func WarnDBConnectRetry() {
	DBConnectRetries.Add(1)
	TotalWarnings.Add(1)
}

// WarnRuleFailure counts a rule that errored during evaluation
func WarnRuleFailure() {
	RuleEvalFailures.Add(1)
	TotalWarnings.Add(1)
}

// WarnImportRow counts an import row that was skipped
func WarnImportRow() {
	ImportRowFailures.Add(1)
	TotalWarnings.Add(1)
}
