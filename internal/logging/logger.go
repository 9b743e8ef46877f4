// Package logging provides the leveled structured logger shared by the relay
// packages. Output is JSON in production and key=value text otherwise.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Level represents the severity of a log entry
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Fields carries structured context for a log entry.
type Fields map[string]any

// Logger writes leveled entries to an io.Writer.
type Logger struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
	json     bool
}

// Entry is the JSON shape of one log line.
type Entry struct {
	Level   Level  `json:"level"`
	Time    string `json:"time"`
	Message string `json:"msg"`
	Fields  Fields `json:"fields,omitempty"`
	Error   string `json:"error,omitempty"`
	Caller  string `json:"caller,omitempty"`
}

var defaultLogger = FromEnv(os.Stdout)

// New returns a logger writing to w.
func New(w io.Writer, minLevel Level, enableJSON bool) *Logger {
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = LevelInfo
	}
	return &Logger{output: w, minLevel: minLevel, json: enableJSON}
}

// FromEnv builds a logger from RELAY_LOG_FORMAT, RELAY_LOG_LEVEL and RELAY_ENV.
func FromEnv(w io.Writer) *Logger {
	enableJSON := os.Getenv("RELAY_LOG_FORMAT") == "json" || os.Getenv("RELAY_ENV") == "production"
	return New(w, ParseLevel(os.Getenv("RELAY_LOG_LEVEL")), enableJSON)
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	default:
		return LevelInfo
	}
}

// SetDefault replaces the package-level logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

func (l *Logger) enabled(level Level) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			file = file[i+1:]
			break
		}
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (l *Logger) log(level Level, msg string, fields Fields, err error) {
	if !l.enabled(level) {
		return
	}

	entry := Entry{
		Level:   level,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Message: msg,
		Fields:  fields,
		Caller:  caller(3),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.json {
		data, _ := json.Marshal(entry)
		fmt.Fprintln(l.output, string(data))
		return
	}

	fmt.Fprintf(l.output, "[%s] %s %s", entry.Level, entry.Time, entry.Message)
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(l.output, " %s=%v", k, entry.Fields[k])
	}
	if entry.Error != "" {
		fmt.Fprintf(l.output, " error=%q", entry.Error)
	}
	fmt.Fprintln(l.output)
}

func (l *Logger) Debug(msg string, fields Fields) { l.log(LevelDebug, msg, fields, nil) }

func (l *Logger) Info(msg string, fields Fields) { l.log(LevelInfo, msg, fields, nil) }

func (l *Logger) Warn(msg string, fields Fields, err error) { l.log(LevelWarn, msg, fields, err) }

func (l *Logger) Error(msg string, fields Fields, err error) { l.log(LevelError, msg, fields, err) }

// Debug logs through the default logger.
func Debug(msg string, fields Fields) { defaultLogger.log(LevelDebug, msg, fields, nil) }

// Info logs through the default logger.
func Info(msg string, fields Fields) { defaultLogger.log(LevelInfo, msg, fields, nil) }

// Warn logs through the default logger.
func Warn(msg string, fields Fields, err error) { defaultLogger.log(LevelWarn, msg, fields, err) }

// Error logs through the default logger.
func Error(msg string, fields Fields, err error) { defaultLogger.log(LevelError, msg, fields, err) }
