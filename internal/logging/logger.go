package logging

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel converts a level name to a Level. Unknown names return false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatReader    Category = "reader"
	CatCard      Category = "card"
	CatListener  Category = "listener"
	CatTransmit  Category = "transmit"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single log record kept in memory.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stats summarizes the buffered entries.
type Stats struct {
	Total    int            `json:"total"`
	Capacity int            `json:"capacity"`
	ByLevel  map[string]int `json:"byLevel"`
}

// Logger keeps the most recent entries in a ring buffer and mirrors every
// entry to a zap console logger.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	out      *zap.Logger
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// New creates a logger holding up to size entries at or above minLevel.
func New(size int, minLevel Level) *Logger {
	if size <= 0 {
		size = 1000
	}
	return &Logger{
		entries:  make([]Entry, size),
		minLevel: minLevel,
		out:      newConsole(),
	}
}

func newConsole() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.DisableStacktrace = true
	config.DisableCaller = true

	l, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Init replaces the package logger.
func Init(size int, minLevel Level) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger != nil {
		_ = defaultLogger.out.Sync()
	}
	defaultLogger = New(size, minLevel)
}

// Get returns the package logger, creating a default one on first use.
func Get() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(1000, LevelInfo)
	}
	return defaultLogger
}

// Sync flushes the console sink.
func Sync() {
	_ = Get().out.Sync()
}

func (l *Logger) log(level Level, cat Category, msg string, data map[string]any) {
	if level < l.minLevel {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Category:  cat,
		Message:   msg,
		Data:      data,
	}

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	fields := make([]zap.Field, 0, len(data)+1)
	fields = append(fields, zap.String("category", string(cat)))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}

	switch level {
	case LevelDebug:
		l.out.Debug(msg, fields...)
	case LevelInfo:
		l.out.Info(msg, fields...)
	case LevelWarn:
		l.out.Warn(msg, fields...)
	default:
		l.out.Error(msg, fields...)
	}
}

// snapshot returns buffered entries oldest first.
func (l *Logger) snapshot() []Entry {
	if !l.full {
		out := make([]Entry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// GetEntries returns up to limit entries, newest first, optionally filtered by
// minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	all := l.snapshot()
	l.mu.RUnlock()

	result := []Entry{}
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		e := all[i]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Stats returns counts of the buffered entries.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	all := l.snapshot()
	capacity := len(l.entries)
	l.mu.RUnlock()

	s := Stats{
		Total:    len(all),
		Capacity: capacity,
		ByLevel:  make(map[string]int),
	}
	for _, e := range all {
		s.ByLevel[e.Level.String()]++
	}
	return s
}

// Clear drops all buffered entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
}

func Debug(cat Category, msg string, data map[string]any) {
	Get().log(LevelDebug, cat, msg, data)
}

func Info(cat Category, msg string, data map[string]any) {
	Get().log(LevelInfo, cat, msg, data)
}

func Warn(cat Category, msg string, data map[string]any) {
	Get().log(LevelWarn, cat, msg, data)
}

func Error(cat Category, msg string, data map[string]any) {
	Get().log(LevelError, cat, msg, data)
}
