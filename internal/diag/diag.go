// Package diag is the side-channel diagnostic logger used across the
// controller. Diagnostics never change control flow.
package diag

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

// Granular debug levels, checked by Debug.
const (
	DebugTrace = iota + 1
	DebugCycle
	DebugDetail
	DebugDump
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseLevel accepts the names returned by Level.String.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "", "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "fatal":
		return LevelFatal, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", name)
	}
}

type Config struct {
	Logger     *log.Logger
	Level      Level
	DebugLevel int
	// Prefix is prepended to every message, usually the unit name.
	Prefix string
}

// Logger is safe to use as a nil pointer; a nil Logger discards everything.
type Logger struct {
	out        *log.Logger
	level      Level
	debugLevel int
	prefix     string
	now        func() time.Time
}

func New(cfg Config) *Logger {
	out := cfg.Logger
	if out == nil {
		out = log.New(os.Stdout, "", 0)
	}
	level := cfg.Level
	if level < LevelDebug || level > LevelFatal {
		level = LevelWarning
	}
	debugLevel := 0
	if level == LevelDebug && cfg.DebugLevel > 0 {
		debugLevel = cfg.DebugLevel
	}
	return &Logger{
		out:        out,
		level:      level,
		debugLevel: debugLevel,
		prefix:     cfg.Prefix,
		now:        time.Now,
	}
}

// Discard returns a logger that writes nowhere but still evaluates levels.
func Discard() *Logger {
	return New(Config{Logger: log.New(io.Discard, "", 0)})
}

// With returns a copy of l that prefixes messages with prefix.
func (l *Logger) With(prefix string) *Logger {
	if l == nil {
		return nil
	}
	cp := *l
	if cp.prefix != "" {
		cp.prefix = cp.prefix + "/" + prefix
	} else {
		cp.prefix = prefix
	}
	return &cp
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

func (l *Logger) DebugEnabled(level int) bool {
	return l.Enabled(LevelDebug) && level <= l.debugLevel
}

func (l *Logger) Debug(level int, format string, args ...any) {
	if !l.DebugEnabled(level) {
		return
	}
	l.store(LevelDebug, format, args)
}

func (l *Logger) Info(format string, args ...any) {
	if !l.Enabled(LevelInfo) {
		return
	}
	l.store(LevelInfo, format, args)
}

func (l *Logger) Warning(format string, args ...any) {
	if !l.Enabled(LevelWarning) {
		return
	}
	l.store(LevelWarning, format, args)
}

func (l *Logger) Error(format string, args ...any) {
	if !l.Enabled(LevelError) {
		return
	}
	l.store(LevelError, format, args)
}

func (l *Logger) Fatal(format string, args ...any) {
	if !l.Enabled(LevelFatal) {
		return
	}
	l.store(LevelFatal, format, args)
}

func (l *Logger) store(level Level, format string, args []any) {
	_, file, line, _ := runtime.Caller(2)
	parts := strings.Split(file, "/")
	source := parts[len(parts)-1] + "#" + strconv.Itoa(line)

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if l.prefix != "" {
		msg = "[" + l.prefix + "] " + msg
	}
	l.out.Println(l.now().Format("2006-01-02 15:04:05") + "|" + level.String() + "|" + source + "|" + msg)
}
