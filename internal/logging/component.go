package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
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
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Options configures the process-wide log sink.
type Options struct {
	Level  string
	Output io.Writer // defaults to stderr
	File   string    // optional append-only log file, written in addition to Output
}

// Sink serialises formatted log lines to one or more writers.
type Sink struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

// NewSink creates a sink writing to out at the given minimum level.
func NewSink(out io.Writer, level Level) *Sink {
	if out == nil {
		out = os.Stderr
	}
	return &Sink{out: out, level: level}
}

var (
	defaultSinkMu sync.RWMutex
	defaultSink   = NewSink(os.Stderr, LevelInfo)
)

// Configure replaces the process-wide sink used by component loggers.
// The returned function closes the log file, if one was opened.
func Configure(opts Options) (func() error, error) {
	sink := NewSink(opts.Output, ParseLevel(opts.Level))
	if path := strings.TrimSpace(opts.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink.file = file
	}

	defaultSinkMu.Lock()
	defaultSink = sink
	defaultSinkMu.Unlock()

	return func() error {
		if sink.file != nil {
			return sink.file.Close()
		}
		return nil
	}, nil
}

func currentSink() *Sink {
	defaultSinkMu.RLock()
	defer defaultSinkMu.RUnlock()
	return defaultSink
}

func (s *Sink) write(level Level, component string, depth int, format string, args ...any) {
	if level < s.level {
		return
	}

	_, file, line, ok := runtime.Caller(depth)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if component == "" {
		component = "taskflow"
	}
	message := fmt.Sprintf(format, args...)
	logLine := sanitizeLogLine(fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, level, component, file, line, message))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.out, logLine)
	if s.file != nil {
		_, _ = s.file.WriteString(logLine)
	}
}

// ComponentLogger tags every line with a component name and an optional
// identifier prefix.
type ComponentLogger struct {
	component string
	prefix    string
	sink      *Sink
}

// NewComponentLogger returns a logger scoped to component that writes to the
// process-wide sink configured by Configure.
func NewComponentLogger(component string) Logger {
	return &ComponentLogger{component: component}
}

// NewSinkLogger returns a component logger bound to an explicit sink.
func NewSinkLogger(component string, sink *Sink) Logger {
	return &ComponentLogger{component: component, sink: sink}
}

func (l *ComponentLogger) target() *Sink {
	if l.sink != nil {
		return l.sink
	}
	return currentSink()
}

// Debug logs a debug message.
func (l *ComponentLogger) Debug(format string, args ...any) {
	l.target().write(LevelDebug, l.component, 2, l.prefix+format, args...)
}

// Info logs an info message.
func (l *ComponentLogger) Info(format string, args ...any) {
	l.target().write(LevelInfo, l.component, 2, l.prefix+format, args...)
}

// Warn logs a warning message.
func (l *ComponentLogger) Warn(format string, args ...any) {
	l.target().write(LevelWarn, l.component, 2, l.prefix+format, args...)
}

// Error logs an error message.
func (l *ComponentLogger) Error(format string, args ...any) {
	l.target().write(LevelError, l.component, 2, l.prefix+format, args...)
}
