// Package logger implements a standardized logger with callback functionality.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level identifies the severity of a log line.
type Level int

const (
	LevelDebug Level = iota
	LevelVerbose
	LevelInfo
	LevelWarn
	LevelFatal
	numLevels
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelVerbose:
		return "VERBOSE"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARNING"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Handler is called with the log level and message text whenever a line is
// logged at that level or above.
type Handler func(l Level, msg string)

// Logger is a leveled logger with pluggable handlers, used by every package
// in this module instead of the bare standard library logger.
type Logger struct {
	out      *log.Logger
	mut      sync.Mutex
	handlers [numLevels][]Handler
}

// Default is the process-wide logger instance.
var Default = New()

// New returns a Logger writing to stdout with a time prefix, unless
// LOGGER_DISCARD is set in the environment (used by benchmarks).
func New() *Logger {
	var w io.Writer = os.Stdout
	if os.Getenv("LOGGER_DISCARD") != "" {
		w = io.Discard
	}
	return &Logger{out: log.New(w, "", log.Ltime)}
}

// AddHandler registers h to receive messages at level or above.
func (l *Logger) AddHandler(level Level, h Handler) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.handlers[level] = append(l.handlers[level], h)
}

func (l *Logger) emit(level Level, s string) {
	l.mut.Lock()
	defer l.mut.Unlock()
	_ = l.out.Output(3, level.String()+": "+s)
	for lv := LevelDebug; lv <= level; lv++ {
		for _, h := range l.handlers[lv] {
			h(level, strings.TrimSpace(s))
		}
	}
}

func (l *Logger) Debugf(format string, v ...interface{}) { l.emit(LevelDebug, fmt.Sprintf(format, v...)) }
func (l *Logger) Verbosef(format string, v ...interface{}) {
	l.emit(LevelVerbose, fmt.Sprintf(format, v...))
}
func (l *Logger) Infof(format string, v ...interface{}) { l.emit(LevelInfo, fmt.Sprintf(format, v...)) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.emit(LevelWarn, fmt.Sprintf(format, v...)) }
func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.emit(LevelFatal, fmt.Sprintf(format, v...))
	os.Exit(1)
}
