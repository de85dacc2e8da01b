package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts a standard library logger to the Logger interface.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger wraps l in a structured logger. A nil l uses the default
// standard library logger. Debug lines are dropped unless debug is set.
func NewStdLogger(l *log.Logger, debug bool) *StdLogger {
	if l == nil {
		l = log.Default()
	}
	return &StdLogger{logger: l, debug: debug}
}

// Debug logs a debug-level line when debug logging is enabled.
func (s *StdLogger) Debug(msg string, fields ...Field) {
	if !s.debug {
		return
	}
	s.emit("DEBUG", msg, fields)
}

// Info logs an info-level line.
func (s *StdLogger) Info(msg string, fields ...Field) {
	s.emit("INFO", msg, fields)
}

// Error logs an error-level line.
func (s *StdLogger) Error(msg string, fields ...Field) {
	s.emit("ERROR", msg, fields)
}

func (s *StdLogger) emit(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	s.logger.Print(b.String())
}
