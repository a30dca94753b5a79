// Package logger builds the zerolog logger shared by every component.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps a config log level to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("logger: unknown level %q", s)
	}
}

// New returns a logger writing to w at level. A console writer is used when
// w is an interactive terminal, JSON lines otherwise.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	out := w
	if isTerminal(w) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Stderr is New(os.Stderr, level).
func Stderr(level zerolog.Level) zerolog.Logger {
	return New(os.Stderr, level)
}

// IsService reports whether the process runs detached from a terminal, e.g.
// under systemd.
func IsService() bool {
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	return !isTerminal(os.Stdin)
}

func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
