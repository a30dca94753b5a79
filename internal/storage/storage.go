// Package storage persists batches of heart-rate measurements.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaz8081/hrmon/internal/heartrate"
)

// Writer persists measurement batches. A successful WriteBatch means the
// whole batch is durable; a failed one leaves nothing behind that a retry
// would duplicate.
type Writer interface {
	WriteBatch(ctx context.Context, batch []heartrate.Measurement) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendParquet = "parquet"
	BackendSQLite  = "sqlite"
	BackendNone    = "none"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("storage: unknown backend")

// Config selects and parameterises a backend.
type Config struct {
	Backend string
	Dir     string
	// SessionID and SessionStart key everything a session writes.
	SessionID    string
	SessionStart time.Time
	Logger       zerolog.Logger
}

// SessionName is the stable key derived from the session start time,
// e.g. hr_session_20260301_073000.
func SessionName(start time.Time) string {
	return "hr_session_" + start.Format("20060102_150405")
}

// Open returns the Writer for cfg.Backend.
func Open(cfg Config) (Writer, error) {
	switch cfg.Backend {
	case BackendParquet, "":
		return NewParquetWriter(filepath.Join(cfg.Dir, SessionName(cfg.SessionStart)), cfg.Logger)
	case BackendSQLite:
		return NewSQLiteWriter(filepath.Join(cfg.Dir, "hrmon.db"), cfg.SessionID, cfg.SessionStart, cfg.Logger)
	case BackendNone:
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Discard accepts and drops every batch. Used with --no-record.
type Discard struct{}

func (Discard) WriteBatch(ctx context.Context, _ []heartrate.Measurement) error { return ctx.Err() }
func (Discard) Close() error                                                   { return nil }
