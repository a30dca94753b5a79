package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/chaz8081/hrmon/internal/heartrate"
)

const dirPerm = 0o755

// ParquetWriter appends each batch to a session directory as its own
// part-NNNNN.parquet file. A part becomes visible only after it has been
// fully written, so readers never observe a partial batch.
type ParquetWriter struct {
	dir string
	log zerolog.Logger

	mu   sync.Mutex
	part int
}

// NewParquetWriter creates dir if needed and continues numbering after the
// highest part already present, so a gap never leads to an overwrite.
func NewParquetWriter(dir string, log zerolog.Logger) (*ParquetWriter, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	existing, err := filepath.Glob(filepath.Join(dir, "part-*.parquet"))
	if err != nil {
		return nil, fmt.Errorf("storage: list parts: %w", err)
	}
	log.Info().Str("dir", dir).Int("parts", len(existing)).Msg("[STORAGE] parquet session opened")
	return &ParquetWriter{dir: dir, log: log, part: nextPart(existing)}, nil
}

// nextPart returns one past the highest index among part file paths.
func nextPart(paths []string) int {
	next := 0
	for _, p := range paths {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(p), "part-%d.parquet", &n); err != nil {
			continue
		}
		if n >= next {
			next = n + 1
		}
	}
	return next
}

// Dir returns the session directory.
func (w *ParquetWriter) Dir() string { return w.dir }

func (w *ParquetWriter) WriteBatch(ctx context.Context, batch []heartrate.Measurement) error {
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	destPath := filepath.Join(w.dir, fmt.Sprintf("part-%05d.parquet", w.part))
	tmpPath := destPath + ".tmp"

	if err := writeParquet(tmpPath, NewRows(batch)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: write %s: %w", filepath.Base(destPath), err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: finalize %s: %w", filepath.Base(destPath), err)
	}

	w.part++
	w.log.Debug().Str("file", destPath).Int("rows", len(batch)).Msg("[STORAGE] batch written")
	return nil
}

func writeParquet(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	pw := parquet.NewGenericWriter[Row](f)
	if _, err := pw.Write(rows); err != nil {
		f.Close()
		return err
	}
	if err := pw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *ParquetWriter) Close() error { return nil }

// ReadSession loads every row written to a parquet session directory, in
// part order.
func ReadSession(dir string) ([]Row, error) {
	parts, err := filepath.Glob(filepath.Join(dir, "part-*.parquet"))
	if err != nil {
		return nil, err
	}
	var all []Row
	for _, p := range parts {
		rows, err := parquet.ReadFile[Row](p)
		if err != nil {
			return nil, fmt.Errorf("storage: read %s: %w", filepath.Base(p), err)
		}
		all = append(all, rows...)
	}
	return all, nil
}
