package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/chaz8081/hrmon/internal/heartrate"
)

// SchemaVersion is bumped on any incompatible table change.
const SchemaVersion = 1

const (
	createTablesSQL = `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		started_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS measurements (
		session_id              TEXT NOT NULL REFERENCES sessions(id),
		segment                 INTEGER NOT NULL,
		timestamp               INTEGER NOT NULL,
		heart_rate_bpm          INTEGER NOT NULL,
		sensor_contact_detected INTEGER NOT NULL CHECK (sensor_contact_detected IN (0, 1)),
		energy_expended         INTEGER,
		rr_intervals            TEXT NOT NULL,
		mean_rr_interval_ms     REAL
	);
	CREATE INDEX IF NOT EXISTS measurements_session_ts ON measurements(session_id, timestamp);`

	insertMeasurementSQL = `
	INSERT INTO measurements (
		session_id, segment, timestamp,
		heart_rate_bpm, sensor_contact_detected, energy_expended,
		rr_intervals, mean_rr_interval_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
)

// SQLiteWriter stores each batch in a single transaction.
type SQLiteWriter struct {
	db        *sql.DB
	sessionID string
	log       zerolog.Logger
}

// NewSQLiteWriter opens (or creates) the database at path and registers the
// session.
func NewSQLiteWriter(path, sessionID string, start time.Time, log zerolog.Logger) (*SQLiteWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO sessions (id, name, started_at) VALUES (?, ?, ?)`,
		sessionID, SessionName(start), start.UTC().UnixMilli()); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: register session: %w", err)
	}

	log.Info().Str("path", path).Int("schema_version", SchemaVersion).Msg("[STORAGE] sqlite session opened")
	return &SQLiteWriter{db: db, sessionID: sessionID, log: log}, nil
}

func initSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("storage: schema: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return fmt.Errorf("storage: create tables: %w", err)
	}

	var version int
	err = tx.QueryRow(`SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`, SchemaVersion); err != nil {
			return fmt.Errorf("storage: record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("storage: read schema version: %w", err)
	case version != SchemaVersion:
		return fmt.Errorf("storage: schema version %d, want %d", version, SchemaVersion)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: schema commit: %w", err)
	}
	committed = true
	return nil
}

func (w *SQLiteWriter) WriteBatch(ctx context.Context, batch []heartrate.Measurement) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertMeasurementSQL)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("storage: prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range NewRows(batch) {
		rr, err := json.Marshal(row.RRIntervals)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: encode rr intervals: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			w.sessionID,
			row.Segment,
			row.Timestamp.UnixMilli(),
			row.HeartRateBPM,
			boolToInt(row.SensorContactDetected),
			row.EnergyExpended,
			string(rr),
			row.MeanRRIntervalMS,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	w.log.Debug().Int("rows", len(batch)).Msg("[STORAGE] batch committed")
	return nil
}

// Close checkpoints the WAL and closes the database.
func (w *SQLiteWriter) Close() error {
	if _, err := w.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		w.log.Warn().Err(err).Msg("[STORAGE] wal checkpoint failed")
	}
	return w.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
