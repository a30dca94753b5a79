package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/hrmon/internal/heartrate"
)

var sessionStart = time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)

func sampleBatch() []heartrate.Measurement {
	ee := uint16(42)
	return []heartrate.Measurement{
		{Timestamp: sessionStart.Add(time.Second), HeartRate: 72, Contact: heartrate.ContactDetected, RRIntervals: []uint16{900, 880}, Segment: 1},
		{Timestamp: sessionStart.Add(2 * time.Second), HeartRate: 300, Format: heartrate.FormatUint16, EnergyExpended: &ee, Segment: 1},
	}
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "hr_session_20260301_073000", SessionName(sessionStart))
}

func TestNewRow(t *testing.T) {
	rows := NewRows(sampleBatch())
	require.Len(t, rows, 2)

	assert.Equal(t, int32(72), rows[0].HeartRateBPM)
	assert.True(t, rows[0].SensorContactDetected)
	assert.Equal(t, []int32{900, 880}, rows[0].RRIntervals)
	require.NotNil(t, rows[0].MeanRRIntervalMS)
	assert.InDelta(t, 869.14, *rows[0].MeanRRIntervalMS, 0.01)
	assert.Nil(t, rows[0].EnergyExpended)

	assert.Empty(t, rows[1].RRIntervals)
	assert.Nil(t, rows[1].MeanRRIntervalMS)
	require.NotNil(t, rows[1].EnergyExpended)
	assert.Equal(t, int32(42), *rows[1].EnergyExpended)
}

func TestParquetWriterPersistsBatches(t *testing.T) {
	dir := filepath.Join(t.TempDir(), SessionName(sessionStart))
	w, err := NewParquetWriter(dir, zerolog.Nop())
	require.NoError(t, err)

	batch := sampleBatch()
	require.NoError(t, w.WriteBatch(context.Background(), batch[:1]))
	require.NoError(t, w.WriteBatch(context.Background(), batch[1:]))
	require.NoError(t, w.WriteBatch(context.Background(), nil))
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "part-00000.parquet"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "part-00001.parquet"))
	require.NoError(t, err)
	tmps, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, tmps)

	rows, err := ReadSession(dir)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int32(72), rows[0].HeartRateBPM)
	assert.True(t, rows[0].Timestamp.Equal(sessionStart.Add(time.Second)))
	assert.Equal(t, int32(300), rows[1].HeartRateBPM)
}

func TestParquetWriterContinuesNumbering(t *testing.T) {
	dir := t.TempDir()
	w, err := NewParquetWriter(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(context.Background(), sampleBatch()))

	w2, err := NewParquetWriter(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w2.WriteBatch(context.Background(), sampleBatch()))

	rows, err := ReadSession(dir)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestParquetWriterSkipsPastNumberingGap(t *testing.T) {
	dir := t.TempDir()
	w, err := NewParquetWriter(dir, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteBatch(context.Background(), sampleBatch()[:1]))
	}
	require.NoError(t, os.Remove(filepath.Join(dir, "part-00001.parquet")))

	w2, err := NewParquetWriter(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w2.WriteBatch(context.Background(), sampleBatch()))

	assert.FileExists(t, filepath.Join(dir, "part-00003.parquet"))
	rows, err := ReadSession(dir)
	require.NoError(t, err)
	assert.Len(t, rows, 4, "parts 0 and 2 survive alongside the new part")
}

func TestNextPart(t *testing.T) {
	assert.Equal(t, 0, nextPart(nil))
	assert.Equal(t, 6, nextPart([]string{"/d/part-00000.parquet", "/d/part-00005.parquet", "/d/part-00002.parquet"}))
	assert.Equal(t, 1, nextPart([]string{"/d/part-00000.parquet", "/d/part-x.parquet"}))
}

func TestParquetWriterHonoursCancelledContext(t *testing.T) {
	w, err := NewParquetWriter(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.WriteBatch(ctx, sampleBatch()), context.Canceled)
}

func TestSQLiteWriterPersistsBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hrmon.db")
	w, err := NewSQLiteWriter(path, "session-1", sessionStart, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(context.Background(), sampleBatch()))
	require.NoError(t, w.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM measurements WHERE session_id = ?`, "session-1").Scan(&count))
	assert.Equal(t, 2, count)

	var (
		rr   string
		mean sql.NullFloat64
		ee   sql.NullInt64
	)
	require.NoError(t, db.QueryRow(
		`SELECT rr_intervals, mean_rr_interval_ms, energy_expended FROM measurements ORDER BY timestamp LIMIT 1`,
	).Scan(&rr, &mean, &ee))
	assert.Equal(t, "[900,880]", rr)
	assert.True(t, mean.Valid)
	assert.InDelta(t, 869.14, mean.Float64, 0.01)
	assert.False(t, ee.Valid)

	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM sessions WHERE id = ?`, "session-1").Scan(&name))
	assert.Equal(t, "hr_session_20260301_073000", name)
}

func TestSQLiteWriterReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hrmon.db")
	w, err := NewSQLiteWriter(path, "a", sessionStart, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = NewSQLiteWriter(path, "b", sessionStart.Add(time.Hour), zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, w.Close())
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(Config{Backend: BackendParquet, Dir: dir, SessionStart: sessionStart, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.IsType(t, &ParquetWriter{}, w)
	assert.DirExists(t, filepath.Join(dir, "hr_session_20260301_073000"))

	w, err = Open(Config{Backend: BackendNone})
	require.NoError(t, err)
	assert.NoError(t, w.WriteBatch(context.Background(), sampleBatch()))

	_, err = Open(Config{Backend: "csv"})
	assert.True(t, errors.Is(err, ErrUnknownBackend))
}
