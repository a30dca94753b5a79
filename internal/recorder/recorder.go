// Package recorder buffers decoded measurements, keeps running session
// statistics and flushes batches to storage.
package recorder

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaz8081/hrmon/internal/heartrate"
	"github.com/chaz8081/hrmon/internal/storage"
)

// Stats summarises a session. Average and StdDev are derived, never stored.
type Stats struct {
	Count      uint64
	Sum        uint64
	SumSquares uint64
	Min        uint16
	Max     uint16
	Last    uint16
	Dropped uint64
	Flushed uint64
	// Segments counts connected periods; a reconnect opens a new one.
	Segments int
	Started  time.Time
}

// Average returns the mean heart rate, or 0 before the first sample.
func (s Stats) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.Count)
}

// StdDev returns the sample standard deviation of the heart rate, or 0 with
// fewer than two samples.
func (s Stats) StdDev() float64 {
	if s.Count < 2 {
		return 0
	}
	n := float64(s.Count)
	mean := float64(s.Sum) / n
	v := (float64(s.SumSquares) - n*mean*mean) / (n - 1)
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

func (s *Stats) add(bpm uint16) {
	if s.Count == 0 || bpm < s.Min {
		s.Min = bpm
	}
	if bpm > s.Max {
		s.Max = bpm
	}
	s.Count++
	s.Sum += uint64(bpm)
	s.SumSquares += uint64(bpm) * uint64(bpm)
	s.Last = bpm
}

// Options configures a Recorder.
type Options struct {
	// FlushEvery is the buffered record count at which ShouldFlush reports
	// true. Zero disables the count trigger.
	FlushEvery int
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Recorder is safe for concurrent use. Record never blocks on I/O; only
// Flush talks to storage, and only one Flush runs at a time.
type Recorder struct {
	w    storage.Writer
	opts Options

	mu    sync.Mutex
	buf   []heartrate.Measurement
	stats Stats

	flushMu sync.Mutex
}

// New returns a Recorder writing to w.
func New(w storage.Writer, opts Options) *Recorder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		w:     w,
		opts:  opts,
		buf:   make([]heartrate.Measurement, 0, max(opts.FlushEvery, 16)),
		stats: Stats{Started: opts.Now()},
	}
}

// Record appends m to the buffer and folds it into the statistics.
func (r *Recorder) Record(m heartrate.Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, m)
	r.stats.add(m.HeartRate)
}

// Drop counts a sample that was received but not recorded.
func (r *Recorder) Drop() {
	r.DropN(1)
}

// DropN counts n discarded samples.
func (r *Recorder) DropN(n uint64) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Dropped += n
}

// StartSegment opens a new connected segment and returns its number,
// starting at 1.
func (r *Recorder) StartSegment() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Segments++
	return r.stats.Segments
}

// ShouldFlush reports whether the count trigger has been reached.
func (r *Recorder) ShouldFlush() bool {
	if r.opts.FlushEvery <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) >= r.opts.FlushEvery
}

// Pending returns the number of buffered, unflushed measurements.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Flush writes the current buffer as one batch. On success exactly the
// written prefix is removed, so measurements recorded during the write stay
// buffered. On failure the buffer is left intact for the next attempt.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	n := len(r.buf)
	batch := make([]heartrate.Measurement, n)
	copy(batch, r.buf)
	r.mu.Unlock()

	if n == 0 {
		return nil
	}

	start := time.Now()
	if err := r.w.WriteBatch(ctx, batch); err != nil {
		r.opts.Logger.Warn().Err(err).Int("records", n).Msg("[RECORDER] flush failed, keeping buffer")
		return fmt.Errorf("recorder: flush %d records: %w", n, err)
	}

	r.mu.Lock()
	r.buf = append(r.buf[:0:0], r.buf[n:]...)
	r.stats.Flushed += uint64(n)
	remaining := len(r.buf)
	r.mu.Unlock()

	r.opts.Logger.Debug().
		Int("records", n).
		Int("pending", remaining).
		Dur("took", time.Since(start)).
		Msg("[RECORDER] flushed")
	return nil
}

// Summary returns a snapshot of the statistics.
func (r *Recorder) Summary() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
