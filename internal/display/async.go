package display

import (
	"sync"
	"sync/atomic"

	"github.com/chaz8081/hrmon/internal/heartrate"
	"github.com/chaz8081/hrmon/internal/recorder"
)

type update struct {
	m     heartrate.Measurement
	stats recorder.Stats
}

// Async decouples a slow Sink from the caller. Show never blocks: when the
// queue is full the update is discarded and counted.
type Async struct {
	sink    Sink
	queue   chan update
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsync starts a goroutine delivering to sink through a queue of size.
func NewAsync(sink Sink, size int) *Async {
	if size <= 0 {
		size = 32
	}
	a := &Async{
		sink:  sink,
		queue: make(chan update, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for u := range a.queue {
		a.sink.Show(u.m, u.stats)
	}
}

// Show enqueues without blocking. It must not be called after Close.
func (a *Async) Show(m heartrate.Measurement, stats recorder.Stats) {
	select {
	case a.queue <- update{m, stats}:
	default:
		a.dropped.Add(1)
	}
}

// Dropped counts updates discarded because the sink fell behind.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close delivers what is queued and stops the goroutine.
func (a *Async) Close() {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
}
