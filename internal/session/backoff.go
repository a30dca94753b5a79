package session

import (
	"math/rand"
	"time"
)

// maxShift keeps 1<<attempt from overflowing a Duration.
const maxShift = 30

// Backoff is a bounded exponential delay: Base, 2*Base, 4*Base, ... capped
// at Ceiling. With Jitter each delay is drawn uniformly from [d/2, d].
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
	Jitter  bool

	// rand returns a value in [0, 1); nil means math/rand.
	rand func() float64
}

// DefaultBackoff starts at one second and caps at thirty.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Ceiling: 30 * time.Second}
}

// Delay returns the wait before retry number attempt, counting from 0.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}

	d := b.Base << uint(attempt)
	if d <= 0 || (b.Ceiling > 0 && d > b.Ceiling) {
		d = b.Ceiling
	}

	if b.Jitter && d > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		half := d / 2
		d = half + time.Duration(r()*float64(d-half))
	}
	return d
}
