package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineHappyPath(t *testing.T) {
	var seen []State
	m := NewMachine(func(_, to State) { seen = append(seen, to) })
	assert.Equal(t, Idle, m.State())

	for _, s := range []State{Scanning, Connecting, Monitoring, Disconnected, Reconnecting, Connecting, Monitoring, Terminated} {
		require.NoError(t, m.Transition(s), "-> %s", s)
	}
	assert.Equal(t, Terminated, m.State())
	assert.Len(t, seen, 8)
}

func TestMachineRejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		from, to State
	}{
		{Idle, Monitoring},
		{Scanning, Monitoring},
		{Monitoring, Connecting},
		{Disconnected, Monitoring},
		{Terminated, Scanning},
		{Terminated, Terminated},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			m := &Machine{state: tt.from}
			err := m.Transition(tt.to)
			assert.True(t, errors.Is(err, ErrIllegalTransition), "got %v", err)
			assert.Equal(t, tt.from, m.State())
		})
	}
}

func TestAnyStateCanTerminate(t *testing.T) {
	for s := Idle; s < Terminated; s++ {
		assert.True(t, CanTransition(s, Terminated), s.String())
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "monitoring", Monitoring.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Ceiling: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Delay(i), "attempt %d", i)
	}
	assert.Equal(t, 30*time.Second, b.Delay(1000))
}

func TestBackoffMonotoneWithoutJitter(t *testing.T) {
	b := Backoff{Base: 250 * time.Millisecond, Ceiling: 10 * time.Second}
	prev := time.Duration(0)
	for i := 0; i < 64; i++ {
		d := b.Delay(i)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, b.Ceiling)
		prev = d
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		b := Backoff{Base: time.Second, Ceiling: 8 * time.Second, Jitter: true, rand: func() float64 { return r }}
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestBackoffZeroBase(t *testing.T) {
	assert.Zero(t, Backoff{}.Delay(3))
}
