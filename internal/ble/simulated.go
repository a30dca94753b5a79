package ble

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chaz8081/hrmon/internal/heartrate"
)

// SimulatedAdapter is an in-process heart-rate strap. It advertises one
// device and, once subscribed, emits encoded measurements every Interval.
// When DropAfter is positive the link is dropped after that many
// notifications, exercising the reconnect path.
type SimulatedAdapter struct {
	Name      string
	Address   string
	Interval  time.Duration
	DropAfter int
	Seed      int64

	mu   sync.Mutex
	rng  *rand.Rand
	bpm  float64
	ee   uint16
	tick int
}

// NewSimulatedAdapter returns a simulated strap emitting at 1 Hz.
func NewSimulatedAdapter() *SimulatedAdapter {
	return &SimulatedAdapter{
		Name:     "HRM-SIM",
		Address:  "00:00:00:00:18:0D",
		Interval: time.Second,
		Seed:     1,
	}
}

func (a *SimulatedAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rng == nil {
		a.rng = rand.New(rand.NewSource(a.Seed))
		a.bpm = 70
	}
	return nil
}

func (a *SimulatedAdapter) Scan(ctx context.Context, _ string) ([]Device, error) {
	select {
	case <-ctx.Done():
	case <-time.After(50 * time.Millisecond):
	}
	return []Device{{Name: a.Name, Address: a.Address, RSSI: -40, HasService: true}}, nil
}

func (a *SimulatedAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	if address != a.Address {
		return nil, fmt.Errorf("ble: simulated: unknown address %s", address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &simConnection{adapter: a, stop: make(chan struct{})}, nil
}

// next produces the next payload of a slow random walk around 70 bpm.
func (a *SimulatedAdapter) next() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tick++
	a.bpm += a.rng.Float64()*4 - 2
	if a.bpm < 45 {
		a.bpm = 45
	}
	if a.bpm > 190 {
		a.bpm = 190
	}
	bpm := uint16(a.bpm)
	rr := uint16(60.0 / a.bpm * heartrate.RRUnitsPerSecond)

	m := heartrate.Measurement{
		HeartRate:   bpm,
		Contact:     heartrate.ContactDetected,
		RRIntervals: []uint16{rr},
	}
	if a.tick%10 == 0 {
		a.ee++
		ee := a.ee
		m.EnergyExpended = &ee
	}
	return heartrate.Encode(m)
}

var _ Adapter = (*SimulatedAdapter)(nil)

type simConnection struct {
	adapter *SimulatedAdapter

	mu           sync.Mutex
	disconnectCb func()
	stop         chan struct{}
	stopOnce     sync.Once
}

func (c *simConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if serviceUUID != HeartRateServiceUUID {
		return nil, fmt.Errorf("ble: service %s: %w", serviceUUID, ErrNotFound)
	}
	if charUUID != HeartRateMeasurementUUID {
		return nil, fmt.Errorf("ble: characteristic %s: %w", charUUID, ErrNotFound)
	}
	return &simCharacteristic{conn: c}, nil
}

func (c *simConnection) Disconnect() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *simConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *simConnection) drop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type simCharacteristic struct {
	conn *simConnection
	once sync.Once
}

func (ch *simCharacteristic) Subscribe(cb func([]byte)) error {
	ch.once.Do(func() {
		go ch.run(cb)
	})
	return nil
}

func (ch *simCharacteristic) Unsubscribe() error {
	ch.conn.stopOnce.Do(func() { close(ch.conn.stop) })
	return nil
}

func (ch *simCharacteristic) run(cb func([]byte)) {
	a := ch.conn.adapter
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ch.conn.stop:
			return
		case <-ticker.C:
			cb(a.next())
			sent++
			if a.DropAfter > 0 && sent >= a.DropAfter {
				ch.conn.drop()
				return
			}
		}
	}
}
