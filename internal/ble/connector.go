package ble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ConnectErrorKind classifies a failed connect.
type ConnectErrorKind int

const (
	ConnectTimeout ConnectErrorKind = iota
	ConnectServiceNotFound
	ConnectRefused
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "timeout"
	case ConnectServiceNotFound:
		return "service not found"
	default:
		return "refused"
	}
}

// ConnectError is returned by Connector.Connect.
type ConnectError struct {
	Kind    ConnectErrorKind
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ble: connect %s: %s: %v", e.Address, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RawNotification is one notification payload with its receipt time.
type RawNotification struct {
	Data       []byte
	ReceivedAt time.Time
}

// EventKind is the kind of an out-of-band link event.
type EventKind int

const (
	EventDisconnected EventKind = iota
	EventError
)

func (k EventKind) String() string {
	if k == EventError {
		return "error"
	}
	return "disconnected"
}

// ConnectionEvent is signalled alongside the notification stream.
type ConnectionEvent struct {
	Kind   EventKind
	Reason string
	// At is when the link noticed the event. Notifications received at or
	// before At were delivered while the link was still up.
	At time.Time
}

// Options configures the Connector.
type Options struct {
	ConnectTimeout time.Duration
	// NamePrefixes accept devices whose advertisement omits the service
	// UUID but whose local name starts with one of them.
	NamePrefixes []string
	// QueueSize bounds the notification channel of a Link.
	QueueSize int
	Logger    zerolog.Logger
	// Now stamps notifications; defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		NamePrefixes:   []string{"Garmin", "GARMIN", "HRM-"},
		QueueSize:      64,
		Logger:         zerolog.Nop(),
	}
}

// Connector discovers heart-rate peripherals and opens Links to them.
type Connector struct {
	adapter Adapter
	opts    Options

	enableOnce sync.Once
	enableErr  error
}

// NewConnector creates a Connector on top of adapter.
func NewConnector(adapter Adapter, opts Options) *Connector {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Connector{adapter: adapter, opts: opts}
}

func (c *Connector) enable() error {
	c.enableOnce.Do(func() {
		if err := c.adapter.Enable(); err != nil {
			c.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
		}
	})
	return c.enableErr
}

// Scan looks for heart-rate peripherals for at most timeout. The result is
// ordered by signal strength, strongest first. Finding nothing is not an
// error.
func (c *Connector) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.opts.Logger.Debug().Dur("timeout", timeout).Msg("[BLE] scanning")
	seen, err := c.adapter.Scan(scanCtx, HeartRateServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	var devices []Device
	for _, d := range seen {
		if d.HasService || c.matchesName(d.Name) {
			devices = append(devices, d)
		}
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })

	c.opts.Logger.Info().Int("seen", len(seen)).Int("matched", len(devices)).Msg("[BLE] scan complete")
	return devices, nil
}

func (c *Connector) matchesName(name string) bool {
	if name == "" {
		return false
	}
	for _, p := range c.opts.NamePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Connect opens a GATT connection to dev and subscribes to Heart Rate
// Measurement notifications. The returned Link must be closed.
func (c *Connector) Connect(ctx context.Context, dev Device) (*Link, error) {
	if err := c.enable(); err != nil {
		return nil, &ConnectError{Kind: ConnectRefused, Address: dev.Address, Err: err}
	}

	connCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.adapter.Connect(connCtx, dev.Address)
	if err != nil {
		kind := ConnectRefused
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ConnectTimeout
		}
		return nil, &ConnectError{Kind: kind, Address: dev.Address, Err: err}
	}

	char, err := conn.DiscoverCharacteristic(HeartRateServiceUUID, HeartRateMeasurementUUID)
	if err != nil {
		_ = conn.Disconnect()
		kind := ConnectRefused
		if errors.Is(err, ErrNotFound) {
			kind = ConnectServiceNotFound
		}
		return nil, &ConnectError{Kind: kind, Address: dev.Address, Err: err}
	}

	link := newLink(dev, conn, char, c.opts)
	conn.OnDisconnect(func() {
		link.signal(ConnectionEvent{Kind: EventDisconnected, Reason: "peer disconnected", At: link.now()})
	})

	if err := char.Subscribe(link.deliver); err != nil {
		_ = link.Close()
		return nil, &ConnectError{Kind: ConnectRefused, Address: dev.Address, Err: fmt.Errorf("subscribe: %w", err)}
	}

	c.opts.Logger.Info().Str("address", dev.Address).Str("name", dev.Name).Msg("[BLE] connected")
	return link, nil
}

// Link is one subscribed connection. Its notification sequence is not
// restartable; after a disconnect a new Link must be obtained from Connect.
type Link struct {
	device Device
	conn   Connection
	char   Characteristic
	log    zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	notes  chan RawNotification
	events chan ConnectionEvent

	unsubOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	overflow  atomic.Uint64
	late      atomic.Uint64
}

func newLink(dev Device, conn Connection, char Characteristic, opts Options) *Link {
	return &Link{
		device: dev,
		conn:   conn,
		char:   char,
		log:    opts.Logger,
		now:    opts.Now,
		notes:  make(chan RawNotification, opts.QueueSize),
		events: make(chan ConnectionEvent, 4),
	}
}

// Device returns the peer this link is connected to.
func (l *Link) Device() Device { return l.device }

// Notifications delivers raw measurement payloads. The channel is closed by
// Unsubscribe or Close; values buffered before that can still be drained.
func (l *Link) Notifications() <-chan RawNotification { return l.notes }

// Events delivers disconnects and errors. Closed with Notifications.
func (l *Link) Events() <-chan ConnectionEvent { return l.events }

// Overflow counts notifications discarded because the consumer fell behind.
func (l *Link) Overflow() uint64 { return l.overflow.Load() }

// Late counts notifications that arrived after Unsubscribe.
func (l *Link) Late() uint64 { return l.late.Load() }

// deliver runs on the adapter's callback goroutine and must not block.
func (l *Link) deliver(data []byte) {
	n := RawNotification{Data: append([]byte(nil), data...), ReceivedAt: l.now()}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.late.Add(1)
		return
	}
	select {
	case l.notes <- n:
	default:
		l.overflow.Add(1)
	}
}

func (l *Link) signal(ev ConnectionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
		l.log.Warn().Str("event", ev.Kind.String()).Msg("[BLE] event queue full, dropping event")
	}
}

// Unsubscribe stops notification delivery and closes both channels. The
// radio connection stays up until Close. It is idempotent.
func (l *Link) Unsubscribe() {
	l.unsubOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.notes)
		close(l.events)
		l.mu.Unlock()

		if err := l.char.Unsubscribe(); err != nil {
			l.log.Debug().Err(err).Msg("[BLE] unsubscribe failed")
		}
	})
}

// Close unsubscribes if needed and releases the connection. It is
// idempotent and safe to call while notifications are in flight.
func (l *Link) Close() error {
	l.Unsubscribe()
	l.closeOnce.Do(func() {
		if err := l.conn.Disconnect(); err != nil {
			l.closeErr = fmt.Errorf("ble: disconnect %s: %w", l.device.Address, err)
		}
		l.log.Info().Str("address", l.device.Address).Msg("[BLE] link released")
	})
	return l.closeErr
}
