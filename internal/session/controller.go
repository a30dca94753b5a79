// Package session drives one heart-rate monitoring session: discovery,
// connection, the monitor loop, reconnection and orderly termination.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaz8081/hrmon/internal/ble"
	"github.com/chaz8081/hrmon/internal/heartrate"
	"github.com/chaz8081/hrmon/internal/recorder"
)

var (
	// ErrNoDevices means the scan finished without a usable device.
	ErrNoDevices = errors.New("session: no heart-rate devices found")
	// ErrConnectExhausted means the initial connect ran out of attempts.
	ErrConnectExhausted = errors.New("session: connect attempts exhausted")
	// ErrReconnectExhausted means the link dropped and could not be restored.
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")
	// ErrFinalFlush means buffered measurements could not be persisted at
	// the end of the session.
	ErrFinalFlush = errors.New("session: final flush failed")
)

// Link is an open, subscribed device connection.
type Link interface {
	Device() ble.Device
	Notifications() <-chan ble.RawNotification
	Events() <-chan ble.ConnectionEvent
	Overflow() uint64
	Late() uint64
	// Unsubscribe stops delivery and closes both channels; Close then
	// releases the connection.
	Unsubscribe()
	Close() error
}

// Connector discovers devices and opens Links.
type Connector interface {
	Scan(ctx context.Context, timeout time.Duration) ([]ble.Device, error)
	Connect(ctx context.Context, dev ble.Device) (Link, error)
}

// Display observes recorded measurements. Show must not block.
type Display interface {
	Show(m heartrate.Measurement, stats recorder.Stats)
}

type bleConnector struct{ c *ble.Connector }

// FromBLE adapts a ble.Connector to Connector.
func FromBLE(c *ble.Connector) Connector { return bleConnector{c} }

func (b bleConnector) Scan(ctx context.Context, timeout time.Duration) ([]ble.Device, error) {
	return b.c.Scan(ctx, timeout)
}

func (b bleConnector) Connect(ctx context.Context, dev ble.Device) (Link, error) {
	l, err := b.c.Connect(ctx, dev)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Options configures a Controller.
type Options struct {
	// SessionID labels logs, storage and published data; empty generates a
	// random UUID.
	SessionID string

	ScanTimeout time.Duration
	// Address selects a specific device; empty picks the strongest signal.
	Address string

	Backoff              Backoff
	MaxConnectAttempts   int
	MaxReconnectAttempts int

	// FlushInterval triggers a periodic flush; zero disables it.
	FlushInterval time.Duration
	// FlushTimeout bounds every storage write and the shutdown wait.
	FlushTimeout time.Duration

	// OnState is called after every state change.
	OnState func(from, to State)
	Logger  zerolog.Logger
	Now     func() time.Time
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:          10 * time.Second,
		Backoff:              DefaultBackoff(),
		MaxConnectAttempts:   3,
		MaxReconnectAttempts: 5,
		FlushInterval:        30 * time.Second,
		FlushTimeout:         10 * time.Second,
		Logger:               zerolog.Nop(),
	}
}

// Report is the outcome of Run.
type Report struct {
	SessionID  string
	Device     ble.Device
	Start      time.Time
	End        time.Time
	Stats      recorder.Stats
	FinalState State
	// Err is the terminal failure, nil after an operator stop.
	Err error
	// FinalFlushOK is false when measurements were left unpersisted.
	FinalFlushOK bool
	Unflushed    int
}

// Duration is End minus Start.
func (r Report) Duration() time.Duration { return r.End.Sub(r.Start) }

// Controller owns the state machine, the active link and the flush
// schedule of one session. Run may be called once.
type Controller struct {
	opts Options
	conn Connector
	rec  *recorder.Recorder
	disp Display
	log  zerolog.Logger

	id      string
	machine *Machine

	link    Link
	device  ble.Device
	segment int

	flushing atomic.Bool
	flushWG  sync.WaitGroup

	stopOnce sync.Once
	stop     chan struct{}
}

// NewController wires a session. disp may be nil.
func NewController(opts Options, conn Connector, rec *recorder.Recorder, disp Display) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 10 * time.Second
	}
	if opts.MaxConnectAttempts <= 0 {
		opts.MaxConnectAttempts = 1
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}

	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	c := &Controller{
		opts: opts,
		conn: conn,
		rec:  rec,
		disp: disp,
		log:  opts.Logger.With().Str("session", id).Logger(),
		id:   id,
		stop: make(chan struct{}),
	}
	c.machine = NewMachine(c.observe)
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// State returns the current state. Safe from any goroutine.
func (c *Controller) State() State { return c.machine.State() }

// Stop requests an orderly termination, equivalent to cancelling the
// context passed to Run.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Controller) observe(from, to State) {
	c.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("[SESSION] state")
	if c.opts.OnState != nil {
		c.opts.OnState(from, to)
	}
}

// transition applies an edge the controller itself decided on; an illegal
// one is a programming error and is logged rather than propagated.
func (c *Controller) transition(to State) {
	if err := c.machine.Transition(to); err != nil {
		c.log.Error().Err(err).Msg("[SESSION] transition rejected")
	}
}

// Run drives the session until the context is cancelled, Stop is called,
// or a terminal failure occurs. The link is always released and a final
// flush attempted before Run returns.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	rep := Report{SessionID: c.id, Start: c.opts.Now()}
	c.log.Info().Msg("[SESSION] started")

	runErr := c.run(ctx)
	if runErr != nil && ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		runErr = nil
	}

	// Unsubscribe, let an in-flight flush finish, then release the radio.
	c.stopLink()
	if !errors.Is(runErr, ErrNoDevices) {
		c.transition(Terminated)
	}
	c.waitForFlush()
	c.releaseLink()

	flushErr := c.finalFlush()

	rep.Device = c.device
	rep.End = c.opts.Now()
	rep.Stats = c.rec.Summary()
	rep.FinalState = c.machine.State()
	rep.Unflushed = c.rec.Pending()
	rep.FinalFlushOK = flushErr == nil

	err := runErr
	if flushErr != nil {
		err = errors.Join(runErr, fmt.Errorf("%w: %w", ErrFinalFlush, flushErr))
	}
	rep.Err = err

	ev := c.log.Info()
	if err != nil {
		ev = c.log.Error().Err(err)
	}
	ev.Uint64("count", rep.Stats.Count).
		Uint64("dropped", rep.Stats.Dropped).
		Int("segments", rep.Stats.Segments).
		Dur("duration", rep.Duration()).
		Msg("[SESSION] finished")
	return rep, err
}

func (c *Controller) run(ctx context.Context) error {
	if err := c.establish(ctx); err != nil {
		return err
	}

	var tick <-chan time.Time
	if c.opts.FlushInterval > 0 {
		ticker := time.NewTicker(c.opts.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if !c.monitor(ctx, tick) {
			return ctx.Err()
		}
		c.transition(Disconnected)
		c.stopLink()
		c.releaseLink()
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

// establish scans, selects and connects, rescanning after each failed
// connect until MaxConnectAttempts is reached.
func (c *Controller) establish(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxConnectAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.opts.Backoff.Delay(attempt-1)); err != nil {
				return err
			}
		}

		c.transition(Scanning)
		devices, err := c.conn.Scan(ctx, c.opts.ScanTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("session: scan: %w", err)
		}
		dev, ok := SelectDevice(devices, c.opts.Address)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.transition(Idle)
			if c.opts.Address != "" {
				return fmt.Errorf("%w: %s not seen", ErrNoDevices, c.opts.Address)
			}
			return ErrNoDevices
		}

		c.transition(Connecting)
		c.device = dev
		link, err := c.conn.Connect(ctx, dev)
		if err == nil {
			c.beginSegment(link)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt+1).Int("max", c.opts.MaxConnectAttempts).Msg("[SESSION] connect failed")
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectExhausted, c.opts.MaxConnectAttempts, lastErr)
}

// reconnect restores the link to the same device. The first attempt is
// immediate, later ones back off.
func (c *Controller) reconnect(ctx context.Context) error {
	c.transition(Reconnecting)

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			delay := c.opts.Backoff.Delay(attempt - 1)
			c.log.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("[SESSION] reconnect backoff")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}

		c.transition(Connecting)
		link, err := c.conn.Connect(ctx, c.device)
		if err == nil {
			c.log.Info().Str("address", c.device.Address).Int("attempt", attempt+1).Msg("[SESSION] reconnected")
			c.beginSegment(link)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.transition(Reconnecting)
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("[SESSION] reconnect failed")
	}
	if lastErr == nil {
		return ErrReconnectExhausted
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, c.opts.MaxReconnectAttempts, lastErr)
}

func (c *Controller) beginSegment(link Link) {
	c.link = link
	c.segment = c.rec.StartSegment()
	c.transition(Monitoring)
	c.log.Info().Int("segment", c.segment).Str("address", link.Device().Address).Msg("[SESSION] monitoring")
}

// monitor consumes the active link. It returns true when the link was lost
// and false when the session is being stopped.
func (c *Controller) monitor(ctx context.Context, tick <-chan time.Time) bool {
	notes := c.link.Notifications()
	events := c.link.Events()

	for {
		// A pending link event is handled before waiting again so the
		// segment ends as soon as the link is known to be down.
		select {
		case ev, ok := <-events:
			c.linkLost(ev, ok)
			return true
		default:
		}

		select {
		case <-ctx.Done():
			c.drainBuffered(c.opts.Now())
			return false
		case ev, ok := <-events:
			c.linkLost(ev, ok)
			return true
		case n, ok := <-notes:
			if !ok {
				c.linkLost(ble.ConnectionEvent{Kind: ble.EventDisconnected, Reason: "notifications closed"}, true)
				return true
			}
			c.handle(n)
		case <-tick:
			c.startFlush()
		}
	}
}

func (c *Controller) linkLost(ev ble.ConnectionEvent, ok bool) {
	if !ok {
		ev = ble.ConnectionEvent{Kind: ble.EventDisconnected, Reason: "link closed"}
	}
	kept := c.drainBuffered(ev.At)
	c.log.Warn().
		Str("event", ev.Kind.String()).
		Str("reason", ev.Reason).
		Int("segment", c.segment).
		Int("buffered", kept).
		Msg("[SESSION] link lost")
}

// drainBuffered records every notification already queued on the link that
// was received at or before cutoff, still in Monitoring and tagged with the
// current segment. Later ones are counted as dropped. A zero cutoff keeps
// everything queued.
func (c *Controller) drainBuffered(cutoff time.Time) int {
	notes := c.link.Notifications()
	kept := 0
	for {
		select {
		case n, open := <-notes:
			if !open {
				return kept
			}
			if !cutoff.IsZero() && n.ReceivedAt.After(cutoff) {
				c.rec.Drop()
				continue
			}
			c.handle(n)
			kept++
		default:
			return kept
		}
	}
}

func (c *Controller) handle(n ble.RawNotification) {
	if c.machine.State() != Monitoring {
		c.rec.Drop()
		return
	}

	m, err := heartrate.Decode(n.Data, n.ReceivedAt)
	if err != nil {
		c.rec.Drop()
		c.log.Debug().Err(err).Str("payload", fmt.Sprintf("% x", n.Data)).Msg("[SESSION] dropping undecodable notification")
		return
	}
	m.Segment = c.segment

	c.rec.Record(m)
	if c.disp != nil {
		c.disp.Show(m, c.rec.Summary())
	}
	if c.rec.ShouldFlush() {
		c.startFlush()
	}
}

// startFlush runs a flush off the notification path. A trigger that fires
// while one is in flight is skipped; the next trigger picks up the rest.
func (c *Controller) startFlush() {
	if !c.flushing.CompareAndSwap(false, true) {
		return
	}
	c.flushWG.Add(1)
	go func() {
		defer c.flushWG.Done()
		defer c.flushing.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.FlushTimeout)
		defer cancel()
		if err := c.rec.Flush(ctx); err != nil {
			c.log.Warn().Err(err).Msg("[SESSION] flush failed, will retry")
		}
	}()
}

// stopLink unsubscribes the active link and counts what was still queued
// on it as dropped. The connection itself stays up until releaseLink.
func (c *Controller) stopLink() {
	if c.link == nil {
		return
	}
	c.link.Unsubscribe()

	var drained uint64
	for range c.link.Notifications() {
		drained++
	}
	c.rec.DropN(drained)
	if drained > 0 {
		c.log.Debug().Uint64("count", drained).Msg("[SESSION] discarded notifications received after stop")
	}
}

// releaseLink closes the connection and accounts for notifications the
// link discarded on its own.
func (c *Controller) releaseLink() {
	if c.link == nil {
		return
	}
	link := c.link
	c.link = nil

	if err := link.Close(); err != nil {
		c.log.Warn().Err(err).Msg("[SESSION] link close")
	}
	c.rec.DropN(link.Overflow() + link.Late())
}

func (c *Controller) waitForFlush() {
	done := make(chan struct{})
	go func() {
		c.flushWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.opts.FlushTimeout):
		c.log.Warn().Dur("timeout", c.opts.FlushTimeout).Msg("[SESSION] in-flight flush did not finish")
	}
}

func (c *Controller) finalFlush() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FlushTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.rec.Flush(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SelectDevice picks the device matching address (case-insensitive), or
// the strongest signal when address is empty.
func SelectDevice(devices []ble.Device, address string) (ble.Device, bool) {
	if address != "" {
		for _, d := range devices {
			if strings.EqualFold(d.Address, address) {
				return d, true
			}
		}
		return ble.Device{}, false
	}
	if len(devices) == 0 {
		return ble.Device{}, false
	}
	best := devices[0]
	for _, d := range devices[1:] {
		if d.RSSI > best.RSSI {
			best = d
		}
	}
	return best, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
