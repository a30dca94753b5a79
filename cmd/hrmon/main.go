// Command hrmon records live heart rate from a Bluetooth LE strap.
//
// Usage:
//
//	hrmon scan    [flags]   list nearby heart-rate devices
//	hrmon monitor [flags]   connect, display and record until stopped
//	hrmon init              write the default config file
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/chaz8081/hrmon/internal/ble"
	"github.com/chaz8081/hrmon/internal/config"
	"github.com/chaz8081/hrmon/internal/display"
	"github.com/chaz8081/hrmon/internal/hotkey"
	"github.com/chaz8081/hrmon/internal/logger"
	"github.com/chaz8081/hrmon/internal/publish"
	"github.com/chaz8081/hrmon/internal/recorder"
	"github.com/chaz8081/hrmon/internal/session"
	"github.com/chaz8081/hrmon/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var code int
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "scan":
		code = runScan(args)
	case "monitor":
		code = runMonitor(args)
	case "init":
		code = runInit()
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "hrmon: unknown command %q\n\n", cmd)
		usage(os.Stderr)
		code = 2
	}
	// Exit directly: gohook's C cleanup can crash on a normal return.
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: hrmon <scan|monitor|init> [flags]")
	fmt.Fprintln(w, "run 'hrmon <command> --help' for flags")
}

// setup parses args into fs and resolves the layered config:
// defaults < file < HRMON_* env < flags.
func setup(fs *pflag.FlagSet, args []string) (*config.Config, zerolog.Logger, error) {
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, zerolog.Nop(), err
	}

	path, _ := fs.GetString("config")
	cfg, used, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.ApplyFlags(fs); err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config validation: %w", err)
	}

	log := logger.Stderr(config.ParseLogLevel(cfg.LogLevel))
	if used != "" {
		log.Debug().Str("path", used).Msg("config loaded")
	} else {
		log.Debug().Msg("no config file found, using defaults")
	}
	return cfg, log, nil
}

func newAdapter(cfg *config.Config, simulate bool) ble.Adapter {
	if simulate {
		return ble.NewSimulatedAdapter()
	}
	return ble.NewTinyGoAdapter(cfg.BLE.ConnectTimeout)
}

func newConnector(cfg *config.Config, adapter ble.Adapter, log zerolog.Logger) *ble.Connector {
	return ble.NewConnector(adapter, ble.Options{
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		NamePrefixes:   cfg.BLE.NamePrefixes,
		Logger:         log,
	})
}

func runScan(args []string) int {
	fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	simulate := fs.Bool("simulate", false, "use the built-in simulated strap")
	cfg, log, err := setup(fs, args)
	if err != nil {
		return exitErr(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Scanning for heart-rate devices (%s)...\n", cfg.BLE.ScanTimeout)
	devices, err := newConnector(cfg, newAdapter(cfg, *simulate), log).Scan(ctx, cfg.BLE.ScanTimeout)
	if err != nil {
		return exitErr(err)
	}
	if len(devices) == 0 {
		fmt.Println("No heart-rate devices found. Make sure the strap is worn and broadcasting.")
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\n", name, d.Address, d.RSSI)
	}
	tw.Flush()
	if len(devices) == 1 {
		fmt.Println("One device found; 'hrmon monitor' will select it automatically.")
	}
	return 0
}

func runInit() int {
	path, err := config.WriteDefault()
	if err != nil {
		return exitErr(err)
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return 0
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return 0
}

func runMonitor(args []string) int {
	fs := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	simulate := fs.Bool("simulate", false, "use the built-in simulated strap")
	cfg, log, err := setup(fs, args)
	if err != nil {
		return exitErr(err)
	}

	id := uuid.NewString()
	start := time.Now()
	log = log.With().Str("session", id).Logger()

	writer, err := storage.Open(storage.Config{
		Backend:      cfg.Storage.Backend,
		Dir:          cfg.Storage.Dir,
		SessionID:    id,
		SessionStart: start,
		Logger:       log,
	})
	if err != nil {
		return exitErr(err)
	}
	defer writer.Close()

	rec := recorder.New(writer, recorder.Options{
		FlushEvery: cfg.Session.FlushEvery,
		Logger:     log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks := buildSinks(ctx, cfg, id, log)
	defer sinks.Close()

	printBanner(cfg, id, *simulate)

	ctrl := session.NewController(session.Options{
		SessionID:   id,
		ScanTimeout: cfg.BLE.ScanTimeout,
		Address:     cfg.BLE.Address,
		Backoff: session.Backoff{
			Base:    cfg.Session.BackoffBase,
			Ceiling: cfg.Session.BackoffCeiling,
			Jitter:  cfg.Session.Jitter,
		},
		MaxConnectAttempts:   cfg.Session.MaxConnectAttempts,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		FlushInterval:        cfg.Session.FlushInterval,
		FlushTimeout:         cfg.Session.FlushTimeout,
		OnState: func(_, to session.State) {
			if to == session.Reconnecting {
				fmt.Fprintln(os.Stderr, "Connection lost, reconnecting...")
			}
		},
		Logger: log,
		Now:    time.Now,
	}, session.FromBLE(newConnector(cfg, newAdapter(cfg, *simulate), log)), rec, sinks)

	// The global hook needs a desktop session.
	if cfg.Hotkey.Enabled && !logger.IsService() {
		startHotkey(cfg.Hotkey.Keys, ctrl, log)
	}

	rep, runErr := ctrl.Run(ctx)
	sinks.drain()

	if sinks.mqtt != nil {
		if err := sinks.mqtt.PublishSummary(rep.Stats, rep.Duration()); err != nil {
			log.Warn().Err(err).Msg("[PUBLISH] summary not sent")
		}
	}

	printSummary(os.Stdout, rep, cfg)
	if runErr != nil {
		if errors.Is(runErr, session.ErrNoDevices) {
			fmt.Fprintln(os.Stderr, "No heart-rate devices found. Run 'hrmon scan' to check.")
		}
		return exitErr(runErr)
	}
	return 0
}

// sinkSet is the terminal display plus any configured publishers. Each sink
// gets its own queue so a stalled broker cannot starve the terminal.
type sinkSet struct {
	display.Multi
	log     zerolog.Logger
	asyncs  []*display.Async
	closers []func()
	mqtt    *publish.MQTT

	drainOnce sync.Once
	closeOnce sync.Once
}

func (s *sinkSet) add(sink display.Sink) {
	a := display.NewAsync(sink, 64)
	s.asyncs = append(s.asyncs, a)
	s.Multi = append(s.Multi, a)
}

// drain delivers queued updates and stops the queues. Publishers stay
// connected so a summary can still be sent.
func (s *sinkSet) drain() {
	s.drainOnce.Do(func() {
		for _, a := range s.asyncs {
			a.Close()
			if n := a.Dropped(); n > 0 {
				s.log.Debug().Uint64("dropped", n).Msg("display updates skipped")
			}
		}
	})
}

func (s *sinkSet) Close() {
	s.drain()
	s.closeOnce.Do(func() {
		for _, c := range s.closers {
			c()
		}
	})
}

func buildSinks(ctx context.Context, cfg *config.Config, id string, log zerolog.Logger) *sinkSet {
	s := &sinkSet{log: log}
	s.add(display.NewTerminal(os.Stdout))

	enc := publish.Encoding(cfg.Publish.Encoding)
	if m := cfg.Publish.MQTT; m.Broker != "" {
		p, err := publish.NewMQTT(publish.MQTTConfig{
			Broker:      m.Broker,
			Username:    m.Username,
			Password:    m.Password,
			TopicPrefix: m.Topic,
			QoS:         byte(m.QoS),
			Encoding:    enc,
			Session:     id,
			Logger:      log,
		})
		if err != nil {
			log.Warn().Err(err).Msg("[PUBLISH] mqtt disabled")
		} else {
			s.mqtt = p
			s.add(p)
			s.closers = append(s.closers, p.Close)
		}
	}
	if r := cfg.Publish.Redis; r.Addr != "" {
		p, err := publish.NewRedisStream(ctx, publish.RedisConfig{
			Addr:         r.Addr,
			Password:     r.Password,
			DB:           r.DB,
			StreamPrefix: r.Stream,
			MaxLen:       r.MaxLen,
			Encoding:     enc,
			Session:      id,
			Logger:       log,
		})
		if err != nil {
			log.Warn().Err(err).Msg("[PUBLISH] redis disabled")
		} else {
			s.add(p)
			s.closers = append(s.closers, func() { _ = p.Close() })
		}
	}
	return s
}

func startHotkey(keys []string, ctrl *session.Controller, log zerolog.Logger) {
	listener, err := hotkey.NewListener(keys)
	if err != nil {
		log.Warn().Err(err).Msg("hotkey disabled")
		return
	}
	go listener.Start()
	go func() {
		if _, ok := <-listener.Presses(); ok {
			log.Info().Str("keys", listener.Combo()).Msg("stop hotkey pressed")
			ctrl.Stop()
		}
	}()
	fmt.Printf("Press %s to stop.\n", listener.Combo())
}

func printBanner(cfg *config.Config, id string, simulate bool) {
	device := "strongest signal"
	if cfg.BLE.Address != "" {
		device = cfg.BLE.Address
	}
	if simulate {
		device = "simulated strap"
	}
	fmt.Println("=== hrmon ===")
	fmt.Printf("  Session: %s\n", id)
	fmt.Printf("  Device:  %s\n", device)
	fmt.Printf("  Storage: %s (%s)\n", cfg.Storage.Backend, cfg.Storage.Dir)
	fmt.Printf("  Retry:   %d reconnects, backoff %s..%s\n",
		cfg.Session.MaxReconnectAttempts, cfg.Session.BackoffBase, cfg.Session.BackoffCeiling)
	fmt.Println("=============")
}

func printSummary(w io.Writer, rep session.Report, cfg *config.Config) {
	s := rep.Stats
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== session summary ===")
	fmt.Fprintf(w, "  Duration: %s\n", rep.Duration().Round(time.Second))
	fmt.Fprintf(w, "  Samples:  %d (dropped %d, segments %d)\n", s.Count, s.Dropped, s.Segments)
	if s.Count > 0 {
		fmt.Fprintf(w, "  Heart rate: avg %.1f, std %.1f, min %d, max %d, last %d bpm\n",
			s.Average(), s.StdDev(), s.Min, s.Max, s.Last)
	}
	switch {
	case cfg.Storage.Backend == storage.BackendNone:
		fmt.Fprintln(w, "  Recording disabled")
	case rep.FinalFlushOK:
		fmt.Fprintf(w, "  Saved %d samples under %s\n", s.Flushed, cfg.Storage.Dir)
	default:
		fmt.Fprintf(w, "  WARNING: %d samples could not be saved\n", rep.Unflushed)
	}
	fmt.Fprintf(w, "  Ended:    %s\n", rep.FinalState)
}

func exitErr(err error) int {
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(os.Stderr, "hrmon: %v\n", err)
	return 1
}
