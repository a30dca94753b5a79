package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"
)

// RegisterFlags defines the command-line overrides on fs. Defaults shown in
// help come from Default(); only flags the user actually sets are applied.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to config file (default: ~/.config/hrmon/config.yaml)")
	fs.Duration("scan-timeout", d.BLE.ScanTimeout, "how long to scan for devices")
	fs.String("address", "", "connect to this device address instead of the strongest signal")
	fs.Bool("no-record", false, "do not persist measurements")
	fs.String("output-dir", d.Storage.Dir, "directory for recorded sessions")
	fs.String("storage", d.Storage.Backend, "storage backend: parquet, sqlite, or none")
	fs.Duration("backoff-base", d.Session.BackoffBase, "initial reconnect delay")
	fs.Duration("backoff-ceiling", d.Session.BackoffCeiling, "maximum reconnect delay")
	fs.Int("max-reconnects", d.Session.MaxReconnectAttempts, "consecutive failed reconnects before giving up")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, or error")
}

// ApplyFlags copies every flag the user set on fs into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && fs.Changed(name) {
			if e := apply(); e != nil {
				err = fmt.Errorf("flag --%s: %w", name, e)
			}
		}
	}

	set("scan-timeout", func() (e error) { c.BLE.ScanTimeout, e = fs.GetDuration("scan-timeout"); return })
	set("address", func() (e error) { c.BLE.Address, e = fs.GetString("address"); return })
	set("output-dir", func() (e error) {
		var dir string
		dir, e = fs.GetString("output-dir")
		c.Storage.Dir = expandTilde(filepath.Clean(dir))
		return
	})
	set("storage", func() (e error) { c.Storage.Backend, e = fs.GetString("storage"); return })
	set("no-record", func() error {
		noRecord, e := fs.GetBool("no-record")
		if noRecord {
			c.Storage.Backend = "none"
		}
		return e
	})
	set("backoff-base", func() (e error) { c.Session.BackoffBase, e = fs.GetDuration("backoff-base"); return })
	set("backoff-ceiling", func() (e error) { c.Session.BackoffCeiling, e = fs.GetDuration("backoff-ceiling"); return })
	set("max-reconnects", func() (e error) { c.Session.MaxReconnectAttempts, e = fs.GetInt("max-reconnects"); return })
	set("log-level", func() (e error) { c.LogLevel, e = fs.GetString("log-level"); return })
	return err
}
