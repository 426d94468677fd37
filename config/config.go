// Package config loads the server's TOML configuration: BurntSushi/toml
// decode, generated-default-file-on-first-run behavior, a Duration
// TextUnmarshaler, and an embedded version string.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configVersion = "1.0.0"

// Config is the top-level authoritative server configuration.
type Config struct {
	Version   string
	Directory string

	// Bind is the UDP/TCP address for the authoritative DNS service.
	Bind string

	LogLevel string

	// Control channel: TLS-protected, line-delimited.
	ControlBind       string
	ControlCertificate string
	ControlPrivateKey string
	ControlAccessList []string

	// MetricsBind is the plain HTTP address /metrics is exposed on
	// (IPC row's implicit observability, ambient stack
	// "Exposed over ... a mux"). Left blank to disable.
	MetricsBind string

	// Zones served. Each entry names a zone, the master list it transfers
	// from, the ACL permitted to send it NOTIFY, and the ACL it sends
	// outgoing NOTIFY to.
	Zones []ZoneConfig

	// TSIG keys referenced by name from ZoneConfig.TSIGKey.
	TSIGKeys []TSIGKeyConfig

	// XFRDReloadTimeout bounds how long the coordinator waits for a
	// reloader child/goroutine to swap in a freshly transferred zone
	// before giving up and retrying.
	XFRDReloadTimeout Duration

	// TCPQueryCountMax bounds the XFR TCP connection pool.
	TCPQueryCountMax int

	// NotifyRetryTimeout/NotifyRetryCount shape the outgoing NOTIFY
	// retry loop.
	NotifyRetryTimeout Duration
	NotifyRetryCount   int

	sVersion string
}

// ZoneConfig describes one served zone's masters, ACLs and TSIG key.
type ZoneConfig struct {
	Name    string
	Masters []string
	Notify  []string
	AllowNotify []string
	TSIGKey string
}

// TSIGKeyConfig names an HMAC key available to the xfr package.
type TSIGKeyConfig struct {
	Name      string
	Algorithm string // hmac-sha1 or hmac-sha256, 
	Secret    string // base64, as in a named.conf / tsig key file
}

// ServerVersion returns the version embedded in the loaded config file.
func (c *Config) ServerVersion() string { return c.sVersion }

// Duration wraps time.Duration so TOML values like "15s" parse via
// encoding.TextUnmarshaler instead of requiring nanosecond integers.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# The working directory. Must be writable: holds the difflog and the
# packed on-disk zone database.
directory = "db"

# Address to bind to for the authoritative DNS server (UDP and TCP).
bind = ":53"

# What kind of information should be logged [crit, error, warn, info, debug].
loglevel = "info"

# Control channel bind address, left blank to disable.
controlbind = "127.0.0.1:8952"
controlcertificate = "control.crt"
controlprivatekey = "control.key"
controlaccesslist = [
	"127.0.0.1/32",
	"::1/128",
]

# Prometheus /metrics bind address, left blank to disable.
metricsbind = "127.0.0.1:8953"

# Bounded XFR TCP connection pool size.
tcpquerycountmax = 10

# How long the coordinator waits for a reload to complete before retrying.
xfrdreloadtimeout = "30s"

# Outgoing NOTIFY retry policy.
notifyretrytimeout = "15s"
notifyretrycount = 5

# Zones served by this instance. Example:
# [[zones]]
# name = "example.com."
# masters = ["192.0.2.1:53"]
# notify = ["192.0.2.53:53"]
# allownotify = ["192.0.2.1/32"]
# tsigkey = "example-key"
zones = []

# TSIG keys available to zones above. Example:
# [[tsigkeys]]
# name = "example-key"
# algorithm = "hmac-sha256"
# secret = "base64secrethere=="
tsigkeys = []
`

// Load reads path, writing a generated default file first if it doesn't
// exist.
func Load(path, version string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: empty path")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := generate(path, version); err != nil {
			return nil, fmt.Errorf("config: generate default: %w", err)
		}
		zlog.Info("config file doesn't exist, generating one", "path", path)
	}

	cfg := new(Config)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.sVersion = version

	applyDefaults(cfg)

	if cfg.Version != "" && cfg.Version != version {
		zlog.Warn("config version mismatch, some settings may not apply",
			"configversion", cfg.Version, "serverversion", version)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Bind == "" {
		cfg.Bind = ":53"
	}
	if cfg.Directory == "" {
		cfg.Directory = "db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TCPQueryCountMax == 0 {
		cfg.TCPQueryCountMax = 10
	}
	if cfg.XFRDReloadTimeout.Duration == 0 {
		cfg.XFRDReloadTimeout.Duration = 30 * time.Second
	}
	if cfg.NotifyRetryTimeout.Duration == 0 {
		cfg.NotifyRetryTimeout.Duration = 15 * time.Second
	}
	if cfg.NotifyRetryCount == 0 {
		cfg.NotifyRetryCount = 5
	}
}

func generate(path, version string) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.WriteString(f, fmt.Sprintf(defaultConfig, version))
	return err
}

// ServerVersion is the build-time version string, set via ldflags in
// cmd/nsd's Makefile/goreleaser target; config.Load embeds it into newly
// generated files. Exported so version subcommands can print the same
// value without re-threading it through every caller.
var ServerVersion = configVersion
