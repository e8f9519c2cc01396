// Package config provides TOML configuration file loading and parsing for the
// daemon. The configuration file lives at ~/.sleepd/config.toml by default,
// but can be overridden with the --config flag. CLI flags always take
// precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the control server.
	// Default: 127.0.0.1:7979
	Addr string `toml:"addr"`

	// TLSCert is the path to the TLS certificate file.
	// Default: ~/.sleepd/certs/sleepd.crt (auto-generated if missing)
	TLSCert string `toml:"tls_cert"`

	// TLSKey is the path to the TLS key file.
	// Default: ~/.sleepd/certs/sleepd.key (auto-generated if missing)
	TLSKey string `toml:"tls_key"`

	// Database is the path to the SQLite database holding transition
	// history, wake events and paired devices.
	// Default: ~/.sleepd/sleepd.db
	Database string `toml:"database"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// RequireAuth enables token-based authentication for control
	// connections. Default: false
	RequireAuth bool `toml:"require_auth"`

	// Daemon runs sleepd as a background daemon.
	// Default: false
	Daemon bool `toml:"daemon"`

	// PIDFile is the path to write the daemon PID file.
	// Default: ~/.sleepd/sleepd.pid
	PIDFile string `toml:"pid_file"`

	// LogFile is the path for daemon log output.
	// Default: ~/.sleepd/sleepd.log
	LogFile string `toml:"log_file"`

	// MdnsEnabled enables mDNS/Bonjour service advertisement.
	// When true, the daemon advertises itself on the local network,
	// allowing control clients to discover it without manual IP entry.
	// Discovery only reveals presence; pairing codes are still required.
	// Default: false (disabled for security - must be explicitly enabled)
	MdnsEnabled bool `toml:"mdns_enabled"`

	// Pair generates and displays a pairing code during startup.
	// When true, eliminates the need to run 'sleepd pair' separately.
	// Default: false
	Pair bool `toml:"pair"`

	// QR displays the pairing code as a QR code (requires Pair to be true).
	// Default: false
	QR bool `toml:"qr"`

	// PairSocket is the unix socket the running daemon serves pairing
	// requests on. Default: ~/.sleepd/pair.sock
	PairSocket string `toml:"pair_socket"`

	// PlatformRoot is the sysfs power directory the platform backend
	// drives. Default: /sys/power
	PlatformRoot string `toml:"platform_root"`

	// SimulatePlatform replaces the sysfs backend with a recording
	// one. Transitions run the full state machine but never touch the
	// hardware. Default: false
	SimulatePlatform bool `toml:"simulate_platform"`

	// MemSleepMode selects the mem variant before a mem transition:
	// s2idle, shallow or deep. Empty leaves the platform's choice
	// untouched.
	MemSleepMode string `toml:"mem_sleep_mode"`

	// MaxReentries caps how many times a platform's suspend-again
	// request may re-enter the sleep state within one transition.
	// 0 means unbounded. Default: 0
	MaxReentries int `toml:"max_reentries"`

	// TestDelayMs is how long an armed debug checkpoint holds before
	// unwinding, in milliseconds. 0 means the built-in 5000.
	TestDelayMs int `toml:"test_delay_ms"`

	// WatchdogSec arms the lingering-awake watchdog with the given
	// period in seconds. 0 disables it. Default: 0
	WatchdogSec int `toml:"watchdog_sec"`

	// FreezeUserPids lists process-tree roots frozen as user tasks
	// during the prepare stage. Each entry freezes the process and all
	// its descendants.
	FreezeUserPids []int `toml:"freeze_user_pids"`

	// FreezeServicePids lists process-tree roots frozen as service
	// tasks, after the user side.
	FreezeServicePids []int `toml:"freeze_service_pids"`

	// SkipSync skips the filesystem sync before the prepare stage.
	// Default: false
	SkipSync bool `toml:"skip_sync"`

	// HistoryLimit caps how many transition rows history queries
	// return. 0 means the built-in 50.
	HistoryLimit int `toml:"history_limit"`
}

// Validate checks field values that have a constrained range. Zero
// values mean "use default" and always pass.
func (c *Config) Validate() error {
	if c.MaxReentries < 0 {
		return fmt.Errorf("max_reentries must be >= 0, got %d", c.MaxReentries)
	}
	if c.WatchdogSec < 0 {
		return fmt.Errorf("watchdog_sec must be >= 0, got %d", c.WatchdogSec)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must be >= 0, got %d", c.HistoryLimit)
	}
	switch c.MemSleepMode {
	case "", "s2idle", "shallow", "deep":
	default:
		return fmt.Errorf("mem_sleep_mode must be s2idle, shallow or deep, got %q", c.MemSleepMode)
	}
	for _, pid := range c.FreezeUserPids {
		if pid <= 0 {
			return fmt.Errorf("freeze_user_pids entries must be > 0, got %d", pid)
		}
	}
	for _, pid := range c.FreezeServicePids {
		if pid <= 0 {
			return fmt.Errorf("freeze_service_pids entries must be > 0, got %d", pid)
		}
	}
	return nil
}

// DefaultConfigPath returns the default config file location: ~/.sleepd/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".sleepd", "config.toml"), nil
}

// DefaultPairSocketPath returns the default pairing socket location:
// ~/.sleepd/pair.sock.
func DefaultPairSocketPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".sleepd", "pair.sock"), nil
}

// WriteDefault creates a config file with network-control defaults at the
// given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	// Check if file already exists - never overwrite
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, nothing to do
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# sleepd configuration
# Created by 'sleepd start' for network-control defaults

# Listen on all interfaces for LAN access
addr = "0.0.0.0:7979"

# Require authentication for security
require_auth = true
`

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.sleepd/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		// This allows the daemon to start without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			// Can't determine home dir, return empty config
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			// Default config doesn't exist, that's fine
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		// This matches user expectation: if they specify a config file, it should exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
