package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoad_AllFields verifies that all config fields are parsed correctly from TOML.
func TestLoad_AllFields(t *testing.T) {
	// Create a temporary config file with all fields set
	content := `
addr = "0.0.0.0:8080"
tls_cert = "/path/to/cert.crt"
tls_key = "/path/to/key.key"
database = "/path/to/sleepd.db"
log_level = "debug"
require_auth = true
daemon = true
pid_file = "/var/run/sleepd.pid"
log_file = "/var/log/sleepd.log"
mdns_enabled = true
pair = true
qr = true
pair_socket = "/tmp/sleepd-pair.sock"
platform_root = "/tmp/fake-power"
simulate_platform = true
mem_sleep_mode = "deep"
max_reentries = 3
test_delay_ms = 250
watchdog_sec = 600
freeze_user_pids = [1200, 1300]
freeze_service_pids = [900]
skip_sync = true
history_limit = 10
`
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Verify all fields
	if cfg.Addr != "0.0.0.0:8080" {
		t.Errorf("Addr = %q, want %q", cfg.Addr, "0.0.0.0:8080")
	}
	if cfg.TLSCert != "/path/to/cert.crt" {
		t.Errorf("TLSCert = %q, want %q", cfg.TLSCert, "/path/to/cert.crt")
	}
	if cfg.TLSKey != "/path/to/key.key" {
		t.Errorf("TLSKey = %q, want %q", cfg.TLSKey, "/path/to/key.key")
	}
	if cfg.Database != "/path/to/sleepd.db" {
		t.Errorf("Database = %q, want %q", cfg.Database, "/path/to/sleepd.db")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if !cfg.RequireAuth {
		t.Error("RequireAuth = false, want true")
	}
	if !cfg.Daemon {
		t.Error("Daemon = false, want true")
	}
	if cfg.PIDFile != "/var/run/sleepd.pid" {
		t.Errorf("PIDFile = %q, want %q", cfg.PIDFile, "/var/run/sleepd.pid")
	}
	if cfg.LogFile != "/var/log/sleepd.log" {
		t.Errorf("LogFile = %q, want %q", cfg.LogFile, "/var/log/sleepd.log")
	}
	if !cfg.MdnsEnabled {
		t.Error("MdnsEnabled = false, want true")
	}
	if !cfg.Pair {
		t.Error("Pair = false, want true")
	}
	if !cfg.QR {
		t.Error("QR = false, want true")
	}
	if cfg.PairSocket != "/tmp/sleepd-pair.sock" {
		t.Errorf("PairSocket = %q, want %q", cfg.PairSocket, "/tmp/sleepd-pair.sock")
	}
	if cfg.PlatformRoot != "/tmp/fake-power" {
		t.Errorf("PlatformRoot = %q, want %q", cfg.PlatformRoot, "/tmp/fake-power")
	}
	if !cfg.SimulatePlatform {
		t.Error("SimulatePlatform = false, want true")
	}
	if cfg.MemSleepMode != "deep" {
		t.Errorf("MemSleepMode = %q, want %q", cfg.MemSleepMode, "deep")
	}
	if cfg.MaxReentries != 3 {
		t.Errorf("MaxReentries = %d, want 3", cfg.MaxReentries)
	}
	if cfg.TestDelayMs != 250 {
		t.Errorf("TestDelayMs = %d, want 250", cfg.TestDelayMs)
	}
	if cfg.WatchdogSec != 600 {
		t.Errorf("WatchdogSec = %d, want 600", cfg.WatchdogSec)
	}
	if len(cfg.FreezeUserPids) != 2 || cfg.FreezeUserPids[0] != 1200 || cfg.FreezeUserPids[1] != 1300 {
		t.Errorf("FreezeUserPids = %v, want [1200 1300]", cfg.FreezeUserPids)
	}
	if len(cfg.FreezeServicePids) != 1 || cfg.FreezeServicePids[0] != 900 {
		t.Errorf("FreezeServicePids = %v, want [900]", cfg.FreezeServicePids)
	}
	if !cfg.SkipSync {
		t.Error("SkipSync = false, want true")
	}
	if cfg.HistoryLimit != 10 {
		t.Errorf("HistoryLimit = %d, want 10", cfg.HistoryLimit)
	}
}

// TestLoad_PartialConfig verifies that a config with only some fields set
// leaves other fields at their zero values.
func TestLoad_PartialConfig(t *testing.T) {
	content := `
addr = "0.0.0.0:9090"
max_reentries = 2
`
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Specified fields should be set
	if cfg.Addr != "0.0.0.0:9090" {
		t.Errorf("Addr = %q, want %q", cfg.Addr, "0.0.0.0:9090")
	}
	if cfg.MaxReentries != 2 {
		t.Errorf("MaxReentries = %d, want 2", cfg.MaxReentries)
	}

	// Unspecified fields should be zero values
	if cfg.Database != "" {
		t.Errorf("Database = %q, want empty", cfg.Database)
	}
	if cfg.LogLevel != "" {
		t.Errorf("LogLevel = %q, want empty", cfg.LogLevel)
	}
	if cfg.RequireAuth {
		t.Error("RequireAuth = true, want false")
	}
	if cfg.Daemon {
		t.Error("Daemon = true, want false")
	}
	if cfg.MdnsEnabled {
		t.Error("MdnsEnabled = true, want false")
	}
	if cfg.SimulatePlatform {
		t.Error("SimulatePlatform = true, want false")
	}
	if cfg.PlatformRoot != "" {
		t.Errorf("PlatformRoot = %q, want empty", cfg.PlatformRoot)
	}
	if cfg.TestDelayMs != 0 {
		t.Errorf("TestDelayMs = %d, want 0", cfg.TestDelayMs)
	}
	if cfg.WatchdogSec != 0 {
		t.Errorf("WatchdogSec = %d, want 0", cfg.WatchdogSec)
	}
	if len(cfg.FreezeUserPids) != 0 {
		t.Errorf("FreezeUserPids = %v, want empty", cfg.FreezeUserPids)
	}
	if cfg.SkipSync {
		t.Error("SkipSync = true, want false")
	}
}

// TestLoad_ExplicitPath_NotFound verifies that an error is returned when
// an explicit config path is provided but the file doesn't exist.
func TestLoad_ExplicitPath_NotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

// TestLoad_EmptyPath_NoDefaultFile verifies that an empty path returns
// an empty Config without error when no default file exists.
func TestLoad_EmptyPath_NoDefaultFile(t *testing.T) {
	// Set HOME to a temp dir without config.toml
	oldHome := os.Getenv("HOME")
	defer os.Setenv("HOME", oldHome)
	os.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	// Should return empty config
	if cfg.Addr != "" {
		t.Errorf("Addr = %q, want empty", cfg.Addr)
	}
	if cfg.MaxReentries != 0 {
		t.Errorf("MaxReentries = %d, want 0", cfg.MaxReentries)
	}
}

// TestLoad_EmptyPath_DefaultFileExists verifies that an empty path loads
// from the default location when the file exists.
func TestLoad_EmptyPath_DefaultFileExists(t *testing.T) {
	// Set HOME to a temp dir and create config.toml there
	tmpHome := t.TempDir()
	oldHome := os.Getenv("HOME")
	defer os.Setenv("HOME", oldHome)
	os.Setenv("HOME", tmpHome)

	// Create .sleepd directory and config.toml
	configDir := filepath.Join(tmpHome, ".sleepd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	content := `addr = "localhost:7777"`
	configPath := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	if cfg.Addr != "localhost:7777" {
		t.Errorf("Addr = %q, want %q", cfg.Addr, "localhost:7777")
	}
}

// TestLoad_InvalidTOML verifies that a parse error is returned for invalid TOML.
func TestLoad_InvalidTOML(t *testing.T) {
	content := `
addr = "missing quote
`
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	_, err := Load(tmpFile)
	if err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

// TestDefaultConfigPath verifies the default config path format.
func TestDefaultConfigPath(t *testing.T) {
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath() error: %v", err)
	}

	// Should end with .sleepd/config.toml
	if filepath.Base(path) != "config.toml" {
		t.Errorf("DefaultConfigPath() = %q, want filename config.toml", path)
	}
	if filepath.Base(filepath.Dir(path)) != ".sleepd" {
		t.Errorf("DefaultConfigPath() = %q, want parent dir .sleepd", path)
	}
}

// TestDefaultPairSocketPath verifies the default pairing socket path format.
func TestDefaultPairSocketPath(t *testing.T) {
	path, err := DefaultPairSocketPath()
	if err != nil {
		t.Fatalf("DefaultPairSocketPath() error: %v", err)
	}

	if filepath.Base(path) != "pair.sock" {
		t.Errorf("DefaultPairSocketPath() = %q, want filename pair.sock", path)
	}
	if filepath.Base(filepath.Dir(path)) != ".sleepd" {
		t.Errorf("DefaultPairSocketPath() = %q, want parent dir .sleepd", path)
	}
}

// TestWriteDefault_CreatesFile verifies that WriteDefault creates a config file
// with network-control defaults.
func TestWriteDefault_CreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, ".sleepd", "config.toml")

	err := WriteDefault(configPath)
	if err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	// Verify file permissions (0600)
	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("File permissions = %o, want 0600", info.Mode().Perm())
	}

	// Load the config and verify defaults
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.RequireAuth {
		t.Error("RequireAuth = false, want true")
	}
	if cfg.Addr != "0.0.0.0:7979" {
		t.Errorf("Addr = %q, want %q", cfg.Addr, "0.0.0.0:7979")
	}
}

// TestWriteDefault_NoOverwrite verifies that WriteDefault does not overwrite
// an existing config file.
func TestWriteDefault_NoOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	// Create an existing config with different values
	existingContent := `addr = "127.0.0.1:9999"
require_auth = false
max_reentries = 7
`
	if err := os.WriteFile(configPath, []byte(existingContent), 0600); err != nil {
		t.Fatalf("Failed to write existing config: %v", err)
	}

	// Call WriteDefault - should not overwrite
	err := WriteDefault(configPath)
	if err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	// Verify original content is preserved
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Addr != "127.0.0.1:9999" {
		t.Errorf("Addr = %q, want %q (original should be preserved)", cfg.Addr, "127.0.0.1:9999")
	}
	if cfg.RequireAuth {
		t.Error("RequireAuth = true, want false (original should be preserved)")
	}
	if cfg.MaxReentries != 7 {
		t.Errorf("MaxReentries = %d, want 7 (original should be preserved)", cfg.MaxReentries)
	}
}

// TestWriteDefault_CreatesDirectory verifies that WriteDefault creates the
// parent directory if it doesn't exist.
func TestWriteDefault_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	// Use nested directory that doesn't exist
	configPath := filepath.Join(tmpDir, "nested", "deep", "config.toml")

	err := WriteDefault(configPath)
	if err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	// Verify directory permissions (0700)
	dirInfo, err := os.Stat(filepath.Dir(configPath))
	if err != nil {
		t.Fatalf("Stat(dir) error: %v", err)
	}
	if dirInfo.Mode().Perm() != 0700 {
		t.Errorf("Dir permissions = %o, want 0700", dirInfo.Mode().Perm())
	}
}

// TestValidate_Ranges uses table-driven tests to verify field validation
// for boundary and adversarial cases.
func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"empty_config", func(c *Config) {}, false},
		{"valid_reentries", func(c *Config) { c.MaxReentries = 5 }, false},
		{"negative_reentries", func(c *Config) { c.MaxReentries = -1 }, true},
		{"negative_watchdog", func(c *Config) { c.WatchdogSec = -30 }, true},
		{"negative_history", func(c *Config) { c.HistoryLimit = -1 }, true},
		{"valid_mem_mode", func(c *Config) { c.MemSleepMode = "s2idle" }, false},
		{"bogus_mem_mode", func(c *Config) { c.MemSleepMode = "hibernate" }, true},
		{"zero_freeze_pid", func(c *Config) { c.FreezeUserPids = []int{0} }, true},
		{"negative_service_pid", func(c *Config) { c.FreezeServicePids = []int{12, -4} }, true},
		{"valid_pid_lists", func(c *Config) {
			c.FreezeUserPids = []int{100}
			c.FreezeServicePids = []int{200}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidate_ErrorMessage verifies that validation errors include helpful details.
func TestValidate_ErrorMessage(t *testing.T) {
	cfg := &Config{MaxReentries: -5}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}

	// Error should mention the field name and the invalid value
	errMsg := err.Error()
	if !strings.Contains(errMsg, "max_reentries") {
		t.Errorf("Error message should mention field name, got: %s", errMsg)
	}
	if !strings.Contains(errMsg, "-5") {
		t.Errorf("Error message should mention invalid value, got: %s", errMsg)
	}
}
