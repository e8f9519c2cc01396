package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sys/unix"

	"github.com/somnus/sleepd/internal/auth"
	"github.com/somnus/sleepd/internal/config"
	"github.com/somnus/sleepd/internal/devices"
	"github.com/somnus/sleepd/internal/freezer"
	"github.com/somnus/sleepd/internal/ipc"
	"github.com/somnus/sleepd/internal/mdns"
	"github.com/somnus/sleepd/internal/platform"
	"github.com/somnus/sleepd/internal/server"
	"github.com/somnus/sleepd/internal/storage"
	"github.com/somnus/sleepd/internal/suspend"
	sleepdTLS "github.com/somnus/sleepd/internal/tls"
	"github.com/somnus/sleepd/internal/watchdog"
	"github.com/somnus/sleepd/internal/wakeup"
)

// DaemonConfig holds the merged configuration for the start command.
// CLI flags take precedence over config file values.
type DaemonConfig struct {
	Config           string
	Addr             string
	TLSCert          string
	TLSKey           string
	NoTLS            bool
	Database         string
	LogLevel         string
	RequireAuth      bool
	Daemon           bool
	PIDFile          string
	LogFile          string
	MdnsEnabled      bool
	Pair             bool
	QR               bool
	PairSocket       string
	PlatformRoot     string
	SimulatePlatform bool
	MemSleepMode     string
	MaxReentries     int
	TestDelayMs      int
	WatchdogSec      int
	SkipSync         bool
	HistoryLimit     int
}

// wakeSourceNames is the fixed set of wakeup sources the daemon
// registers. Wake requests naming anything else are folded into the
// "api" source with the original name carried in the reason, which
// keeps metric label cardinality bounded.
var wakeSourceNames = []string{"api", "cli", "rtc", "alarm", "lid", "power-button", "signal"}

func runStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &DaemonConfig{}

	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: ~/.sleepd/config.toml)")
	fs.StringVar(&cfg.Addr, "addr", "", "Listen address for the control server (default: 127.0.0.1:7979)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "Path to TLS certificate file (default: ~/.sleepd/certs/sleepd.crt)")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "Path to TLS key file (default: ~/.sleepd/certs/sleepd.key)")
	fs.BoolVar(&cfg.NoTLS, "no-tls", false, "Disable TLS (insecure, for development only)")
	fs.StringVar(&cfg.Database, "database", "", "Path to transition/device database (default: ~/.sleepd/sleepd.db)")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	fs.BoolVar(&cfg.RequireAuth, "require-auth", false, "Require authentication for remote control connections")
	fs.BoolVar(&cfg.Daemon, "daemon", false, "Run in background as daemon")
	fs.StringVar(&cfg.PIDFile, "pid-file", "", "PID file path (default: ~/.sleepd/sleepd.pid)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Log file path (default: ~/.sleepd/sleepd.log)")
	fs.BoolVar(&cfg.MdnsEnabled, "mdns", false, "Enable mDNS/Bonjour discovery (LAN-visible)")
	fs.BoolVar(&cfg.Pair, "pair", false, "Generate and display pairing code during startup")
	fs.BoolVar(&cfg.QR, "qr", false, "Display pairing code as QR code (implies --pair)")
	fs.StringVar(&cfg.PairSocket, "pair-socket", "", "Path to pairing IPC socket (default: ~/.sleepd/pair.sock)")
	fs.StringVar(&cfg.PlatformRoot, "platform-root", "", "Kernel power interface directory (default: /sys/power)")
	fs.BoolVar(&cfg.SimulatePlatform, "simulate-platform", false, "Use a simulated platform backend instead of sysfs")
	fs.StringVar(&cfg.MemSleepMode, "mem-sleep-mode", "", "Variant for the mem state: s2idle, shallow, deep")
	fs.IntVar(&cfg.MaxReentries, "max-reentries", 0, "Cap on platform re-entries per transition (0 = unbounded)")
	fs.IntVar(&cfg.TestDelayMs, "test-delay-ms", 0, "Test checkpoint hold time in ms (default: 5000)")
	fs.IntVar(&cfg.WatchdogSec, "watchdog-sec", 0, "Report when awake longer than this many seconds (0 = off)")
	fs.BoolVar(&cfg.SkipSync, "skip-sync", false, "Skip the filesystem sync before each transition")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", 0, "Cap on history rows returned per query (default: 50)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sleepd start [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// Track which flags were explicitly set on the command line.
	// This allows us to distinguish "flag not specified" from "flag set to default value".
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	// First-run convenience: create the default config file so the
	// operator has a commented template to edit.
	if cfg.Config == "" {
		if configPath, err := config.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := config.WriteDefault(configPath); err != nil {
					fmt.Fprintf(stderr, "Warning: failed to create config file: %v\n", err)
				} else {
					fmt.Fprintf(stdout, "Created config: %s\n", configPath)
				}
			}
		}
	}

	// Load config file and merge with CLI flags.
	// CLI flags take precedence over file values.
	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := fileCfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: invalid config: %v\n", err)
		return 1
	}

	// Merge file config with CLI flags: only apply file values if CLI value is zero/empty.
	// This ensures explicit CLI flags always override config file settings.
	if cfg.Addr == "" {
		cfg.Addr = fileCfg.Addr
	}
	if cfg.TLSCert == "" {
		cfg.TLSCert = fileCfg.TLSCert
	}
	if cfg.TLSKey == "" {
		cfg.TLSKey = fileCfg.TLSKey
	}
	if cfg.Database == "" {
		cfg.Database = fileCfg.Database
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = fileCfg.PIDFile
	}
	if cfg.LogFile == "" {
		cfg.LogFile = fileCfg.LogFile
	}
	if cfg.PairSocket == "" {
		cfg.PairSocket = fileCfg.PairSocket
	}
	if cfg.PlatformRoot == "" {
		cfg.PlatformRoot = fileCfg.PlatformRoot
	}
	if cfg.MemSleepMode == "" {
		cfg.MemSleepMode = fileCfg.MemSleepMode
	}
	if cfg.MaxReentries == 0 {
		cfg.MaxReentries = fileCfg.MaxReentries
	}
	if cfg.TestDelayMs == 0 {
		cfg.TestDelayMs = fileCfg.TestDelayMs
	}
	if cfg.WatchdogSec == 0 {
		cfg.WatchdogSec = fileCfg.WatchdogSec
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = fileCfg.HistoryLimit
	}
	// Boolean flags: apply config value only if flag was NOT explicitly set on CLI.
	// This allows users to override config file booleans with --flag=false.
	if !explicitFlags["require-auth"] {
		cfg.RequireAuth = fileCfg.RequireAuth
	}
	if !explicitFlags["daemon"] {
		cfg.Daemon = fileCfg.Daemon
	}
	if !explicitFlags["mdns"] {
		cfg.MdnsEnabled = fileCfg.MdnsEnabled
	}
	if !explicitFlags["pair"] {
		cfg.Pair = fileCfg.Pair
	}
	if !explicitFlags["qr"] {
		cfg.QR = fileCfg.QR
	}
	if !explicitFlags["simulate-platform"] {
		cfg.SimulatePlatform = fileCfg.SimulatePlatform
	}
	if !explicitFlags["skip-sync"] {
		cfg.SkipSync = fileCfg.SkipSync
	}
	if cfg.PairSocket == "" {
		defaultPairSocket, err := config.DefaultPairSocketPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to determine pairing socket path: %v\n", err)
			return 1
		}
		cfg.PairSocket = defaultPairSocket
	}

	// If --qr is set without --pair, auto-enable --pair.
	// Displaying a QR code without generating a pairing code doesn't make sense.
	if cfg.QR && !cfg.Pair {
		cfg.Pair = true
	}

	// Handle daemon mode: re-exec in background if requested.
	// Go doesn't support fork(), so we use the re-exec pattern:
	// 1. Parent: set env var and re-exec the same binary, then exit
	// 2. Child: detect env var, continue with normal execution
	const daemonEnvVar = "SLEEPD_DAEMON_CHILD"
	var logFile *os.File

	if cfg.Daemon && os.Getenv(daemonEnvVar) == "" {
		// Parent process: re-exec as daemon child
		logFilePath, err := resolveLogFilePath(cfg.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}

		// Ensure log directory exists
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			fmt.Fprintf(stderr, "Error: failed to create log directory: %v\n", err)
			return 1
		}

		// Open log file for child's stdout/stderr
		logFileHandle, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open log file: %v\n", err)
			return 1
		}

		// Re-exec the same command with daemon env var set
		exe, err := os.Executable()
		if err != nil {
			logFileHandle.Close()
			fmt.Fprintf(stderr, "Error: failed to get executable path: %v\n", err)
			return 1
		}

		childArgs := append([]string{"start"}, args...)
		cmd := exec.Command(exe, childArgs...)
		cmd.Stdout = logFileHandle
		cmd.Stderr = logFileHandle
		cmd.Stdin = nil
		cmd.Env = append(os.Environ(), daemonEnvVar+"=1")

		if err := cmd.Start(); err != nil {
			logFileHandle.Close()
			fmt.Fprintf(stderr, "Error: failed to start daemon: %v\n", err)
			return 1
		}

		// Wait for child to either exit (startup failure) or survive past startup.
		// Use a channel to detect early exit, with a timeout for successful startup.
		childPid := cmd.Process.Pid
		childDone := make(chan error, 1)
		go func() {
			childDone <- cmd.Wait()
		}()

		select {
		case err := <-childDone:
			// Child exited - this means startup failed
			logFileHandle.Close()
			if err != nil {
				fmt.Fprintf(stderr, "Error: daemon failed to start (exit: %v, check log: %s)\n", err, logFilePath)
			} else {
				fmt.Fprintf(stderr, "Error: daemon exited unexpectedly (check log: %s)\n", logFilePath)
			}
			return 1
		case <-time.After(2 * time.Second):
			// Child still running after 2 seconds - assume successful startup
			fmt.Fprintf(stdout, "Daemon started (pid %d). Logging to: %s\n", childPid, logFilePath)
			logFileHandle.Close()
			return 0
		}
	}

	// Child process (or non-daemon mode): redirect to log file if daemon
	if cfg.Daemon {
		logFilePath, err := resolveLogFilePath(cfg.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		logFile, err = os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open log file: %v\n", err)
			return 1
		}
		stdout = logFile
		stderr = logFile
	}

	// Apply defaults
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:7979"
	}

	databasePath := cfg.Database
	if databasePath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to get home directory: %v\n", err)
			return 1
		}
		databasePath = filepath.Join(homeDir, ".sleepd", "sleepd.db")

		if err := os.MkdirAll(filepath.Dir(databasePath), 0700); err != nil {
			fmt.Fprintf(stderr, "Error: failed to create config directory: %v\n", err)
			return 1
		}
	}

	// Negative means "no hold": the controller logs the checkpoint and
	// unwinds immediately. Zero picks up the controller default.
	testDelay := time.Duration(cfg.TestDelayMs) * time.Millisecond
	historyCap := cfg.HistoryLimit
	if historyCap <= 0 {
		historyCap = 50
	}

	fmt.Fprintf(stdout, "Control server address: %s\n", addr)
	fmt.Fprintf(stdout, "Database: %s\n", databasePath)

	// Open SQLite storage for transition history and devices.
	// This allows history and device tokens to survive restarts.
	store, err := storage.NewSQLiteStore(databasePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}

	// Create the pairing manager for device authentication.
	// This handles pairing codes, token generation, and rate limiting.
	pairingManager := auth.NewPairingManager(auth.PairingConfig{
		DeviceStore: store,
	})

	// Start the pairing IPC server for local code generation.
	// This keeps code generation off loopback HTTP unless explicitly used.
	pairSocketLogger := log.New(stderr, "ipc: ", log.LstdFlags)
	pairSocketServer := ipc.NewPairSocketServer(cfg.PairSocket, pairingManager, pairSocketLogger)
	pairIPCRunning := false
	pairIPCCleanup := false
	stopPairIPC := func() {
		if !pairIPCCleanup {
			return
		}
		pairIPCCleanup = false
		if err := pairSocketServer.Stop(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to stop pairing IPC: %v\n", err)
		}
	}
	if err := pairSocketServer.Start(); err != nil {
		if cfg.RequireAuth || cfg.Pair {
			fmt.Fprintf(stderr, "Error: failed to start pairing IPC: %v\n", err)
			store.Close()
			return 1
		}
		fmt.Fprintf(stderr, "Warning: pairing IPC unavailable (%v); pairing requires --require-auth\n", err)
	} else {
		pairIPCRunning = true
		pairIPCCleanup = true
		defer stopPairIPC()
	}
	if pairIPCRunning {
		fmt.Fprintf(stdout, "Pairing:  %s\n", cfg.PairSocket)
	} else {
		fmt.Fprintf(stdout, "Pairing:  disabled (IPC unavailable)\n")
	}

	// Create the token validator for control connection authentication.
	tokenValidator := auth.NewTokenValidator(store)

	// Create the control server (WebSocket events + HTTP API).
	srv := server.NewServer(addr)

	// Pick the platform backend. Sysfs drives the kernel's power
	// interface; the simulated backend accepts every state and enters
	// none of them. A machine without a usable sysfs root still runs,
	// reduced to the freeze state.
	var platformOps *suspend.PlatformOps
	backendName := ""
	memSleepMode := ""
	if cfg.SimulatePlatform {
		sim := platform.NewSimulated(100 * time.Millisecond)
		platformOps = sim.Ops()
		backendName = "simulated"
		fmt.Fprintln(stdout, "Platform backend: simulated (no hardware will sleep)")
	} else {
		sysfs, err := platform.NewSysfs(cfg.PlatformRoot)
		if err != nil {
			fmt.Fprintf(stderr, "Warning: no platform backend (%v); only the freeze state is available\n", err)
		} else {
			if cfg.MemSleepMode != "" {
				if err := sysfs.SetMemSleepMode(cfg.MemSleepMode); err != nil {
					fmt.Fprintf(stderr, "Warning: failed to set mem sleep mode %q: %v\n", cfg.MemSleepMode, err)
				}
			}
			if mode, err := sysfs.MemSleepMode(); err == nil {
				memSleepMode = mode
			}
			platformOps = sysfs.Ops()
			backendName = "sysfs"
			fmt.Fprintf(stdout, "Platform backend: sysfs (%s)\n", sysfs.Root())
		}
	}

	// Device walker: components that must quiesce around the hardware
	// transition register here. The daemon contributes the mDNS
	// advertiser below, once it is running.
	deviceRegistry := devices.NewRegistry()

	// Wakeup sources: events on these abort an in-progress transition
	// and release a parked freeze.
	wakeRegistry := wakeup.NewRegistry()
	wakeSources := make(map[string]*wakeup.Source, len(wakeSourceNames))
	for _, name := range wakeSourceNames {
		src, err := wakeRegistry.Register(name)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to register wakeup source %q: %v\n", name, err)
			stopPairIPC()
			store.Close()
			return 1
		}
		wakeSources[name] = src
	}
	triggerWake := func(source, reason string) {
		src, ok := wakeSources[source]
		if !ok {
			src = wakeSources["api"]
			if reason == "" {
				reason = source
			} else {
				reason = source + ": " + reason
			}
		}
		src.Trigger(reason)
	}

	// Task freezer: the PID lists come from the config file only.
	// Empty lists make the freeze stage a no-op, which is the safe
	// default for a daemon that must not stop arbitrary userspace by
	// accident.
	frz := freezer.New(freezer.Options{
		UserPIDs:    fileCfg.FreezeUserPids,
		ServicePIDs: fileCfg.FreezeServicePids,
	})

	var wd *watchdog.Watchdog
	if cfg.WatchdogSec > 0 {
		wd = watchdog.New(time.Duration(cfg.WatchdogSec)*time.Second, func() []string {
			stats := wakeRegistry.Stats()
			names := make([]string, 0, len(stats))
			for _, st := range stats {
				if st.Count > 0 {
					names = append(names, st.Name)
				}
			}
			return names
		})
	}

	// The controller is constructed after its observers, but the
	// recorder and metrics observer need its counters. Late-bind
	// through a closure; the controller exists before any transition
	// can run.
	var controller *suspend.Controller
	statsFn := func() suspend.Snapshot {
		if controller == nil {
			return suspend.Snapshot{}
		}
		return controller.Stats()
	}

	recorder := storage.NewRecorder(store, statsFn)
	tracker := &inFlightTracker{}

	observers := suspend.Observers{
		recorder,
		server.NewLifecycleBroadcaster(srv),
		server.NewMetricsObserver(statsFn),
		tracker,
	}
	if wd != nil {
		observers = append(observers, wd)
	}

	var syncFn func()
	if !cfg.SkipSync {
		syncFn = unix.Sync
	}

	controller = suspend.NewController(suspend.Options{
		Freezer:      frz,
		Devices:      deviceRegistry,
		Wakeup:       wakeRegistry,
		Observer:     observers,
		Sync:         syncFn,
		TestDelay:    testDelay,
		MaxReentries: cfg.MaxReentries,
	})
	if platformOps != nil {
		controller.SetPlatformOps(platformOps)
	}

	// Fan wakeup events out to everything that cares: release the
	// freeze gate, count the event, record it, tell the clients.
	wakeRegistry.Notify(func(ev wakeup.Event) {
		controller.Wake()
		server.RecordWakeEvent(ev.Source)
		recorder.RecordWake(ev.Source, ev.Reason, ev.At)
		srv.BroadcastWakeEvent(ev.Source, ev.Reason)
	})

	// rootCtx parents every transition. Cancelling it on shutdown
	// unwinds a freeze transition parked on the gate.
	rootCtx, cancelTransitions := context.WithCancel(context.Background())

	// Wire up authentication. The grant's scopes decide whether the
	// connection may issue power commands or only observe.
	srv.SetRequireAuth(cfg.RequireAuth)
	srv.SetTokenValidator(func(token string) (string, bool, error) {
		device, err := tokenValidator.ValidateToken(token)
		if err != nil {
			return "", false, err
		}
		return device.ID, auth.HasScope(device.Scopes, auth.ScopeControl), nil
	})
	srv.SetCommandRecorder(tokenValidator.RecordCommand)

	// Wire up the power control handlers.
	srv.SetSleepHandler(func(state string) error {
		target, err := suspend.ParseState(state)
		if err != nil {
			return err
		}
		return controller.RequestSleep(rootCtx, target)
	})
	srv.SetWakeHandler(func(source, reason string) bool {
		// A wake releases a parked transition only when one is in
		// flight and the gate has not fired yet.
		released := tracker.InFlight() && !controller.Gate().Woken()
		triggerWake(source, reason)
		if released {
			server.RecordFreezeWake()
		}
		return released
	})
	srv.SetTestLevelHandler(func(level string) error {
		parsed, err := suspend.ParseTestLevel(level)
		if err != nil {
			return err
		}
		controller.SetTestLevel(parsed)
		return nil
	})
	srv.SetStatusProvider(func() server.PowerStatusPayload {
		var states []string
		for _, s := range suspend.States() {
			if controller.StateSupported(s) {
				states = append(states, s.String())
			}
		}
		return server.PowerStatusPayload{
			Backend:       backendName,
			States:        states,
			MemSleepMode:  memSleepMode,
			TestLevel:     controller.TestLevel().String(),
			Suspending:    tracker.InFlight(),
			WakeupPending: wakeRegistry.Pending(),
		}
	})
	srv.SetStatsProvider(func() server.PowerStatsPayload {
		snap := controller.Stats()
		payload := server.PowerStatsPayload{
			Success:        snap.Success,
			Fail:           snap.Fail,
			FailedFreeze:   snap.FailedFreeze,
			LastErrorCode:  snap.LastErrorCode,
			LastError:      snap.LastError,
			LastFailedStep: string(snap.LastFailedStep),
		}
		if totals, err := store.Totals(); err == nil {
			payload.RecordedTransitions = totals.Transitions
			payload.RecordedSucceeded = totals.Succeeded
			payload.RecordedFailed = totals.Failed
			payload.RecordedWakeEvents = totals.WakeEvents
		}
		return payload
	})
	srv.SetHistoryProvider(func(limit int) ([]*storage.Transition, error) {
		if limit <= 0 || limit > historyCap {
			limit = historyCap
		}
		return store.ListTransitions(limit)
	})

	// Wire up pairing endpoints.
	pairHandler := auth.NewPairHandler(pairingManager)
	pairHandler.SetMetricsRecorder(func(deviceID string, success bool) {
		server.RecordPairing(deviceID, success)
	})
	srv.SetPairHandler(pairHandler)
	srv.SetGenerateCodeHandler(auth.NewGenerateCodeHandler(pairingManager))

	// Wire up device revocation endpoint.
	// This allows the CLI to signal the running daemon to close
	// connections for revoked devices immediately.
	srv.SetRevokeDeviceHandler(server.NewRevokeDeviceHandler(srv, &deviceStoreAdapter{store}))

	// Wire up device activity tracking for last_seen updates.
	srv.SetDeviceActivityTracker(func(deviceID string) {
		if err := store.UpdateLastSeen(deviceID, time.Now()); err != nil {
			// Log but don't fail - activity tracking is best-effort
			fmt.Fprintf(stderr, "Warning: failed to update last_seen for device %s: %v\n", deviceID, err)
		}
	})

	// Wire up status handler for CLI queries.
	// Must be set BEFORE starting the server so the endpoint is registered.
	pairSocket := ""
	if pairIPCRunning {
		pairSocket = cfg.PairSocket
	}
	srv.SetStatusHandler(server.NewStatusHandler(srv, !cfg.NoTLS, cfg.RequireAuth, pairSocket))

	// Start the control server with or without TLS.
	// TLS is enabled by default; use --no-tls to disable (insecure).
	var srvErrCh <-chan error
	var certInfo *sleepdTLS.CertInfo

	if cfg.NoTLS {
		fmt.Fprintln(stdout, "WARNING: TLS disabled (--no-tls). Connections are NOT encrypted.")
		srvErrCh = srv.StartAsync()
	} else {
		// Build the list of hosts/IPs for the certificate SANs.
		// Always include localhost and common loopback addresses.
		// Also include the configured listen host if it's different.
		tlsHosts := []string{"localhost", "127.0.0.1", "0.0.0.0"}
		if listenHost, _, err := net.SplitHostPort(addr); err == nil && listenHost != "" {
			found := false
			for _, h := range tlsHosts {
				if h == listenHost {
					found = true
					break
				}
			}
			if !found {
				tlsHosts = append(tlsHosts, listenHost)
			}
		}

		certInfo, err = sleepdTLS.EnsureCertificate(sleepdTLS.CertConfig{
			CertPath: cfg.TLSCert,
			KeyPath:  cfg.TLSKey,
			Hosts:    tlsHosts,
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to setup TLS certificate: %v\n", err)
			cancelTransitions()
			stopPairIPC()
			store.Close()
			return 1
		}

		if certInfo.IsGenerated {
			fmt.Fprintln(stdout, "Generated new self-signed TLS certificate")
		} else {
			fmt.Fprintln(stdout, "Loaded existing TLS certificate")
		}
		fmt.Fprintf(stdout, "Certificate: %s (%s)\n", certInfo.CertPath, certInfo.Identity)
		fmt.Fprintf(stdout, "Private key: %s\n", certInfo.KeyPath)
		fmt.Fprintf(stdout, "Valid until: %s\n", certInfo.NotAfter.Format("2006-01-02"))
		fmt.Fprintf(stdout, "Fingerprint (SHA-256):\n  %s\n", certInfo.Fingerprint)

		srvErrCh = srv.StartAsyncTLS(server.TLSConfig{
			CertPath: certInfo.CertPath,
			KeyPath:  certInfo.KeyPath,
		})
	}

	// Wait for server startup to complete.
	// This fails fast if the port is already in use or can't be bound.
	if err := <-srvErrCh; err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		cancelTransitions()
		stopPairIPC()
		store.Close()
		return 1
	}

	// Tell systemd we are up, when running under it. Pairs with a
	// Type=notify unit; outside systemd this is a no-op.
	if sent, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		fmt.Fprintf(stderr, "Warning: systemd notify failed: %v\n", err)
	} else if sent {
		fmt.Fprintln(stdout, "Notified systemd: ready")
	}

	// Determine and write the PID file.
	// The PID file allows "sleepd stop" and other tools to find the running daemon.
	pidFilePath := cfg.PIDFile
	if pidFilePath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(stderr, "Warning: failed to get home directory for PID file: %v\n", err)
		} else {
			pidFilePath = filepath.Join(homeDir, ".sleepd", "sleepd.pid")
		}
	}
	if pidFilePath != "" {
		if err := writePIDFile(pidFilePath); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to write PID file: %v\n", err)
		} else {
			fmt.Fprintf(stdout, "PID file: %s\n", pidFilePath)
		}
	}

	if cfg.RequireAuth {
		fmt.Fprintln(stdout, "Authentication: ENABLED (use 'sleepd pair' to pair devices)")
	} else {
		fmt.Fprintln(stdout, "Authentication: DISABLED (use --require-auth to enable)")
	}

	// Generate and display pairing code if --pair flag is set.
	// This allows users to pair devices without running 'sleepd pair' separately.
	if cfg.Pair {
		// Extract port from configured address for display address construction.
		_, portStr, _ := net.SplitHostPort(addr)
		if portStr == "" {
			portStr = "7979"
		}

		// Determine display address using the same logic as the pair
		// command. Priority: Tailscale IP > LAN IP > configured address.
		displayAddr := ""
		if ip := GetTailscaleIP(); ip != "" {
			displayAddr = ip + ":" + portStr
		} else if ip := GetPreferredOutboundIP(); ip != "" {
			displayAddr = ip + ":" + portStr
		} else {
			displayAddr = addr
		}

		code, err := pairingManager.GenerateCode(auth.DefaultScopes)
		if err != nil {
			fmt.Fprintf(stderr, "Warning: failed to generate pairing code: %v\n", err)
		} else {
			expiry := pairingManager.GetCodeExpiry()

			// Certificate fingerprint for the QR payload (empty if no TLS)
			fingerprint := ""
			if certInfo != nil {
				fingerprint = certInfo.Fingerprint
			}

			if cfg.QR {
				DisplayQRCode(stdout, code, expiry, displayAddr, fingerprint, auth.DefaultScopes)
			} else {
				DisplayPairingCode(stdout, code, expiry, displayAddr, auth.DefaultScopes)
			}
		}
	}

	// Start mDNS advertiser if enabled.
	// This allows control devices to discover the daemon on the local network.
	// mDNS only reveals presence; pairing codes are still required for auth.
	var mdnsAdvertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		_, portStr, _ := net.SplitHostPort(addr)
		port := 7979
		if portStr != "" {
			if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
				port = p
			}
		}

		fingerprint := ""
		if certInfo != nil {
			fingerprint = certInfo.Fingerprint
		}

		mdnsAdvertiser = mdns.NewAdvertiser(mdns.Config{
			Port:        port,
			Fingerprint: fingerprint,
		})
		if err := mdnsAdvertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to start mDNS discovery: %v\n", err)
			mdnsAdvertiser = nil
		} else {
			fmt.Fprintln(stdout, "mDNS discovery: ENABLED (visible on LAN)")

			// The advertiser must not announce a sleeping machine.
			// Register it as a device so the walker silences it on the
			// way down and restores it on the way up.
			adv := mdnsAdvertiser
			err := deviceRegistry.Register(devices.Device{
				Name: "mdns",
				Tier: 0,
				Suspend: func(state suspend.State) error {
					adv.Stop()
					return nil
				},
				Resume: func(state suspend.State) {
					if err := adv.Start(); err != nil {
						fmt.Fprintf(stderr, "Warning: failed to restart mDNS after resume: %v\n", err)
					}
				},
			})
			if err != nil {
				fmt.Fprintf(stderr, "Warning: failed to register mDNS suspend hook: %v\n", err)
			}
		}
	}

	if wd != nil {
		wd.Arm()
		fmt.Fprintf(stdout, "Awake watchdog: reporting after %ds awake\n", cfg.WatchdogSec)
	}

	if cfg.NoTLS {
		fmt.Fprintf(stdout, "Connect to ws://%s/ws for power events.\n", addr)
	} else {
		fmt.Fprintf(stdout, "Connect to wss://%s/ws for power events.\n", addr)
	}
	fmt.Fprintln(stdout, "Daemon ready. Press Ctrl+C to stop.")

	// Handle signals: INT/TERM/HUP shut down, USR1 injects a wake event
	// (kill -USR1 $(cat sleepd.pid) releases a parked freeze).
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		sig := <-sigCh
		if sig == syscall.SIGUSR1 {
			triggerWake("signal", "SIGUSR1")
			continue
		}
		fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
		break
	}

	if _, err := sd.SdNotify(false, sd.SdNotifyStopping); err != nil {
		fmt.Fprintf(stderr, "Warning: systemd notify failed: %v\n", err)
	}

	// Release anything parked on the freeze gate, then cancel the
	// transition context so in-flight requests unwind before teardown.
	triggerWake("signal", "daemon shutdown")
	cancelTransitions()

	// Cleanup in reverse order of creation
	if mdnsAdvertiser != nil {
		mdnsAdvertiser.Stop()
	}
	if wd != nil {
		wd.Disarm()
	}
	srv.Stop()
	stopPairIPC()
	store.Close()

	// Remove PID file
	if pidFilePath != "" {
		removePIDFile(pidFilePath, stderr)
	}

	// Close log file if we opened one
	if logFile != nil {
		logFile.Close()
	}

	snap := controller.Stats()
	fmt.Fprintf(stdout, "\nTransitions this run: %d succeeded, %d failed.\n", snap.Success, snap.Fail)
	return 0
}

// runStop signals a running daemon to shut down, using the PID file to
// find it, and waits briefly for the process to exit.
func runStop(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(stderr)

	pidFile := fs.String("pid-file", "", "PID file path (default: ~/.sleepd/sleepd.pid)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sleepd stop [options]\n\nStop a running daemon.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	pidFilePath := *pidFile
	if pidFilePath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to get home directory: %v\n", err)
			return 1
		}
		pidFilePath = filepath.Join(homeDir, ".sleepd", "sleepd.pid")
	}

	data, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(stderr, "Error: no PID file at %s (daemon not running?)\n", pidFilePath)
		} else {
			fmt.Fprintf(stderr, "Error: failed to read PID file: %v\n", err)
		}
		return 1
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid PID file %s: %v\n", pidFilePath, err)
		return 1
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(stderr, "Error: process %d not found: %v\n", pid, err)
		return 1
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			fmt.Fprintf(stderr, "Daemon (pid %d) is not running; removing stale PID file.\n", pid)
			removePIDFile(pidFilePath, stderr)
			return 1
		}
		fmt.Fprintf(stderr, "Error: failed to signal pid %d: %v\n", pid, err)
		return 1
	}

	// Poll for exit. The daemon removes its own PID file on the way
	// out, so a vanished file also counts as stopped.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Fprintf(stdout, "Daemon (pid %d) stopped.\n", pid)
			return 0
		}
		if _, err := os.Stat(pidFilePath); os.IsNotExist(err) {
			fmt.Fprintf(stdout, "Daemon (pid %d) stopped.\n", pid)
			return 0
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintf(stderr, "Warning: daemon (pid %d) did not exit within 5s; it may still be shutting down.\n", pid)
	return 1
}

// inFlightTracker mirrors the controller's busy window for status
// reporting and wake-release detection. As an observer it sees exactly
// the interval the transition lock is held.
type inFlightTracker struct {
	flag atomic.Bool
}

func (t *inFlightTracker) TransitionStarted(state suspend.State) { t.flag.Store(true) }
func (t *inFlightTracker) DevicesSuspending(state suspend.State) {}
func (t *inFlightTracker) DevicesResumed(state suspend.State)    {}
func (t *inFlightTracker) TransitionFinished(state suspend.State, err error, elapsed time.Duration) {
	t.flag.Store(false)
}

// InFlight reports whether a transition currently holds the lock.
func (t *inFlightTracker) InFlight() bool { return t.flag.Load() }

// deviceStoreAdapter adapts storage.SQLiteStore to the server.DeviceStore interface.
// This allows the server package to access device storage without importing the storage package.
type deviceStoreAdapter struct {
	store *storage.SQLiteStore
}

func (a *deviceStoreAdapter) GetDevice(id string) (*server.DeviceInfo, error) {
	device, err := a.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, nil
	}
	return &server.DeviceInfo{
		ID:   device.ID,
		Name: device.Name,
	}, nil
}

func (a *deviceStoreAdapter) DeleteDevice(id string) error {
	return a.store.DeleteDevice(id)
}

// writePIDFile writes the current process ID to the specified file.
// Creates the parent directory if it doesn't exist.
func writePIDFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	// Write PID to file with restrictive permissions
	pid := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(path, []byte(pid), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// removePIDFile removes the PID file if it exists.
// Errors are logged but not returned (cleanup should not fail the shutdown).
func removePIDFile(path string, stderr io.Writer) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "Warning: failed to remove PID file: %v\n", err)
	}
}

// resolveLogFilePath returns the log file path, using the default if not specified.
// The default is ~/.sleepd/sleepd.log.
func resolveLogFilePath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".sleepd", "sleepd.log"), nil
}
