// This file implements the `sleepd doctor` diagnostic command.
//
// Doctor answers "why can't my controller reach this machine" without
// making the operator read logs: it probes the daemon, the pairing
// socket, the TLS material, and the kernel's sleep states, and prints
// a concrete next step for everything that is off. Output is human
// text by default, or JSON with --json for automation.
package main

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/somnus/sleepd/internal/config"
	"github.com/somnus/sleepd/internal/platform"
	"github.com/somnus/sleepd/internal/server"
	"github.com/somnus/sleepd/internal/suspend"
)

// DoctorResult is the top-level JSON document for `sleepd doctor --json`.
// Version is the output schema version, currently always "1".
type DoctorResult struct {
	Version string        `json:"version"`
	Checks  []DoctorCheck `json:"checks"`
	Summary DoctorSummary `json:"summary"`
}

// DoctorCheck is one evaluated check. ID is stable (automation keys on
// it), Status is pass/warn/fail, and NextAction tells the operator what
// to do about a non-pass result.
type DoctorCheck struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	NextAction string `json:"next_action"`
}

// DoctorSummary holds aggregate counts of check outcomes.
type DoctorSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Check IDs are part of the CLI contract; scripts grep for them.
const (
	checkIDTrustCert    = "trust.certificate"
	checkIDNetReach     = "network.reachability"
	checkIDPairingIPC   = "pairing.ipc"
	checkIDDaemonReady  = "daemon.readiness"
	checkIDPowerBackend = "power.backend"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// Probing goes through these variables so tests can swap in
// deterministic stand-ins without a live daemon, socket, or /sys/power.
var (
	doctorQueryDaemonStatus     = queryDaemonStatus
	doctorLoadCertificate       = defaultLoadCertificate
	doctorProbeIPC              = defaultProbeIPC
	doctorResolveAddrCandidates = resolveAddrCandidates
	doctorProbeSysfs            = defaultProbeSysfs
)

// defaultLoadCertificate checks that the certificate file parses. The
// trust check only needs yes/no, not a TLS config.
func defaultLoadCertificate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("failed to parse certificate from %s", path)
	}
	return nil
}

// defaultProbeIPC exercises the pairing socket end to end with a real
// generate request. Doctor only cares whether the channel works; the
// minted code is discarded. Errors keep their errPairSocket* typing so
// evalPairingIPC can tell "daemon not started" from "wrong permissions".
func defaultProbeIPC(socketPath string) error {
	_, _, _, err := requestPairingCodeIPC(socketPath, "")
	return err
}

// defaultProbeSysfs reads the kernel power control files under root
// (the live /sys/power when empty) and reports which sleep states a
// daemon started here could drive.
func defaultProbeSysfs(root string) ([]string, error) {
	backend, err := platform.NewSysfs(root)
	if err != nil {
		return nil, err
	}
	var states []string
	for _, st := range []suspend.State{suspend.StateFreeze, suspend.StateStandby, suspend.StateMem} {
		if backend.Supports(st) {
			states = append(states, st.String())
		}
	}
	return states, nil
}

// doctorPaths holds the resolved filesystem inputs for the checks.
type doctorPaths struct {
	pairSocket   string
	tlsCert      string
	platformRoot string
}

// resolveDoctorPaths fills in defaults for paths the operator did not
// override on the command line.
func resolveDoctorPaths(pairSocket, tlsCert, platformRoot string) (doctorPaths, error) {
	p := doctorPaths{pairSocket: pairSocket, tlsCert: tlsCert, platformRoot: platformRoot}

	if p.pairSocket == "" {
		path, err := config.DefaultPairSocketPath()
		if err != nil {
			return p, fmt.Errorf("failed to determine pairing socket path: %w", err)
		}
		p.pairSocket = path
	}
	if p.tlsCert == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return p, fmt.Errorf("failed to get home directory: %w", err)
		}
		p.tlsCert = filepath.Join(homeDir, ".sleepd", "certs", "sleepd.crt")
	}
	return p, nil
}

// runDoctor evaluates the checks and reports them. Exit code 0 means
// nothing failed (warnings alone do not gate); 1 means at least one
// failure or an internal error.
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var jsonMode bool
	var addr string
	var port int
	var pairSocket string
	var tlsCert string
	var platformRoot string

	fs.BoolVar(&jsonMode, "json", false, "Emit machine-readable JSON to stdout")
	fs.StringVar(&addr, "addr", "", "Daemon address override for readiness checks")
	fs.IntVar(&port, "port", 7979, "Port for auto-selected IPs (default 7979)")
	fs.StringVar(&pairSocket, "pair-socket", "", "Pairing IPC socket path override")
	fs.StringVar(&tlsCert, "tls-cert", "", "TLS certificate path override")
	fs.StringVar(&platformRoot, "platform-root", "", "Kernel power control directory (default /sys/power)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sleepd doctor [options]\n\nDiagnose daemon readiness, pairing, and platform support.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	if err := validatePort(port); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	paths, err := resolveDoctorPaths(pairSocket, tlsCert, platformRoot)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// One status probe feeds several checks; try each candidate address
	// until one answers.
	var statusResp *server.StatusResponse
	for _, target := range doctorResolveAddrCandidates(addr, port, explicitFlags["port"], stderr) {
		if resp, err := doctorQueryDaemonStatus(target); err == nil {
			statusResp = resp
			break
		}
	}

	result := DoctorResult{
		Version: "1",
		Checks: []DoctorCheck{
			evalTrustCertificate(statusResp, paths.tlsCert),
			evalNetworkReachability(statusResp),
			evalPairingIPC(paths.pairSocket),
			evalDaemonReadiness(statusResp),
			evalPowerBackend(statusResp, paths.platformRoot),
		},
	}
	result.Summary = summarize(result.Checks)

	if jsonMode {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		renderDoctorHuman(stdout, result)
	}

	if result.Summary.Fail > 0 {
		return 1
	}
	return 0
}

// summarize tallies check outcomes.
func summarize(checks []DoctorCheck) DoctorSummary {
	var s DoctorSummary
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			s.Pass++
		case statusWarn:
			s.Warn++
		case statusFail:
			s.Fail++
		}
	}
	return s
}

// evalTrustCertificate checks the TLS material a controller would pin.
// A daemon that answered with TLS off is a warning; otherwise the cert
// must load, even when the daemon is unreachable (secure default: the
// next start will serve it).
func evalTrustCertificate(status *server.StatusResponse, certPath string) DoctorCheck {
	check := DoctorCheck{ID: checkIDTrustCert}

	if status != nil && !status.TLSEnabled {
		check.Status = statusWarn
		check.Message = "TLS is disabled on the daemon."
		check.NextAction = "Restart daemon without `--no-tls` for production pairing, or continue only for local dev."
		return check
	}

	if err := doctorLoadCertificate(certPath); err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("TLS certificate error: %v", err)
		check.NextAction = "Provide a valid cert with `--tls-cert` or regenerate default certs under `~/.sleepd/certs`."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("TLS certificate loaded from %s.", certPath)
	check.NextAction = "No action required."
	return check
}

// evalNetworkReachability checks whether a remote controller could
// reach the daemon at all. Loopback-only binding works but warns,
// since pairing a phone against 127.0.0.1 goes nowhere.
func evalNetworkReachability(status *server.StatusResponse) DoctorCheck {
	check := DoctorCheck{ID: checkIDNetReach}

	if status == nil {
		check.Status = statusFail
		check.Message = "Daemon is not reachable on any candidate address."
		check.NextAction = "Start the daemon (`sleepd start`) and verify address/port."
		return check
	}

	host, _, err := net.SplitHostPort(status.ListeningAddress)
	if err != nil {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Could not parse listening address: %s", status.ListeningAddress)
		check.NextAction = "Check daemon bind address format and rerun doctor."
		return check
	}

	if isLoopback(host) {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Daemon is listening on loopback (%s).", status.ListeningAddress)
		check.NextAction = "Bind the daemon to a LAN/Tailscale address (`sleepd start --addr 0.0.0.0:7979`) for remote controllers."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Daemon is reachable at %s.", status.ListeningAddress)
	check.NextAction = "No action required."
	return check
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// evalPairingIPC maps the probe outcome onto a verdict. A missing
// socket usually just means the daemon is not running (warn); a socket
// that exists but cannot be used points at a real problem (fail).
func evalPairingIPC(socketPath string) DoctorCheck {
	check := DoctorCheck{ID: checkIDPairingIPC}

	err := doctorProbeIPC(socketPath)
	switch {
	case err == nil:
		check.Status = statusPass
		check.Message = fmt.Sprintf("IPC pairing socket is responsive at %s.", socketPath)
		check.NextAction = "No action required."

	case errors.Is(err, errPairSocketNotFound):
		check.Status = statusWarn
		check.Message = fmt.Sprintf("IPC pairing socket not found at %s.", socketPath)
		check.NextAction = "Start the daemon to create the pairing socket, or continue with loopback fallback for local-only usage."

	case errors.Is(err, errPairSocketPermission):
		check.Status = statusFail
		check.Message = fmt.Sprintf("Permission denied accessing IPC socket at %s.", socketPath)
		check.NextAction = "Run daemon and CLI as same user; fix socket permissions (`0600`) and parent dir (`0700`)."

	case errors.Is(err, errPairSocketUnavailable):
		check.Status = statusFail
		check.Message = fmt.Sprintf("IPC socket at %s is not accepting connections.", socketPath)
		check.NextAction = "Remove stale socket and restart the daemon."

	default:
		check.Status = statusFail
		check.Message = fmt.Sprintf("IPC pairing error: %v", err)
		check.NextAction = "Fix `--pair-socket` path and ensure it points to a live Unix socket."
	}
	return check
}

// evalDaemonReadiness checks that the daemon is up and requiring auth.
// Running open is fine on a workstation, hence warn rather than fail.
func evalDaemonReadiness(status *server.StatusResponse) DoctorCheck {
	check := DoctorCheck{ID: checkIDDaemonReady}

	if status == nil {
		check.Status = statusFail
		check.Message = "Daemon is not reachable."
		check.NextAction = "Daemon is not reachable; start it with `sleepd start` and re-run doctor."
		return check
	}

	if !status.RequireAuth {
		check.Status = statusWarn
		check.Message = "Daemon is running without authentication."
		check.NextAction = "Restart daemon with authentication (`sleepd start --require-auth`)."
		return check
	}

	check.Status = statusPass
	check.Message = "Daemon is running with authentication enabled."
	check.NextAction = "No action required."
	return check
}

// evalPowerBackend checks what the machine can actually do when asked
// to sleep. With the daemon up its own backend report wins; otherwise
// the kernel control files are probed directly.
func evalPowerBackend(status *server.StatusResponse, platformRoot string) DoctorCheck {
	check := DoctorCheck{ID: checkIDPowerBackend}

	if status != nil {
		if status.Power.Backend != "" {
			check.Status = statusPass
			check.Message = fmt.Sprintf("Platform backend %q is active (states: %s).",
				status.Power.Backend, strings.Join(status.Power.States, " "))
			check.NextAction = "No action required."
			return check
		}
		check.Status = statusWarn
		check.Message = "Daemon is running without a platform backend; only the freeze state is available."
		check.NextAction = "Check /sys/power permissions, or restart with `--simulate-platform` for testing."
		return check
	}

	states, err := doctorProbeSysfs(platformRoot)
	if err != nil {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Cannot read kernel power states: %v", err)
		check.NextAction = "Start the daemon with `--simulate-platform`, or fix permissions on /sys/power."
		return check
	}

	if len(states) == 0 {
		check.Status = statusWarn
		check.Message = "Kernel advertises no sleep states this daemon can drive."
		check.NextAction = "Use `--simulate-platform`; only the freeze state will be available on real hardware."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Kernel advertises sleep states: %s.", strings.Join(states, " "))
	check.NextAction = "No action required."
	return check
}

var statusMarkers = map[string]string{
	statusPass: "[PASS]",
	statusWarn: "[WARN]",
	statusFail: "[FAIL]",
}

// renderDoctorHuman prints the checks with their markers, remediation
// lines for anything that is not a pass, and the summary tallies.
func renderDoctorHuman(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Sleepd Doctor")
	fmt.Fprintln(w, "=============")
	fmt.Fprintln(w, "")

	for _, c := range result.Checks {
		marker, ok := statusMarkers[c.Status]
		if !ok {
			marker = "[????]"
		}
		fmt.Fprintf(w, "  %s %s: %s\n", marker, c.ID, c.Message)
		if c.Status != statusPass {
			fmt.Fprintf(w, "    -> %s\n", c.NextAction)
		}
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d passed, %d warnings, %d failures\n",
		result.Summary.Pass, result.Summary.Warn, result.Summary.Fail)
	fmt.Fprintln(w, "")
}
