package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/somnus/sleepd/internal/server"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "", "Daemon address to query (default: localhost, then Tailscale/LAN)")
	port := fs.Int("port", 7979, "Port to query when auto-selecting address")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sleepd status [options]\n\nShow the current status of the daemon.\n\nOptions:\n")
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

	if err := validatePort(*port); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	addrs := resolveAddrCandidates(*addr, *port, explicitFlags["port"], stderr)

	// Query the running daemon for status
	var status *server.StatusResponse
	var err error
	for _, target := range addrs {
		status, err = queryDaemonStatus(target)
		if err == nil {
			break
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	writeStatusOutput(stdout, status)
	return 0
}

// writeStatusOutput renders human-readable daemon status output.
func writeStatusOutput(stdout io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(stdout, "Daemon Status\n")
	fmt.Fprintf(stdout, "=============\n")
	fmt.Fprintf(stdout, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(stdout, "TLS:          %v\n", status.TLSEnabled)
	fmt.Fprintf(stdout, "Auth:         %v\n", status.RequireAuth)
	if status.PairSocketPath != "" {
		fmt.Fprintf(stdout, "Pairing:      %s\n", status.PairSocketPath)
	} else {
		fmt.Fprintf(stdout, "Pairing:      disabled (IPC unavailable)\n")
	}
	fmt.Fprintf(stdout, "Clients:      %d connected\n", status.ConnectedClients)
	fmt.Fprintf(stdout, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))

	power := status.Power
	fmt.Fprintf(stdout, "\nPower\n")
	fmt.Fprintf(stdout, "-----\n")
	if power.Backend != "" {
		fmt.Fprintf(stdout, "Backend:      %s\n", power.Backend)
	} else {
		fmt.Fprintf(stdout, "Backend:      none (freeze only)\n")
	}
	if len(power.States) > 0 {
		fmt.Fprintf(stdout, "States:       %s\n", strings.Join(power.States, " "))
	} else {
		fmt.Fprintf(stdout, "States:       none\n")
	}
	if power.MemSleepMode != "" {
		fmt.Fprintf(stdout, "Mem mode:     %s\n", power.MemSleepMode)
	}
	fmt.Fprintf(stdout, "Test level:   %s\n", power.TestLevel)
	fmt.Fprintf(stdout, "Suspending:   %v\n", power.Suspending)
	fmt.Fprintf(stdout, "Wake pending: %v\n", power.WakeupPending)

	stats := status.Stats
	fmt.Fprintf(stdout, "\nTransitions\n")
	fmt.Fprintf(stdout, "-----------\n")
	fmt.Fprintf(stdout, "Succeeded:    %d\n", stats.Success)
	fmt.Fprintf(stdout, "Failed:       %d\n", stats.Fail)
	if stats.FailedFreeze > 0 {
		fmt.Fprintf(stdout, "Freeze fails: %d\n", stats.FailedFreeze)
	}
	if stats.LastErrorCode != "" {
		fmt.Fprintf(stdout, "Last error:   %s", stats.LastErrorCode)
		if stats.LastFailedStep != "" {
			fmt.Fprintf(stdout, " (step: %s)", stats.LastFailedStep)
		}
		fmt.Fprintf(stdout, "\n")
		if stats.LastError != "" {
			fmt.Fprintf(stdout, "              %s\n", stats.LastError)
		}
	}
	fmt.Fprintf(stdout, "Recorded:     %d total, %d ok, %d failed, %d wake events\n",
		stats.RecordedTransitions, stats.RecordedSucceeded, stats.RecordedFailed, stats.RecordedWakeEvents)
}

// queryDaemonStatus queries the running daemon for status information.
// Tries HTTPS first (default), falls back to HTTP for --no-tls mode.
func queryDaemonStatus(addr string) (*server.StatusResponse, error) {
	// Try HTTPS first (most common case with TLS enabled)
	resp, err := queryDaemonStatusWithScheme("https", addr)
	if err == nil {
		return resp, nil
	}

	// Fall back to HTTP (for --no-tls development mode)
	resp, err = queryDaemonStatusWithScheme("http", addr)
	if err != nil {
		return nil, fmt.Errorf("daemon is not running at %s (or not reachable)", addr)
	}
	return resp, nil
}

// queryDaemonStatusWithScheme makes an HTTP GET request to the /status endpoint.
func queryDaemonStatusWithScheme(scheme, addr string) (*server.StatusResponse, error) {
	// Create HTTP client with short timeout and skip TLS verification
	// for self-signed certificates.
	client := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	url := fmt.Sprintf("%s://%s/status", scheme, addr)
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &status, nil
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
