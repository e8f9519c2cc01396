package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/somnus/sleepd/internal/server"
	"github.com/somnus/sleepd/internal/storage"
	"github.com/somnus/sleepd/internal/suspend"
)

// tryPowerAPI sends one API request to the daemon, trying each address
// candidate over HTTPS and then HTTP (for --no-tls daemons). Transport
// errors move on to the next candidate; any HTTP response is returned
// as-is for the caller to interpret. A zero timeout disables the
// client timeout, which the suspend command needs: its response only
// arrives after the machine resumes.
func tryPowerAPI(addrs []string, method, path string, payload interface{}, timeout time.Duration) (*http.Response, error) {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	var encoded []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		encoded = data
	}

	var lastErr error
	for _, addr := range addrs {
		for _, scheme := range []string{"https", "http"} {
			url := fmt.Sprintf("%s://%s%s", scheme, addr, path)
			var body io.Reader
			if encoded != nil {
				body = bytes.NewReader(encoded)
			}
			req, err := http.NewRequest(method, url, body)
			if err != nil {
				return nil, err
			}
			if encoded != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := client.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			return resp, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("daemon is not reachable: %v", lastErr)
	}
	return nil, fmt.Errorf("daemon is not reachable")
}

// decodeAPIFailure turns a non-2xx API response into an error, using
// the daemon's error body when it has one.
func decodeAPIFailure(resp *http.Response) error {
	var apiErr struct {
		Error     string `json:"error"`
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if apiErr.ErrorCode != "" {
		return fmt.Errorf("%s (%s)", apiErr.Message, apiErr.ErrorCode)
	}
	return errors.New(apiErr.Message)
}

func runSuspend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("suspend", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "", "Daemon address (default: localhost, then Tailscale/LAN)")
	port := fs.Int("port", 7979, "Port to use when auto-selecting address")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: sleepd suspend <state> [options]

Request a transition into the given sleep state (freeze, standby or
mem; "idle" is an alias for freeze). The command blocks until the
machine is back up: for a freeze transition the response arrives when
something wakes it.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	remaining := fs.Args()
	if len(remaining) < 1 {
		fmt.Fprintln(stderr, "Error: state is required (freeze, standby, mem)")
		return 1
	}
	state := remaining[0]

	// Flags may follow the positional state argument, but flag.Parse
	// stops at the first non-flag token; parse the rest now.
	if len(remaining) > 1 {
		if err := fs.Parse(remaining[1:]); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 0
			}
			return 1
		}
	}

	// Validate locally for a fast error; the daemon checks again.
	if _, err := suspend.ParseState(state); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
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

	if !*jsonOutput {
		fmt.Fprintf(stdout, "Requesting %s. The command returns when the machine resumes.\n", state)
	}

	resp, err := tryPowerAPI(addrs, http.MethodPost, "/api/suspend", server.SuspendRequestPayload{State: state}, 0)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Error: %v\n", decodeAPIFailure(resp))
		return 1
	}

	var result server.SuspendResultPayload
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(stderr, "Error: failed to parse response: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		return 0
	}

	dur := time.Duration(result.DurationMs) * time.Millisecond
	fmt.Fprintf(stdout, "Entered %s and resumed after %s.\n", result.State, dur)
	return 0
}

func runWake(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("wake", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "", "Daemon address (default: localhost, then Tailscale/LAN)")
	port := fs.Int("port", 7979, "Port to use when auto-selecting address")
	source := fs.String("source", "cli", "Wakeup source name")
	reason := fs.String("reason", "", "Free-form reason recorded with the event")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: sleepd wake [options]

Inject a wakeup event. If a freeze transition is parked on the gate,
this releases it; otherwise the event is recorded and aborts any
transition currently on its way down.

Options:
`)
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

	resp, err := tryPowerAPI(addrs, http.MethodPost, "/api/wake",
		server.PowerWakePayload{Source: *source, Reason: *reason}, 10*time.Second)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Error: %v\n", decodeAPIFailure(resp))
		return 1
	}

	var result server.PowerWakePayload
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(stderr, "Error: failed to parse response: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		return 0
	}

	if result.Woken {
		fmt.Fprintln(stdout, "Released a parked freeze transition.")
	} else {
		fmt.Fprintln(stdout, "Wake event recorded; no transition was waiting.")
	}
	return 0
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "", "Daemon address (default: localhost, then Tailscale/LAN)")
	port := fs.Int("port", 7979, "Port to use when auto-selecting address")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sleepd stats [options]\n\nShow transition counters and history totals.\n\nOptions:\n")
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

	resp, err := tryPowerAPI(addrs, http.MethodGet, "/api/stats", nil, 10*time.Second)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Error: %v\n", decodeAPIFailure(resp))
		return 1
	}

	var stats server.PowerStatsPayload
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fmt.Fprintf(stderr, "Error: failed to parse response: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(stats)
		return 0
	}

	fmt.Fprintf(stdout, "Transition Stats\n")
	fmt.Fprintf(stdout, "================\n")
	fmt.Fprintf(stdout, "Succeeded:    %d\n", stats.Success)
	fmt.Fprintf(stdout, "Failed:       %d\n", stats.Fail)
	fmt.Fprintf(stdout, "Freeze fails: %d\n", stats.FailedFreeze)
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
	return 0
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "", "Daemon address (default: localhost, then Tailscale/LAN)")
	port := fs.Int("port", 7979, "Port to use when auto-selecting address")
	limit := fs.Int("limit", 20, "Number of transitions to show")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sleepd history [options]\n\nShow recent transitions, newest first.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *limit < 1 {
		fmt.Fprintln(stderr, "Error: --limit must be a positive integer")
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

	path := "/api/history?limit=" + strconv.Itoa(*limit)
	resp, err := tryPowerAPI(addrs, http.MethodGet, path, nil, 10*time.Second)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Error: %v\n", decodeAPIFailure(resp))
		return 1
	}

	var result struct {
		Transitions []*storage.Transition `json:"transitions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(stderr, "Error: failed to parse response: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		return 0
	}

	if len(result.Transitions) == 0 {
		fmt.Fprintln(stdout, "No recorded transitions.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATE\tOUTCOME\tDURATION\tERROR")
	for _, tr := range result.Transitions {
		errCol := tr.ErrorCode
		if errCol != "" && tr.FailedStep != "" {
			errCol += " @" + tr.FailedStep
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			tr.StartedAt.Local().Format("2006-01-02 15:04:05"),
			tr.State,
			tr.Outcome,
			tr.Duration.Round(time.Millisecond),
			errCol)
	}
	w.Flush()
	return 0
}

func runTest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "", "Daemon address (default: localhost, then Tailscale/LAN)")
	port := fs.Int("port", 7979, "Port to use when auto-selecting address")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: sleepd test <level> [options]

Arm a test checkpoint. Transitions run to the named stage (none, core,
processors, platform, devices, freezer), hold briefly, then unwind as
if a wakeup arrived. Pass "none" to clear.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	remaining := fs.Args()
	if len(remaining) < 1 {
		fmt.Fprintln(stderr, "Error: level is required (none, core, processors, platform, devices, freezer)")
		return 1
	}
	level := remaining[0]

	// Flags may follow the positional level argument, but flag.Parse
	// stops at the first non-flag token; parse the rest now.
	if len(remaining) > 1 {
		if err := fs.Parse(remaining[1:]); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 0
			}
			return 1
		}
	}

	// Validate locally for a fast error; the daemon checks again.
	if _, err := suspend.ParseTestLevel(level); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
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

	resp, err := tryPowerAPI(addrs, http.MethodPost, "/api/test",
		server.TestSetPayload{Level: level}, 10*time.Second)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Error: %v\n", decodeAPIFailure(resp))
		return 1
	}

	var result server.TestResultPayload
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(stderr, "Error: failed to parse response: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		return 0
	}

	if result.Level == "none" {
		fmt.Fprintln(stdout, "Test checkpoint cleared; transitions run to completion.")
	} else {
		fmt.Fprintf(stdout, "Test checkpoint armed at %q. Transitions will unwind there.\n", result.Level)
	}
	return 0
}
