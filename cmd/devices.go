package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/somnus/sleepd/internal/storage"
)

// DevicesConfig holds the configuration for device management commands.
type DevicesConfig struct {
	Database string
	Addr     string // Daemon address for notifying a running daemon of revocation
}

// getDefaultDatabasePath returns the default path to the sleepd database.
func getDefaultDatabasePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".sleepd", "sleepd.db"), nil
}

// resolveDatabasePath applies the default when no override was given.
func resolveDatabasePath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return getDefaultDatabasePath()
}

// formatDuration formats a duration in a human-readable way.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

// formatLastCommand renders a device's most recent power command for
// the list table. A device that has never issued one shows "-".
func formatLastCommand(device *storage.Device, now time.Time) string {
	if device.LastCommand == "" {
		return "-"
	}
	if device.LastCommandAt.IsZero() {
		return device.LastCommand
	}
	return fmt.Sprintf("%s (%s)", device.LastCommand, formatDuration(now.Sub(device.LastCommandAt)))
}

func runDevicesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &DevicesConfig{}
	fs.StringVar(&cfg.Database, "database", "", "Path to sleepd database (default: ~/.sleepd/sleepd.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sleepd devices list [options]\n\nList all paired devices.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	databasePath, err := resolveDatabasePath(cfg.Database)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// No database means nothing was ever paired; that is not an error.
	if _, err := os.Stat(databasePath); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No paired devices found.")
		return 0
	}

	store, err := storage.NewSQLiteStore(databasePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	devices, err := store.ListDevices()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list devices: %v\n", err)
		return 1
	}

	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No paired devices found.")
		return 0
	}

	printDeviceTable(stdout, devices)
	return 0
}

// printDeviceTable renders the paired devices with their grants and
// the last power command each one issued.
func printDeviceTable(stdout io.Writer, devices []*storage.Device) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tSCOPES\tCREATED\tLAST SEEN\tLAST COMMAND")
	fmt.Fprintln(w, "---------\t----\t------\t-------\t---------\t------------")

	now := time.Now()
	for _, device := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			device.ID,
			device.Name,
			device.Scopes,
			formatDuration(now.Sub(device.CreatedAt)),
			formatDuration(now.Sub(device.LastSeen)),
			formatLastCommand(device, now),
		)
	}
	w.Flush()
}

func runDevicesRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &DevicesConfig{}
	var port int
	fs.StringVar(&cfg.Database, "database", "", "Path to sleepd database (default: ~/.sleepd/sleepd.db)")
	fs.StringVar(&cfg.Addr, "addr", "", "Daemon address to notify (default: localhost, then Tailscale/LAN)")
	fs.IntVar(&port, "port", 7979, "Port to query when auto-selecting address")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sleepd devices revoke [options] <device-id>\n\nRevoke a device token and disconnect any active clients.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: device-id is required")
		fs.Usage()
		return 1
	}
	deviceID := fs.Arg(0)

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	if err := validatePort(port); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	databasePath, err := resolveDatabasePath(cfg.Database)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(databasePath); os.IsNotExist(err) {
		fmt.Fprintf(stderr, "Error: device %s not found\n", deviceID)
		return 1
	}

	store, err := storage.NewSQLiteStore(databasePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	// Look the device up first so the confirmation can name it and a
	// typo'd ID fails before anything is torn down.
	device, err := store.GetDevice(deviceID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to lookup device: %v\n", err)
		return 1
	}
	if device == nil {
		fmt.Fprintf(stderr, "Error: device %s not found\n", deviceID)
		return 1
	}

	// A running daemon revokes through its own endpoint so the device's
	// live connections are closed before the row disappears. With no
	// daemon, deleting the row is enough: the token dies with it, and a
	// reconnect attempt fails auth.
	addrs := resolveAddrCandidates(cfg.Addr, port, explicitFlags["port"], stderr)
	if closedCount, daemonHandled := notifyDaemonRevocation(deviceID, addrs); daemonHandled {
		fmt.Fprintf(stdout, "Revoked device: %s (%s)\n", device.ID, device.Name)
		fmt.Fprintf(stdout, "Closed %d active connection(s).\n", closedCount)
		return 0
	}

	if err := store.DeleteDevice(deviceID); err != nil {
		fmt.Fprintf(stderr, "Error: failed to revoke device: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Revoked device: %s (%s)\n", device.ID, device.Name)
	fmt.Fprintln(stdout, "Note: Daemon is not running or unreachable. The device has been revoked and will be disconnected if it tries to reconnect.")

	return 0
}

// revokeReply is the daemon's answer to a revoke request.
type revokeReply struct {
	DeviceID          string `json:"device_id"`
	DeviceName        string `json:"device_name"`
	ConnectionsClosed int    `json:"connections_closed"`
}

// notifyDaemonRevocation asks a running daemon to revoke the device,
// trying each candidate address over HTTPS then plain HTTP (for
// --no-tls daemons). Returns the number of connections the daemon
// closed and whether any daemon handled the request.
func notifyDaemonRevocation(deviceID string, addrs []string) (int, bool) {
	// InsecureSkipVerify is acceptable here: the endpoint is loopback-
	// restricted on the daemon side and the request carries only the ID
	// of the device being revoked.
	client := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
			},
		},
	}

	for _, addr := range addrs {
		for _, scheme := range []string{"https", "http"} {
			url := fmt.Sprintf("%s://%s/devices/%s/revoke", scheme, addr, deviceID)
			if reply, ok := postRevoke(client, url); ok {
				return reply.ConnectionsClosed, true
			}
		}
	}
	return 0, false
}

func postRevoke(client *http.Client, url string) (*revokeReply, bool) {
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var reply revokeReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, false
	}
	return &reply, true
}
