package server

// status_handler.go implements the /status HTTP endpoint for CLI
// queries. It is restricted to local machine addresses; remote clients
// get the same information over the WebSocket after authenticating.

import (
	"net/http"
	"time"
)

// StatusResponse contains daemon status information returned by the
// /status endpoint. This structure is used by the CLI to display
// daemon status to the user.
type StatusResponse struct {
	// ListeningAddress is the address the daemon is listening on
	// (e.g., "127.0.0.1:7979").
	ListeningAddress string `json:"listening_address"`

	// ConnectedClients is the number of currently connected WebSocket clients.
	ConnectedClients int `json:"connected_clients"`

	// Power is the daemon's current power posture: backend, supported
	// states, armed test level, wakeup-pending flag.
	Power PowerStatusPayload `json:"power"`

	// Stats carries the transition counters and history totals.
	Stats PowerStatsPayload `json:"stats"`

	// UptimeSeconds is how long the daemon has been running, in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// TLSEnabled indicates whether the daemon is using TLS encryption.
	TLSEnabled bool `json:"tls_enabled"`

	// RequireAuth indicates whether authentication is required for
	// control connections.
	RequireAuth bool `json:"require_auth"`

	// PairSocketPath is the path to the pairing IPC socket, or empty if
	// unavailable.
	PairSocketPath string `json:"pair_socket_path,omitempty"`
}

// StatusHandler handles HTTP requests for daemon status.
// This endpoint is restricted to local machine addresses for security.
// It provides the information behind the "sleepd status" CLI command.
type StatusHandler struct {
	server      *Server
	startTime   time.Time
	tlsEnabled  bool
	requireAuth bool
	pairSocket  string
}

// NewStatusHandler creates a new StatusHandler.
// The handler captures the current time as the daemon start time for
// uptime calculation.
func NewStatusHandler(s *Server, tlsEnabled, requireAuth bool, pairSocketPath string) *StatusHandler {
	return &StatusHandler{
		server:      s,
		startTime:   time.Now(),
		tlsEnabled:  tlsEnabled,
		requireAuth: requireAuth,
		pairSocket:  pairSocketPath,
	}
}

// ServeHTTP handles HTTP GET requests to the /status endpoint.
// It returns a JSON StatusResponse with current daemon information.
//
// Security: This endpoint only responds to local machine requests.
// Non-local requests receive HTTP 403 Forbidden.
//
// Only GET method is allowed; other methods receive HTTP 405 Method Not Allowed.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Security: Only allow requests from local machine addresses.
	// This prevents exposure of status information over the network.
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}

	// Only accept GET requests for status queries.
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.server.mu.RLock()
	statusProvider := h.server.statusProvider
	statsProvider := h.server.statsProvider
	h.server.mu.RUnlock()

	// Build the status response from current daemon state.
	resp := StatusResponse{
		ListeningAddress: h.server.Addr(),
		ConnectedClients: h.server.ClientCount(),
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		TLSEnabled:       h.tlsEnabled,
		RequireAuth:      h.requireAuth,
		PairSocketPath:   h.pairSocket,
	}
	if statusProvider != nil {
		resp.Power = statusProvider()
	} else {
		resp.Power = PowerStatusPayload{TestLevel: "none"}
	}
	if statsProvider != nil {
		resp.Stats = statsProvider()
	}

	writeJSON(w, http.StatusOK, resp)
}
