package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	// gorilla/websocket is the most popular WebSocket library for Go.
	// It provides a complete implementation of the WebSocket protocol
	// with support for reading/writing messages, ping/pong, and close handling.
	"github.com/gorilla/websocket"

	// Storage package provides the transition history rows served by
	// the /api/history endpoint.
	"github.com/somnus/sleepd/internal/storage"

	// Rate limiting for control messages to prevent request flooding.
	"golang.org/x/time/rate"
)

// channelBufferSize is the buffer size for the broadcast channel and per-client
// send channels. This value balances memory usage against the ability to absorb
// bursts of messages without blocking senders. If the buffer fills up, messages
// may be dropped for slow clients.
const channelBufferSize = 256

// SleepHandler runs a sleep transition to the named state. It is called
// when a client sends a suspend.request message or POSTs /api/suspend,
// and blocks until the machine is back up. Implementations should
// return the transition's first error, or nil on a clean round trip.
type SleepHandler func(state string) error

// WakeHandler releases a parked freeze transition and records the wake
// event. It returns true when a transition was actually waiting.
type WakeHandler func(source, reason string) bool

// TestLevelHandler arms a debug checkpoint level for the next
// transition. It returns an error when the level label is unknown.
type TestLevelHandler func(level string) error

// StatusProvider captures the daemon's current power posture for
// power.status responses and the /status endpoint.
type StatusProvider func() PowerStatusPayload

// StatsProvider captures the transition counters and history totals
// for power.stats responses and /api/stats.
type StatsProvider func() PowerStatsPayload

// HistoryProvider lists the most recent persisted transitions for
// /api/history, newest first.
type HistoryProvider func(limit int) ([]*storage.Transition, error)

// TokenValidator validates authentication tokens for control connections.
// Returns the device ID and whether the device's pairing grant covers
// power commands (suspend, wake, test levels); observe-only grants get
// canControl=false and are limited to status, stats, and history.
type TokenValidator func(token string) (deviceID string, canControl bool, err error)

// DeviceActivityTracker is called to update device activity timestamps.
// The server calls this when a message is received from an authenticated client.
type DeviceActivityTracker func(deviceID string)

// CommandRecorder notes a power command issued by an authenticated
// device, for the per-device audit trail shown by `sleepd devices list`.
type CommandRecorder func(deviceID, command string)

// Server manages WebSocket connections and broadcasts messages to clients.
// It handles multiple concurrent clients and ensures messages are delivered
// to all connected clients without blocking the sender.
type Server struct {
	// addr is the address to listen on (e.g., "127.0.0.1:7171")
	addr string

	// upgrader converts HTTP connections to WebSocket connections.
	// We accept connections from any origin; access control is the
	// token's job, not the Origin header's.
	upgrader websocket.Upgrader

	// clients tracks all connected WebSocket clients.
	// The map key is a pointer to the client, value is always true.
	// Using a map makes add/remove O(1) operations.
	clients map[*Client]bool

	// mu protects the clients map, the handler fields and the stopped
	// flag from concurrent access.
	mu sync.RWMutex

	// stopped indicates whether the server has been stopped.
	// This prevents sending to a closed broadcast channel.
	stopped bool

	// broadcast receives messages to send to all clients.
	// Using a channel decouples message production from delivery.
	broadcast chan Message

	// httpServer is the underlying HTTP server for graceful shutdown.
	httpServer *http.Server

	// sleepHandler is called when a client requests a sleep transition.
	// If nil, suspend requests are rejected with server.handler_missing.
	sleepHandler SleepHandler

	// wakeHandler is called when a client requests a wake.
	// If nil, wake requests are rejected.
	wakeHandler WakeHandler

	// testLevelHandler is called when a client arms a test checkpoint.
	// If nil, test.set requests are rejected.
	testLevelHandler TestLevelHandler

	// statusProvider supplies power.status payloads. If nil, a zero
	// status is sent.
	statusProvider StatusProvider

	// statsProvider supplies power.stats payloads. If nil, stats
	// requests are rejected.
	statsProvider StatsProvider

	// historyProvider supplies /api/history rows. If nil, the endpoint
	// reports an empty history.
	historyProvider HistoryProvider

	// tokenValidator validates tokens for WebSocket authentication.
	// If nil, authentication is disabled (open access).
	tokenValidator TokenValidator

	// requireAuth controls whether authentication is required for
	// WebSocket connections and the /api endpoints. When true and
	// tokenValidator is set, requests without valid tokens are rejected.
	requireAuth bool

	// pairHandler handles the /pair endpoint for code-to-token exchange.
	// Set via SetPairHandler.
	pairHandler http.Handler

	// generateCodeHandler handles the /pair/generate endpoint.
	// Set via SetGenerateCodeHandler.
	generateCodeHandler http.Handler

	// revokeDeviceHandler handles the /devices/{id}/revoke endpoint.
	// Set via SetRevokeDeviceHandler.
	revokeDeviceHandler http.Handler

	// statusHandler handles the /status endpoint for CLI status queries.
	// Set via SetStatusHandler.
	statusHandler http.Handler

	// deviceActivityTracker is called when a message is received from an
	// authenticated client. This allows updating last_seen timestamps.
	deviceActivityTracker DeviceActivityTracker

	// commandRecorder is called when an authenticated client issues a
	// power command. Set via SetCommandRecorder; may be nil.
	commandRecorder CommandRecorder
}

// Client represents a single WebSocket connection.
// Each client has its own goroutine for writing messages,
// which prevents slow clients from blocking the broadcast.
type Client struct {
	// conn is the underlying WebSocket connection.
	conn *websocket.Conn

	// send is a buffered channel for outgoing messages.
	// The write goroutine reads from this and sends to the WebSocket.
	// Buffering prevents blocking when the client is slow.
	send chan Message

	// done is closed to signal the client should shut down.
	// Used to coordinate clean shutdown without racing on send channel.
	done chan struct{}

	// sendOnce ensures the done channel is only closed once.
	// Both Stop() and readPump() may try to close it, so we use
	// sync.Once to prevent a "close of closed channel" panic.
	sendOnce sync.Once

	// server is a reference back to the parent server.
	server *Server

	// deviceID is the ID of the paired device for this connection.
	// Set during WebSocket upgrade if authentication is enabled.
	// Empty string means unauthenticated (allowed when requireAuth is false).
	deviceID string

	// canControl reports whether this connection may issue power
	// commands. True for unauthenticated local connections; for paired
	// devices it reflects the grant's scopes.
	canControl bool

	// requestLimiter rate-limits control messages so a misbehaving
	// client cannot hammer the transition lock. 10 requests/sec with a
	// burst of 5 is generous for a surface whose requests put the
	// machine to sleep.
	requestLimiter *rate.Limiter
}

// closeSend safely signals the client to shut down exactly once.
// This is safe to call multiple times from different goroutines.
// We only close the done channel (not send) to avoid racing with
// ongoing send operations. All senders check done before sending.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// NewServer creates a new control server.
// Call Start() or StartAsync() to begin accepting connections.
func NewServer(addr string) *Server {
	return &Server{
		addr:      addr,
		clients:   make(map[*Client]bool),
		broadcast: make(chan Message, channelBufferSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			// Buffer sizes for reading and writing WebSocket frames.
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// handleWebSocket upgrades an HTTP connection to a WebSocket connection.
// This is called by the HTTP server for each new connection to /ws.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Check authentication if required
	s.mu.RLock()
	requireAuth := s.requireAuth
	tokenValidator := s.tokenValidator
	statusProvider := s.statusProvider
	s.mu.RUnlock()

	var deviceID string
	canControl := true

	if requireAuth && tokenValidator != nil {
		// Extract token from Authorization header
		// Expected format: "Bearer <token>"
		token := extractBearerToken(r)
		if token == "" {
			log.Printf("server: connection rejected: missing authorization token")
			http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
			return
		}

		// Validate the token
		var err error
		deviceID, canControl, err = tokenValidator(token)
		if err != nil {
			log.Printf("server: connection rejected: invalid token: %v", err)
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		log.Printf("server: connection authenticated for device %s (control=%t)", deviceID, canControl)
	}

	// Upgrade the HTTP connection to a WebSocket connection.
	// This performs the WebSocket handshake (HTTP 101 Switching Protocols).
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	// Create a new client with a buffered send channel.
	// The buffer allows the client to fall behind temporarily
	// without blocking the broadcaster.
	client := &Client{
		conn:           conn,
		send:           make(chan Message, channelBufferSize),
		done:           make(chan struct{}),
		server:         s,
		deviceID:       deviceID,
		canControl:     canControl,
		requestLimiter: rate.NewLimiter(rate.Limit(10), 5),
	}

	// Register the client
	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	log.Printf("server: client connected (%d total)", s.ClientCount())

	// Send the current power status to the new client so it can render
	// immediately without a round trip.
	if statusProvider != nil {
		client.send <- NewPowerStatusMessage(statusProvider())
	} else {
		client.send <- NewPowerStatusMessage(PowerStatusPayload{TestLevel: "none"})
	}

	// Start the pumps. writePump drains the send channel; readPump
	// dispatches incoming control messages.
	go client.writePump()
	go client.readPump()
}

// extractBearerToken extracts the token from an Authorization header.
// Returns empty string if no valid bearer token is found.
// Supports both "Bearer <token>" header and "token" query parameter as fallback.
func extractBearerToken(r *http.Request) string {
	// Try Authorization header first
	auth := r.Header.Get("Authorization")
	if auth != "" {
		// Check for "Bearer " prefix (case-insensitive)
		const bearerPrefix = "Bearer "
		if len(auth) > len(bearerPrefix) {
			prefix := auth[:len(bearerPrefix)]
			if prefix == bearerPrefix || prefix == "bearer " {
				return auth[len(bearerPrefix):]
			}
		}
	}

	// Fallback to query parameter for WebSocket connections
	// (some WebSocket clients don't support custom headers)
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}

// runBroadcaster reads from the broadcast channel and sends to all clients.
// This runs in its own goroutine started by Start().
func (s *Server) runBroadcaster() {
	for msg := range s.broadcast {
		s.mu.RLock()
		for client := range s.clients {
			// Try to send to each client, but don't block if their buffer is full
			// or if the client is shutting down.
			select {
			case <-client.done:
				// Client is shutting down - skip
			case client.send <- msg:
			default:
				// Client is too slow; we could disconnect them here,
				// but for now we just drop the message for this client.
				log.Printf("server: Warning: client send buffer full, dropping message")
			}
		}
		s.mu.RUnlock()
	}
}

// Broadcast sends a message to all connected clients.
// This method is non-blocking; messages are queued for delivery.
// If the server has been stopped, this method does nothing.
func (s *Server) Broadcast(msg Message) {
	// Hold RLock while checking stopped AND sending to avoid race with Stop().
	// Stop() takes the write lock, sets stopped=true, then closes the channel.
	// By holding RLock through the send, we ensure the channel can't be closed
	// while we're sending to it.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	// Use select with default to make this non-blocking.
	// If the broadcast channel is full, we log and drop the message
	// rather than blocking the caller (the transition control thread).
	select {
	case s.broadcast <- msg:
	default:
		log.Printf("server: Warning: broadcast channel full, dropping message")
	}
}

// Addr returns the server's listening address.
// This is used by the status handler to report the configured address.
func (s *Server) Addr() string {
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseDeviceConnections closes all active WebSocket connections for the given device.
// This is called when a device is revoked to immediately terminate access.
// Returns the number of connections that were closed. Thread-safe.
func (s *Server) CloseDeviceConnections(deviceID string) int {
	if deviceID == "" {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var closed int
	for client := range s.clients {
		if client.deviceID == deviceID {
			client.closeSend()
			closed++
			log.Printf("server: closed connection for revoked device %s", deviceID)
		}
	}

	return closed
}

// SetSleepHandler sets the callback for running sleep transitions.
// This should be called before any clients connect. The handler is
// called on its own goroutine for each suspend.request, and for each
// POST to /api/suspend on the request goroutine.
func (s *Server) SetSleepHandler(handler SleepHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleepHandler = handler
}

// SetWakeHandler sets the callback for releasing a parked transition.
func (s *Server) SetWakeHandler(handler WakeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeHandler = handler
}

// SetTestLevelHandler sets the callback for arming debug checkpoints.
func (s *Server) SetTestLevelHandler(handler TestLevelHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testLevelHandler = handler
}

// SetStatusProvider sets the source of power.status payloads.
func (s *Server) SetStatusProvider(provider StatusProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusProvider = provider
}

// SetStatsProvider sets the source of power.stats payloads.
func (s *Server) SetStatsProvider(provider StatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsProvider = provider
}

// SetHistoryProvider sets the source of /api/history rows.
func (s *Server) SetHistoryProvider(provider HistoryProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyProvider = provider
}

// SetTokenValidator sets the token validation function for WebSocket auth.
// When requireAuth is true, connections without valid tokens are rejected.
func (s *Server) SetTokenValidator(validator TokenValidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenValidator = validator
}

// SetRequireAuth controls whether authentication is required.
// When true, all WebSocket connections and non-loopback API requests
// must provide a valid token.
func (s *Server) SetRequireAuth(require bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireAuth = require
}

// SetPairHandler sets the HTTP handler for the /pair endpoint.
// This must be called before Start() or StartAsync().
func (s *Server) SetPairHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairHandler = handler
}

// SetGenerateCodeHandler sets the HTTP handler for the /pair/generate endpoint.
// This must be called before Start() or StartAsync().
func (s *Server) SetGenerateCodeHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generateCodeHandler = handler
}

// SetRevokeDeviceHandler sets the HTTP handler for the /devices/{id}/revoke endpoint.
// This endpoint allows the CLI to signal the running daemon to close
// connections for revoked devices. Must be called before Start() or StartAsync().
func (s *Server) SetRevokeDeviceHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeDeviceHandler = handler
}

// SetStatusHandler sets the HTTP handler for the /status endpoint.
// This must be called before Start() or StartAsync().
func (s *Server) SetStatusHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusHandler = handler
}

// SetDeviceActivityTracker sets the callback for tracking device activity.
// This is called when a message is received from an authenticated client,
// allowing the application to update last_seen timestamps.
func (s *Server) SetDeviceActivityTracker(tracker DeviceActivityTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceActivityTracker = tracker
}

// SetCommandRecorder sets the callback for auditing power commands
// issued by paired devices.
func (s *Server) SetCommandRecorder(recorder CommandRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandRecorder = recorder
}

// recordCommand notes a power command for the device audit trail.
// No-op for unauthenticated connections or when no recorder is wired.
func (s *Server) recordCommand(deviceID, command string) {
	if deviceID == "" {
		return
	}
	s.mu.RLock()
	recorder := s.commandRecorder
	s.mu.RUnlock()
	if recorder != nil {
		recorder(deviceID, command)
	}
}

// sendWithTimeout queues msg for this client, giving up when the client
// is shutting down or has not drained its channel within the timeout.
// Used by handlers whose results must not be silently dropped the way
// broadcast messages can be.
func (c *Client) sendWithTimeout(msg Message, timeout time.Duration) bool {
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	case <-time.After(timeout):
		log.Printf("server: Warning: timeout queueing %s for client", msg.Type)
		return false
	}
}
