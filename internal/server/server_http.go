package server

// server_http.go contains the HTTP surface next to the WebSocket: the
// /api endpoints used by the CLI and scripts, the health probe, and the
// route table. Mutating endpoints accept loopback callers outright and
// require a bearer token from everyone else once auth is enabled.

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/somnus/sleepd/internal/errors"
)

// defaultHistoryLimit is how many transitions /api/history returns when
// the caller does not say. maxHistoryLimit bounds the query.
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// apiError is the JSON error body for the /api endpoints.
type apiError struct {
	// Error is a short machine-readable name (e.g., "busy").
	Error string `json:"error"`

	// ErrorCode is the stable dotted taxonomy code (e.g., "suspend.busy").
	ErrorCode string `json:"error_code"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Handle WebSocket connections at the /ws endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Health check endpoint for monitoring
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Control API endpoints used by the CLI and scripts
	mux.HandleFunc("/api/suspend", s.metricsMiddleware(s.handleAPISuspend))
	mux.HandleFunc("/api/wake", s.metricsMiddleware(s.handleAPIWake))
	mux.HandleFunc("/api/stats", s.metricsMiddleware(s.handleAPIStats))
	mux.HandleFunc("/api/history", s.metricsMiddleware(s.handleAPIHistory))
	mux.HandleFunc("/api/test", s.metricsMiddleware(s.handleAPITest))

	// Pairing and status endpoints
	s.mu.RLock()
	pairHandler := s.pairHandler
	generateCodeHandler := s.generateCodeHandler
	revokeHandler := s.revokeDeviceHandler
	statusHandler := s.statusHandler
	s.mu.RUnlock()

	if pairHandler != nil {
		mux.Handle("/pair", pairHandler)
		log.Printf("server: pairing endpoint registered at /pair")
	}

	if generateCodeHandler != nil {
		mux.Handle("/pair/generate", generateCodeHandler)
		log.Printf("server: generate code endpoint registered at /pair/generate")
	}

	// Device revocation endpoint: /devices/{id}/revoke
	// This allows the CLI to signal the running daemon to close
	// connections for revoked devices immediately.
	if revokeHandler != nil {
		mux.Handle("/devices/", revokeHandler)
		log.Printf("server: device revocation endpoint registered at /devices/{id}/revoke")
	}

	// Status endpoint: /status
	// This allows the CLI to query daemon status (uptime, clients, etc).
	if statusHandler != nil {
		mux.Handle("/status", statusHandler)
		log.Printf("server: status endpoint registered at /status")
	}

	return mux
}

// isLoopbackRequest checks if the request originates from the local machine.
// Loopback callers are trusted the way a local root shell is; the token
// requirement only guards the network surface.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// Unix socket remote addresses do not parse as host:port.
		if r.RemoteAddr == "" || strings.HasPrefix(r.RemoteAddr, "/") || strings.HasPrefix(r.RemoteAddr, "@") {
			return true
		}
		log.Printf("server: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		log.Printf("server: failed to parse IP from host %q", host)
		return false
	}

	return ip.IsLoopback()
}

// authorizeAPI decides whether an /api request may proceed. Loopback
// callers are always allowed. Remote callers are allowed when auth is
// disabled, and otherwise must present a valid bearer token whose grant
// covers the endpoint: mutating endpoints set needControl and reject
// observe-only devices.
//
// Returns the device ID behind the token ("" for loopback and
// unauthenticated callers) and whether the request may proceed.
func (s *Server) authorizeAPI(w http.ResponseWriter, r *http.Request, needControl bool) (deviceID string, ok bool) {
	if isLoopbackRequest(r) {
		return "", true
	}

	s.mu.RLock()
	requireAuth := s.requireAuth
	validator := s.tokenValidator
	s.mu.RUnlock()

	if !requireAuth || validator == nil {
		return "", true
	}

	token := extractBearerToken(r)
	if token == "" {
		writeAPIError(w, http.StatusUnauthorized, "missing_token",
			apperrors.CodeAuthRequired, "Authorization required")
		return "", false
	}

	deviceID, canControl, err := validator(token)
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, "invalid_token",
			apperrors.CodeAuthInvalid, "Invalid token")
		return "", false
	}
	if needControl && !canControl {
		log.Printf("server: %s denied for observe-only device %s", r.URL.Path, deviceID)
		writeAPIError(w, http.StatusForbidden, "forbidden",
			apperrors.CodeAuthForbidden, "device grant does not allow power commands")
		return "", false
	}
	return deviceID, true
}

// handleAPISuspend runs a sleep transition. It blocks until the machine
// is back up, so for a freeze transition the response arrives when
// something wakes the machine.
//
// POST /api/suspend {"state": "mem"}
func (s *Server) handleAPISuspend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			apperrors.CodeServerInvalidMessage, "Only POST is allowed")
		return
	}
	deviceID, ok := s.authorizeAPI(w, r, true)
	if !ok {
		return
	}

	var req SuspendRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request",
			apperrors.CodeServerInvalidMessage, "Invalid JSON body")
		return
	}
	if req.State == "" {
		writeAPIError(w, http.StatusBadRequest, "missing_state",
			apperrors.CodeServerInvalidMessage, "state is required")
		return
	}

	s.mu.RLock()
	handler := s.sleepHandler
	s.mu.RUnlock()

	if handler == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "not_configured",
			apperrors.CodeServerHandlerMissing, "sleep handler not configured")
		return
	}

	s.recordCommand(deviceID, "suspend:"+req.State)

	began := time.Now()
	err := handler(req.State)
	elapsed := time.Since(began)

	if err != nil {
		code, message := apperrors.ToCodeAndMessage(err)
		writeAPIError(w, httpStatusForCode(code), shortErrorName(code), code, message)
		return
	}

	writeJSON(w, http.StatusOK, SuspendResultPayload{
		State:      req.State,
		Success:    true,
		DurationMs: elapsed.Milliseconds(),
	})
}

// handleAPIWake releases a parked freeze transition.
//
// POST /api/wake {"source": "cli", "reason": "user request"}
// The body is optional.
func (s *Server) handleAPIWake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			apperrors.CodeServerInvalidMessage, "Only POST is allowed")
		return
	}
	deviceID, ok := s.authorizeAPI(w, r, true)
	if !ok {
		return
	}

	// An empty or absent body means a default wake request.
	var req PowerWakePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request",
			apperrors.CodeServerInvalidMessage, "Invalid JSON body")
		return
	}

	s.mu.RLock()
	handler := s.wakeHandler
	s.mu.RUnlock()

	if handler == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "not_configured",
			apperrors.CodeServerHandlerMissing, "wake handler not configured")
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}

	s.recordCommand(deviceID, "wake")

	woken := handler(source, req.Reason)
	writeJSON(w, http.StatusOK, PowerWakePayload{
		Source: source,
		Reason: req.Reason,
		Woken:  woken,
	})
}

// handleAPIStats returns the transition counters and history totals.
//
// GET /api/stats
func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			apperrors.CodeServerInvalidMessage, "Only GET is allowed")
		return
	}
	if _, ok := s.authorizeAPI(w, r, false); !ok {
		return
	}

	s.mu.RLock()
	provider := s.statsProvider
	s.mu.RUnlock()

	if provider == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "not_configured",
			apperrors.CodeServerHandlerMissing, "stats provider not configured")
		return
	}

	writeJSON(w, http.StatusOK, provider())
}

// handleAPIHistory returns the most recent persisted transitions,
// newest first.
//
// GET /api/history?limit=50
func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			apperrors.CodeServerInvalidMessage, "Only GET is allowed")
		return
	}
	if _, ok := s.authorizeAPI(w, r, false); !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeAPIError(w, http.StatusBadRequest, "invalid_limit",
				apperrors.CodeServerInvalidMessage, "limit must be a positive integer")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	s.mu.RLock()
	provider := s.historyProvider
	s.mu.RUnlock()

	if provider == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": []struct{}{}})
		return
	}

	transitions, err := provider(limit)
	if err != nil {
		code, message := apperrors.ToCodeAndMessage(err)
		writeAPIError(w, http.StatusInternalServerError, shortErrorName(code), code, message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": transitions})
}

// handleAPITest arms a debug checkpoint level.
//
// POST /api/test {"level": "devices"}
func (s *Server) handleAPITest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			apperrors.CodeServerInvalidMessage, "Only POST is allowed")
		return
	}
	deviceID, ok := s.authorizeAPI(w, r, true)
	if !ok {
		return
	}

	var req TestSetPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request",
			apperrors.CodeServerInvalidMessage, "Invalid JSON body")
		return
	}
	if req.Level == "" {
		writeAPIError(w, http.StatusBadRequest, "missing_level",
			apperrors.CodeServerInvalidMessage, "level is required")
		return
	}

	s.mu.RLock()
	handler := s.testLevelHandler
	statusProvider := s.statusProvider
	s.mu.RUnlock()

	if handler == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "not_configured",
			apperrors.CodeServerHandlerMissing, "test level handler not configured")
		return
	}

	if err := handler(req.Level); err != nil {
		code, message := apperrors.ToCodeAndMessage(err)
		writeAPIError(w, httpStatusForCode(code), shortErrorName(code), code, message)
		return
	}

	s.recordCommand(deviceID, "test:"+req.Level)

	if statusProvider != nil {
		s.Broadcast(NewPowerStatusMessage(statusProvider()))
	}

	writeJSON(w, http.StatusOK, TestResultPayload{Level: req.Level, Success: true})
}

// httpStatusForCode maps a taxonomy code to an HTTP status.
func httpStatusForCode(code string) int {
	switch code {
	case apperrors.CodeSuspendInvalidState,
		apperrors.CodeTestInvalidLevel,
		apperrors.CodeServerInvalidMessage:
		return http.StatusBadRequest
	case apperrors.CodeSuspendBusy:
		return http.StatusConflict
	case apperrors.CodeSuspendUnsupported,
		apperrors.CodeSuspendNotImplemented,
		apperrors.CodeSuspendNotPermitted:
		return http.StatusUnprocessableEntity
	case apperrors.CodeAuthRequired, apperrors.CodeAuthInvalid, apperrors.CodeAuthExpired:
		return http.StatusUnauthorized
	case apperrors.CodeAuthForbidden, apperrors.CodeAuthDeviceRevoked:
		return http.StatusForbidden
	case apperrors.CodeServerHandlerMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// shortErrorName turns "suspend.busy" into "busy" for the short error
// field; the full code travels in error_code.
func shortErrorName(code string) string {
	if i := strings.LastIndex(code, "."); i >= 0 && i+1 < len(code) {
		return code[i+1:]
	}
	return code
}

// writeJSON sends a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

// writeAPIError sends a JSON error response with the taxonomy code.
func writeAPIError(w http.ResponseWriter, status int, name, code, message string) {
	writeJSON(w, status, apiError{
		Error:     name,
		ErrorCode: code,
		Message:   message,
	})
}
