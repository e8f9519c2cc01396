package auth

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/somnus/sleepd/internal/errors"
)

// PairRequest is the JSON body for the /pair endpoint.
type PairRequest struct {
	// Code is the 6-digit pairing code displayed by `sleepd pair`.
	Code string `json:"code"`

	// DeviceName is a friendly name for the control client (e.g., "bedside tablet").
	DeviceName string `json:"device_name"`
}

// PairResponse is the JSON response from the /pair endpoint on success.
type PairResponse struct {
	// DeviceID is the unique identifier for the paired device.
	DeviceID string `json:"device_id"`

	// Token is the bearer token for authentication.
	// This is only returned once and should be stored securely by the client.
	Token string `json:"token"`

	// Scopes tells the client what its grant allows ("observe" or "control").
	Scopes string `json:"scopes"`
}

// ErrorResponse is the JSON response for error conditions.
type ErrorResponse struct {
	// Error is a short machine-readable name (e.g., "invalid_code").
	Error string `json:"error"`

	// ErrorCode is the stable dotted taxonomy code (e.g., "auth.invalid").
	ErrorCode string `json:"error_code"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// PairingMetricsRecorder is an optional callback for recording pairing outcomes.
// The server wires this to its Prometheus counters.
type PairingMetricsRecorder func(deviceID string, success bool)

// PairHandler handles the /pair HTTP endpoint for code-to-grant exchange.
// It validates the pairing code and returns a device token on success.
type PairHandler struct {
	pairingManager  *PairingManager
	metricsRecorder PairingMetricsRecorder
}

// NewPairHandler creates a new pair handler.
func NewPairHandler(pm *PairingManager) *PairHandler {
	return &PairHandler{pairingManager: pm}
}

// SetMetricsRecorder sets an optional callback for recording pairing outcomes.
func (h *PairHandler) SetMetricsRecorder(recorder PairingMetricsRecorder) {
	h.metricsRecorder = recorder
}

// ServeHTTP handles POST /pair requests.
func (h *PairHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", apperrors.CodeServerInvalidMessage, "Only POST is allowed")
		return
	}

	// Parse the request body
	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("auth: failed to parse pair request: %v", err)
		writeError(w, http.StatusBadRequest, "invalid_request", apperrors.CodeServerInvalidMessage, "Invalid JSON body")
		return
	}

	// Validate required fields
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing_code", apperrors.CodeServerInvalidMessage, "Pairing code is required")
		return
	}

	// Default device name if not provided
	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = "Unknown Device"
	}

	// Redeem the code for a grant
	grant, err := h.pairingManager.ValidateCode(req.Code, deviceName)
	if err != nil {
		if h.metricsRecorder != nil {
			h.metricsRecorder("", false)
		}
		switch {
		case errors.Is(err, ErrCodeInvalid):
			writeError(w, http.StatusUnauthorized, "invalid_code", apperrors.CodeAuthInvalid, "Invalid pairing code")
		case errors.Is(err, ErrCodeExpired):
			writeError(w, http.StatusUnauthorized, "expired_code", apperrors.CodeAuthExpired, "Pairing code has expired")
		case errors.Is(err, ErrCodeUsed):
			writeError(w, http.StatusUnauthorized, "used_code", apperrors.CodeAuthInvalid, "Pairing code has already been used")
		case errors.Is(err, ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate_limited", apperrors.CodeServerRateLimited, "Too many pairing attempts, please wait")
		default:
			log.Printf("auth: unexpected error during pairing: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", apperrors.CodeInternal, "Failed to complete pairing")
		}
		return
	}

	// Success - return the pairing grant
	if h.metricsRecorder != nil {
		h.metricsRecorder(grant.DeviceID, true)
	}
	log.Printf("auth: device paired successfully: %s (%s, scopes=%s)", grant.DeviceID, deviceName, grant.Scopes)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(PairResponse{
		DeviceID: grant.DeviceID,
		Token:    grant.Token,
		Scopes:   grant.Scopes,
	})
}

// writeError sends a JSON error response with the taxonomy code.
func writeError(w http.ResponseWriter, status int, name, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     name,
		ErrorCode: code,
		Message:   message,
	})
}

// GenerateCodeRequest is the optional JSON body for /pair/generate.
// An empty body generates a full-control code.
type GenerateCodeRequest struct {
	// Scopes is the comma-joined capability set the code should grant
	// ("observe" for a watch-only client). Empty means control.
	Scopes string `json:"scopes"`
}

// GenerateCodeResponse is the JSON response for /pair/generate.
type GenerateCodeResponse struct {
	Code   string    `json:"code"`
	Scopes string    `json:"scopes"`
	Expiry time.Time `json:"expiry"`
}

// GenerateCodeHandler handles the /pair/generate endpoint.
// This is called by the `sleepd pair` CLI command to generate a code.
type GenerateCodeHandler struct {
	pairingManager *PairingManager
}

// NewGenerateCodeHandler creates a new generate code handler.
func NewGenerateCodeHandler(pm *PairingManager) *GenerateCodeHandler {
	return &GenerateCodeHandler{pairingManager: pm}
}

// isLoopbackRequest checks if the request originates from the local machine.
// This is used to restrict sensitive endpoints like /pair/generate to local access only.
// Returns true for loopback or unix socket addresses.
func isLoopbackRequest(r *http.Request) bool {
	// Extract the host part from RemoteAddr (format is "host:port" or "[host]:port" for IPv6)
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if isUnixSocketRemoteAddr(r.RemoteAddr) {
			return true
		}
		// If we can't parse the address, be conservative and reject
		log.Printf("auth: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}

	// Parse the IP address
	ip := net.ParseIP(host)
	if ip == nil {
		// If we can't parse the IP, be conservative and reject
		log.Printf("auth: failed to parse IP from host %q", host)
		return false
	}

	return ip.IsLoopback()
}

func isUnixSocketRemoteAddr(remoteAddr string) bool {
	if remoteAddr == "" {
		return true
	}
	if strings.HasPrefix(remoteAddr, "/") || strings.HasPrefix(remoteAddr, "@") {
		return true
	}
	return false
}

// ServeHTTP handles POST /pair/generate requests.
// This endpoint is restricted to loopback (localhost) or unix socket requests only.
// Remote access to pairing code generation would allow attackers to generate codes
// and potentially race legitimate users to complete pairing.
func (h *GenerateCodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Security: Only allow requests from loopback or unix socket addresses.
	// This ensures that pairing codes can only be generated by someone with
	// local access to the machine (e.g., via SSH or direct terminal).
	if !isLoopbackRequest(r) {
		log.Printf("auth: rejected /pair/generate from non-loopback address: %s", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "forbidden", apperrors.CodeAuthForbidden, "Pairing code generation is only available from localhost")
		return
	}

	// Only accept POST requests
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", apperrors.CodeServerInvalidMessage, "Only POST is allowed")
		return
	}

	// The body is optional: older clients POST with no body and get a
	// full-control code.
	var req GenerateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", apperrors.CodeServerInvalidMessage, "Invalid JSON body")
		return
	}

	code, err := h.pairingManager.GenerateCode(req.Scopes)
	if err != nil {
		if errors.Is(err, ErrInvalidScope) {
			writeError(w, http.StatusBadRequest, "invalid_scope", apperrors.CodeServerInvalidMessage, "Unknown pairing scope")
			return
		}
		log.Printf("auth: failed to generate pairing code: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", apperrors.CodeInternal, "Failed to generate pairing code")
		return
	}

	log.Printf("auth: generated pairing code via /pair/generate endpoint")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(GenerateCodeResponse{
		Code:   code,
		Scopes: h.pairingManager.ActiveCodeScopes(),
		Expiry: h.pairingManager.GetCodeExpiry(),
	})
}
