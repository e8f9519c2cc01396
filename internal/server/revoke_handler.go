package server

import (
	"log"
	"net/http"
	"strings"

	apperrors "github.com/somnus/sleepd/internal/errors"
)

// DeviceStore is the interface for device storage operations.
// This allows the server to delete devices without importing the storage package.
type DeviceStore interface {
	GetDevice(id string) (*DeviceInfo, error)
	DeleteDevice(id string) error
}

// DeviceInfo represents a paired device (minimal interface for server package).
type DeviceInfo struct {
	ID   string
	Name string
}

// RevokeDeviceHandler handles the HTTP endpoint for device revocation.
// It closes active connections for the device and removes it from storage.
type RevokeDeviceHandler struct {
	server      *Server
	deviceStore DeviceStore
}

// NewRevokeDeviceHandler creates a handler for the /devices/{id}/revoke endpoint.
// The server is used to close active WebSocket connections for the revoked device.
// The store is used to delete the device from persistent storage.
func NewRevokeDeviceHandler(server *Server, store DeviceStore) *RevokeDeviceHandler {
	return &RevokeDeviceHandler{server: server, deviceStore: store}
}

// ServeHTTP handles POST /devices/{id}/revoke requests.
// This endpoint is restricted to loopback (localhost) requests only for security.
// The handler first closes any active WebSocket connections for the device,
// then removes the device from storage.
func (h *RevokeDeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Security: Only allow requests from loopback addresses
	if !isLoopbackRequest(r) {
		log.Printf("server: rejected device revoke from non-loopback address: %s", r.RemoteAddr)
		writeAPIError(w, http.StatusForbidden, "forbidden",
			apperrors.CodeAuthForbidden, "Device revocation is only available from localhost")
		return
	}

	// Only accept POST
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			apperrors.CodeServerInvalidMessage, "Only POST is allowed")
		return
	}

	// Extract device ID from URL path: /devices/{id}/revoke
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) != 3 || pathParts[0] != "devices" || pathParts[2] != "revoke" {
		writeAPIError(w, http.StatusBadRequest, "invalid_path",
			apperrors.CodeServerInvalidMessage, "Expected path format: /devices/{id}/revoke")
		return
	}
	deviceID := pathParts[1]

	if deviceID == "" {
		writeAPIError(w, http.StatusBadRequest, "missing_device_id",
			apperrors.CodeServerInvalidMessage, "Device ID is required")
		return
	}

	// Check if device exists
	device, err := h.deviceStore.GetDevice(deviceID)
	if err != nil {
		log.Printf("server: failed to lookup device %s: %v", deviceID, err)
		writeAPIError(w, http.StatusInternalServerError, "lookup_failed",
			apperrors.CodeStorageQueryFailed, "Failed to lookup device")
		return
	}
	if device == nil {
		writeAPIError(w, http.StatusNotFound, "not_found",
			apperrors.CodeStorageNotFound, "Device not found")
		return
	}

	// Close active connections first (before deleting from storage)
	// This ensures the device cannot use an existing connection after revocation
	closedCount := h.server.CloseDeviceConnections(deviceID)

	// Delete from storage
	if err := h.deviceStore.DeleteDevice(deviceID); err != nil {
		log.Printf("server: failed to delete device %s: %v", deviceID, err)
		writeAPIError(w, http.StatusInternalServerError, "delete_failed",
			apperrors.CodeStorageSaveFailed, "Failed to delete device")
		return
	}

	log.Printf("server: revoked device %s (%s), closed %d connection(s)", deviceID, device.Name, closedCount)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":          deviceID,
		"device_name":        device.Name,
		"connections_closed": closedCount,
	})
}
