package server

// handlers_power.go contains the WebSocket message handlers for the
// power control surface: sleep requests, wake requests, status and
// stats queries, and test checkpoint arming.

import (
	"encoding/json"
	"log"
	"time"

	apperrors "github.com/somnus/sleepd/internal/errors"
)

// resultSendTimeout bounds how long a handler waits to queue its result
// for a slow client before giving up on that message.
const resultSendTimeout = 5 * time.Second

// handleSuspendRequest processes a suspend.request message. The
// transition itself runs on a fresh goroutine: a freeze transition
// parks until a wakeup source fires, and the requesting client must
// stay readable so it (or anyone else) can send power.wake meanwhile.
func (c *Client) handleSuspendRequest(data []byte) {
	var msg struct {
		Type    MessageType           `json:"type"`
		ID      string                `json:"id,omitempty"`
		Payload SuspendRequestPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("server: failed to parse suspend.request payload: %v", err)
		c.sendWithTimeout(NewSuspendResultMessage("", false,
			apperrors.CodeServerInvalidMessage, "invalid message format", 0), resultSendTimeout)
		return
	}

	state := msg.Payload.State
	if state == "" {
		log.Printf("server: suspend.request missing state")
		c.sendWithTimeout(NewSuspendResultMessage("", false,
			apperrors.CodeServerInvalidMessage, "state is required", 0), resultSendTimeout)
		return
	}

	// Observe-only grants may watch transitions but never start one.
	if !c.canControl {
		log.Printf("server: suspend.request denied for observe-only device %s", c.deviceID)
		c.sendWithTimeout(NewSuspendResultMessage(state, false,
			apperrors.CodeAuthForbidden, "device grant does not allow power commands", 0), resultSendTimeout)
		return
	}

	c.server.mu.RLock()
	handler := c.server.sleepHandler
	c.server.mu.RUnlock()

	if handler == nil {
		log.Printf("server: no sleep handler registered, ignoring suspend.request for %s", state)
		c.sendWithTimeout(NewSuspendResultMessage(state, false,
			apperrors.CodeServerHandlerMissing, "sleep handler not configured", 0), resultSendTimeout)
		return
	}

	log.Printf("server: suspend.request state=%s device=%s", state, c.deviceID)
	c.server.recordCommand(c.deviceID, "suspend:"+state)

	go func() {
		began := time.Now()
		err := handler(state)
		elapsed := time.Since(began)

		if err != nil {
			code, message := apperrors.ToCodeAndMessage(err)
			c.sendWithTimeout(NewSuspendResultMessage(state, false, code, message, elapsed), resultSendTimeout)
			return
		}
		c.sendWithTimeout(NewSuspendResultMessage(state, true, "", "", elapsed), resultSendTimeout)
	}()
}

// handlePowerStatus answers a status query from this client.
func (c *Client) handlePowerStatus() {
	c.server.mu.RLock()
	provider := c.server.statusProvider
	c.server.mu.RUnlock()

	if provider == nil {
		c.sendWithTimeout(NewPowerStatusMessage(PowerStatusPayload{TestLevel: "none"}), resultSendTimeout)
		return
	}
	c.sendWithTimeout(NewPowerStatusMessage(provider()), resultSendTimeout)
}

// handlePowerStats answers a stats query from this client.
func (c *Client) handlePowerStats() {
	c.server.mu.RLock()
	provider := c.server.statsProvider
	c.server.mu.RUnlock()

	if provider == nil {
		log.Printf("server: no stats provider registered, ignoring power.stats")
		c.sendWithTimeout(NewErrorMessage(apperrors.CodeServerHandlerMissing,
			"stats provider not configured"), resultSendTimeout)
		return
	}
	c.sendWithTimeout(NewPowerStatsMessage(provider()), resultSendTimeout)
}

// handlePowerWake processes a power.wake message and echoes the outcome
// back to the sender. The wake.event broadcast to everyone else happens
// through the wakeup registry, not here.
func (c *Client) handlePowerWake(data []byte) {
	var msg struct {
		Type    MessageType      `json:"type"`
		ID      string           `json:"id,omitempty"`
		Payload PowerWakePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("server: failed to parse power.wake payload: %v", err)
		c.sendWithTimeout(NewErrorMessage(apperrors.CodeServerInvalidMessage,
			"invalid message format"), resultSendTimeout)
		return
	}

	if !c.canControl {
		log.Printf("server: power.wake denied for observe-only device %s", c.deviceID)
		c.sendWithTimeout(NewErrorMessage(apperrors.CodeAuthForbidden,
			"device grant does not allow power commands"), resultSendTimeout)
		return
	}

	c.server.mu.RLock()
	handler := c.server.wakeHandler
	c.server.mu.RUnlock()

	if handler == nil {
		log.Printf("server: no wake handler registered, ignoring power.wake")
		c.sendWithTimeout(NewErrorMessage(apperrors.CodeServerHandlerMissing,
			"wake handler not configured"), resultSendTimeout)
		return
	}

	source := msg.Payload.Source
	if source == "" {
		if c.deviceID != "" {
			source = c.deviceID
		} else {
			source = "remote"
		}
	}

	c.server.recordCommand(c.deviceID, "wake")

	woken := handler(source, msg.Payload.Reason)
	log.Printf("server: power.wake source=%s woken=%v", source, woken)
	c.sendWithTimeout(NewPowerWakeMessage(source, msg.Payload.Reason, woken), resultSendTimeout)
}

// handleTestSet arms a debug checkpoint level. On success the new
// status is broadcast so every client sees the armed level.
func (c *Client) handleTestSet(data []byte) {
	var msg struct {
		Type    MessageType    `json:"type"`
		ID      string         `json:"id,omitempty"`
		Payload TestSetPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("server: failed to parse test.set payload: %v", err)
		c.sendWithTimeout(NewTestResultMessage("", false,
			apperrors.CodeServerInvalidMessage, "invalid message format"), resultSendTimeout)
		return
	}

	level := msg.Payload.Level
	if level == "" {
		c.sendWithTimeout(NewTestResultMessage("", false,
			apperrors.CodeServerInvalidMessage, "level is required"), resultSendTimeout)
		return
	}

	if !c.canControl {
		log.Printf("server: test.set denied for observe-only device %s", c.deviceID)
		c.sendWithTimeout(NewTestResultMessage(level, false,
			apperrors.CodeAuthForbidden, "device grant does not allow power commands"), resultSendTimeout)
		return
	}

	c.server.mu.RLock()
	handler := c.server.testLevelHandler
	statusProvider := c.server.statusProvider
	c.server.mu.RUnlock()

	if handler == nil {
		log.Printf("server: no test level handler registered, ignoring test.set")
		c.sendWithTimeout(NewTestResultMessage(level, false,
			apperrors.CodeServerHandlerMissing, "test level handler not configured"), resultSendTimeout)
		return
	}

	if err := handler(level); err != nil {
		code, message := apperrors.ToCodeAndMessage(err)
		log.Printf("server: test.set rejected level=%q: %v", level, err)
		c.sendWithTimeout(NewTestResultMessage(level, false, code, message), resultSendTimeout)
		return
	}

	log.Printf("server: test checkpoint armed: %s", level)
	c.server.recordCommand(c.deviceID, "test:"+level)
	c.sendWithTimeout(NewTestResultMessage(level, true, "", ""), resultSendTimeout)

	if statusProvider != nil {
		c.server.Broadcast(NewPowerStatusMessage(statusProvider()))
	}
}
