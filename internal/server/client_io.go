package server

// client_io.go contains the per-connection read and write pumps. Each
// client gets one goroutine of each: writePump serializes everything
// going out over the wire, readPump dispatches control messages coming
// in.

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/somnus/sleepd/internal/errors"
)

// writePump continuously sends messages from the send channel to the WebSocket.
// It also sends periodic pings to keep the connection alive.
func (c *Client) writePump() {
	// Set up a ticker for sending pings every 30 seconds.
	// Pings help detect dead connections and keep NAT/firewalls happy.
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Shutdown signaled; send close frame and exit.
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg, ok := <-c.send:
			// Set a write deadline to prevent hanging on slow connections
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			if !ok {
				// The send channel was closed; send a close frame.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Serialize the message to JSON
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("server: failed to marshal message: %v", err)
				continue
			}

			// Write the message to the WebSocket
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("server: write error: %v", err)
				return
			}

		case <-ticker.C:
			// Send a ping to keep the connection alive
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket and dispatches them to the
// control handlers. It also detects client disconnects.
func (c *Client) readPump() {
	defer func() {
		// Unregister the client when this goroutine exits
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()

		// Use closeSend() to safely signal shutdown.
		// Stop() may have already done so during daemon shutdown.
		// This signals writePump to exit, which will close the connection.
		c.closeSend()

		log.Printf("server: client disconnected (%d remaining)", c.server.ClientCount())
	}()

	// Configure connection parameters. Control messages are tiny, so a
	// modest read limit is plenty and bounds a misbehaving client.
	c.conn.SetReadLimit(32 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	// Set up pong handler to reset the read deadline.
	// When we receive a pong (response to our ping), we know the client is alive.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// Read the next message from the WebSocket.
		// This blocks until a message arrives or an error occurs.
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// Check if this is a normal close (client disconnected)
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("server: read error: %v", err)
			}
			return
		}

		// Track device activity for authenticated clients.
		// This updates the last_seen timestamp on each message received.
		if c.deviceID != "" {
			c.server.mu.RLock()
			tracker := c.server.deviceActivityTracker
			c.server.mu.RUnlock()

			if tracker != nil {
				tracker(c.deviceID)
			}
		}

		// Parse the message
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("server: failed to parse message: %v", err)
			continue
		}

		// Rate-limit control requests. Heartbeats are exempt: they are
		// how idle clients stay connected.
		if msg.Type != MessageTypeHeartbeat && !c.requestLimiter.Allow() {
			log.Printf("server: rate limit exceeded for %s message", msg.Type)
			c.sendWithTimeout(NewErrorMessage(apperrors.CodeServerRateLimited,
				"too many requests, slow down"), time.Second)
			continue
		}

		// Handle the message based on type
		switch msg.Type {
		case MessageTypeSuspendRequest:
			c.handleSuspendRequest(data)
		case MessageTypePowerStatus:
			c.handlePowerStatus()
		case MessageTypePowerStats:
			c.handlePowerStats()
		case MessageTypePowerWake:
			c.handlePowerWake(data)
		case MessageTypeTestSet:
			c.handleTestSet(data)
		case MessageTypeHeartbeat:
			// Keep-alive only; the read deadline was already reset.
		default:
			log.Printf("server: received message: type=%s", msg.Type)
			c.sendWithTimeout(NewErrorMessage(apperrors.CodeServerInvalidMessage,
				"unknown message type: "+string(msg.Type)), time.Second)
		}
	}
}
