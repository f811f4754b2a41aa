// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/zonechat/internal/chat"
)

// Client is the transport side of one WebSocket connection. It implements
// chat.Sender: frames queued with Send are written by the write pump, one
// WebSocket text frame per chat frame.
type Client struct {
	conn         *websocket.Conn
	hub          *chat.Hub
	id           string
	addr         string
	logger       zerolog.Logger
	rateLimiter  *rate.Limiter
	readDeadline time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	maxSize      int64

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewClient creates a Client for conn. The connection is not registered with
// the hub until the server starts its pumps.
func NewClient(conn *websocket.Conn, hub *chat.Hub, addr string, cfg *Config, logger zerolog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:         conn,
		hub:          hub,
		addr:         addr,
		logger:       logger.With().Str("remote_addr", addr).Logger(),
		rateLimiter:  newRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRefillInterval),
		readDeadline: cfg.ReadDeadline(),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		maxSize:      cfg.MaxMessageSize,
		send:         make(chan []byte, cfg.SendBuffer),
	}
}

// Send queues frame without blocking. A full queue counts as a failed
// delivery, the same as a closed connection.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return chat.ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return chat.ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and drops the
// connection. Safe to call repeatedly.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readDeadline)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.readDeadline))
	})
}

// logReadError logs why the read loop stopped.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.maxSize).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info().Err(err).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info().Err(err).Msg("Client connection closed")
	default:
		c.logger.Warn().Err(err).Msg("WebSocket read error")
	}
}

// allowMessage reports whether the rate limiter lets the next frame through.
func (c *Client) allowMessage() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Warn().Int("burst", c.rateLimiter.Burst()).Msg("Rate limit exceeded; discarding message")
		return false
	}
	return true
}

// readPump hands every inbound frame to the hub, one at a time, until the
// connection fails. Teardown always goes through the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.id)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("Error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.allowMessage() {
			continue
		}

		c.hub.HandleFrame(c.id, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			return c.writeCloseMessage()
		}
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.writePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Msg("Error closing connection in writePump")
	}
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return false
	}
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("Error writing close message")
	}
	return false
}

// writeTextMessage writes one frame
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("Error writing message")
		}
		return false
	}
	return true
}

// writePing sends a ping message to keep the connection alive
func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing ping message")
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
