// Package server manages individual WebSocket clients, handling read/write
// pumps, bounded send queues, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	readBufSize  = 1024
	writeBufSize = 1024
)

// Client represents a WebSocket connection. It is the presence.Conn the
// session layer addresses: Send queues a frame without blocking and evicts
// the client when its queue is full.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	maxMessageSize int64
	log            *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient creates a Client with a fresh id and a send queue of bufferSize
// frames. Frames larger than maxMessageSize end the connection.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, maxMessageSize int64, bufferSize int) *Client {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if bufferSize <= 0 {
		bufferSize = defaultSendBufferSize
	}
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}

	id := uuid.NewString()
	log := zap.NewNop()
	if hub != nil {
		log = hub.log.With(zap.String("conn", id), zap.String("addr", addr))
	}

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, bufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: maxMessageSize,
		log:            log,
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Send queues data for the write pump. It never blocks: when the queue is
// full the client is closed and ErrSendBufferFull returned.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.closed = true
		close(c.send)
		c.log.Warn("evicting slow client: send buffer full", zap.Int("buffered", cap(c.send)))
		return ErrSendBufferFull
	}
}

// closeSend closes the send queue once, which makes the write pump send a
// close frame and exit.
func (c *Client) closeSend() {
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
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read failure by kind and reports whether the read
// loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn("message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Info("client disconnected", zap.Error(err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Info("client connection closed", zap.Error(err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn("unexpected websocket close", zap.Error(err))
		return true
	}

	c.log.Warn("websocket read error", zap.Error(err))
	return true
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}
		if messageType != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame", zap.Int("type", messageType))
			continue
		}

		c.hub.sessions.Handle(c.hub.ctx, c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("closing connection in writePump", zap.Error(err))
	}
}

// handleMessage writes one outgoing frame plus whatever is already queued and
// returns false if the connection should be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if !ok {
		return c.writeCloseMessage()
	}

	if !c.writeTextMessage(message) {
		return false
	}
	return c.writeQueuedMessages()
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("writing close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes a single frame. Each protocol frame travels in its
// own WebSocket message so clients can parse them independently.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// writeQueuedMessages flushes frames queued while the previous write was in
// progress.
func (c *Client) writeQueuedMessages() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		message, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeTextMessage(message) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("writing ping", zap.Error(err))
		return false
	}
	return true
}
