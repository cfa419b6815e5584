// Package server manages individual chat clients, handling read/write pumps
// for websocket connections and the mailbox used by polling connections.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/log"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

var clientLog = log.ForService("client")

// Client represents one transport connection in the chat system. conn is nil
// for polling clients, whose frames are drained from send by poll requests.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	transport      string
	closed         bool
	maxMessageSize int64
	lastSeen       atomic.Int64
	registered     chan struct{}
	// inbound serializes event handling for one connection.
	inbound sync.Mutex
}

// NewClient creates a new websocket Client with a fresh connection id. The
// client's send channel is buffered to handle message queuing.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	c := &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		transport:      TransportWebSocket,
		maxMessageSize: cfg.MaxMessageSize,
		registered:     make(chan struct{}),
	}
	c.touch()
	return c
}

// NewPollClient creates a polling Client.
func NewPollClient(hub *Hub, addr string) *Client {
	c := NewClient(nil, hub, addr)
	c.transport = TransportPolling
	return c
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Transport names the transport the client connected over.
func (c *Client) Transport() string {
	return c.transport
}

// GetSendChan returns the client's send channel for reading outgoing messages.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// handleInbound decodes one frame, which may hold several newline separated
// envelopes, and hands each to the hub's event handler in order.
func (c *Client) handleInbound(raw []byte) {
	c.inbound.Lock()
	defer c.inbound.Unlock()

	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env chat.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			clientLog.Warnf("Invalid frame from %s: %v", c.addr, err)
			continue
		}
		if env.Event == "" {
			clientLog.Warnf("Frame without event from %s", c.addr)
			continue
		}
		clientLog.Debugf("Received %s from %s", env.Event, c.id)
		c.hub.dispatch(c, env)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		clientLog.Warnf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			clientLog.Warnf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type.
// Every read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		clientLog.Warnf("Message from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		clientLog.Infof("Client %s disconnected: %v", c.addr, err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		clientLog.Infof("Client %s connection closed: %v", c.addr, err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		clientLog.Warnf("Unexpected WebSocket error from %s: %v", c.addr, err)
	default:
		clientLog.Warnf("WebSocket read error from %s: %v", c.addr, err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				clientLog.Warnf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.touch()
		c.handleInbound(raw)
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
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			clientLog.Warnf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		clientLog.Warnf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			clientLog.Warnf("Error writing close message to %s: %v", c.addr, err)
		}
	}
	return false
}

// writeTextMessage writes a text message and any queued messages, one
// envelope per line.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		clientLog.Warnf("Error creating writer for %s: %v", c.addr, err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		clientLog.Warnf("Error writing message to %s: %v", c.addr, err)
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			clientLog.Warnf("Error writing newline to %s: %v", c.addr, err)
			return false
		}
		if _, err := w.Write(queued); err != nil {
			clientLog.Warnf("Error writing queued message to %s: %v", c.addr, err)
			return false
		}
	}

	if err := w.Close(); err != nil {
		clientLog.Warnf("Error closing writer for %s: %v", c.addr, err)
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		clientLog.Warnf("Error setting write deadline for ping to %s: %v", c.addr, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		clientLog.Warnf("Error writing ping message to %s: %v", c.addr, err)
		return false
	}
	return true
}

// drain collects the frames queued for a polling client. It blocks until at
// least one frame is available, wait elapses, or done closes. ok is false
// once the client has been removed from the hub.
func (c *Client) drain(wait time.Duration, done <-chan struct{}) (frames [][]byte, ok bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case frame, open := <-c.send:
		if !open {
			return nil, false
		}
		frames = append(frames, frame)
	case <-timer.C:
		return nil, true
	case <-done:
		return nil, true
	}

	for {
		select {
		case frame, open := <-c.send:
			if !open {
				return frames, true
			}
			frames = append(frames, frame)
		default:
			return frames, true
		}
	}
}
