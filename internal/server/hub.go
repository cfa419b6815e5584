// Package server coordinates client registration, outbound fan-out, and
// connection cleanup for the chat system via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/log"
)

// Hub manages all client connections, websocket and polling alike, and
// delivers outbound frames in the order they were queued. It implements
// chat.Notifier.
type Hub struct {
	clients         map[string]*Client
	outbound        chan outboundFrame
	register        chan *Client
	unregister      chan *Client
	handler         EventHandler
	pollIdleTimeout time.Duration
	mutex           sync.RWMutex
	wg              sync.WaitGroup
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	log             *log.Logger
}

var _ chat.Notifier = (*Hub)(nil)

// NewHub creates and initializes a new Hub instance with all necessary channels
// and the client map. SetHandler must be called before Run.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:         make(map[string]*Client),
		outbound:        make(chan outboundFrame),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		pollIdleTimeout: currentConfig().PollIdleTimeout.Duration,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		log:             log.ForService("hub"),
	}
}

// SetHandler installs the consumer of inbound events.
func (h *Hub) SetHandler(handler EventHandler) {
	h.handler = handler
}

// Register adds a client to the hub and returns once it is addressable. It
// reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	if client == nil {
		return false
	}
	select {
	case h.register <- client:
	case <-h.done:
		return false
	}
	<-client.registered
	return true
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Lookup returns the live client with the given connection id.
func (h *Hub) Lookup(id string) (*Client, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	client, ok := h.clients[id]
	if !ok || client.closed {
		return nil, false
	}
	return client, true
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Broadcast implements chat.Notifier.
func (h *Hub) Broadcast(event string, payload any) {
	frame, err := chat.EncodeEnvelope(event, payload)
	if err != nil {
		h.log.Errorf("Dropping %s broadcast: %v", event, err)
		return
	}
	h.enqueue(outboundFrame{payload: frame})
}

// Deliver implements chat.Notifier. The target is checked against the live
// client set before anything is queued.
func (h *Hub) Deliver(connectionID, event string, payload any) bool {
	if _, ok := h.Lookup(connectionID); !ok {
		return false
	}
	frame, err := chat.EncodeEnvelope(event, payload)
	if err != nil {
		h.log.Errorf("Dropping %s for %s: %v", event, connectionID, err)
		return false
	}
	return h.enqueue(outboundFrame{target: connectionID, payload: frame})
}

func (h *Hub) enqueue(frame outboundFrame) bool {
	select {
	case h.outbound <- frame:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) dispatch(client *Client, env chat.Envelope) {
	if h.handler == nil {
		return
	}
	h.handler.HandleEvent(h.ctx, client.id, env)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	current, exists := h.clients[client.id]
	if !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, outbound frames, and reaping of idle polling clients. This
// method should be called in a separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	reap := time.NewTicker(h.reapInterval())
	defer reap.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.removeClients([]*Client{client}, "disconnected")

		case frame := <-h.outbound:
			h.handleOutbound(frame)

		case <-reap.C:
			h.reapIdleClients(time.Now())
		}
	}
}

func (h *Hub) reapInterval() time.Duration {
	interval := h.pollIdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		h.log.Warnf("Received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()
	close(client.registered)
	h.log.Infof("Client %s (%s) registered from %s. Total clients: %d", client.id, client.transport, client.addr, clientCount)

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// handleOutbound sends a frame to its target, or to every client when the
// frame has none, and drops clients whose buffers are full.
func (h *Hub) handleOutbound(frame outboundFrame) {
	var targets []*Client
	if frame.target == "" {
		targets = h.getClientSnapshot()
		h.log.Debugf("Broadcasting frame to %d clients", len(targets))
	} else if client, ok := h.Lookup(frame.target); ok {
		targets = []*Client{client}
	}

	var failed []*Client
	for _, client := range targets {
		if !h.safeSend(client, frame.payload) {
			failed = append(failed, client)
		}
	}
	h.removeClients(failed, "removed due to full send buffer")
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// reapIdleClients drops polling clients that stopped polling.
func (h *Hub) reapIdleClients(now time.Time) {
	var idle []*Client
	for _, client := range h.getClientSnapshot() {
		if client.conn == nil && client.idleSince(now) > h.pollIdleTimeout {
			idle = append(idle, client)
		}
	}
	h.removeClients(idle, "reaped after idling")
}

// removeClients unregisters clients, closes their send channels, and hands
// each departure to the event handler off the hub goroutine.
func (h *Hub) removeClients(clients []*Client, reason string) {
	if len(clients) == 0 {
		return
	}

	h.mutex.Lock()
	var removed []*Client
	for _, client := range clients {
		if current, exists := h.clients[client.id]; exists && current == client {
			delete(h.clients, client.id)
			client.closed = true
			removed = append(removed, client)
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close channels after releasing the lock
	for _, client := range removed {
		close(client.send)
		h.log.Infof("Client %s from %s %s. Total clients: %d", client.id, client.addr, reason, clientCount)
		h.notifyDisconnect(client.id)
	}
}

func (h *Hub) notifyDisconnect(id string) {
	if h.handler == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.handler.HandleDisconnect(context.WithoutCancel(h.ctx), id)
	}()
}

// shutdownClients gracefully closes all active client connections. Their
// departures still reach the handler so presence is recorded as offline.
func (h *Hub) shutdownClients() {
	h.log.Infof("Shutting down all client connections...")

	clients := h.getClientSnapshot()
	h.removeClients(clients, "closed for shutdown")
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					h.log.Warnf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	h.log.Infof("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Infof("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Infof("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warnf("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
