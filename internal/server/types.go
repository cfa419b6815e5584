// Package server defines the frame and handler types shared by the hub and
// the transports, plus small utility helpers.
package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// Transport names reported by clients.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// EventHandler consumes inbound events. HandleEvent is called sequentially
// per connection, in receipt order.
type EventHandler interface {
	HandleEvent(ctx context.Context, connectionID string, env chat.Envelope)
	HandleDisconnect(ctx context.Context, connectionID string)
}

// outboundFrame is an encoded envelope queued on the hub. An empty target
// addresses every client.
type outboundFrame struct {
	target  string
	payload []byte
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
