package server

import (
	"context"
	"time"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/log"
)

// Dispatcher decodes inbound envelopes and forwards them to the chat
// service. Malformed payloads and unknown events are dropped.
type Dispatcher struct {
	chat    *chat.Service
	timeout time.Duration
	log     *log.Logger
}

var _ EventHandler = (*Dispatcher)(nil)

// NewDispatcher returns a Dispatcher bounding each event's store work by
// timeout. A non-positive timeout disables the bound.
func NewDispatcher(svc *chat.Service, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		chat:    svc,
		timeout: timeout,
		log:     log.ForService("dispatch"),
	}
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

// HandleEvent implements EventHandler.
func (d *Dispatcher) HandleEvent(ctx context.Context, connectionID string, env chat.Envelope) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	switch env.Event {
	case chat.EventUserJoin:
		var username string
		if !d.decode(connectionID, env, &username) {
			return
		}
		d.chat.Join(ctx, connectionID, username)

	case chat.EventSendMessage:
		var payload chat.SendMessagePayload
		if !d.decode(connectionID, env, &payload) {
			return
		}
		d.chat.SendMessage(ctx, connectionID, payload.Message)

	case chat.EventPrivateMessage:
		var payload chat.PrivateMessagePayload
		if !d.decode(connectionID, env, &payload) {
			return
		}
		d.chat.SendPrivate(ctx, connectionID, payload.To, payload.Message)

	case chat.EventTyping:
		var isTyping bool
		if !d.decode(connectionID, env, &isTyping) {
			return
		}
		d.chat.SetTyping(ctx, connectionID, isTyping)

	default:
		d.log.Debugf("Ignoring unknown event %q from %s", env.Event, connectionID)
	}
}

// HandleDisconnect implements EventHandler.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, connectionID string) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	d.chat.Disconnect(ctx, connectionID)
}

func (d *Dispatcher) decode(connectionID string, env chat.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		d.log.Debugf("Dropping %s from %s: %v", env.Event, connectionID, err)
		return false
	}
	return true
}
