package chat

import (
	"context"
	"time"

	"github.com/Tyrowin/chatcore/internal/log"
)

// DefaultWriteTimeout bounds a single durable write.
const DefaultWriteTimeout = 5 * time.Second

// Router validates outbound messages, persists them, and delivers the stored
// record. Sender identity always comes from the registry, never from the
// client.
type Router struct {
	registry     *Registry
	messages     MessageStore
	notifier     Notifier
	now          func() time.Time
	writeTimeout time.Duration
	log          *log.Logger
}

// NewRouter returns a Router. A zero writeTimeout selects DefaultWriteTimeout.
func NewRouter(registry *Registry, messages MessageStore, n Notifier, writeTimeout time.Duration) *Router {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Router{
		registry:     registry,
		messages:     messages,
		notifier:     n,
		now:          time.Now,
		writeTimeout: writeTimeout,
		log:          log.ForService("router"),
	}
}

// SetClock replaces the timestamp source.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Router) senderName(ctx context.Context, connectionID string) string {
	if name, ok := r.registry.Resolve(ctx, connectionID); ok {
		return name
	}
	return AnonymousSender
}

func (r *Router) store(ctx context.Context, msg Message) (Message, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	stored, err := r.messages.SaveMessage(ctx, msg)
	if err != nil {
		r.log.Errorf("Dropping message from %s (%s): %v", msg.Sender, msg.SenderConnectionID, err)
		return Message{}, false
	}
	return stored, true
}

// Broadcast stores body as a public message and sends the stored record to
// every connection, the sender included. An empty body is dropped.
func (r *Router) Broadcast(ctx context.Context, senderConnectionID, body string) (Message, bool) {
	if body == "" {
		return Message{}, false
	}

	stored, ok := r.store(ctx, Message{
		Sender:             r.senderName(ctx, senderConnectionID),
		SenderConnectionID: senderConnectionID,
		Body:               body,
		Timestamp:          r.now().UTC(),
	})
	if !ok {
		return Message{}, false
	}

	r.notifier.Broadcast(EventReceiveMessage, stored)
	return stored, true
}

// Direct stores body as a private message to recipient, a username, and
// delivers it to the recipient's current connection and back to the sender.
// The recipient is resolved after the write; an offline recipient is skipped.
func (r *Router) Direct(ctx context.Context, senderConnectionID, recipient, body string) (Message, bool) {
	recipient = NormalizeUsername(recipient)
	if recipient == "" || body == "" {
		return Message{}, false
	}

	stored, ok := r.store(ctx, Message{
		Sender:             r.senderName(ctx, senderConnectionID),
		SenderConnectionID: senderConnectionID,
		Body:               body,
		Timestamp:          r.now().UTC(),
		IsPrivate:          true,
		Recipient:          recipient,
	})
	if !ok {
		return Message{}, false
	}

	if target, online := r.registry.ConnectionOf(ctx, recipient); online && target != senderConnectionID {
		if !r.notifier.Deliver(target, EventPrivateMessage, stored) {
			r.log.Debugf("Recipient %s left before delivery", recipient)
		}
	}
	r.notifier.Deliver(senderConnectionID, EventPrivateMessage, stored)
	return stored, true
}
