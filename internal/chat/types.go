// Package chat implements the presence and messaging core: the connection
// registry, presence notifications, message routing, and typing aggregation.
//
// The package is transport agnostic. Outbound traffic goes through a Notifier
// and persistence through the UserStore and MessageStore interfaces, so every
// component can be exercised without a live connection.
package chat

import (
	"context"
	"time"
)

// AnonymousSender labels messages from connections that never completed a join.
const AnonymousSender = "Anonymous"

// User is a chat identity. Offline users keep their record with an empty
// ConnectionID.
type User struct {
	Username     string `json:"username"`
	ConnectionID string `json:"id"`
	Online       bool   `json:"online"`
}

// Message is a stored chat message. Recipient is set only for private
// messages and holds the recipient's username.
type Message struct {
	ID                 int64     `json:"id"`
	Sender             string    `json:"sender"`
	SenderConnectionID string    `json:"senderId"`
	Body               string    `json:"message"`
	Timestamp          time.Time `json:"timestamp"`
	IsPrivate          bool      `json:"isPrivate"`
	Recipient          string    `json:"to,omitempty"`
}

// Notice is the payload of user_joined and user_left.
type Notice struct {
	Username     string `json:"username"`
	ConnectionID string `json:"id"`
}

// Notifier delivers encoded events to live connections.
type Notifier interface {
	// Broadcast sends the event to every connected session.
	Broadcast(event string, payload any)
	// Deliver sends the event to one connection and reports whether that
	// connection was live.
	Deliver(connectionID, event string, payload any) bool
}

// UserStore persists user records. FindBy* methods return ErrUserNotFound
// when nothing matches.
type UserStore interface {
	FindUserByName(ctx context.Context, username string) (User, error)
	FindUserByConnection(ctx context.Context, connectionID string) (User, error)
	SaveUser(ctx context.Context, user User) error
	OnlineUsers(ctx context.Context) ([]User, error)
	ResetPresence(ctx context.Context) error
}

// MessageStore is the durable sink for completed messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg Message) (Message, error)
	RecentMessages(ctx context.Context, limit int) ([]Message, error)
}
