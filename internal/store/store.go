// Package store provides the durable collaborators of the chat core: user
// records and message history, backed by SQLite or held in memory.
package store

import (
	"fmt"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// MaxHistory caps RecentMessages regardless of the requested limit.
const MaxHistory = 500

// Store is the full persistence surface used by the server.
type Store interface {
	chat.UserStore
	chat.MessageStore
	Close() error
}

// Open returns a SQLite store at path, or a memory store when path is empty
// or ":memory:".
func Open(path string) (Store, error) {
	if path == "" || path == ":memory:" {
		return NewMemory(), nil
	}
	s, err := NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxHistory {
		return MaxHistory
	}
	return limit
}
