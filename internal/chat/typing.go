package chat

import (
	"context"
	"maps"
	"sync"
)

// Typing aggregates per-user typing flags and republishes the whole mapping
// on every change. State is in memory only and starts empty.
type Typing struct {
	mu       sync.Mutex
	state    map[string]bool
	registry *Registry
	notifier Notifier
}

// NewTyping returns an empty aggregator.
func NewTyping(registry *Registry, n Notifier) *Typing {
	return &Typing{
		state:    make(map[string]bool),
		registry: registry,
		notifier: n,
	}
}

// Set merges the flag of the user behind connectionID into the aggregate and
// broadcasts the result. An unresolved connection is ignored.
func (t *Typing) Set(ctx context.Context, connectionID string, isTyping bool) bool {
	username, ok := t.registry.Resolve(ctx, connectionID)
	if !ok {
		return false
	}

	t.mu.Lock()
	if isTyping {
		t.state[username] = true
	} else {
		delete(t.state, username)
	}
	snapshot := maps.Clone(t.state)
	t.mu.Unlock()

	t.notifier.Broadcast(EventTypingUsers, snapshot)
	return true
}

// Clear drops the flag of username, broadcasting only if it was set.
func (t *Typing) Clear(username string) bool {
	t.mu.Lock()
	if _, ok := t.state[username]; !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.state, username)
	snapshot := maps.Clone(t.state)
	t.mu.Unlock()

	t.notifier.Broadcast(EventTypingUsers, snapshot)
	return true
}

// Snapshot returns a copy of the current mapping.
func (t *Typing) Snapshot() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.state)
}
