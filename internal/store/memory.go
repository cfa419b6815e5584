package store

import (
	"context"
	"slices"
	"sync"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// Memory is an in-process Store. Users are kept in creation order.
type Memory struct {
	mu       sync.RWMutex
	users    []chat.User
	byName   map[string]int
	messages []chat.Message
	nextID   int64
}

// NewMemory returns an empty memory store.
func NewMemory() *Memory {
	return &Memory{byName: make(map[string]int)}
}

// FindUserByName implements chat.UserStore.
func (m *Memory) FindUserByName(_ context.Context, username string) (chat.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byName[username]
	if !ok {
		return chat.User{}, chat.ErrUserNotFound
	}
	return m.users[i], nil
}

// FindUserByConnection implements chat.UserStore. Only online users match.
func (m *Memory) FindUserByConnection(_ context.Context, connectionID string) (chat.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Online && u.ConnectionID == connectionID {
			return u, nil
		}
	}
	return chat.User{}, chat.ErrUserNotFound
}

// SaveUser implements chat.UserStore.
func (m *Memory) SaveUser(_ context.Context, user chat.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !user.Online {
		user.ConnectionID = ""
	}
	if i, ok := m.byName[user.Username]; ok {
		m.users[i] = user
		return nil
	}
	m.byName[user.Username] = len(m.users)
	m.users = append(m.users, user)
	return nil
}

// OnlineUsers implements chat.UserStore.
func (m *Memory) OnlineUsers(_ context.Context) ([]chat.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	online := make([]chat.User, 0, len(m.users))
	for _, u := range m.users {
		if u.Online {
			online = append(online, u)
		}
	}
	return online, nil
}

// ResetPresence implements chat.UserStore.
func (m *Memory) ResetPresence(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.users {
		m.users[i].Online = false
		m.users[i].ConnectionID = ""
	}
	return nil
}

// SaveMessage implements chat.MessageStore.
func (m *Memory) SaveMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	msg.ID = m.nextID
	m.messages = append(m.messages, msg)
	return msg, nil
}

// RecentMessages implements chat.MessageStore. Private messages are not part
// of the public history.
func (m *Memory) RecentMessages(_ context.Context, limit int) ([]chat.Message, error) {
	limit = clampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	recent := make([]chat.Message, 0, limit)
	for i := len(m.messages) - 1; i >= 0 && len(recent) < limit; i-- {
		if !m.messages[i].IsPrivate {
			recent = append(recent, m.messages[i])
		}
	}
	slices.Reverse(recent)
	return recent, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
