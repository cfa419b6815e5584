package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ErrUserNotFound is returned by UserStore lookups that match no record.
var ErrUserNotFound = errors.New("chat: user not found")

// NormalizeUsername trims surrounding space and applies Unicode NFC so that
// visually identical names map to one identity.
func NormalizeUsername(username string) string {
	return norm.NFC.String(strings.TrimSpace(username))
}

// JoinResult describes a successful join.
type JoinResult struct {
	User   User
	Online []User
	// Replaced is the user that was bound to the joining connection under a
	// different name and has been taken offline, if any.
	Replaced *User
}

// LeaveResult describes a departure.
type LeaveResult struct {
	Departed User
	Online   []User
}

// Registry maps live connections to user identities. It does not emit
// notifications; callers hand its results to a Presence tracker.
type Registry struct {
	mu    sync.Mutex
	users UserStore
}

// NewRegistry returns a Registry backed by users.
func NewRegistry(users UserStore) *Registry {
	return &Registry{users: users}
}

// Join binds username to connectionID, creating the user on first join.
// It reports ok=false, with no error, for a username that is empty after
// normalization or an empty connection id.
func (r *Registry) Join(ctx context.Context, username, connectionID string) (JoinResult, bool, error) {
	username = NormalizeUsername(username)
	if username == "" || connectionID == "" {
		return JoinResult{}, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var result JoinResult

	holder, err := r.users.FindUserByConnection(ctx, connectionID)
	switch {
	case err == nil && holder.Online && holder.Username != username:
		holder.Online = false
		holder.ConnectionID = ""
		if err := r.users.SaveUser(ctx, holder); err != nil {
			return JoinResult{}, false, fmt.Errorf("releasing %s from connection %s: %w", holder.Username, connectionID, err)
		}
		result.Replaced = &holder
	case err != nil && !errors.Is(err, ErrUserNotFound):
		return JoinResult{}, false, fmt.Errorf("looking up connection %s: %w", connectionID, err)
	}

	user, err := r.users.FindUserByName(ctx, username)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return JoinResult{}, false, fmt.Errorf("looking up user %s: %w", username, err)
	}
	user.Username = username
	user.ConnectionID = connectionID
	user.Online = true
	if err := r.users.SaveUser(ctx, user); err != nil {
		return JoinResult{}, false, fmt.Errorf("saving user %s: %w", username, err)
	}
	result.User = user

	online, err := r.users.OnlineUsers(ctx)
	if err != nil {
		return JoinResult{}, false, fmt.Errorf("listing online users: %w", err)
	}
	result.Online = online
	return result, true, nil
}

// Leave takes the user bound to connectionID offline. A connection that never
// joined, or already left, yields ok=false and no error.
func (r *Registry) Leave(ctx context.Context, connectionID string) (LeaveResult, bool, error) {
	if connectionID == "" {
		return LeaveResult{}, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	user, err := r.users.FindUserByConnection(ctx, connectionID)
	if errors.Is(err, ErrUserNotFound) {
		return LeaveResult{}, false, nil
	}
	if err != nil {
		return LeaveResult{}, false, fmt.Errorf("looking up connection %s: %w", connectionID, err)
	}
	if !user.Online {
		return LeaveResult{}, false, nil
	}

	departed := user
	user.Online = false
	user.ConnectionID = ""
	if err := r.users.SaveUser(ctx, user); err != nil {
		return LeaveResult{}, false, fmt.Errorf("saving user %s: %w", user.Username, err)
	}

	online, err := r.users.OnlineUsers(ctx)
	if err != nil {
		return LeaveResult{}, false, fmt.Errorf("listing online users: %w", err)
	}
	return LeaveResult{Departed: departed, Online: online}, true, nil
}

// Resolve returns the username currently bound to connectionID.
func (r *Registry) Resolve(ctx context.Context, connectionID string) (string, bool) {
	if connectionID == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	user, err := r.users.FindUserByConnection(ctx, connectionID)
	if err != nil || !user.Online {
		return "", false
	}
	return user.Username, true
}

// ConnectionOf returns the live connection id of username.
func (r *Registry) ConnectionOf(ctx context.Context, username string) (string, bool) {
	username = NormalizeUsername(username)
	if username == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	user, err := r.users.FindUserByName(ctx, username)
	if err != nil || !user.Online || user.ConnectionID == "" {
		return "", false
	}
	return user.ConnectionID, true
}

// Online returns the current online users in join order.
func (r *Registry) Online(ctx context.Context) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users.OnlineUsers(ctx)
}

// Reset marks every stored user offline. Used at start-up, when no
// connection from a previous process can still be live.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users.ResetPresence(ctx)
}
