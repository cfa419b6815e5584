package chat

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/chatcore/internal/log"
)

// Options configures a Service.
type Options struct {
	Users        UserStore
	Messages     MessageStore
	Notifier     Notifier
	WriteTimeout time.Duration
}

// Service is the entry point transports call for each inbound event. It
// serializes registry and typing mutations together with the notifications
// they produce, so emitted lists never go stale relative to each other.
// Message persistence happens outside that section.
type Service struct {
	mu       sync.Mutex
	registry *Registry
	presence *Presence
	router   *Router
	typing   *Typing
	log      *log.Logger
}

// NewService wires the registry, presence tracker, router, and typing
// aggregator around the given stores and notifier.
func NewService(opts Options) *Service {
	registry := NewRegistry(opts.Users)
	return &Service{
		registry: registry,
		presence: NewPresence(opts.Notifier),
		router:   NewRouter(registry, opts.Messages, opts.Notifier, opts.WriteTimeout),
		typing:   NewTyping(registry, opts.Notifier),
		log:      log.ForService("chat"),
	}
}

// Registry exposes the connection registry for read-only lookups.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Router exposes the message router.
func (s *Service) Router() *Router {
	return s.router
}

// TypingUsers returns the current typing aggregate.
func (s *Service) TypingUsers() map[string]bool {
	return s.typing.Snapshot()
}

// Start clears presence left over from a previous process.
func (s *Service) Start(ctx context.Context) error {
	return s.registry.Reset(ctx)
}

// Join handles user_join.
func (s *Service) Join(ctx context.Context, connectionID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok, err := s.registry.Join(ctx, username, connectionID)
	if err != nil {
		s.log.Errorf("Join of %q on %s failed: %v", username, connectionID, err)
		return
	}
	if !ok {
		return
	}
	s.log.Infof("%s joined on %s (%d online)", res.User.Username, connectionID, len(res.Online))
	s.presence.Joined(res)
	if res.Replaced != nil {
		s.typing.Clear(res.Replaced.Username)
	}
}

// Disconnect handles the end of a connection. It is safe to call for
// connections that never joined and to call more than once.
func (s *Service) Disconnect(ctx context.Context, connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok, err := s.registry.Leave(ctx, connectionID)
	if err != nil {
		s.log.Errorf("Leave of %s failed: %v", connectionID, err)
		return
	}
	if !ok {
		return
	}
	s.log.Infof("%s left (%d online)", res.Departed.Username, len(res.Online))
	s.presence.Left(res)
	s.typing.Clear(res.Departed.Username)
}

// SendMessage handles send_message.
func (s *Service) SendMessage(ctx context.Context, connectionID, body string) {
	s.router.Broadcast(ctx, connectionID, body)
}

// SendPrivate handles an inbound private_message.
func (s *Service) SendPrivate(ctx context.Context, connectionID, to, body string) {
	s.router.Direct(ctx, connectionID, to, body)
}

// SetTyping handles typing.
func (s *Service) SetTyping(ctx context.Context, connectionID string, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing.Set(ctx, connectionID, isTyping)
}
