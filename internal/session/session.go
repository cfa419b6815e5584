// Package session is the client side of the chat core. A Session owns one
// transport connection at a time, reconnects it when it drops, and keeps a
// read-only view of presence, messages, and typing state for the
// surrounding application.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/log"
)

var (
	// ErrNotConnected is returned by sends while no transport is open.
	ErrNotConnected = errors.New("session: not connected")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")
)

var sessionLog = log.ForService("session")

// State is a point-in-time copy of what the session has observed.
type State struct {
	Connected   bool
	Messages    []chat.Message
	LastMessage *chat.Message
	OnlineUsers []chat.User
	TypingUsers map[string]bool
}

// Session is safe for concurrent use.
type Session struct {
	opts   Options
	server *url.URL
	origin string

	mu       sync.Mutex
	state    State
	link     Link
	username string
	closed   bool
	// connCtx scopes one connect cycle: the pumps and reconnection attempts
	// started for it. Disconnect and Close cancel it.
	connCtx    context.Context
	connCancel context.CancelFunc

	subMu  sync.Mutex
	subs   map[int]func(chat.Envelope)
	nextID int

	inbound      chan chat.Envelope
	stop         chan struct{}
	dispatchDone chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// New creates a session for the chat server at serverURL (http or https).
// The session's event handling is set up here and torn down only by Close.
// With opts.AutoConnect the transport is opened before New returns.
func New(ctx context.Context, serverURL string, opts Options) (*Session, error) {
	server, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if server.Scheme != "http" && server.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server url scheme %q", server.Scheme)
	}

	opts = opts.withDefaults()
	origin := opts.Origin
	if origin == "" {
		origin = server.Scheme + "://" + server.Host
	}

	s := &Session{
		opts:         opts,
		server:       server,
		origin:       origin,
		state:        State{TypingUsers: map[string]bool{}},
		subs:         make(map[int]func(chat.Envelope)),
		inbound:      make(chan chat.Envelope, 256),
		stop:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go s.dispatchLoop()

	if opts.AutoConnect {
		if err := s.Connect(ctx, ""); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Connected:   s.state.Connected,
		Messages:    slices.Clone(s.state.Messages),
		OnlineUsers: slices.Clone(s.state.OnlineUsers),
		TypingUsers: maps.Clone(s.state.TypingUsers),
	}
	if s.state.LastMessage != nil {
		last := *s.state.LastMessage
		st.LastMessage = &last
	}
	return st
}

// Connected reports whether a transport is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Connected
}

// Username returns the last username announced through Connect.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Subscribe registers fn for every inbound event, including the local
// connect and disconnect events. fn runs on the session's dispatch goroutine
// and must not call Close. The returned func removes the subscription.
func (s *Session) Subscribe(fn func(chat.Envelope)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subs == nil {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs, id)
		})
	}
}

// Connect opens the transport if it is not already open, then announces
// username when one is given. The username is remembered and re-announced
// after every automatic reconnect.
func (s *Session) Connect(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	open := s.link != nil
	var connCtx context.Context
	if !open {
		// Supersede a reconnect loop that may still be running.
		if s.connCancel != nil {
			s.connCancel()
		}
		connCtx, s.connCancel = context.WithCancel(context.Background())
		s.connCtx = connCtx
	}
	s.mu.Unlock()

	if !open {
		link, err := s.dial(ctx)
		if err != nil {
			return err
		}
		if !s.attach(connCtx, link) {
			_ = link.Close()
		}
	}

	if username == "" {
		return nil
	}
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
	return s.send(chat.EventUserJoin, username)
}

// Disconnect closes the transport if it is open and stops reconnection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel := s.connCancel
	s.connCancel = nil
	link := s.link
	s.link = nil
	wasConnected := s.state.Connected
	s.state.Connected = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if link != nil {
		if err := link.Close(); err != nil {
			sessionLog.Debugf("closing transport: %v", err)
		}
	}
	if wasConnected {
		s.emit(chat.EventDisconnect)
	}
}

// Close disconnects and releases the session's event handling. It is safe
// to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Disconnect()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.wg.Wait()
		close(s.stop)
		<-s.dispatchDone

		s.subMu.Lock()
		s.subs = nil
		s.subMu.Unlock()
	})
}

// SendBroadcast sends a message to everyone. An empty body is a no-op.
func (s *Session) SendBroadcast(body string) error {
	if body == "" {
		return nil
	}
	return s.send(chat.EventSendMessage, chat.SendMessagePayload{Message: body})
}

// SendDirect sends a private message to the user named to. It is a no-op
// when either argument is empty.
func (s *Session) SendDirect(to, body string) error {
	if to == "" || body == "" {
		return nil
	}
	return s.send(chat.EventPrivateMessage, chat.PrivateMessagePayload{To: to, Message: body})
}

// SetTyping publishes the typing flag.
func (s *Session) SetTyping(isTyping bool) error {
	return s.send(chat.EventTyping, isTyping)
}

func (s *Session) send(event string, payload any) error {
	s.mu.Lock()
	closed, link := s.closed, s.link
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if link == nil {
		return ErrNotConnected
	}
	env, err := chat.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := link.Send(env); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	return nil
}

// dial tries each configured transport in order.
func (s *Session) dial(ctx context.Context) (Link, error) {
	var errs []error
	for _, name := range s.opts.Transports {
		dial, ok := dialers[name]
		if !ok {
			sessionLog.Warnf("Skipping unknown transport %q", name)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		link, err := dial(dialCtx, s.server, s.origin)
		cancel()
		if err == nil {
			sessionLog.Debugf("Connected over %s", name)
			return link, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if len(errs) == 0 {
		return nil, errors.New("session: no usable transport configured")
	}
	return nil, fmt.Errorf("connecting: %w", errors.Join(errs...))
}

// attach makes link the session's transport for the cycle scoped by ctx.
func (s *Session) attach(ctx context.Context, link Link) bool {
	s.mu.Lock()
	if s.closed || ctx.Err() != nil || s.link != nil {
		s.mu.Unlock()
		return false
	}
	s.link = link
	s.state.Connected = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.emit(chat.EventConnect)
	go s.pump(ctx, link)
	return true
}

// pump forwards the link's events until it ends.
func (s *Session) pump(ctx context.Context, link Link) {
	defer s.wg.Done()
	for env := range link.Incoming() {
		s.enqueue(env)
	}
	s.linkLost(ctx, link)
}

func (s *Session) linkLost(ctx context.Context, link Link) {
	s.mu.Lock()
	if s.link != link {
		// Replaced or closed on purpose.
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.state.Connected = false
	reconnect := s.opts.Reconnection && !s.closed && ctx.Err() == nil
	if reconnect {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	_ = link.Close()
	sessionLog.Warnf("Connection lost")
	s.emit(chat.EventDisconnect)

	if reconnect {
		go s.reconnect(ctx)
	}
}

// reconnect retries with a fixed delay and re-announces the remembered
// username on success.
func (s *Session) reconnect(ctx context.Context) {
	defer s.wg.Done()

	for attempt := 1; attempt <= s.opts.ReconnectionAttempts; attempt++ {
		timer := time.NewTimer(s.opts.ReconnectionDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		link, err := s.dial(ctx)
		if err != nil {
			sessionLog.Infof("Reconnect attempt %d/%d failed: %v", attempt, s.opts.ReconnectionAttempts, err)
			continue
		}
		if !s.attach(ctx, link) {
			_ = link.Close()
			return
		}

		sessionLog.Infof("Reconnected after %d attempt(s)", attempt)
		if username := s.Username(); username != "" {
			if err := s.send(chat.EventUserJoin, username); err != nil {
				sessionLog.Warnf("Re-join as %s failed: %v", username, err)
			}
		}
		return
	}
	sessionLog.Warnf("Giving up after %d reconnect attempts", s.opts.ReconnectionAttempts)
}

func (s *Session) emit(event string) {
	s.enqueue(chat.Envelope{Event: event})
}

func (s *Session) enqueue(env chat.Envelope) {
	select {
	case s.inbound <- env:
	case <-s.stop:
	}
}

func (s *Session) dispatchLoop() {
	defer close(s.dispatchDone)
	for {
		select {
		case env := <-s.inbound:
			s.handle(env)
		case <-s.stop:
			// Deliver what was queued before Close.
			for {
				select {
				case env := <-s.inbound:
					s.handle(env)
				default:
					return
				}
			}
		}
	}
}

// handle folds a server event into the state, then notifies subscribers.
func (s *Session) handle(env chat.Envelope) {
	if err := s.apply(env); err != nil {
		sessionLog.Debugf("Ignoring malformed %s: %v", env.Event, err)
	}

	s.subMu.Lock()
	subs := make([]func(chat.Envelope), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(env)
	}
}

func (s *Session) apply(env chat.Envelope) error {
	switch env.Event {
	case chat.EventUserList:
		var users []chat.User
		if err := env.Decode(&users); err != nil {
			return err
		}
		s.mu.Lock()
		s.state.OnlineUsers = users
		s.mu.Unlock()

	case chat.EventReceiveMessage, chat.EventPrivateMessage:
		var msg chat.Message
		if err := env.Decode(&msg); err != nil {
			return err
		}
		s.mu.Lock()
		s.state.Messages = append(s.state.Messages, msg)
		s.state.LastMessage = &msg
		s.mu.Unlock()

	case chat.EventTypingUsers:
		typing := map[string]bool{}
		if err := env.Decode(&typing); err != nil {
			return err
		}
		s.mu.Lock()
		s.state.TypingUsers = typing
		s.mu.Unlock()
	}
	return nil
}
