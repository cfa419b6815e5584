// Package server implements the HTTP server functionality for the chat server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/log"
	"github.com/Tyrowin/chatcore/internal/store"
)

var handlerLog = log.ForService("http")

// Server bundles the hub, the chat service, and the store behind one HTTP
// surface.
type Server struct {
	Hub   *Hub
	Chat  *chat.Service
	Store store.Store

	httpServer *http.Server
	log        *log.Logger
}

// New wires a hub and chat service around st using the active configuration.
func New(st store.Store) *Server {
	cfg := currentConfig()
	hub := NewHub()
	svc := chat.NewService(chat.Options{
		Users:        st,
		Messages:     st,
		Notifier:     hub,
		WriteTimeout: cfg.StoreTimeout.Duration,
	})
	hub.SetHandler(NewDispatcher(svc, cfg.StoreTimeout.Duration))

	return &Server{
		Hub:   hub,
		Chat:  svc,
		Store: st,
		log:   log.ForService("server"),
	}
}

// StartHub resets stale presence and launches the hub loop.
func (s *Server) StartHub(ctx context.Context) error {
	if err := s.Chat.Start(ctx); err != nil {
		return fmt.Errorf("resetting presence: %w", err)
	}
	go s.Hub.Run()
	return nil
}

// ListenAndServe serves the routes on the configured port and blocks until
// the HTTP server stops. A shutdown is not reported as an error.
func (s *Server) ListenAndServe() error {
	s.httpServer = CreateServer(currentConfig().Port, s.Routes())
	s.log.Infof("Server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownHTTP stops accepting requests and waits for in-flight ones.
func (s *Server) ShutdownHTTP(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ShutdownHub closes every connection and waits for the hub goroutines.
func (s *Server) ShutdownHub(ctx context.Context) error {
	timeout := currentConfig().ShutdownTimeout.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return s.Hub.Shutdown(timeout)
}

// CreateServer creates and configures the HTTP server with security settings.
// The write timeout leaves room for a full long-poll wait.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      currentConfig().PollWait.Duration + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
