// Package server wires HTTP handlers into a ServeMux for the chat
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// Routes configures and returns an HTTP ServeMux with all application routes.
// It sets up the health check, the websocket and polling transports, the
// JSON API, and the test page. API responses are gzip-compressed when the
// client accepts it.
func (s *Server) Routes() *http.ServeMux {
	api := http.NewServeMux()
	api.HandleFunc("/api/messages", s.MessagesHandler)
	api.HandleFunc("/api/users", s.UsersHandler)

	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/poll/open", s.PollOpenHandler)
	mux.HandleFunc("/poll", s.PollHandler)
	mux.HandleFunc("/poll/close", s.PollCloseHandler)
	mux.Handle("/api/", gzhttp.GzipHandler(api))
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
