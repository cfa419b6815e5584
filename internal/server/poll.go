package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Long-polling fallback. A poll session is a Client without a websocket;
// its sid is the connection id.

type pollOpenResponse struct {
	SID string `json:"sid"`
}

func (s *Server) pollClient(w http.ResponseWriter, r *http.Request) (*Client, bool) {
	sid := r.URL.Query().Get("sid")
	client, ok := s.Hub.Lookup(sid)
	if !ok || client.conn != nil {
		http.Error(w, "Unknown poll session", http.StatusNotFound)
		return nil, false
	}
	client.touch()
	return client, true
}

func writePreflight(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// PollOpenHandler creates a polling connection and returns its sid.
func (s *Server) PollOpenHandler(w http.ResponseWriter, r *http.Request) {
	if !checkPollOrigin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodOptions:
		writePreflight(w)
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	client := NewPollClient(s.Hub, r.RemoteAddr)
	if !s.Hub.Register(client) {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, pollOpenResponse{SID: client.id})
}

// PollHandler serves GET (receive) and POST (send) for a poll session.
func (s *Server) PollHandler(w http.ResponseWriter, r *http.Request) {
	if !checkPollOrigin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodOptions:
		writePreflight(w)
	case http.MethodGet:
		s.pollReceive(w, r)
	case http.MethodPost:
		s.pollSend(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) pollReceive(w http.ResponseWriter, r *http.Request) {
	client, ok := s.pollClient(w, r)
	if !ok {
		return
	}

	// Stop waiting when either the request or the hub ends.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.Hub.ctx, cancel)
	defer stop()

	frames, open := client.drain(currentConfig().PollWait.Duration, ctx.Done())
	client.touch()
	if !open && len(frames) == 0 {
		http.Error(w, "Poll session closed", http.StatusNotFound)
		return
	}

	envelopes := make([]json.RawMessage, 0, len(frames))
	for _, frame := range frames {
		envelopes = append(envelopes, frame)
	}
	writeJSON(w, http.StatusOK, envelopes)
}

func (s *Server) pollSend(w http.ResponseWriter, r *http.Request) {
	client, ok := s.pollClient(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, currentConfig().MaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.log.Warnf("Poll frame from %s exceeded maximum size of %d bytes", client.addr, tooLarge.Limit)
			http.Error(w, "Frame too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Error reading frame", http.StatusBadRequest)
		return
	}

	client.handleInbound(body)
	w.WriteHeader(http.StatusNoContent)
}

// PollCloseHandler ends a poll session.
func (s *Server) PollCloseHandler(w http.ResponseWriter, r *http.Request) {
	if !checkPollOrigin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodOptions:
		writePreflight(w)
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	client, ok := s.pollClient(w, r)
	if !ok {
		return
	}
	s.Hub.Unregister(client)
	w.WriteHeader(http.StatusNoContent)
}
