// Package testhelpers provides common utilities and helper functions for testing the chat server.
//
// This package contains reusable test utilities shared by the server and session tests.
// It provides functions for creating test servers, making HTTP requests, speaking the
// event protocol over websocket connections, and asserting response properties.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// TestOrigin is the origin test clients present. Servers under test should
// allow it.
const TestOrigin = "http://localhost:8080"

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// WebSocketURL converts an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
// It fails the test with a descriptive error message if the content types don't match.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendEvent writes one envelope over the connection.
func SendEvent(conn *websocket.Conn, event string, payload any) error {
	frame, err := chat.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// EnvelopeReader reads envelopes from a websocket connection, unpacking
// frames that batch several envelopes on separate lines.
type EnvelopeReader struct {
	conn    *websocket.Conn
	pending []chat.Envelope
}

// NewEnvelopeReader wraps conn.
func NewEnvelopeReader(conn *websocket.Conn) *EnvelopeReader {
	return &EnvelopeReader{conn: conn}
}

// Next returns the next envelope, waiting at most timeout for a frame.
func (r *EnvelopeReader) Next(timeout time.Duration) (chat.Envelope, error) {
	for len(r.pending) == 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return chat.Envelope{}, err
		}
		_, frame, err := r.conn.ReadMessage()
		if err != nil {
			return chat.Envelope{}, err
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var env chat.Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				return chat.Envelope{}, err
			}
			r.pending = append(r.pending, env)
		}
	}
	env := r.pending[0]
	r.pending = r.pending[1:]
	return env, nil
}

// WaitFor skips envelopes until one named event arrives, failing the test
// after timeout.
func (r *EnvelopeReader) WaitFor(t *testing.T, event string, timeout time.Duration) chat.Envelope {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %s", event)
		}
		env, err := r.Next(remaining)
		if err != nil {
			t.Fatalf("Waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

// ExpectNone fails the test if an envelope named event arrives within
// timeout. Other events are discarded. A gorilla connection is unusable after
// a read timeout, so ExpectNone must be the last read on the connection.
func (r *EnvelopeReader) ExpectNone(t *testing.T, event string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		env, err := r.Next(remaining)
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			t.Fatalf("Reading while expecting no %s: %v", event, err)
		}
		if env.Event == event {
			t.Fatalf("Unexpected %s: %s", event, env.Data)
		}
	}
}

// DecodeData unmarshals env.Data into v, failing the test on error.
func DecodeData(t *testing.T, env chat.Envelope, v any) {
	t.Helper()
	if err := env.Decode(v); err != nil {
		t.Fatalf("Decoding %s: %v", env.Event, err)
	}
}
