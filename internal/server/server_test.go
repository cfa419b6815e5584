package server_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/server"
	"github.com/Tyrowin/chatcore/internal/store"
	"github.com/Tyrowin/chatcore/internal/testhelpers"
)

const eventTimeout = 2 * time.Second

func newTestServer(t *testing.T, configure ...func(*server.Config)) (*server.Server, *httptest.Server) {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin}
	cfg.PollWait = server.Duration{Duration: 300 * time.Millisecond}
	for _, fn := range configure {
		fn(cfg)
	}
	server.SetConfig(cfg)

	srv := server.New(store.NewMemory())
	if err := srv.StartHub(context.Background()); err != nil {
		t.Fatalf("StartHub() error = %v", err)
	}
	ts := testhelpers.CreateTestServer(srv.Routes())

	t.Cleanup(func() {
		if err := srv.ShutdownHub(context.Background()); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
		ts.Close()
		server.SetConfig(nil)
	})
	return srv, ts
}

type wsUser struct {
	conn *websocket.Conn
	in   *testhelpers.EnvelopeReader
}

func joinWebSocket(t *testing.T, ts *httptest.Server, username string) *wsUser {
	t.Helper()

	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(ts.URL))
	if err != nil {
		t.Fatalf("Failed to connect %s: %v", username, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	u := &wsUser{conn: conn, in: testhelpers.NewEnvelopeReader(conn)}
	u.send(t, chat.EventUserJoin, username)
	u.waitJoined(t, username)
	return u
}

func (u *wsUser) send(t *testing.T, event string, payload any) {
	t.Helper()
	if err := testhelpers.SendEvent(u.conn, event, payload); err != nil {
		t.Fatalf("Sending %s: %v", event, err)
	}
}

// waitJoined consumes events until the user_joined notice for username.
func (u *wsUser) waitJoined(t *testing.T, username string) chat.Notice {
	t.Helper()
	for {
		env := u.in.WaitFor(t, chat.EventUserJoined, eventTimeout)
		var notice chat.Notice
		testhelpers.DecodeData(t, env, &notice)
		if notice.Username == username {
			return notice
		}
	}
}

func (u *wsUser) waitMessage(t *testing.T, event string) chat.Message {
	t.Helper()
	var msg chat.Message
	testhelpers.DecodeData(t, u.in.WaitFor(t, event, eventTimeout), &msg)
	return msg
}

func usernames(users []chat.User) []string {
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.Username
	}
	return names
}

func TestHealthHandler(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/", "/health"} {
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+path)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "text/plain")
		if string(body) != "Chat server is running!" {
			t.Errorf("%s: unexpected body %q", path, body)
		}
	}
}

func TestTestPageHandler(t *testing.T) {
	_, ts := newTestServer(t)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/test")
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), "user_join") {
		t.Error("Test page does not speak the event protocol")
	}
}

func TestWebSocketHandlerRejectsNonGET(t *testing.T) {
	_, ts := newTestServer(t)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		resp := testhelpers.MakeRequest(t, method, ts.URL+"/ws")
		_ = resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
	}
}

func TestWebSocketOriginValidation(t *testing.T) {
	_, ts := newTestServer(t)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	tests := []struct {
		name   string
		origin string
	}{
		{"missing origin", ""},
		{"disallowed origin", "http://evil.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected the upgrade to be refused")
			}
			if resp != nil {
				defer func() { _ = resp.Body.Close() }()
				testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
			}
		})
	}
}

func TestChatScenarioOverWebSocket(t *testing.T) {
	_, ts := newTestServer(t)

	alice := joinWebSocket(t, ts, "alice")
	bob := joinWebSocket(t, ts, "bob")

	var online []chat.User
	testhelpers.DecodeData(t, alice.in.WaitFor(t, chat.EventUserList, eventTimeout), &online)
	if got := usernames(online); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("Expected alice and bob online, got %v", got)
	}
	alice.waitJoined(t, "bob")

	alice.send(t, chat.EventSendMessage, chat.SendMessagePayload{Message: "hello"})
	for _, u := range []*wsUser{alice, bob} {
		msg := u.waitMessage(t, chat.EventReceiveMessage)
		if msg.Sender != "alice" || msg.Body != "hello" || msg.IsPrivate || msg.ID == 0 {
			t.Errorf("Unexpected broadcast %+v", msg)
		}
	}

	bob.send(t, chat.EventPrivateMessage, chat.PrivateMessagePayload{To: "alice", Message: "psst"})
	for _, u := range []*wsUser{alice, bob} {
		msg := u.waitMessage(t, chat.EventPrivateMessage)
		if msg.Sender != "bob" || msg.Recipient != "alice" || !msg.IsPrivate {
			t.Errorf("Unexpected private message %+v", msg)
		}
	}

	alice.send(t, chat.EventTyping, true)
	var typing map[string]bool
	testhelpers.DecodeData(t, bob.in.WaitFor(t, chat.EventTypingUsers, eventTimeout), &typing)
	if len(typing) != 1 || !typing["alice"] {
		t.Errorf("Expected alice typing, got %v", typing)
	}

	if err := testhelpers.CloseWebSocket(bob.conn); err != nil {
		t.Fatalf("Closing bob: %v", err)
	}
	testhelpers.DecodeData(t, alice.in.WaitFor(t, chat.EventUserList, eventTimeout), &online)
	if got := usernames(online); len(got) != 1 || got[0] != "alice" {
		t.Errorf("Expected only alice online, got %v", got)
	}
	var left chat.Notice
	testhelpers.DecodeData(t, alice.in.WaitFor(t, chat.EventUserLeft, eventTimeout), &left)
	if left.Username != "bob" {
		t.Errorf("Expected bob to leave, got %+v", left)
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 128
	})

	alice := joinWebSocket(t, ts, "alice")
	bob := joinWebSocket(t, ts, "bob")

	alice.send(t, chat.EventSendMessage, chat.SendMessagePayload{Message: strings.Repeat("A", 256)})

	var notice chat.Notice
	testhelpers.DecodeData(t, bob.in.WaitFor(t, chat.EventUserLeft, eventTimeout), &notice)
	if notice.Username != "alice" {
		t.Errorf("Expected alice to leave, got %q", notice.Username)
	}

	deadline := time.Now().Add(eventTimeout)
	for {
		if _, err := alice.in.Next(time.Until(deadline)); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the oversized sender to be disconnected")
		}
	}
	bob.in.ExpectNone(t, chat.EventReceiveMessage, 200*time.Millisecond)
}

func TestPrivateMessageNotSeenByOthers(t *testing.T) {
	_, ts := newTestServer(t)

	alice := joinWebSocket(t, ts, "alice")
	bob := joinWebSocket(t, ts, "bob")
	carol := joinWebSocket(t, ts, "carol")

	alice.send(t, chat.EventPrivateMessage, chat.PrivateMessagePayload{To: "bob", Message: "secret"})
	bob.waitMessage(t, chat.EventPrivateMessage)
	alice.waitMessage(t, chat.EventPrivateMessage)

	carol.in.ExpectNone(t, chat.EventPrivateMessage, 300*time.Millisecond)
}

func TestMessageHistoryAPI(t *testing.T) {
	_, ts := newTestServer(t)

	alice := joinWebSocket(t, ts, "alice")
	bob := joinWebSocket(t, ts, "bob")
	for _, body := range []string{"one", "two", "three"} {
		alice.send(t, chat.EventSendMessage, chat.SendMessagePayload{Message: body})
		bob.waitMessage(t, chat.EventReceiveMessage)
	}
	alice.send(t, chat.EventPrivateMessage, chat.PrivateMessagePayload{To: "bob", Message: "hidden"})
	bob.waitMessage(t, chat.EventPrivateMessage)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/api/messages?limit=2")
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "application/json")

	var history []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("Decoding history: %v", err)
	}
	if len(history) != 2 || history[0].Body != "two" || history[1].Body != "three" {
		t.Errorf("Expected [two three], got %+v", history)
	}

	bad := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/api/messages?limit=zero")
	_ = bad.Body.Close()
	testhelpers.AssertStatusCode(t, bad, http.StatusBadRequest)
}

func TestUsersAPIIsCompressed(t *testing.T) {
	_, ts := newTestServer(t)
	joinWebSocket(t, ts, "alice")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/users", http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	// A custom Accept-Encoding disables transparent decompression.
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			t.Fatalf("Invalid gzip body: %v", err)
		}
		body = gz
	}

	var users []chat.User
	if err := json.NewDecoder(body).Decode(&users); err != nil {
		t.Fatalf("Decoding users: %v", err)
	}
	if len(users) != 1 || users[0].Username != "alice" || !users[0].Online {
		t.Errorf("Expected alice online, got %+v", users)
	}
}

type pollUser struct {
	t   *testing.T
	url string
	sid string
}

func pollRequest(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", testhelpers.TestOrigin)
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func openPoll(t *testing.T, ts *httptest.Server) *pollUser {
	t.Helper()
	resp := pollRequest(t, http.MethodPost, ts.URL+"/poll/open", nil)
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	var opened struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil || opened.SID == "" {
		t.Fatalf("Invalid open response: %v", err)
	}
	return &pollUser{t: t, url: ts.URL, sid: opened.SID}
}

func (p *pollUser) send(event string, payload any) {
	p.t.Helper()
	frame, err := chat.EncodeEnvelope(event, payload)
	if err != nil {
		p.t.Fatal(err)
	}
	resp := pollRequest(p.t, http.MethodPost, p.url+"/poll?sid="+p.sid, frame)
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(p.t, resp, http.StatusNoContent)
}

func (p *pollUser) waitFor(event string) chat.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		resp := pollRequest(p.t, http.MethodGet, p.url+"/poll?sid="+p.sid, nil)
		var batch []chat.Envelope
		err := json.NewDecoder(resp.Body).Decode(&batch)
		_ = resp.Body.Close()
		if err != nil {
			p.t.Fatalf("Decoding poll batch: %v", err)
		}
		for _, env := range batch {
			if env.Event == event {
				return env
			}
		}
	}
	p.t.Fatalf("Timed out polling for %s", event)
	return chat.Envelope{}
}

func TestChatScenarioOverPolling(t *testing.T) {
	_, ts := newTestServer(t)

	carol := openPoll(t, ts)
	carol.send(chat.EventUserJoin, "carol")
	carol.waitFor(chat.EventUserJoined)

	alice := joinWebSocket(t, ts, "alice")
	alice.send(t, chat.EventSendMessage, chat.SendMessagePayload{Message: "hi carol"})

	var msg chat.Message
	testhelpers.DecodeData(t, carol.waitFor(chat.EventReceiveMessage), &msg)
	if msg.Sender != "alice" || msg.Body != "hi carol" {
		t.Errorf("Unexpected message over polling %+v", msg)
	}

	carol.send(chat.EventPrivateMessage, chat.PrivateMessagePayload{To: "alice", Message: "hi back"})
	if got := alice.waitMessage(t, chat.EventPrivateMessage); got.Sender != "carol" {
		t.Errorf("Unexpected private message %+v", got)
	}

	resp := pollRequest(t, http.MethodPost, ts.URL+"/poll/close?sid="+carol.sid, nil)
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusNoContent)

	var left chat.Notice
	testhelpers.DecodeData(t, alice.in.WaitFor(t, chat.EventUserLeft, eventTimeout), &left)
	if left.Username != "carol" {
		t.Errorf("Expected carol to leave, got %+v", left)
	}
}

func TestPollTimeoutReturnsEmptyBatch(t *testing.T) {
	_, ts := newTestServer(t)
	p := openPoll(t, ts)

	resp := pollRequest(t, http.MethodGet, ts.URL+"/poll?sid="+p.sid, nil)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("Expected an empty batch, got %q", body)
	}
}

func TestPollUnknownSession(t *testing.T) {
	_, ts := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/poll?sid=nope"},
		{http.MethodPost, "/poll?sid=nope"},
		{http.MethodPost, "/poll/close?sid=nope"},
	} {
		resp := pollRequest(t, tc.method, ts.URL+tc.path, []byte(`{"event":"typing","data":true}`))
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestPollRejectsDisallowedOrigin(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/poll/open", http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
}

func TestShutdownClosesWebSockets(t *testing.T) {
	srv, ts := newTestServer(t)
	alice := joinWebSocket(t, ts, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.ShutdownHub(ctx); err != nil {
		t.Fatalf("ShutdownHub() error = %v", err)
	}

	if err := alice.conn.SetReadDeadline(time.Now().Add(eventTimeout)); err != nil {
		t.Fatal(err)
	}
	for {
		_, _, err := alice.conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("Connection still open after hub shutdown")
		}
		break
	}
}
