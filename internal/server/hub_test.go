package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/chatcore/internal/chat"
)

type recordingHandler struct {
	mu          sync.Mutex
	events      []string
	disconnects chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{disconnects: make(chan string, 16)}
}

func (h *recordingHandler) HandleEvent(_ context.Context, connectionID string, env chat.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, connectionID+":"+env.Event)
}

func (h *recordingHandler) HandleDisconnect(_ context.Context, connectionID string) {
	h.disconnects <- connectionID
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func startTestHub(t *testing.T) (*Hub, *recordingHandler) {
	t.Helper()
	hub := NewHub()
	handler := newRecordingHandler()
	hub.SetHandler(handler)
	go hub.Run()
	t.Cleanup(func() {
		if err := hub.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
	})
	return hub, handler
}

func registerPollClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	client := NewPollClient(hub, "127.0.0.1:0")
	if !hub.Register(client) {
		t.Fatal("Register() = false on a running hub")
	}
	return client
}

func decodeFrame(t *testing.T, frame []byte) chat.Envelope {
	t.Helper()
	var env chat.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("Invalid frame %q: %v", frame, err)
	}
	return env
}

func TestNewClientAssignsUniqueIDs(t *testing.T) {
	hub := NewHub()
	a := NewClient(nil, hub, "a")
	b := NewPollClient(hub, "b")

	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("Expected distinct non-empty ids, got %q and %q", a.ID(), b.ID())
	}
	if a.Transport() != TransportWebSocket || b.Transport() != TransportPolling {
		t.Errorf("Unexpected transports %q and %q", a.Transport(), b.Transport())
	}
	if cap(a.send) != sendBufferSize {
		t.Errorf("Expected send buffer of %d, got %d", sendBufferSize, cap(a.send))
	}
}

func TestHubRegisterMakesClientAddressable(t *testing.T) {
	hub, _ := startTestHub(t)
	client := registerPollClient(t, hub)

	if _, ok := hub.Lookup(client.ID()); !ok {
		t.Fatal("Client not found right after Register")
	}
	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.ClientCount())
	}
}

func TestHubBroadcastReachesEveryClient(t *testing.T) {
	hub, _ := startTestHub(t)
	a := registerPollClient(t, hub)
	b := registerPollClient(t, hub)

	hub.Broadcast(chat.EventUserJoined, chat.Notice{Username: "alice", ConnectionID: a.ID()})

	for _, client := range []*Client{a, b} {
		frames, ok := client.drain(time.Second, nil)
		if !ok || len(frames) != 1 {
			t.Fatalf("Expected one frame for %s, got %d (open=%v)", client.ID(), len(frames), ok)
		}
		if env := decodeFrame(t, frames[0]); env.Event != chat.EventUserJoined {
			t.Errorf("Expected %s, got %s", chat.EventUserJoined, env.Event)
		}
	}
}

func TestHubDeliverTargetsOneClient(t *testing.T) {
	hub, _ := startTestHub(t)
	a := registerPollClient(t, hub)
	b := registerPollClient(t, hub)

	if !hub.Deliver(b.ID(), chat.EventPrivateMessage, chat.Message{Body: "hi"}) {
		t.Fatal("Deliver() to a live client returned false")
	}

	frames, _ := b.drain(time.Second, nil)
	if len(frames) != 1 {
		t.Fatalf("Expected one frame for the target, got %d", len(frames))
	}
	if frames, _ := a.drain(50*time.Millisecond, nil); len(frames) != 0 {
		t.Errorf("Non-target received %d frames", len(frames))
	}
}

func TestHubDeliverToUnknownConnection(t *testing.T) {
	hub, _ := startTestHub(t)

	if hub.Deliver("missing", chat.EventPrivateMessage, chat.Message{}) {
		t.Error("Deliver() to an unknown connection returned true")
	}
}

func TestHubPreservesEnqueueOrder(t *testing.T) {
	hub, _ := startTestHub(t)
	client := registerPollClient(t, hub)

	hub.Broadcast(chat.EventUserList, []chat.User{})
	hub.Deliver(client.ID(), chat.EventPrivateMessage, chat.Message{})
	hub.Broadcast(chat.EventUserJoined, chat.Notice{})

	var got []string
	deadline := time.Now().Add(time.Second)
	for len(got) < 3 && time.Now().Before(deadline) {
		frames, _ := client.drain(100*time.Millisecond, nil)
		for _, frame := range frames {
			got = append(got, decodeFrame(t, frame).Event)
		}
	}

	want := []string{chat.EventUserList, chat.EventPrivateMessage, chat.EventUserJoined}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Frame %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestHubUnregisterNotifiesHandler(t *testing.T) {
	hub, handler := startTestHub(t)
	client := registerPollClient(t, hub)

	hub.Unregister(client)

	select {
	case id := <-handler.disconnects:
		if id != client.ID() {
			t.Errorf("Expected disconnect for %s, got %s", client.ID(), id)
		}
	case <-time.After(time.Second):
		t.Fatal("HandleDisconnect was not called")
	}

	if _, open := client.drain(time.Second, nil); open {
		t.Error("Send channel still open after unregister")
	}
	if hub.Deliver(client.ID(), chat.EventTypingUsers, map[string]bool{}) {
		t.Error("Deliver() to a removed client returned true")
	}
}

func TestHubRemovesClientWithFullBuffer(t *testing.T) {
	hub, handler := startTestHub(t)
	slow := registerPollClient(t, hub)

	for i := 0; i <= sendBufferSize; i++ {
		hub.Broadcast(chat.EventTypingUsers, map[string]bool{})
	}

	select {
	case id := <-handler.disconnects:
		if id != slow.ID() {
			t.Errorf("Expected %s to be dropped, got %s", slow.ID(), id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Client with a full buffer was not removed")
	}
}

func TestHubReapsIdlePollClients(t *testing.T) {
	hub, handler := startTestHub(t)
	idle := registerPollClient(t, hub)
	active := registerPollClient(t, hub)

	idle.lastSeen.Store(time.Now().Add(-2 * hub.pollIdleTimeout).UnixNano())
	hub.reapIdleClients(time.Now())

	select {
	case id := <-handler.disconnects:
		if id != idle.ID() {
			t.Errorf("Expected %s to be reaped, got %s", idle.ID(), id)
		}
	case <-time.After(time.Second):
		t.Fatal("Idle client was not reaped")
	}
	if _, ok := hub.Lookup(active.ID()); !ok {
		t.Error("Active client was reaped")
	}
}

func TestHandleInboundSplitsBatchedFrames(t *testing.T) {
	hub, handler := startTestHub(t)
	client := registerPollClient(t, hub)

	client.handleInbound([]byte(`{"event":"typing","data":true}` + "\n" +
		`not json` + "\n\n" +
		`{"data":1}` + "\n" +
		`{"event":"send_message","data":{"message":"hi"}}`))

	got := handler.seen()
	want := []string{client.ID() + ":typing", client.ID() + ":send_message"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	if err := hub.Shutdown(time.Second); err != nil {
		t.Errorf("Hub shutdown failed: %v", err)
	}
	if hub.Register(NewPollClient(hub, "late")) {
		t.Error("Register() succeeded after shutdown")
	}
}
