package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatcore/internal/chat"
)

const linkWriteWait = 10 * time.Second

// Link is one open transport connection. Incoming closes when the
// connection ends for any reason.
type Link interface {
	Send(env chat.Envelope) error
	Incoming() <-chan chat.Envelope
	Close() error
}

// dialFunc opens a Link to server presenting origin.
type dialFunc func(ctx context.Context, server *url.URL, origin string) (Link, error)

var dialers = map[string]dialFunc{
	TransportWebSocket: dialWebSocket,
	TransportPolling:   dialPolling,
}

// decodeFrame splits a frame of newline separated envelopes.
func decodeFrame(frame []byte) ([]chat.Envelope, error) {
	var envelopes []chat.Envelope
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env chat.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return envelopes, fmt.Errorf("decoding frame: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

type wsLink struct {
	conn      *websocket.Conn
	incoming  chan chat.Envelope
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func dialWebSocket(ctx context.Context, server *url.URL, origin string) (Link, error) {
	u := *server
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	header := http.Header{}
	header.Set("Origin", origin)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	l := &wsLink{
		conn:     conn,
		incoming: make(chan chat.Envelope, 64),
		done:     make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *wsLink) readLoop() {
	defer close(l.incoming)
	for {
		_, frame, err := l.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				sessionLog.Debugf("websocket read ended: %v", err)
			}
			return
		}
		envelopes, err := decodeFrame(frame)
		if err != nil {
			sessionLog.Warnf("%v", err)
		}
		for _, env := range envelopes {
			select {
			case l.incoming <- env:
			case <-l.done:
				return
			}
		}
	}
}

func (l *wsLink) Send(env chat.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.conn.SetWriteDeadline(time.Now().Add(linkWriteWait)); err != nil {
		return err
	}
	return l.conn.WriteJSON(env)
}

func (l *wsLink) Incoming() <-chan chat.Envelope {
	return l.incoming
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

// pollLink speaks the long-polling fallback: one open request, then a loop
// of long GETs while sends are individual POSTs.
type pollLink struct {
	client   *http.Client
	base     url.URL
	origin   string
	sid      string
	incoming chan chat.Envelope
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

var errPollClosed = errors.New("poll session closed by server")

func dialPolling(ctx context.Context, server *url.URL, origin string) (Link, error) {
	l := &pollLink{
		client:   &http.Client{},
		base:     *server,
		origin:   origin,
		incoming: make(chan chat.Envelope, 64),
	}

	resp, err := l.do(ctx, http.MethodPost, "/poll/open", nil)
	if err != nil {
		return nil, fmt.Errorf("opening poll session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("opening poll session: unexpected status %d", resp.StatusCode)
	}

	var opened struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil || opened.SID == "" {
		return nil, fmt.Errorf("opening poll session: invalid response: %v", err)
	}
	l.sid = opened.SID

	l.ctx, l.cancel = context.WithCancel(context.Background())
	go l.receiveLoop()
	return l, nil
}

func (l *pollLink) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	u := l.base
	u.Path = path
	if l.sid != "" {
		u.RawQuery = url.Values{"sid": {l.sid}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Origin", l.origin)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return l.client.Do(req)
}

func (l *pollLink) receiveLoop() {
	defer close(l.incoming)
	for {
		envelopes, err := l.poll()
		if err != nil {
			if l.ctx.Err() == nil {
				sessionLog.Debugf("poll ended: %v", err)
			}
			return
		}
		for _, env := range envelopes {
			select {
			case l.incoming <- env:
			case <-l.ctx.Done():
				return
			}
		}
	}
}

func (l *pollLink) poll() ([]chat.Envelope, error) {
	resp, err := l.do(l.ctx, http.MethodGet, "/poll", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errPollClosed
	}
	var envelopes []chat.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return nil, fmt.Errorf("decoding poll batch: %w", err)
	}
	return envelopes, nil
}

func (l *pollLink) Send(env chat.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(l.ctx, linkWriteWait)
	defer cancel()

	resp, err := l.do(ctx, http.MethodPost, "/poll", body)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("poll send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (l *pollLink) Incoming() <-chan chat.Envelope {
	return l.incoming
}

func (l *pollLink) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		var resp *http.Response
		resp, err = l.do(ctx, http.MethodPost, "/poll/close", nil)
		if err == nil {
			_ = resp.Body.Close()
		}
	})
	return err
}
