package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingHandler struct {
	mu       sync.Mutex
	opens    int
	messages []Envelope
	closes   []bool
	timeouts int
	errors   int
	gotMsg   chan struct{}
	gotEvent chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{gotMsg: make(chan struct{}, 16), gotEvent: make(chan struct{}, 16)}
}

func (h *recordingHandler) OnOpen() {
	h.mu.Lock()
	h.opens++
	h.mu.Unlock()
}

func (h *recordingHandler) OnMessage(env Envelope) {
	h.mu.Lock()
	h.messages = append(h.messages, env)
	h.mu.Unlock()
	h.gotMsg <- struct{}{}
}

func (h *recordingHandler) OnConnectionError(err error) {}

func (h *recordingHandler) OnTimeout(err error) {
	h.mu.Lock()
	h.timeouts++
	h.mu.Unlock()
	h.gotEvent <- struct{}{}
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.errors++
	h.mu.Unlock()
	h.gotEvent <- struct{}{}
}

func (h *recordingHandler) OnClose(final bool) {
	h.mu.Lock()
	h.closes = append(h.closes, final)
	h.mu.Unlock()
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"identity","data":{"id":"srv"}}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}))
}

func TestClientConnectsAndExchangesMessages(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	h := newRecordingHandler()
	c := NewClient(wsURL, h, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-h.gotMsg:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive identity message")
	}

	h.mu.Lock()
	opens := h.opens
	h.mu.Unlock()
	if opens != 1 {
		t.Fatalf("opens = %d, want 1", opens)
	}

	type payload struct {
		X int `json:"x"`
	}
	if _, err := c.SendBroadcast(payload{X: 7}); err != nil {
		t.Fatalf("SendBroadcast: %v", err)
	}

	select {
	case <-h.gotMsg:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive echoed broadcast")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) != 2 {
		t.Fatalf("got %d messages, want 2: %#v", len(h.messages), h.messages)
	}
	var got payload
	if err := json.Unmarshal(h.messages[1].Data, &got); err != nil {
		t.Fatalf("decode echoed data: %v", err)
	}
	if got.X != 7 {
		t.Errorf("echoed X = %d, want 7", got.X)
	}
}

func TestClientStopsReconnectingWhenNotKeepalive(t *testing.T) {
	srv := echoServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	h := newRecordingHandler()
	c := NewClient(wsURL, h, false)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-h.gotMsg:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive identity message")
	}
	srv.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after server closed and keepalive=false")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.closes) != 1 || !h.closes[0] {
		t.Fatalf("closes = %v, want [true]", h.closes)
	}
}

func TestClientCallsOnTimeoutOnStalledRead(t *testing.T) {
	// A server that upgrades the connection and then never writes anything
	// leaves the read stalled, which ReadTimeout should surface as OnTimeout
	// rather than blocking forever.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	h := newRecordingHandler()
	c := NewClient(wsURL, h, false)
	c.SetReadTimeout(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-h.gotEvent:
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe a timeout event")
	}

	h.mu.Lock()
	timeouts := h.timeouts
	h.mu.Unlock()
	if timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", timeouts)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a timeout with keepalive=false")
	}
}

func TestSendWithoutConnectionErrors(t *testing.T) {
	h := newRecordingHandler()
	c := NewClient("ws://unused.invalid", h, false)
	if _, err := c.SendBroadcast(map[string]string{"a": "b"}); err != ErrNotConnected {
		t.Errorf("SendBroadcast before connect: err = %v, want ErrNotConnected", err)
	}
}
