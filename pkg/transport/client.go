// Package transport implements the scribe's WebSocket connection to the
// group-chat server: a client that dials, reconnects with linear backoff,
// and frames every outbound message as a JSON envelope carrying a strictly
// increasing sequence number. It adapts the teacher's goroutine-plus-channel
// streaming pattern (pkg/logs/docker.go's StreamLogsSince) and the pack's
// JSON-envelope-over-websocket framing (ashureev-shsh-labs's
// internal/terminal/websocket.go) to a reconnecting client instead of a
// single-shot server handler.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope is the wire message shape: a typed frame that is either
// broadcast to every peer or unicast to one, carrying an opaque Data
// payload and a per-connection sequence number.
type Envelope struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler receives connection lifecycle and message events from Run. All
// methods are called from the single goroutine running Run, so a Handler
// never needs its own locking against these calls.
type Handler interface {
	// OnOpen is called once a connection is established.
	OnOpen()

	// OnMessage is called for every decoded frame received.
	OnMessage(env Envelope)

	// OnConnectionError is called when a dial attempt fails; Run will
	// retry with a growing backoff.
	OnConnectionError(err error)

	// OnTimeout is called when a read stalls for longer than the client's
	// ReadTimeout. The connection is always torn down after this, the same
	// as any other read failure, but reported distinctly from OnClose so a
	// caller can tell a stall apart from a normal close.
	OnTimeout(err error)

	// OnError is called for a read failure that is neither a timeout nor an
	// expected close (going away or normal closure).
	OnError(err error)

	// OnClose is called after a connection ends. final is true when the
	// client should stop reconnecting.
	OnClose(final bool)
}

// Client is a reconnecting WebSocket client. The zero value is not usable;
// construct with NewClient.
type Client struct {
	url    string
	dialer *websocket.Dialer
	h      Handler

	mu          sync.Mutex
	conn        *websocket.Conn
	keepalive   bool
	readTimeout time.Duration

	seq atomic.Uint64
}

// NewClient builds a Client for url. keepalive controls whether Run
// reconnects after the connection drops (true) or stops after a single
// connection's lifetime (false); SetKeepalive can change this at runtime,
// e.g. in response to a graceful-shutdown request.
func NewClient(url string, h Handler, keepalive bool) *Client {
	return &Client{
		url:       url,
		dialer:    websocket.DefaultDialer,
		h:         h,
		keepalive: keepalive,
	}
}

// SetKeepalive changes whether Run reconnects after the current connection
// ends.
func (c *Client) SetKeepalive(v bool) {
	c.mu.Lock()
	c.keepalive = v
	c.mu.Unlock()
}

// SetHandler replaces the Handler that receives connection events. It exists
// so a Handler that itself needs a reference to the Client (as
// pkg/scribe.Scribe does) can be wired in after NewClient returns. Must be
// called before Run.
func (c *Client) SetHandler(h Handler) {
	c.h = h
}

// SetReadTimeout bounds how long Run waits for the next frame on an open
// connection before treating the read as stalled and calling the Handler's
// OnTimeout. A timeout of 0 (the default) disables this and lets reads
// block indefinitely.
func (c *Client) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	c.readTimeout = d
	c.mu.Unlock()
}

func (c *Client) getReadTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTimeout
}

func (c *Client) getKeepalive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepalive
}

// Run connects, reads frames until the connection ends, and reconnects
// with a linearly growing backoff (0s, 1s, 2s, ...) that resets to zero
// after each successful connection - matching the original client's
// reconnect loop. Run blocks until ctx is canceled or keepalive becomes
// false and the current connection ends.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dialWithBackoff(ctx)
		if err != nil {
			return // ctx canceled while retrying
		}

		c.setConn(conn)
		c.h.OnOpen()
		c.readLoop(ctx, conn)

		final := !c.getKeepalive() || ctx.Err() != nil
		c.h.OnClose(final)
		if final {
			return
		}
	}
}

func (c *Client) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	delay := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			return conn, nil
		}
		c.h.OnConnectionError(err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(delay) * time.Second):
		}
		delay++
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	timeout := c.getReadTimeout()
	for {
		if timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(timeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.h.OnTimeout(err)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				slog.Debug("transport read ended", "error", err)
			default:
				c.h.OnError(err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("transport: discarding malformed frame", "error", err)
			continue
		}
		c.h.OnMessage(env)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) getConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// ErrNotConnected is returned by the Send* methods when no connection is
// currently open.
var ErrNotConnected = fmt.Errorf("transport: not connected")

func (c *Client) nextSeq() uint64 {
	return c.seq.Add(1) - 1
}

// SendEnvelope marshals and writes env as a single text frame, stamping in
// the next sequence number.
func (c *Client) SendEnvelope(env Envelope) (uint64, error) {
	conn := c.getConn()
	if conn == nil {
		return 0, ErrNotConnected
	}
	env.Seq = c.nextSeq()
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("transport: encode envelope: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return 0, fmt.Errorf("transport: write: %w", err)
	}
	return env.Seq, nil
}

// SendBroadcast sends data to every connected peer.
func (c *Client) SendBroadcast(data any) (uint64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("transport: encode data: %w", err)
	}
	return c.SendEnvelope(Envelope{Type: "broadcast", Data: raw})
}

// SendUnicast sends data to a single peer identified by dest.
func (c *Client) SendUnicast(dest string, data any) (uint64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("transport: encode data: %w", err)
	}
	return c.SendEnvelope(Envelope{Type: "unicast", To: dest, Data: raw})
}

// SendTo broadcasts when dest is empty, otherwise unicasts to dest.
func (c *Client) SendTo(dest string, data any) (uint64, error) {
	if dest == "" {
		return c.SendBroadcast(data)
	}
	return c.SendUnicast(dest, data)
}

// Close closes the current connection, if any.
func (c *Client) Close() error {
	conn := c.getConn()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
