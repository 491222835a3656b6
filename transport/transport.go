// Package transport implements the client side of the relay wire protocol:
// a WebSocket connection carrying length-prefixed binary SyncRequest /
// SyncResponse frames, with exponential-backoff reconnection.
package transport

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/protocol"
)

// WebSocket timeout constants, matched to a conservative ping/pong cadence
// so a stalled relay is detected well before the sync loop's own timeouts.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB, per the configured relay payload cap
)

// ErrNotConnected is returned by RoundTrip when called before Connect has
// established a live connection.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned by RoundTrip after Close has torn down the
// connection.
var ErrClosed = errors.New("transport: closed")

// Conn abstracts the WebSocket connection for testability; the production
// implementation wraps gorilla/websocket, tests substitute an in-memory
// pair.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn to a relay URL. Production code uses WebSocketDialer;
// tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket's default dialer.
type WebSocketDialer struct{}

// Dial implements Dialer.
func (WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rawURL)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// Backoff computes exponentially increasing reconnect delays, capped at
// MaxWait before jitter of up to 20% is added on top.
type Backoff struct {
	Base    time.Duration
	MaxWait time.Duration
}

// DefaultBackoff reconnects starting at 500ms, doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, MaxWait: 30 * time.Second}
}

// Delay returns the backoff delay for the given zero-based attempt number,
// with up to 20% random jitter to avoid a reconnect thundering herd.
func (b Backoff) Delay(attempt int) time.Duration {
	exp := math.Pow(2, float64(attempt))
	d := time.Duration(float64(b.Base) * exp)
	if d > b.MaxWait || d <= 0 {
		d = b.MaxWait
	}
	jitterN, err := rand.Int(rand.Reader, big.NewInt(int64(d)/5+1))
	jitter := time.Duration(0)
	if err == nil {
		jitter = time.Duration(jitterN.Int64())
	}
	return d + jitter
}

// Client owns one reconnecting WebSocket connection to a relay for a
// single Owner and runs the binary SyncRequest/SyncResponse round trip.
type Client struct {
	ownerIDPath string
	dialer      Dialer
	backoff     Backoff

	mu      sync.Mutex
	conn    Conn
	closed  bool
	attempt int
}

// NewClient builds a client for the relay reachable at baseURL, scoped to
// ownerID via the URL path convention wss://<host>/<owner_id>.
func NewClient(baseURL, ownerID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse relay url %s", baseURL)
	}
	u.Path = "/" + ownerID

	return &Client{
		ownerIDPath: u.String(),
		dialer:      WebSocketDialer{},
		backoff:     DefaultBackoff(),
	}, nil
}

// SetDialer overrides the dialer; used by tests to inject a fake
// connection.
func (c *Client) SetDialer(d Dialer) { c.dialer = d }

// Connect dials the relay, retrying with exponential backoff until ctx is
// canceled or the dial succeeds.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	for {
		conn, err := c.dialer.Dial(ctx, c.ownerIDPath)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.attempt = 0
			c.mu.Unlock()
			return nil
		}

		c.mu.Lock()
		delay := c.backoff.Delay(c.attempt)
		c.attempt++
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// RoundTrip sends req and waits for the relay's response, or returns a
// transient error if the connection is down; the caller's sync loop
// treats that as a signal to reconnect and retry.
func (c *Client) RoundTrip(req protocol.SyncRequest) (protocol.SyncResponse, error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return protocol.SyncResponse{}, ErrClosed
	}
	if conn == nil {
		return protocol.SyncResponse{}, ErrNotConnected
	}

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return protocol.SyncResponse{}, errors.Wrap(err, "set read deadline")
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, req.Encode()); err != nil {
		c.dropConn()
		return protocol.SyncResponse{}, errors.Wrap(err, "send sync request")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		c.dropConn()
		return protocol.SyncResponse{}, errors.Wrap(err, "receive sync response")
	}

	resp, err := protocol.DecodeSyncResponse(data)
	if err != nil {
		return protocol.SyncResponse{}, errors.Wrap(err, "decode sync response")
	}

	return resp, nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the connection and marks the client as permanently
// closed; further Connect/RoundTrip calls return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
