// Package ws carries envelopes over gorilla/websocket connections, both the
// ones clients open to us and the one the local server opens to the cloud.
package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YelzhanWeb/canteen-relay/internal/app/bridge"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	maxFrameSize        = 1 << 20
)

// Conn is a websocket connection safe for concurrent writers. Reads must
// come from a single goroutine.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewConn(conn *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	conn.SetReadLimit(maxFrameSize)
	return &Conn{conn: conn, writeTimeout: writeTimeout}
}

func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return websocket.ErrCloseSent
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Read returns the next text or binary frame.
func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()

	return c.conn.Close()
}

// Dialer opens the bridge link to the cloud.
type Dialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

func NewDialer(handshakeTimeout, writeTimeout time.Duration) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: writeTimeout,
	}
}

func (d *Dialer) Dial(ctx context.Context, rawURL string) (bridge.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return NewConn(conn, d.writeTimeout), nil
}
