// Package ws carries a session over a single WebSocket: binary frames are
// audio, text frames are JSON control and event messages.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dez2003/bio-for-dummies/internal/agent"
)

var ErrClosed = errors.New("ws: connection closed")

const writeWait = 5 * time.Second

// Conn serializes every outbound frame through one lock so JSON events and
// speech chunks leave in the order they were produced.
type Conn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func NewConn(c *websocket.Conn) *Conn { return &Conn{conn: c} }

// Send implements agent.EventSink.
func (c *Conn) Send(ctx context.Context, m agent.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.TextMessage, b)
}

// WritePCM forwards a speech chunk as one binary frame.
func (c *Conn) WritePCM(p []byte) {
	_ = c.write(context.Background(), websocket.BinaryMessage, p)
}

// FlushTail has nothing to flush: frames are written as they arrive.
func (c *Conn) FlushTail() {}

func (c *Conn) write(ctx context.Context, kind int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(kind, payload)
}

// Close sends a close frame and releases the socket. Later writes fail with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
