// Package channel maintains the mapping from sessions to connected client
// channels and fans state-change events out to them. It carries no
// business logic; event payloads are produced elsewhere.
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Conn wraps a WebSocket connection behind a single writer goroutine so
// concurrent broadcasts never interleave frames.
type Conn struct {
	ws         *websocket.Conn
	writeCh    chan []byte
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	writerDone chan struct{}
}

// NewConn wraps an upgraded WebSocket connection and starts its writer.
// bufferSize bounds how many pending frames a slow client may accumulate
// before writes start failing.
func NewConn(ws *websocket.Conn, bufferSize int) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:         ws,
		writeCh:    make(chan []byte, bufferSize),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		case <-c.ctx.Done():
			// Flush frames queued before the close so a terminal event
			// still reaches the client.
			c.drain()
			return
		}
	}
}

func (c *Conn) drain() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON queues a JSON frame for delivery. It fails fast when the
// connection is closed or the client cannot drain its buffer in time.
func (c *Conn) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer, waits for it to flush pending frames, and
// closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		select {
		case <-c.writerDone:
		case <-time.After(writeTimeout):
		}
		if c.ws != nil {
			err = c.ws.Close()
		}
	})
	return err
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// WS exposes the underlying socket for read-loop and ping management in
// the attach handler.
func (c *Conn) WS() *websocket.Conn {
	return c.ws
}
