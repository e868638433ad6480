package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSendBuffer is the per-connection outbound queue depth.
const DefaultSendBuffer = 100

const writeWait = 5 * time.Second

// Connection wraps one client socket. It implements interfaces.Sink.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so all data
// frames go through writeCh and a single writer goroutine.
type Connection struct {
	conn      *websocket.Conn
	writeCh   chan []byte
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps conn for sessionID and starts its writer.
func NewConnection(conn *websocket.Conn, sessionID string, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:      conn,
		writeCh:   make(chan []byte, sendBuffer),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
	}

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	// A failed write closes the connection so the read pump unblocks and the
	// session gets cleaned up.
	defer c.Close()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Enqueue queues an encoded frame without blocking. A client that is not
// draining its socket loses the frame instead of stalling the caller.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// WriteJSON encodes v and queues it.
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.Enqueue(data)
}

// SessionID returns the chat session bound to this socket.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
