package signal

import (
	"sync"
	"time"

	"huddle/internal/core/domain"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// connection is one relay socket. Reads happen on the handler goroutine,
// writes only on writePump.
type connection struct {
	id      domain.ParticipantID
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id domain.ParticipantID, conn *websocket.Conn, buffer int, limiter *rate.Limiter) *connection {
	return &connection{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, buffer),
		limiter: limiter,
		done:    make(chan struct{}),
	}
}

// enqueue never blocks; a full buffer means the peer stopped reading.
func (c *connection) enqueue(data []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// allow reports whether another inbound message fits the rate limit.
func (c *connection) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// writePump drains send until the connection is closed, then sends a close
// frame and closes the socket, which also ends the reader.
func (c *connection) writePump(writeWait time.Duration) {
	defer c.conn.Close()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush(writeWait)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, e.g. an error message sent right
// before the close.
func (c *connection) flush(writeWait time.Duration) {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
