package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webbridge/webbridge/pkg/bus"
	"github.com/webbridge/webbridge/pkg/logger"
	"github.com/webbridge/webbridge/pkg/telemetry"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
	// Frames larger than this are rejected; tool results stream back in
	// chunks well under it.
	maxFrameBytes = 32 << 20
)

var errSendQueueFull = errors.New("send queue full")

// conn is one websocket connection to an extension instance. Writes are
// serialized through the send channel; the write pump owns the socket's
// closing handshake so frames queued before a shutdown still flush.
type conn struct {
	ws *websocket.Conn

	send      chan []byte
	closeOnce sync.Once

	mu sync.Mutex
	// instanceID is cached at registration so the close path can fail
	// pending requests even after the registry record was rebound to a
	// newer connection.
	instanceID  string
	closed      bool
	closeCode   int
	closeReason string
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadLimit(maxFrameBytes)
	return &conn{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
	}
}

func (c *conn) cachedInstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

func (c *conn) setInstanceID(id string) {
	c.mu.Lock()
	c.instanceID = id
	c.mu.Unlock()
}

// SendEnvelope queues an envelope for the write pump. Fails fast when the
// connection is closed or the queue is saturated, never blocks the caller.
func (c *conn) SendEnvelope(env *bus.Envelope) error {
	data, err := bus.Encode(env)
	if err != nil {
		return err
	}

	// The non-blocking enqueue happens under the mutex so a concurrent
	// shutdown cannot close the channel between the check and the send.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bus.ErrConnectionLost
	}
	select {
	case c.send <- data:
		telemetry.EnvelopesSent.WithLabelValues(string(env.Type)).Inc()
		return nil
	default:
		return errSendQueueFull
	}
}

// CloseNormal requests a normal close. Queued frames flush first. Safe to
// call more than once and from any goroutine.
func (c *conn) CloseNormal(reason string) {
	c.shutdown(websocket.CloseNormalClosure, reason)
}

// shutdown stops accepting new frames and hands the closing handshake to the
// write pump by closing the send channel.
func (c *conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.send)
	})
}

// writePump drains the send channel onto the socket, then performs the
// closing handshake. One writer per connection; gorilla allows at most one
// concurrent writer.
func (c *conn) writePump() {
	for data := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debugw("websocket write failed", "error", err,
				"instance_id", c.cachedInstanceID())
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			c.ws.Close()
			// Drain until shutdown closes the channel so queued senders
			// are not retained.
			for range c.send {
			}
			return
		}
	}

	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		logger.Debugw("close frame write failed", "error", err)
	}
	c.ws.Close()
}
