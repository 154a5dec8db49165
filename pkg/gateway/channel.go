package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/fixly-app/voicebridge/pkg/telephony"
)

const (
	// writeWait is how long to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Media envelopes carry
	// base64 audio chunks well under this.
	maxMessageSize = 64 * 1024

	// sendBuffer is the outbound queue depth per connection.
	sendBuffer = 256
)

// ErrChannelClosed is returned by Send after the connection is gone.
var ErrChannelClosed = errors.New("gateway: channel closed")

// wsConn is the subset of the websocket connection the gateway uses.
// Satisfied by *websocket.Conn; tests substitute a scripted fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

var _ wsConn = (*websocket.Conn)(nil)

// wsChannel adapts a websocket connection into the session's outbound
// channel. All writes to the connection happen on the write pump
// goroutine; Send only enqueues.
type wsChannel struct {
	conn wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSChannel(conn wsConn) *wsChannel {
	return &wsChannel{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send serializes the envelope and queues it for the write pump.
// It blocks when the queue is full rather than dropping audio.
func (c *wsChannel) Send(env *telephony.Envelope) error {
	data, err := env.Bytes()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// close stops the write pump. Safe to call more than once.
func (c *wsChannel) close() {
	c.once.Do(func() { close(c.done) })
}

// writePump owns all writes to the connection. It drains the send
// queue and keeps the connection alive with pings until close or a
// write error.
func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
