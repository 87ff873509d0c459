package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait     = 5 * time.Second
	sendQueueSize = 32
)

var errConnClosed = errors.New("connection closed")

// transportConn wraps one websocket connection generation. The manager
// outlives it: handlers and membership belong to the manager, the
// transport is ephemeral and replaced wholesale on reconnect.
type transportConn struct {
	ws   *websocket.Conn
	send chan Frame
	pong chan struct{}
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newTransportConn(ws *websocket.Conn) *transportConn {
	return &transportConn{
		ws:   ws,
		send: make(chan Frame, sendQueueSize),
		pong: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// trySend queues a frame for the write pump without blocking. A full
// send buffer is reported as backpressure.
func (c *transportConn) trySend(f Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// close is idempotent and safe from any goroutine.
func (c *transportConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
	_ = c.ws.Close()
	c.mu.Unlock()
}

func (c *transportConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// notifyPong wakes the heartbeat without blocking the read pump.
func (c *transportConn) notifyPong() {
	select {
	case c.pong <- struct{}{}:
	default:
	}
}

// writePump owns all writes to the websocket. It exits when the send
// channel closes or a write fails.
func (c *transportConn) writePump() {
	for f := range c.send {
		data, err := json.Marshal(f)
		if err != nil {
			log.Error().Err(err).Str("module", "realtime").Str("event", f.Event).Msg("writePump marshal")
			continue
		}
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "realtime").Msg("writePump set deadline")
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "realtime").Msg("writePump write error")
			return
		}
	}
}
