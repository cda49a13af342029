// Package agentconn is the Agent Protocol Handler: one instance per
// WebSocket connection from a remote agent, translating wire envelopes
// into calls against the registry, job store, and scheduler. The
// connection plumbing (Send, sync.Once close, ping/pong deadlines)
// follows a standard gorilla/websocket hub pattern, generalized from a
// single agent-or-browser hub to a connection dedicated to one agent.
package agentconn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

// Conn wraps a single agent's WebSocket connection. It satisfies
// registry.Conn.
type Conn struct {
	log  zerolog.Logger
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool

	onMessage func(data []byte)
	onClose   func()
}

// NewConn wraps ws. onMessage is invoked from the read pump's goroutine for
// every inbound frame; onClose is invoked exactly once when the
// connection is torn down, from whichever side initiated the close.
func NewConn(log zerolog.Logger, ws *websocket.Conn, onMessage func([]byte), onClose func()) *Conn {
	return &Conn{
		log:       log,
		ws:        ws,
		send:      make(chan []byte, sendQueueSize),
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// Run starts the read and write pumps and blocks until the connection
// closes. Call it from its own goroutine.
func (c *Conn) Run() {
	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()
	c.readPump()
	<-done
}

// Send queues data for delivery without blocking the caller. Returns
// false if the connection is closed or the send buffer is full.
func (c *Conn) Send(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the send channel exactly once, safe to call concurrently
// and from multiple call sites (the registry's Hello when a reconnect
// replaces this connection, its SweepTimeouts, and the protocol handler
// when it rejects the agent may all call it).
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *Conn) readPump() {
	defer func() {
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("agent connection read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
