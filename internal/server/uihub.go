package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/trianglecurling/stream-orchestrator/internal/agentconn"
)

// uiClient is a single browser connection subscribed to fanout updates.
// It reuses agentconn.Conn for the read/write pump plumbing, with no
// protocol handshake and a broadcast-only send direction.
type uiClient struct {
	conn *agentconn.Conn
}

// uiHub fans incremental state changes out to every connected UI or
// public status client. Broadcasts are queued and delivered by a
// dedicated goroutine so a slow or stalled browser can never block a
// registry/job-store mutation.
type uiHub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*uiClient]bool

	queue chan []byte
}

func newUIHub(log zerolog.Logger) *uiHub {
	h := &uiHub{
		log:     log.With().Str("component", "uihub").Logger(),
		clients: make(map[*uiClient]bool),
		queue:   make(chan []byte, 1024),
	}
	go h.run()
	return h
}

func (h *uiHub) run() {
	for data := range h.queue {
		h.mu.RLock()
		clients := make([]*uiClient, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.RUnlock()

		for _, c := range clients {
			c.conn.Send(data)
		}
	}
}

// Broadcast queues msg (marshaled to JSON) for delivery to every
// connected client. Non-blocking: drops and logs if the queue is full.
func (h *uiHub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal fanout message")
		return
	}
	select {
	case h.queue <- data:
	default:
		h.log.Warn().Msg("fanout queue full, dropping message")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and registers it for fanout until it
// disconnects. snapshot, if non-nil, is sent once immediately after
// upgrade so a newly connected client doesn't wait for the next change
// to see current state.
func (h *uiHub) ServeHTTP(snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("ui websocket upgrade failed")
			return
		}

		client := &uiClient{}
		c := agentconn.NewConn(h.log, ws, nil, func() {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
		})
		client.conn = c

		h.mu.Lock()
		h.clients[client] = true
		h.mu.Unlock()

		if snapshot != nil {
			if data, err := json.Marshal(snapshot()); err == nil {
				c.Send(data)
			}
		}

		c.Run()
	}
}
