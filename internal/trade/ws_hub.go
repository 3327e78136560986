// Package trade — WebSocket hub streaming market updates, with optional
// per-subject filtering.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trustmesh/reputation-market/internal/metrics"
	"github.com/trustmesh/reputation-market/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsClient is one connected subscriber. An empty subject set means the
// client receives updates for every market.
type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	subjects map[uint64]bool
}

// wants reports whether the client subscribed to this market.
func (c *wsClient) wants(subject uint64) bool {
	return len(c.subjects) == 0 || c.subjects[subject]
}

// WSHub fans market updates out to WebSocket subscribers. All client
// bookkeeping happens on the Run goroutine; trade execution only does a
// non-blocking send into the broadcast channel and never waits on a
// slow consumer.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan model.MarketUpdate
	register   chan *wsClient
	unregister chan *wsClient
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan model.MarketUpdate, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", len(h.clients), "subjects", len(c.subjects))

		case c := <-h.unregister:
			h.drop(c)

		case update := <-h.broadcast:
			data, err := json.Marshal(update)
			if err != nil {
				continue
			}
			for c := range h.clients {
				if !c.wants(update.Subject) {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Client cannot keep up; disconnect it rather than
					// stalling the fan-out.
					h.drop(c)
				}
			}
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// Broadcast queues a market update for fan-out. Drops the update when
// the hub is backed up so trade execution never blocks on delivery.
func (h *WSHub) Broadcast(update model.MarketUpdate) {
	select {
	case h.broadcast <- update:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. A
// comma-separated "subjects" query parameter restricts the stream to
// those markets; without it the client receives every update.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		conn:     conn,
		send:     make(chan []byte, 64),
		subjects: parseSubjects(r.URL.Query().Get("subjects")),
	}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

// parseSubjects parses the subscription filter; malformed entries are
// skipped rather than failing the upgrade.
func parseSubjects(raw string) map[uint64]bool {
	subjects := make(map[uint64]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if subject, err := strconv.ParseUint(part, 10, 64); err == nil {
			subjects[subject] = true
		}
	}
	return subjects
}

// readPump discards inbound frames, keeping the connection alive and
// detecting disconnects.
func (c *wsClient) readPump(h *WSHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the client's send queue and pings through proxies.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
