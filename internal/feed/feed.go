// Package feed streams session activity to UI clients over websockets.
package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	log "log/slog"

	"github.com/gorilla/websocket"

	"gennie/internal/session"
)

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	sendBuffer  = 64
	volumeEvery = 50 * time.Millisecond
)

type Kind string

const (
	KindState   Kind = "state"
	KindMessage Kind = "message"
	KindVolume  Kind = "volume"
	KindInterim Kind = "interim"
)

type Event struct {
	Kind    Kind             `json:"kind"`
	State   *session.State   `json:"state,omitempty"`
	Message *session.Message `json:"message,omitempty"`
	Volume  *float64         `json:"volume,omitempty"`
	Text    string           `json:"text,omitempty"`
	At      time.Time        `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans session events out to every connected client. A client that
// cannot keep up loses events instead of stalling the session.
type Hub struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[*client]struct{}
	last       []byte
	lastVolume time.Time
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) OnState(s session.State) {
	data := h.encode(Event{Kind: KindState, State: &s, At: time.Now()})

	h.mu.Lock()
	h.last = data
	h.mu.Unlock()

	h.broadcast(data)
}

func (h *Hub) OnMessage(m session.Message) {
	h.broadcast(h.encode(Event{Kind: KindMessage, Message: &m, At: time.Now()}))
}

func (h *Hub) OnVolume(v float64) {
	now := time.Now()

	h.mu.Lock()
	if now.Sub(h.lastVolume) < volumeEvery {
		h.mu.Unlock()
		return
	}
	h.lastVolume = now
	h.mu.Unlock()

	h.broadcast(h.encode(Event{Kind: KindVolume, Volume: &v, At: now}))
}

func (h *Hub) OnInterim(text string) {
	h.broadcast(h.encode(Event{Kind: KindInterim, Text: text, At: time.Now()}))
}

// Clients reports how many clients are connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) encode(ev Event) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error("Failed to encode feed event", "kind", ev.Kind, "err", err)
		return nil
	}
	return data
}

func (h *Hub) broadcast(data []byte) {
	if data == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Debug("Dropped feed event for slow client", "remote", c.conn.RemoteAddr())
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. The current state is sent first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Failed to upgrade feed connection", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.last != nil {
		c.send <- h.last
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	log.Info("Feed client connected", "remote", conn.RemoteAddr())

	done := make(chan struct{})
	go h.writer(c, done)
	h.reader(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	close(done)
	conn.Close()

	log.Info("Feed client disconnected", "remote", conn.RemoteAddr())
}

// reader discards client input and returns when the connection drops.
func (h *Hub) reader(c *client) {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writer(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
