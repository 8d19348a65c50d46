package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
	"wastetrack/internal/metrics"
	"wastetrack/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
	maxFrame   = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Roles a socket client may declare.
const (
	roleCollector = "collector"
	roleResident  = "resident"
	roleAdmin     = "admin"
)

// ClientInfo identifies a connected socket.
type ClientInfo struct {
	Key  string
	Role string
	ID   string
}

type client struct {
	info ClientInfo
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub tracks websocket clients. Observers (residents and admins) receive
// broadcasts; collectors only send.
type Hub struct {
	snapshot func() []wire.Record
	inbound  func(ClientInfo, wire.Envelope)
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns a hub. snapshot supplies the records a new observer is
// greeted with; inbound receives every frame a client sends.
func NewHub(snapshot func() []wire.Record, inbound func(ClientInfo, wire.Envelope)) *Hub {
	return &Hub{
		snapshot: snapshot,
		inbound:  inbound,
		log:      logging.Component("hub"),
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request. The role comes from the role query
// parameter; collectors also pass their id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	switch role {
	case roleCollector, roleResident, roleAdmin:
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &client{
		info: ClientInfo{Key: uuid.NewString(), Role: role, ID: r.URL.Query().Get("id")},
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.add(c)
	go h.writePump(c)

	// Greet observers with the current state so their map fills at once.
	if role != roleCollector {
		if recs := h.snapshot(); len(recs) > 0 {
			if b, err := wire.EncodeEnvelope(wire.EventUpdate, recs); err == nil {
				h.enqueue(c, b)
			}
		}
	}
	go h.readPump(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.RelayClients.WithLabelValues(c.info.Role).Inc()
	h.log.Debug().Str("role", c.info.Role).Str("id", c.info.ID).Msg("client connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		metrics.RelayClients.WithLabelValues(c.info.Role).Dec()
		h.log.Debug().Str("role", c.info.Role).Str("id", c.info.ID).Msg("client disconnected")
	}
}

// Broadcast sends event to every observer. A client whose buffer is full
// is dropped.
func (h *Hub) Broadcast(event string, data any) {
	b, err := wire.EncodeEnvelope(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	metrics.RelayBroadcasts.WithLabelValues(event).Inc()

	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		if c.info.Role == roleCollector {
			continue
		}
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.log.Warn().Str("role", c.info.Role).Msg("dropping slow client")
		h.remove(c)
	}
}

func (h *Hub) enqueue(c *client, b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

// Count returns the number of connected clients for role, or all clients
// when role is empty.
func (h *Hub) Count(role string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.clients {
		if role == "" || c.info.Role == role {
			n++
		}
	}
	return n
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			h.log.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		h.inbound(c.info, env)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
