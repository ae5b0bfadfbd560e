package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 90 * time.Second
	maxFrameSize = 1 << 20
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub relays every JSON frame a connection sends to the other connections
// of the same user. Receivers filter by their own device id.
type Hub struct {
	name string
	// onJoin is called with the device_id query parameter, if any.
	onJoin func(deviceID string)

	mu    sync.RWMutex
	users map[string]map[*hubConn]struct{}
}

type hubConn struct {
	user   string
	device string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *hubConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func NewHub(name string, onJoin func(deviceID string)) *Hub {
	return &Hub{
		name:   name,
		onJoin: onJoin,
		users:  make(map[string]map[*hubConn]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "hub", h.name, "err", err)
		return
	}

	c := &hubConn{
		user:   user,
		device: r.URL.Query().Get("device_id"),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.add(c)
	if h.onJoin != nil && c.device != "" {
		h.onJoin(c.device)
	}

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *hubConn) {
	defer func() {
		h.remove(c)
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("websocket closed", "hub", h.name, "device", c.device, "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !json.Valid(data) {
			framesRelayed.WithLabelValues(h.name, "malformed").Inc()
			log.Debugw("dropping malformed frame", "hub", h.name, "device", c.device)
			continue
		}
		h.broadcast(c, data)
	}
}

func (h *Hub) writeLoop(c *hubConn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugw("websocket write failed", "hub", h.name, "device", c.device, "err", err)
				c.shutdown()
				return
			}
		}
	}
}

func (h *Hub) broadcast(from *hubConn, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.users[from.user] {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			framesRelayed.WithLabelValues(h.name, "overflow").Inc()
			log.Warnw("receiver too slow, dropping frame", "hub", h.name, "device", c.device)
		}
	}
	if delivered == 0 {
		framesRelayed.WithLabelValues(h.name, "no_receiver").Inc()
		return
	}
	framesRelayed.WithLabelValues(h.name, "relayed").Inc()
}

func (h *Hub) add(c *hubConn) {
	h.mu.Lock()
	set := h.users[c.user]
	if set == nil {
		set = make(map[*hubConn]struct{})
		h.users[c.user] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	connections.WithLabelValues(h.name).Inc()
	log.Infow("connection joined", "hub", h.name, "user", c.user, "device", c.device)
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	set := h.users[c.user]
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.user)
	}
	h.mu.Unlock()

	connections.WithLabelValues(h.name).Dec()
	log.Infow("connection left", "hub", h.name, "user", c.user, "device", c.device)
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.users {
		n += len(set)
	}
	return n
}

// Close drops every connection. Clients see an unexpected close and
// reconnect if configured to.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*hubConn
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.shutdown()
	}
}
