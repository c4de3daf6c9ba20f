package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"openoutcry/internal/bus"
	"openoutcry/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 // control messages only
	sendBuffer     = 256      // bus subscription buffer per client
)

// defaultTopics is the subscription a client gets when the upgrade
// request names none: the public session streams plus its own private
// order and portfolio streams.
var defaultTopics = []string{"trades", "market", "news", "lifecycle", "orders", "portfolio"}

// resolveTopics maps public topic aliases to bus topic names. The private
// aliases (orders, portfolio) resolve to the caller's own streams, so a
// client cannot watch another user's fills by construction. The "all"
// alias selects the session firehose and is instructor only.
func resolveTopics(sessionID string, id Identity, names []string) ([]string, bool, error) {
	topics := make([]string, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		switch {
		case name == "all":
			if !id.Instructor() {
				return nil, false, fmt.Errorf("topic %q requires instructor role", name)
			}
			return nil, true, nil
		case name == "trades":
			topics = append(topics, bus.TopicTrades(sessionID))
		case name == "market":
			topics = append(topics, bus.TopicMarket(sessionID))
		case name == "news":
			topics = append(topics, bus.TopicNews(sessionID))
		case name == "lifecycle":
			topics = append(topics, bus.TopicLifecycle(sessionID))
		case name == "orders":
			topics = append(topics, bus.TopicOrders(sessionID, id.UserID))
		case name == "portfolio":
			topics = append(topics, bus.TopicPortfolio(sessionID, id.UserID))
		case strings.HasPrefix(name, "book."):
			topics = append(topics, bus.TopicBook(sessionID, strings.TrimPrefix(name, "book.")))
		default:
			return nil, false, fmt.Errorf("unknown topic %q", name)
		}
	}
	return topics, false, nil
}

// Hub tracks connected WebSocket clients so the gateway can close them
// all on shutdown and export a live connection count.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
	col     *metrics.Collector
	logger  *slog.Logger
}

// NewHub creates an empty client registry.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		col:     metrics.GetCollector(),
		logger:  logger.With("component", "ws-hub"),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.col.WSConnectionsActive.Inc()
	h.logger.Info("client connected",
		"client_id", c.id, "session_id", c.sessionID, "user_id", c.identity.UserID, "count", count)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	h.col.WSConnectionsActive.Dec()
	h.logger.Info("client disconnected", "client_id", c.id, "count", count)
}

// CloseAll force-closes every client. Their pumps unwind and unregister
// themselves.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	if len(clients) > 0 {
		h.logger.Info("closed websocket clients", "count", len(clients))
	}
}

// Client is one WebSocket connection bridged to one bus subscription.
type Client struct {
	id        string
	hub       *Hub
	bus       *bus.Bus
	conn      *websocket.Conn
	sub       *bus.Subscription
	sessionID string
	identity  Identity
	col       *metrics.Collector
	logger    *slog.Logger
}

// NewClient registers the connection and starts its pumps.
func NewClient(hub *Hub, b *bus.Bus, conn *websocket.Conn, sub *bus.Subscription, sessionID string, id Identity, logger *slog.Logger) *Client {
	c := &Client{
		id:        uuid.NewString(),
		hub:       hub,
		bus:       b,
		conn:      conn,
		sub:       sub,
		sessionID: sessionID,
		identity:  id,
		col:       metrics.GetCollector(),
		logger:    logger.With("component", "ws-client", "session_id", sessionID, "user_id", id.UserID),
	}

	c.hub.register(c)

	go c.writePump()
	go c.readPump()

	return c
}

// writePump forwards bus events to the connection and keeps it alive
// with pings. When the subscription channel closes (session ended or the
// read side detached) it sends a close frame and unwinds.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case ev, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.Error("marshal event", "kind", ev.Kind, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			c.col.RecordWSMessage(string(ev.Kind))

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control messages and pongs. On any read error it
// cancels the subscription, which in turn stops the write pump.
func (c *Client) readPump() {
	defer func() {
		c.bus.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read", "error", err)
			}
			return
		}
		c.handleControl(data)
	}
}

// controlMsg is the only message shape clients may send, e.g.
// {"op":"subscribe","topics":["book.ACME"]} to widen the subscription.
type controlMsg struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
}

func (c *Client) handleControl(data []byte) {
	var msg controlMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("ignoring malformed control message", "error", err)
		return
	}

	switch msg.Op {
	case "subscribe":
		topics, all, err := resolveTopics(c.sessionID, c.identity, msg.Topics)
		if err != nil || all {
			// Widening to the firehose after connect is not supported;
			// reconnect with topics=all instead.
			c.logger.Debug("rejected subscribe", "topics", msg.Topics, "error", err)
			return
		}
		if err := c.bus.AddTopics(c.sub, topics...); err != nil {
			c.logger.Debug("add topics failed", "error", err)
		}
	default:
		c.logger.Debug("unknown control op", "op", msg.Op)
	}
}
