package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/microscope-core/internal/auth"
	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
	"github.com/nerrad567/microscope-core/internal/infrastructure/logging"
	"github.com/nerrad567/microscope-core/internal/session"
)

// Message types on the WebSocket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels clients can subscribe to.
const (
	ChannelDeviceTransition = "device.transition"
	ChannelHostStatus       = "host.status"
	ChannelSessionStarted   = session.EventStarted
	ChannelSessionFinished  = session.EventFinished
)

var channels = []string{ChannelDeviceTransition, ChannelHostStatus, ChannelSessionStarted, ChannelSessionFinished}

// outboxSize is how many undelivered messages a client may lag behind
// before further events to it are dropped.
const outboxSize = 256

// WSMessage is one frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// inbound is WSMessage as read from a client, payload left undecoded.
type inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans events out to subscribed WebSocket clients. It implements
// session.Publisher.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// wsClient is one connection. Events are queued on outbox and written by
// a single writer goroutine.
type wsClient struct {
	conn   *websocket.Conn
	userID string
	role   auth.Role

	outbox chan []byte
	done   chan struct{}
	stop   sync.Once

	subMu sync.RWMutex
	subs  map[string]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers cannot set headers on the upgrade, so the ticket is the
	// credential; the origin adds nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub with no clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{cfg: cfg, logger: logger, clients: make(map[*wsClient]struct{})}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues an event for every client subscribed to channel. Slow
// clients miss events rather than stall the caller.
func (h *Hub) Broadcast(channel string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			h.logger.Debug("websocket event dropped", "channel", channel, "user_id", c.userID)
		}
	}
}

// handleWebSocket upgrades a request carrying a ticket from
// POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	holder, ok := s.tickets.redeem(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		userID: holder.userID,
		role:   holder.role,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
		subs:   make(map[string]bool),
	}
	if !s.hub.add(c) {
		_ = conn.Close()
		return
	}
	s.logger.Debug("websocket connected", "user_id", c.userID, "role", c.role)

	go c.writeLoop(s.wsCfg)
	go func() {
		c.readLoop(s.wsCfg, s.logger)
		s.hub.remove(c)
		s.logger.Debug("websocket disconnected", "user_id", c.userID)
	}()
}

func intervals(cfg config.WebSocketConfig) (ping, idle time.Duration) {
	ping = time.Duration(cfg.PingInterval) * time.Second
	return ping, ping + time.Duration(cfg.PongTimeout)*time.Second
}

// readLoop handles requests until the connection fails or goes quiet for
// longer than a ping interval plus the pong timeout.
func (c *wsClient) readLoop(cfg config.WebSocketConfig, log *logging.Logger) {
	_, idle := intervals(cfg)
	extend := func() { _ = c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend()
	c.conn.SetPongHandler(func(string) error { extend(); return nil })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", "user_id", c.userID, "error", err)
			}
			return
		}
		extend()
		c.handle(data)
	}
}

// writeLoop drains the outbox and pings the peer until the client closes.
func (c *wsClient) writeLoop(cfg config.WebSocketConfig) {
	ping, _ := intervals(cfg)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	defer c.conn.Close()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame := <-c.outbox:
			if write(websocket.TextMessage, frame) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		case <-c.done:
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (c *wsClient) close() {
	c.stop.Do(func() { close(c.done) })
}

// enqueue reports false when the client is gone or its outbox is full.
func (c *wsClient) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

func (c *wsClient) subscribed(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs[channel]
}

func (c *wsClient) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var req WSSubscribePayload
		if err := json.Unmarshal(msg.Payload, &req); err != nil || len(req.Channels) == 0 {
			c.reply(msg.ID, WSTypeError, errorBody("payload must list channels"))
			return
		}
		for _, ch := range req.Channels {
			if !slices.Contains(channels, ch) {
				c.reply(msg.ID, WSTypeError, errorBody("unknown channel: "+ch))
				return
			}
		}

		on := msg.Type == WSTypeSubscribe
		c.subMu.Lock()
		for _, ch := range req.Channels {
			if on {
				c.subs[ch] = true
			} else {
				delete(c.subs, ch)
			}
		}
		c.subMu.Unlock()

		key := "unsubscribed"
		if on {
			key = "subscribed"
		}
		c.reply(msg.ID, WSTypeResponse, map[string][]string{key: req.Channels})
	default:
		c.reply(msg.ID, WSTypeError, errorBody("unknown message type: "+msg.Type))
	}
}

func errorBody(message string) map[string]string {
	return map[string]string{"message": message}
}

func (c *wsClient) reply(id, kind string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      kind,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err == nil {
		c.enqueue(frame)
	}
}
