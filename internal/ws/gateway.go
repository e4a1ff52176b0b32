package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pulsecast/internal/broadcast"
	"pulsecast/internal/models"
	"pulsecast/internal/observability/logging"
	"pulsecast/internal/observability/metrics"
	"pulsecast/internal/presence"
)

// Lifecycle is the slice of the lifecycle engine the gateway mutates streams
// through.
type Lifecycle interface {
	GetStream(streamID string) (models.Stream, bool)
	UpdateViewerCount(ctx context.Context, streamID string, count int) (models.Stream, error)
	ToggleLike(ctx context.Context, streamID string, liked bool) (models.Stream, error)
}

// GatewayConfig configures the viewer gateway.
type GatewayConfig struct {
	Registry  *presence.Registry
	Lifecycle Lifecycle
	Queue     broadcast.Queue
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// HeartbeatInterval controls WebSocket ping frames. A zero value
	// disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway fans broadcast events out to viewer WebSockets and feeds the
// presence registry from connect/disconnect and viewer activity.
type Gateway struct {
	registry  *presence.Registry
	lifecycle Lifecycle
	queue     broadcast.Queue
	logger    *slog.Logger
	metrics   *metrics.Metrics

	heartbeatInterval time.Duration
	upgrader          websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry:          cfg.Registry,
		lifecycle:         cfg.Lifecycle,
		queue:             cfg.Queue,
		logger:            logging.WithComponent(logger, "ws"),
		metrics:           cfg.Metrics,
		heartbeatInterval: cfg.HeartbeatInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// Run pumps broadcast events from the queue into connected viewers until ctx
// is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	if g.queue == nil {
		return
	}
	sub := g.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			g.fanOut(event)
		}
	}
}

// HandleConnection admits a viewer socket for the stream room. Admission is
// decided before the upgrade so capacity rejections surface as plain HTTP
// errors the client can read.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, streamID string) {
	stream, ok := g.lifecycle.GetStream(streamID)
	if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}
	room := stream.ID

	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		// Anonymous viewers still count, each as their own user.
		userID = "anon-" + uuid.NewString()
	}

	count, err := g.registry.Join(r.Context(), userID, room)
	if err != nil {
		switch {
		case errors.Is(err, presence.ErrServerFull):
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		case errors.Is(err, presence.ErrTooManyConnections):
			http.Error(w, "too many connections", http.StatusTooManyRequests)
		default:
			http.Error(w, "presence unavailable", http.StatusInternalServerError)
		}
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		g.leave(context.Background(), userID, room)
		return
	}

	c := &client{
		gateway: g,
		conn:    conn,
		id:      uuid.NewString(),
		userID:  userID,
		room:    room,
		send:    make(chan []byte, 16),
	}
	g.addClient(c)
	g.logger.Debug("viewer connected", "connectionId", c.id, "userId", userID, "room", room)

	g.publishCount(r.Context(), room, count)

	go c.writeLoop(g.heartbeatInterval)
	go c.readLoop()
}

// RebroadcastCount recomputes and publishes the viewer count for a room.
// Used after idle evictions, where no socket close drives the update.
func (g *Gateway) RebroadcastCount(ctx context.Context, room string) {
	count, err := g.registry.Count(ctx, room)
	if err != nil {
		g.logger.Warn("room recount failed", "room", room, "error", err)
		return
	}
	g.publishCount(ctx, room, count)
}

func (g *Gateway) publishCount(ctx context.Context, room string, count int) {
	if _, err := g.lifecycle.UpdateViewerCount(ctx, room, count); err != nil {
		g.logger.Warn("viewer count update failed", "room", room, "error", err)
	}
}

func (g *Gateway) leave(ctx context.Context, userID, room string) {
	count, removed, err := g.registry.Leave(ctx, userID, room)
	if err != nil {
		g.logger.Warn("presence leave failed", "userId", userID, "room", room, "error", err)
		return
	}
	if removed {
		g.publishCount(ctx, room, count)
	}
}

func (g *Gateway) addClient(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[c.room] == nil {
		g.rooms[c.room] = make(map[*client]struct{})
	}
	g.rooms[c.room][c] = struct{}{}
}

func (g *Gateway) removeClient(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if clients := g.rooms[c.room]; clients != nil {
		delete(clients, c)
		if len(clients) == 0 {
			delete(g.rooms, c.room)
		}
	}
}

func (g *Gateway) fanOut(event models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		g.logger.Error("failed to marshal broadcast event", "error", err)
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if event.Room != "" {
		g.deliverLocked(g.rooms[event.Room], payload)
		return
	}
	for _, clients := range g.rooms {
		g.deliverLocked(clients, payload)
	}
}

func (g *Gateway) deliverLocked(clients map[*client]struct{}, payload []byte) {
	for c := range clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer: drop rather than stall the fan-out.
			g.metrics.ObserveEventDropped()
		}
	}
}

type client struct {
	gateway *Gateway
	conn    *websocket.Conn
	id      string
	userID  string
	room    string
	send    chan []byte
	closed  sync.Once
}

type inboundMessage struct {
	Type  string `json:"type"`
	Liked bool   `json:"liked"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512
)

func (c *client) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.gateway.registry.Touch(c.userID, c.room)
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.gateway.registry.Touch(c.userID, c.room)

		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "like":
			// Over-budget events are dropped silently so spam cannot turn
			// into a broadcast storm.
			if !c.gateway.registry.AllowEvent(c.userID) {
				c.gateway.metrics.ObserveEventDropped()
				continue
			}
			if _, err := c.gateway.lifecycle.ToggleLike(context.Background(), c.room, msg.Liked); err != nil {
				c.gateway.logger.Warn("like toggle failed", "room", c.room, "error", err)
			}
		case "heartbeat":
			// Touch already happened above.
		}
	}
}

func (c *client) writeLoop(heartbeat time.Duration) {
	var ticker *time.Ticker
	var heartbeatC <-chan time.Time
	if heartbeat > 0 {
		ticker = time.NewTicker(heartbeat)
		heartbeatC = ticker.C
		defer ticker.Stop()
	}
	defer c.close()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-heartbeatC:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		c.gateway.removeClient(c)
		_ = c.conn.Close()
		c.gateway.leave(context.Background(), c.userID, c.room)
		c.gateway.logger.Debug("viewer disconnected", "connectionId", c.id, "userId", c.userID, "room", c.room)
	})
}
