// Package presence tracks which users are connected to which stream rooms
// and computes deduplicated viewer counts. A user with several sockets (tabs)
// counts once per room; the entry disappears only when their last socket
// leaves.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pulsecast/internal/observability/metrics"
)

var (
	// ErrServerFull rejects an admission once the global connection cap is
	// reached. The transport layer closes the socket in response.
	ErrServerFull = errors.New("connection limit reached")
	// ErrTooManyConnections rejects an admission once a single user holds
	// too many sockets.
	ErrTooManyConnections = errors.New("per-user connection limit reached")
)

// Config bounds the registry. Zero values fall back to the listed defaults.
type Config struct {
	MaxConnections int           // global socket cap (default 10000)
	MaxPerUser     int           // sockets per user (default 10)
	EventBudget    int           // events per user per window (default 100)
	EventWindow    time.Duration // budget window (default 60s)
	IdleTimeout    time.Duration // eviction threshold (default 5m)
	Rooms          RoomSet
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

type entry struct {
	userID       string
	room         string
	joinedAt     time.Time
	lastActivity time.Time
	connections  int
}

type eventWindow struct {
	windowStart time.Time
	count       int
}

// Registry is the in-process presence table. Methods are safe for concurrent
// use; the internal lock is never held across RoomSet calls so a slow shared
// backend cannot stall socket handling.
type Registry struct {
	cfg    Config
	rooms  RoomSet
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry // keyed room + "\x00" + userID
	budgets map[string]*eventWindow
	total   int

	now func() time.Time
}

// NewRegistry initialises a registry with the provided configuration.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 10
	}
	if cfg.EventBudget <= 0 {
		cfg.EventBudget = 100
	}
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	rooms := cfg.Rooms
	if rooms == nil {
		rooms = NewMemoryRooms()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		rooms:   rooms,
		logger:  logger,
		entries: make(map[string]*entry),
		budgets: make(map[string]*eventWindow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func entryKey(room, userID string) string {
	return room + "\x00" + userID
}

// Join admits one socket for the user into the room and returns the room's
// deduplicated viewer count. Admission beyond the global or per-user cap
// fails with an explicit error so the transport can close the socket.
func (r *Registry) Join(ctx context.Context, userID, room string) (int, error) {
	now := r.now()

	r.mu.Lock()
	if r.total >= r.cfg.MaxConnections {
		r.mu.Unlock()
		r.cfg.Metrics.ObserveRejection("server_full")
		return 0, ErrServerFull
	}
	if r.userConnectionsLocked(userID) >= r.cfg.MaxPerUser {
		r.mu.Unlock()
		r.cfg.Metrics.ObserveRejection("per_user_limit")
		return 0, ErrTooManyConnections
	}

	key := entryKey(room, userID)
	e, existed := r.entries[key]
	if !existed {
		e = &entry{userID: userID, room: room, joinedAt: now}
		r.entries[key] = e
	}
	e.connections++
	e.lastActivity = now
	r.total++
	r.mu.Unlock()

	r.cfg.Metrics.ConnectionOpened()

	if existed {
		// Additional tab for a user already in the room; membership is
		// unchanged and the count query is side-effect free.
		return r.Count(ctx, room)
	}

	size, err := r.rooms.Add(ctx, room, userID)
	if err != nil {
		return 0, err
	}
	return size, nil
}

// Leave releases one socket for the user. Room membership is removed only
// when the last socket goes; the returned count reflects the room afterward,
// and removed reports whether the user actually left the room.
func (r *Registry) Leave(ctx context.Context, userID, room string) (count int, removed bool, err error) {
	key := entryKey(room, userID)

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		// Unmatched leave: clamp, never underflow.
		r.mu.Unlock()
		count, err = r.Count(ctx, room)
		return count, false, err
	}
	e.connections--
	if r.total > 0 {
		r.total--
	}
	last := e.connections <= 0
	if last {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	r.cfg.Metrics.ConnectionClosed()

	if !last {
		count, err = r.Count(ctx, room)
		return count, false, err
	}
	size, err := r.rooms.Remove(ctx, room, userID)
	if err != nil {
		return 0, true, err
	}
	return size, true, nil
}

// Count returns the deduplicated viewer count for the room. It is idempotent
// and side-effect free.
func (r *Registry) Count(ctx context.Context, room string) (int, error) {
	return r.rooms.Count(ctx, room)
}

// Touch refreshes the user's activity timestamp so the idle sweep spares
// them.
func (r *Registry) Touch(userID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[entryKey(room, userID)]; ok {
		e.lastActivity = r.now()
	}
}

// AllowEvent charges one event against the user's fixed-window budget.
// Events beyond the budget are dropped silently by callers; this method only
// reports the verdict.
func (r *Registry) AllowEvent(userID string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.budgets[userID]
	if !ok || now.Sub(w.windowStart) >= r.cfg.EventWindow {
		r.budgets[userID] = &eventWindow{windowStart: now, count: 1}
		return true
	}
	if w.count >= r.cfg.EventBudget {
		r.cfg.Metrics.ObserveEventDropped()
		return false
	}
	w.count++
	return true
}

// Connections reports the number of live sockets tracked by the registry.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Registry) userConnectionsLocked(userID string) int {
	connections := 0
	for _, e := range r.entries {
		if e.userID == userID {
			connections += e.connections
		}
	}
	return connections
}

// EvictIdle removes entries whose last activity predates the idle threshold.
// It exists to bound memory when sockets die without a clean leave (crashes,
// network partitions). Returns the rooms whose membership changed.
func (r *Registry) EvictIdle(ctx context.Context) []string {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var stale []*entry
	released := 0
	for key, e := range r.entries {
		if e.lastActivity.Before(cutoff) {
			stale = append(stale, e)
			released += e.connections
			r.total -= e.connections
			if r.total < 0 {
				r.total = 0
			}
			delete(r.entries, key)
		}
	}
	for userID, w := range r.budgets {
		if r.now().Sub(w.windowStart) >= 2*r.cfg.EventWindow {
			delete(r.budgets, userID)
		}
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}

	touched := make(map[string]struct{})
	for _, e := range stale {
		if _, err := r.rooms.Remove(ctx, e.room, e.userID); err != nil {
			r.logger.Warn("idle eviction room removal failed",
				"room", e.room, "user_id", e.userID, "error", err)
			continue
		}
		touched[e.room] = struct{}{}
	}
	r.cfg.Metrics.ObserveEviction(len(stale))
	r.cfg.Metrics.ConnectionsClosed(released)

	rooms := make([]string, 0, len(touched))
	for room := range touched {
		rooms = append(rooms, room)
	}
	return rooms
}
