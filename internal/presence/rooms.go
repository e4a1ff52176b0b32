package presence

import (
	"context"
	"sync"
)

// RoomSet tracks the distinct users present in each room. The default
// implementation is process-local; deployments that shard the presence layer
// across processes swap in the Redis-backed implementation so counts stay
// global.
type RoomSet interface {
	// Add inserts the user into the room and returns the new room size.
	Add(ctx context.Context, room, userID string) (int, error)
	// Remove deletes the user from the room and returns the new room size.
	Remove(ctx context.Context, room, userID string) (int, error)
	// Count returns the room size without side effects.
	Count(ctx context.Context, room string) (int, error)
	// Clear drops the room entirely.
	Clear(ctx context.Context, room string) error
}

// NewMemoryRooms returns the in-process RoomSet implementation.
func NewMemoryRooms() RoomSet {
	return &memoryRooms{rooms: make(map[string]map[string]struct{})}
}

type memoryRooms struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func (m *memoryRooms) Add(_ context.Context, room, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.rooms[room]
	if members == nil {
		members = make(map[string]struct{})
		m.rooms[room] = members
	}
	members[userID] = struct{}{}
	return len(members), nil
}

func (m *memoryRooms) Remove(_ context.Context, room, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.rooms[room]
	if members == nil {
		return 0, nil
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(m.rooms, room)
		return 0, nil
	}
	return len(members), nil
}

func (m *memoryRooms) Count(_ context.Context, room string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms[room]), nil
}

func (m *memoryRooms) Clear(_ context.Context, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room)
	return nil
}
