// Package server groups connections into named rooms for multicast delivery.
package server

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// RoomInfo is the identifying slice of a room handed back to clients.
type RoomInfo struct {
	ID   uuid.UUID
	Name string
}

// Room is a named multicast group. Its membership set has its own mutex so
// operations on one room never contend with another; only operations on the
// same room serialize against each other.
type Room struct {
	id   uuid.UUID
	name string

	mu      sync.Mutex
	members map[uuid.UUID]struct{}
}

func newRoom(id uuid.UUID, name string) *Room {
	return &Room{
		id:      id,
		name:    name,
		members: make(map[uuid.UUID]struct{}),
	}
}

// Info returns the room's identity.
func (r *Room) Info() RoomInfo { return RoomInfo{ID: r.id, Name: r.name} }

// AddMember joins a connection to the room. Adding a member that is already
// present is a no-op.
func (r *Room) AddMember(id uuid.UUID) {
	r.mu.Lock()
	r.members[id] = struct{}{}
	r.mu.Unlock()
}

// RemoveMember drops a connection from the room.
func (r *Room) RemoveMember(id uuid.UUID) {
	r.mu.Lock()
	delete(r.members, id)
	r.mu.Unlock()
}

// Members returns a snapshot of the membership, so multicast never holds the
// room lock across a send.
func (r *Room) Members() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the current member count.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// RoomManager creates rooms and resolves join and multicast requests against
// them. Room membership is never swept proactively when a connection leaves:
// stale members are dropped lazily by the next multicast that fails to
// resolve or reach them.
type RoomManager struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*Room

	registry    *Registry
	broadcaster *Broadcaster
	dropEmpty   bool
	metrics     *Metrics
}

// NewRoomManager returns a manager resolving members through registry and
// reaping dead connections through broadcaster. When dropEmpty is set, a room
// whose membership drains to zero during a sweep is deleted; otherwise empty
// rooms persist, matching the default lifecycle.
func NewRoomManager(registry *Registry, broadcaster *Broadcaster, dropEmpty bool, metrics *Metrics) *RoomManager {
	return &RoomManager{
		rooms:       make(map[uuid.UUID]*Room),
		registry:    registry,
		broadcaster: broadcaster,
		dropEmpty:   dropEmpty,
		metrics:     metrics,
	}
}

// Create allocates a fresh room with creator as its sole initial member.
func (m *RoomManager) Create(name string, creator uuid.UUID) *Room {
	room := newRoom(uuid.New(), name)
	room.AddMember(creator)

	m.mu.Lock()
	m.rooms[room.id] = room
	count := len(m.rooms)
	m.mu.Unlock()

	m.metrics.recordRooms(count)
	return room
}

// Get resolves a room id, or reports room-not-found.
func (m *RoomManager) Get(id uuid.UUID) (*Room, error) {
	m.mu.Lock()
	room, ok := m.rooms[id]
	m.mu.Unlock()

	if !ok {
		return nil, errRoomNotFound(id)
	}
	return room, nil
}

// Join adds a connection to an existing room and returns the room's identity.
// Joining a room the connection is already in changes nothing.
func (m *RoomManager) Join(roomID, clientID uuid.UUID) (RoomInfo, error) {
	room, err := m.Get(roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	room.AddMember(clientID)
	return room.Info(), nil
}

// Multicast delivers payload to every current member of the room. Members
// that no longer resolve in the registry are swept from the membership, and
// members whose send fails are swept as well and then handed to the
// broadcaster's reap path, which removes them from the registry and emits
// their offline notices.
func (m *RoomManager) Multicast(roomID uuid.UUID, payload []byte) error {
	room, err := m.Get(roomID)
	if err != nil {
		return err
	}

	var stale, failed []uuid.UUID
	for _, memberID := range room.Members() {
		sess, err := m.registry.Get(memberID)
		if err != nil {
			// Left earlier; membership is swept lazily, here.
			stale = append(stale, memberID)
			continue
		}
		if err := sess.Send(payload); err != nil {
			log.Printf("Room %s send to %s failed: %v", room.name, sess.addr, err)
			failed = append(failed, memberID)
		}
	}

	for _, id := range stale {
		room.RemoveMember(id)
	}
	for _, id := range failed {
		room.RemoveMember(id)
	}
	m.broadcaster.Reap(failed)

	if m.dropEmpty && room.Len() == 0 {
		m.drop(roomID)
	}
	return nil
}

// drop deletes a room that drained to zero members under the drop-empty
// policy.
func (m *RoomManager) drop(roomID uuid.UUID) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if ok && room.Len() == 0 {
		delete(m.rooms, roomID)
	} else {
		ok = false
	}
	count := len(m.rooms)
	m.mu.Unlock()

	if ok {
		log.Printf("Dropped empty room %s", roomID)
		m.metrics.recordRooms(count)
	}
}

// Len returns the number of rooms.
func (m *RoomManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
