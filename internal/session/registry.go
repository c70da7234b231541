package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Registry is the process-wide directory of live rooms. It owns room
// creation and eviction, and serializes every state-machine mutation behind
// one mutex so the relay's per-session command stream applies in arrival
// order. Cross-component references are always by session id through the
// registry; *Room pointers never escape.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Create makes a new room in CREATED state with interviewerID pre-bound to
// the interviewer role and returns its snapshot.
func (g *Registry) Create(interviewerID string) Snapshot {
	room := NewRoom(uuid.NewString(), interviewerID)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rooms[room.ID()] = room
	return room.Snapshot()
}

// Snapshot returns a copy of the room's state, or ErrNotFound.
func (g *Registry) Snapshot(id string) (Snapshot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return room.Snapshot(), nil
}

// CanJoin checks admission without mutating the room.
func (g *Registry) CanJoin(id, userID string, role Role) (JoinDecision, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[id]
	if !ok {
		return JoinDecision{}, ErrNotFound
	}
	return room.CanJoin(userID, role), nil
}

// Join admits userID under role and returns the updated snapshot on success.
func (g *Registry) Join(id, userID string, role Role) (JoinDecision, Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[id]
	if !ok {
		return JoinDecision{}, Snapshot{}, ErrNotFound
	}
	decision := room.Join(userID, role)
	return decision, room.Snapshot(), nil
}

// Start transitions the room to ACTIVE when userID is the interviewer.
func (g *Registry) Start(id, userID string) (Snapshot, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[id]
	if !ok {
		return Snapshot{}, false, ErrNotFound
	}
	started := room.Start(userID)
	return room.Snapshot(), started, nil
}

// AddOperation appends op to the room's log while ACTIVE.
func (g *Registry) AddOperation(id string, op Operation) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[id]
	if !ok {
		return false, ErrNotFound
	}
	return room.AddOperation(op), nil
}

// Archive transitions the room to ARCHIVED and returns the frozen snapshot.
func (g *Registry) Archive(id string) (Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return room.Archive(), nil
}

// RemoveParticipant drops userID from the room, honoring the archived-state
// role freeze.
func (g *Registry) RemoveParticipant(id, userID string) (Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	room.RemoveParticipant(userID)
	return room.Snapshot(), nil
}

// ClearRole unbinds userID's role slot even when archived; the relay calls
// this on disconnect after the audit snapshot has been captured.
func (g *Registry) ClearRole(id, userID string) (Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	room.ClearRole(userID)
	return room.Snapshot(), nil
}

// RoleOf reports the role bound to userID in the room.
func (g *Registry) RoleOf(id, userID string) (Role, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[id]
	if !ok {
		return "", false
	}
	return room.RoleOf(userID)
}

// Evict removes the room from the directory. Intended for archived rooms
// whose snapshot has been handed off to the archive store.
func (g *Registry) Evict(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rooms, id)
}

// Len reports the number of resident rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// ActiveCount reports rooms currently in ACTIVE state.
func (g *Registry) ActiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, room := range g.rooms {
		if room.State() == StateActive {
			count++
		}
	}
	return count
}
