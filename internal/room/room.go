// Package room implements the room registry (C4): the mapping from room
// name to the set of registered sessions currently in it, and the broadcast
// helper (half of C5) that fans a payload out to a room's members.
//
// Each Room's member map is guarded by its own mutex, held only for the
// duration of a map mutation or a membership snapshot — never while blocked
// on a channel send or socket I/O. This is the "short critical section"
// single-writer discipline §5 asks for, scoped per room so unrelated rooms
// never contend with each other. Grounded on the teacher's
// internal/core.ChannelState, which uses the same sync.RWMutex-guarded-map
// shape for its (single, global) presence table.
package room

import (
	"sync"

	"chatrelay/internal/session"
)

// Room holds the registered sessions currently joined to one room name.
type Room struct {
	name string

	mu      sync.RWMutex
	members map[string]*session.Session
}

func newRoom(name string) *Room {
	return &Room{name: name, members: make(map[string]*session.Session)}
}

// Name returns the room's name.
func (r *Room) Name() string { return r.name }

// Members returns a point-in-time snapshot of the room's sessions. Iteration
// order is unspecified, as permitted by §4.4.
func (r *Room) Members() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// Len reports the current membership count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) add(s *session.Session) {
	r.mu.Lock()
	r.members[s.ID] = s
	r.mu.Unlock()
}

func (r *Room) remove(id string) {
	r.mu.Lock()
	delete(r.members, id)
	r.mu.Unlock()
}

// Registry is the top-level map from room name to Room. It is the only
// state shared across every connection's goroutine; the mutex is held only
// for a map lookup/insert/delete, never across I/O.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

func (reg *Registry) getOrCreate(name string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[name]
	if !ok {
		r = newRoom(name)
		reg.rooms[name] = r
	}
	return r
}

func (reg *Registry) get(name string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[name]
	return r, ok
}

// Join adds s to roomName, first removing it from whatever room it was
// previously in (§4.4). Joining the room s is already in is a no-op beyond
// that removal-then-insert, which keeps it idempotent.
func (reg *Registry) Join(s *session.Session, roomName string) {
	if s.Registered && s.Room != "" {
		reg.Leave(s)
	}
	r := reg.getOrCreate(roomName)
	r.add(s)
}

// Leave removes s from its current room. No-op if s isn't registered or its
// room no longer exists.
func (reg *Registry) Leave(s *session.Session) {
	if s.Room == "" {
		return
	}
	if r, ok := reg.get(s.Room); ok {
		r.remove(s.ID)
	}
}

// Members returns the current member snapshot of roomName, or nil if the
// room has never been joined.
func (reg *Registry) Members(roomName string) []*session.Session {
	r, ok := reg.get(roomName)
	if !ok {
		return nil
	}
	return r.Members()
}

// Snapshot reports every known room name and its current member count, used
// by the admin/observability surface (§4.7). Empty rooms are included,
// matching this implementation's choice (§10.9) to retain rooms for the
// life of the process rather than garbage-collect them.
func (reg *Registry) Snapshot() map[string]int {
	reg.mu.Lock()
	names := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		names = append(names, r)
	}
	reg.mu.Unlock()

	out := make(map[string]int, len(names))
	for _, r := range names {
		out[r.Name()] = r.Len()
	}
	return out
}

// Broadcast delivers payload to every session in members except the session
// whose ID equals exclude (pass "" to exclude none). It returns the
// sessions whose outbound queue was full — callers should treat those as
// failed peers and remove/close them, per §4.5: "a failing peer is closed
// and removed from the registry, but delivery to other peers continues."
func Broadcast(members []*session.Session, exclude string, payload []byte) []*session.Session {
	var failed []*session.Session
	for _, m := range members {
		if m.ID == exclude {
			continue
		}
		if !m.Send(payload) {
			failed = append(failed, m)
		}
	}
	return failed
}
