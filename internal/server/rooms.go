// Package server manages chat rooms: lazy creation, capacity-bounded
// membership, and the moves between rooms that joins and leaves perform.
package server

import (
	"errors"
	"sort"
	"sync"
)

// DefaultRoom is the room every authenticated user starts in. It is created
// at startup and never deleted.
const DefaultRoom = "main"

// Room membership errors.
var (
	ErrRoomFull        = errors.New("room is full")
	ErrInvalidRoomName = errors.New("invalid room name")
)

// Room is a named, capacity-bounded set of currently-present usernames.
// The member set is guarded by the owning registry's lock.
type Room struct {
	Name        string
	Description string
	Capacity    int

	members map[string]struct{}
}

// RoomSummary describes one room for listings.
type RoomSummary struct {
	Name        string
	MemberCount int
	Capacity    int
}

// RoomRegistry owns all rooms and tracks which room each username occupies.
// A single lock covers every room, so a cross-room move in Join is one
// atomic step and no reader ever observes a half-moved member.
type RoomRegistry struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	occupant map[string]string
	capacity int
}

// NewRoomRegistry creates a registry whose rooms default to the given
// capacity, with the default room pre-created.
func NewRoomRegistry(defaultCapacity int) *RoomRegistry {
	if defaultCapacity <= 0 {
		defaultCapacity = 100
	}

	r := &RoomRegistry{
		rooms:    make(map[string]*Room),
		occupant: make(map[string]string),
		capacity: defaultCapacity,
	}
	r.rooms[DefaultRoom] = &Room{
		Name:        DefaultRoom,
		Description: "Main chat room",
		Capacity:    defaultCapacity,
		members:     make(map[string]struct{}),
	}
	return r
}

// GetOrCreate returns the named room, creating it with the default capacity
// if it does not exist yet.
func (r *RoomRegistry) GetOrCreate(name string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(name)
}

func (r *RoomRegistry) getOrCreateLocked(name string) *Room {
	room, ok := r.rooms[name]
	if !ok {
		room = &Room{
			Name:        name,
			Description: "Room " + name,
			Capacity:    r.capacity,
			members:     make(map[string]struct{}),
		}
		r.rooms[name] = room
	}
	return room
}

// Join moves the username into the named room, creating the room if needed.
// It returns the room the user previously occupied ("" if none). A join that
// would exceed the room's capacity is rejected with ErrRoomFull and leaves
// the user's current membership untouched.
func (r *RoomRegistry) Join(username, name string) (previous string, err error) {
	if !ValidRoomName(name) {
		return "", ErrInvalidRoomName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.getOrCreateLocked(name)
	if len(room.members) >= room.Capacity {
		return "", ErrRoomFull
	}

	previous = r.occupant[username]
	if previous != "" {
		if prev, ok := r.rooms[previous]; ok {
			delete(prev.members, username)
		}
	}

	room.members[username] = struct{}{}
	r.occupant[username] = name
	return previous, nil
}

// Remove deletes the username from whatever room it occupies and returns
// that room's name. It reports false if the user was not in any room.
func (r *RoomRegistry) Remove(username string) (room string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok = r.occupant[username]
	if !ok {
		return "", false
	}
	if current, exists := r.rooms[room]; exists {
		delete(current.members, username)
	}
	delete(r.occupant, username)
	return room, true
}

// RenameMember swaps a username inside its current room's member set,
// preserving the membership itself. It reports the room affected.
func (r *RoomRegistry) RenameMember(oldName, newName string) (room string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok = r.occupant[oldName]
	if !ok {
		return "", false
	}
	if current, exists := r.rooms[room]; exists {
		delete(current.members, oldName)
		current.members[newName] = struct{}{}
	}
	delete(r.occupant, oldName)
	r.occupant[newName] = room
	return room, true
}

// RoomOf returns the name of the room the username currently occupies.
func (r *RoomRegistry) RoomOf(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.occupant[username]
	return room, ok
}

// MembersOf returns the sorted member list of the named room. An unknown
// room yields an empty list.
func (r *RoomRegistry) MembersOf(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[name]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(room.members))
	for username := range room.members {
		members = append(members, username)
	}
	sort.Strings(members)
	return members
}

// Summaries returns one entry per room, sorted by room name, for listings.
func (r *RoomRegistry) Summaries() []RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]RoomSummary, 0, len(r.rooms))
	for _, room := range r.rooms {
		summaries = append(summaries, RoomSummary{
			Name:        room.Name,
			MemberCount: len(room.members),
			Capacity:    room.Capacity,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}
