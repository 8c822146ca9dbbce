// Package server resolves an envelope's recipient set and fans it out,
// closing any recipient whose delivery fails.
package server

import "log"

// Broadcaster delivers envelopes to room members, to everyone, or to a single
// user. It snapshots membership before delivering so a disconnect on another
// goroutine never mutates a set mid-iteration, and it never holds a registry
// lock while writing to a connection.
type Broadcaster struct {
	conns *ConnectionRegistry
	rooms *RoomRegistry
}

// NewBroadcaster creates a broadcaster over the given registries.
func NewBroadcaster(conns *ConnectionRegistry, rooms *RoomRegistry) *Broadcaster {
	return &Broadcaster{conns: conns, rooms: rooms}
}

// ToRoom delivers the envelope to every member of the named room except
// excluding (no exclusion when empty). A failed delivery closes that
// recipient's session and delivery to the remaining members continues.
func (b *Broadcaster) ToRoom(env Envelope, roomName, excluding string) {
	b.deliver(env, b.rooms.MembersOf(roomName), excluding)
}

// Global delivers the envelope to every registered session except excluding.
func (b *Broadcaster) Global(env Envelope, excluding string) {
	b.deliver(env, b.conns.Usernames(), excluding)
}

// Private delivers the envelope to the single named user. If no such user is
// connected the envelope is dropped; the sender is not notified.
func (b *Broadcaster) Private(env Envelope, target string) {
	payload, err := Encode(env)
	if err != nil {
		log.Printf("Error encoding private envelope for %s: %v", target, err)
		return
	}

	s, ok := b.conns.Lookup(target)
	if !ok {
		return
	}
	if !s.Deliver(payload) {
		s.Close()
	}
}

func (b *Broadcaster) deliver(env Envelope, recipients []string, excluding string) {
	payload, err := Encode(env)
	if err != nil {
		log.Printf("Error encoding %s envelope: %v", env.Type, err)
		return
	}

	var failed []*Session
	for _, username := range recipients {
		if username == excluding {
			continue
		}
		s, ok := b.conns.Lookup(username)
		if !ok {
			continue
		}
		if !s.Deliver(payload) {
			failed = append(failed, s)
		}
	}

	// Close failed recipients after the loop so their own leave broadcasts
	// cannot interleave with this delivery pass.
	for _, s := range failed {
		log.Printf("Client %s removed due to failed delivery", s.RemoteAddr())
		s.Close()
	}
}
