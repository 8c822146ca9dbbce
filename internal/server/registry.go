// Package server tracks live sessions by username and enforces that no two
// connections ever hold the same name at the same time.
package server

import (
	"errors"
	"sort"
	"sync"
)

// Username registration errors.
var (
	ErrInvalidUsername = errors.New("invalid username format")
	ErrUsernameTaken   = errors.New("username already taken")
)

// ConnectionRegistry owns the set of authenticated sessions keyed by
// username. Format validation and the uniqueness check happen under one lock,
// so two sessions can never claim the same name concurrently.
type ConnectionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{sessions: make(map[string]*Session)}
}

// Authenticate claims the candidate username for the session. It returns
// ErrInvalidUsername if the format is wrong and ErrUsernameTaken if another
// session already holds the name.
func (r *ConnectionRegistry) Authenticate(s *Session, username string) error {
	if !ValidUsername(username) {
		return ErrInvalidUsername
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[username]; taken {
		return ErrUsernameTaken
	}
	r.sessions[username] = s
	return nil
}

// Rename moves a registration from oldName to newName under the same
// validation rules as Authenticate.
func (r *ConnectionRegistry) Rename(oldName, newName string) error {
	if !ValidUsername(newName) {
		return ErrInvalidUsername
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[newName]; taken {
		return ErrUsernameTaken
	}
	s, ok := r.sessions[oldName]
	if !ok {
		return ErrInvalidUsername
	}
	delete(r.sessions, oldName)
	r.sessions[newName] = s
	return nil
}

// Unregister frees the username. It is idempotent and reports whether the
// name was still registered.
func (r *ConnectionRegistry) Unregister(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; !ok {
		return false
	}
	delete(r.sessions, username)
	return true
}

// Lookup returns the session registered under the username.
func (r *ConnectionRegistry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[username]
	return s, ok
}

// Usernames returns all registered usernames, sorted.
func (r *ConnectionRegistry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered sessions.
func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
