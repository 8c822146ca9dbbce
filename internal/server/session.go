// Package server drives individual client sessions through the connection
// lifecycle: welcome, username handshake, the active read loop, and teardown.
package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateActive
	stateClosed
)

const welcomeText = "Welcome to the server! Please enter your username:"

// Session is the per-connection state machine from accept to close. It owns
// its transport exclusively; the registries refer to it only by username.
// Replies to the session's own client are written synchronously from the
// session goroutine, while deliveries from other sessions go through the
// buffered send channel and the write pump.
type Session struct {
	id     string
	conn   FrameConn
	server *ChatServer

	mu       sync.Mutex
	state    sessionState
	username string

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(conn FrameConn, srv *ChatServer) *Session {
	return &Session{
		id:     uuid.NewString(),
		conn:   conn,
		server: srv,
		state:  stateConnecting,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// ID returns the session's unique identifier, used in logs.
func (s *Session) ID() string {
	return s.id
}

// Username returns the authenticated username, or "" before authentication.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// RemoteAddr returns the peer address for logging.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

func (s *Session) setUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

func (s *Session) setState(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run executes the session lifecycle and always ends in Close.
func (s *Session) run() {
	defer s.Close()
	go s.writePump()

	if s.reply(SystemEnvelope(welcomeText)) != nil {
		return
	}
	s.setState(stateAuthenticating)

	if !s.authenticate() {
		return
	}
	s.setState(stateActive)

	s.readLoop()
}

// authenticate reads the handshake frame, which is a bare username rather
// than an envelope, and claims the name. On a rejected name the session
// replies with an error envelope and closes; the client retries by
// reconnecting.
func (s *Session) authenticate() bool {
	frame, err := s.readFrame()
	if err != nil {
		log.Printf("Client %s disconnected during authentication", s.conn.RemoteAddr())
		return false
	}

	candidate := strings.TrimSpace(SanitizeText(string(frame)))
	if err := s.server.conns.Authenticate(s, candidate); err != nil {
		switch {
		case errors.Is(err, ErrInvalidUsername):
			log.Printf("Invalid username attempt %q from %s", candidate, s.conn.RemoteAddr())
			_ = s.reply(ErrorEnvelope("Invalid username format. Connection rejected."))
		case errors.Is(err, ErrUsernameTaken):
			log.Printf("Duplicate username attempt %q from %s", candidate, s.conn.RemoteAddr())
			_ = s.reply(ErrorEnvelope("Username already taken. Please try another one."))
		}
		return false
	}

	if _, err := s.server.rooms.Join(candidate, DefaultRoom); err != nil {
		s.server.conns.Unregister(candidate)
		_ = s.reply(ErrorEnvelope(fmt.Sprintf("Room %s is full", DefaultRoom)))
		return false
	}
	s.setUsername(candidate)
	log.Printf("User %s (%s) authenticated successfully (session %s)", candidate, s.conn.RemoteAddr(), s.id)

	if s.reply(SystemEnvelope(fmt.Sprintf("Welcome %s! You have joined the chat.", candidate))) != nil {
		return false
	}

	join := NewEnvelope(KindJoin, fmt.Sprintf("%s joined the chat", candidate))
	join.Sender = candidate
	join.Room = DefaultRoom
	s.server.broadcast.ToRoom(join, DefaultRoom, candidate)
	return true
}

// readLoop processes frames until the peer disconnects or a command forces
// the session closed. Every frame is rate limited before any other handling.
func (s *Session) readLoop() {
	for {
		frame, err := s.readFrame()
		if err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Read error for %s: %v", s.Username(), err)
			}
			return
		}

		text := strings.TrimSpace(string(frame))
		if text == "" {
			continue
		}

		if !s.server.limiter.Admit(s.Username()) {
			log.Printf("Rate limit exceeded for user %s", s.Username())
			if s.reply(ErrorEnvelope("Rate limit exceeded. Please wait before sending more messages.")) != nil {
				return
			}
			continue
		}

		if strings.HasPrefix(text, commandPrefix) {
			if !s.dispatchCommand(text) {
				return
			}
			continue
		}

		s.relayChat(text)
	}
}

// relayChat sanitizes a plain chat line and fans it out to the sender's
// current room. The sender receives its own message back, matching the
// legacy protocol.
func (s *Session) relayChat(text string) {
	username := s.Username()
	room, ok := s.server.rooms.RoomOf(username)
	if !ok {
		room = DefaultRoom
	}
	log.Printf("Message from %s in room %s", username, room)

	env := NewEnvelope(KindChat, SanitizeText(text))
	env.Sender = username
	env.Room = room
	s.server.broadcast.ToRoom(env, room, "")
}

func (s *Session) readFrame() ([]byte, error) {
	if timeout := s.server.cfg.ReadTimeout; timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	return s.conn.ReadFrame()
}

// reply encodes and writes an envelope to this session's own client,
// synchronously from the session goroutine.
func (s *Session) reply(env Envelope) error {
	payload, err := Encode(env)
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(payload)
}

// Deliver queues an encoded envelope for the write pump without blocking.
// It reports false when the session is closed or its buffer is full; callers
// treat that the same as a disconnect.
func (s *Session) Deliver(payload []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) writePump() {
	for {
		select {
		case payload := <-s.send:
			if err := s.conn.WriteFrame(payload); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error writing to %s: %v", s.conn.RemoteAddr(), err)
				}
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Close tears the session down exactly once. The username is freed and the
// room membership removed before the leave notice goes out, so no broadcast
// can observe a half-removed member, and the notice fires at most once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(stateClosed)
		close(s.closed)

		username := s.Username()
		if username != "" && s.server.conns.Unregister(username) {
			s.server.rooms.Remove(username)

			leave := NewEnvelope(KindLeave, fmt.Sprintf("%s left the chat", username))
			leave.Sender = username
			s.server.broadcast.Global(leave, username)
			log.Printf("User %s (%s) disconnected", username, s.conn.RemoteAddr())
		} else {
			log.Printf("Client %s disconnected", s.conn.RemoteAddr())
		}

		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection for %s: %v", s.conn.RemoteAddr(), err)
		}

		s.server.dropSession(s)
	})
}
