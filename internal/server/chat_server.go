// Package server runs the TCP listener and coordinates session lifecycle and
// graceful shutdown for the chat relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// ChatServer owns the registries, the rate limiter, and the set of live
// sessions. It accepts TCP connections itself; the WebSocket gateway feeds
// it connections through the same session entry point.
type ChatServer struct {
	cfg       Config
	conns     *ConnectionRegistry
	rooms     *RoomRegistry
	limiter   *RateLimiter
	broadcast *Broadcaster

	mu       sync.Mutex
	sessions map[*Session]struct{}
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChatServer assembles a relay from the given configuration. The default
// room exists as soon as this returns.
func NewChatServer(cfg Config) *ChatServer {
	ctx, cancel := context.WithCancel(context.Background())
	conns := NewConnectionRegistry()
	rooms := NewRoomRegistry(cfg.RoomCapacity)

	return &ChatServer{
		cfg:       cfg,
		conns:     conns,
		rooms:     rooms,
		limiter:   NewRateLimiter(cfg.RateLimit.MaxMessages, cfg.RateLimit.Window),
		broadcast: NewBroadcaster(conns, rooms),
		sessions:  make(map[*Session]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ListenAndServe binds the configured chat address and accepts connections
// until Shutdown is called.
func (s *ChatServer) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.ChatAddr)
	if err != nil {
		return fmt.Errorf("failed to start chat listener: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections from the listener, spawning one session
// goroutine per connection. It returns nil once Shutdown closes the listener.
func (s *ChatServer) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Printf("Chat server listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Failed to accept connection: %v", err)
			continue
		}

		log.Printf("New connection from %s", conn.RemoteAddr())
		s.startSession(newTCPConn(conn, s.cfg.MaxMessageSize))
	}
}

// Addr returns the bound listener address, or nil before Serve runs.
func (s *ChatServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// startSession registers an accepted transport and runs its session state
// machine in a new goroutine.
func (s *ChatServer) startSession(conn FrameConn) *Session {
	sess := newSession(conn, s)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	count := len(s.sessions)
	s.mu.Unlock()
	log.Printf("Session %s opened from %s. Active sessions: %d", sess.id, conn.RemoteAddr(), count)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
	return sess
}

func (s *ChatServer) dropSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	count := len(s.sessions)
	s.mu.Unlock()
	log.Printf("Session %s closed. Active sessions: %d", sess.id, count)
}

// Shutdown stops accepting connections, closes every live session, and waits
// for their goroutines to finish or the timeout to be reached.
func (s *ChatServer) Shutdown(timeout time.Duration) error {
	log.Println("Initiating chat server shutdown...")

	s.cancel()

	s.mu.Lock()
	listener := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing chat listener: %v", err)
		}
	}
	for _, sess := range sessions {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Chat server shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Chat server shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
