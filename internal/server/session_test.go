package server

import (
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptConn is an in-memory FrameConn that tests drive directly: inbound
// frames are queued with sendLine, outbound frames are captured for
// inspection, and Close unblocks pending reads like a real disconnect.
type scriptConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	written    [][]byte
	failWrites bool
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *scriptConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *scriptConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failWrites {
		return errors.New("simulated write failure")
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	c.written = append(c.written, frame)
	return nil
}

func (c *scriptConn) SetReadDeadline(time.Time) error { return nil }

func (c *scriptConn) RemoteAddr() string { return "script:0" }

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) sendLine(text string) {
	c.inbound <- []byte(text)
}

func (c *scriptConn) setFailWrites(fail bool) {
	c.mu.Lock()
	c.failWrites = fail
	c.mu.Unlock()
}

// envelopes decodes everything written to the connection so far.
func (c *scriptConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	envs := make([]Envelope, 0, len(c.written))
	for _, frame := range c.written {
		env, err := Decode(frame)
		if err != nil {
			t.Fatalf("Server wrote an undecodable frame %q: %v", frame, err)
		}
		envs = append(envs, env)
	}
	return envs
}

// waitForEnvelope polls until the connection has received an envelope of the
// given kind whose content contains substring.
func waitForEnvelope(t *testing.T, conn *scriptConn, kind Kind, substring string) Envelope {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range conn.envelopes(t) {
			if env.Type == kind && strings.Contains(env.Content, substring) {
				return env
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s envelope containing %q; got %+v", kind, substring, conn.envelopes(t))
	return Envelope{}
}

// countEnvelopes counts received envelopes of the given kind containing
// substring.
func countEnvelopes(t *testing.T, conn *scriptConn, kind Kind, substring string) int {
	t.Helper()

	count := 0
	for _, env := range conn.envelopes(t) {
		if env.Type == kind && strings.Contains(env.Content, substring) {
			count++
		}
	}
	return count
}

// waitClosed waits for the transport to be closed by the server side.
func waitClosed(t *testing.T, conn *scriptConn) {
	t.Helper()

	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connection close")
	}
}

// newTestRelay creates a relay with a permissive rate limit so unrelated
// tests never trip it.
func newTestRelay(t *testing.T) *ChatServer {
	t.Helper()

	cfg := NewConfig()
	cfg.RateLimit.MaxMessages = 1000
	return newTestRelayWithConfig(t, cfg)
}

func newTestRelayWithConfig(t *testing.T, cfg *Config) *ChatServer {
	t.Helper()

	srv := NewChatServer(*cfg)
	t.Cleanup(func() {
		if err := srv.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return srv
}

// connectUser runs a scripted connection through the handshake.
func connectUser(t *testing.T, srv *ChatServer, username string) *scriptConn {
	t.Helper()

	conn := newScriptConn()
	srv.startSession(conn)
	waitForEnvelope(t, conn, KindSystem, "enter your username")
	conn.sendLine(username)
	waitForEnvelope(t, conn, KindSystem, "You have joined the chat")
	return conn
}

// TestSessionWelcome tests that the server's first outbound frame is a
// system envelope prompting for a username.
func TestSessionWelcome(t *testing.T) {
	srv := newTestRelay(t)

	conn := newScriptConn()
	srv.startSession(conn)

	env := waitForEnvelope(t, conn, KindSystem, "enter your username")
	if env.Sender != SystemSender {
		t.Errorf("Welcome sender = %q, want %q", env.Sender, SystemSender)
	}
}

// TestSessionRejectsInvalidUsername tests that a malformed username receives
// an error envelope and the connection is closed.
func TestSessionRejectsInvalidUsername(t *testing.T) {
	srv := newTestRelay(t)

	conn := newScriptConn()
	srv.startSession(conn)
	waitForEnvelope(t, conn, KindSystem, "enter your username")
	conn.sendLine("ab")

	waitForEnvelope(t, conn, KindError, "Invalid username format")
	waitClosed(t, conn)

	if count := srv.conns.Count(); count != 0 {
		t.Errorf("Registry should be empty, has %d entries", count)
	}
}

// TestSessionRejectsDuplicateUsername tests that the second session claiming
// a name in use gets an error and is closed while the first stays connected.
func TestSessionRejectsDuplicateUsername(t *testing.T) {
	srv := newTestRelay(t)

	first := connectUser(t, srv, "alice_99")

	second := newScriptConn()
	srv.startSession(second)
	waitForEnvelope(t, second, KindSystem, "enter your username")
	second.sendLine("alice_99")

	waitForEnvelope(t, second, KindError, "already taken")
	waitClosed(t, second)

	select {
	case <-first.closed:
		t.Error("First session should stay connected")
	default:
	}
	if count := srv.conns.Count(); count != 1 {
		t.Errorf("Expected 1 registered session, got %d", count)
	}
}

// TestSessionJoinNotice tests that authenticating broadcasts a join envelope
// to the default room, excluding the joining connection.
func TestSessionJoinNotice(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	_ = connectUser(t, srv, "bob")

	env := waitForEnvelope(t, alice, KindJoin, "bob joined the chat")
	if env.Sender != "bob" || env.Room != DefaultRoom {
		t.Errorf("Unexpected join envelope: %+v", env)
	}
}

// TestSessionChatBroadcast tests that a plain frame is relayed to the whole
// room, sender included, tagged with sender and room.
func TestSessionChatBroadcast(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	bob := connectUser(t, srv, "bob")

	alice.sendLine("hello everyone")

	env := waitForEnvelope(t, bob, KindChat, "hello everyone")
	if env.Sender != "alice_99" || env.Room != DefaultRoom {
		t.Errorf("Unexpected chat envelope: %+v", env)
	}
	waitForEnvelope(t, alice, KindChat, "hello everyone")
}

// TestSessionChatSanitized tests that HTML-like tags are stripped before the
// message is relayed.
func TestSessionChatSanitized(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	bob := connectUser(t, srv, "bob")

	alice.sendLine("<script>evil()</script>hi bob")

	env := waitForEnvelope(t, bob, KindChat, "hi bob")
	if strings.Contains(env.Content, "<script>") {
		t.Errorf("Tags should be stripped, got %q", env.Content)
	}
}

// TestSessionJoinRoomFlow tests the full room move: leave notice to the old
// room, confirmation to the mover, join notice to the new room.
func TestSessionJoinRoomFlow(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	bob := connectUser(t, srv, "bob")
	carol := connectUser(t, srv, "carol")

	carol.sendLine("/join lobby")
	waitForEnvelope(t, carol, KindSystem, "You joined room: lobby")
	waitForEnvelope(t, bob, KindLeave, "carol left the room")

	alice.sendLine("/join lobby")
	waitForEnvelope(t, alice, KindSystem, "You joined room: lobby")
	env := waitForEnvelope(t, carol, KindJoin, "alice_99 joined the room")
	if env.Room != "lobby" {
		t.Errorf("Join notice room = %q, want lobby", env.Room)
	}

	// Room-scoped chat stays in the room.
	carol.sendLine("lobby only")
	waitForEnvelope(t, alice, KindChat, "lobby only")
	time.Sleep(50 * time.Millisecond)
	if countEnvelopes(t, bob, KindChat, "lobby only") != 0 {
		t.Error("Chat in lobby must not reach main")
	}
}

// TestSessionLeaveReturnsToMain tests that /leave lands the user back in the
// default room rather than leaving them roomless.
func TestSessionLeaveReturnsToMain(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	alice.sendLine("/join lobby")
	waitForEnvelope(t, alice, KindSystem, "You joined room: lobby")

	alice.sendLine("/leave")
	waitForEnvelope(t, alice, KindSystem, "You left room: lobby")
	waitForEnvelope(t, alice, KindSystem, "You joined room: "+DefaultRoom)

	if room, _ := srv.rooms.RoomOf("alice_99"); room != DefaultRoom {
		t.Errorf("Expected alice back in %q, got %q", DefaultRoom, room)
	}
}

// TestSessionUsersCommand tests that /users lists the current room's members
// sorted.
func TestSessionUsersCommand(t *testing.T) {
	srv := newTestRelay(t)

	_ = connectUser(t, srv, "zed")
	alice := connectUser(t, srv, "alice_99")

	alice.sendLine("/users")
	env := waitForEnvelope(t, alice, KindSystem, "Users in "+DefaultRoom)
	if !strings.Contains(env.Content, "alice_99\nzed") {
		t.Errorf("Expected sorted member list, got %q", env.Content)
	}
}

// TestSessionListCommand tests that /list reports every room with member
// counts and capacity.
func TestSessionListCommand(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	bob := connectUser(t, srv, "bob")
	bob.sendLine("/join lobby")
	waitForEnvelope(t, bob, KindSystem, "You joined room: lobby")

	alice.sendLine("/list")
	env := waitForEnvelope(t, alice, KindSystem, "Available rooms")
	if !strings.Contains(env.Content, "lobby (1/100 users)") {
		t.Errorf("Expected lobby summary, got %q", env.Content)
	}
	if !strings.Contains(env.Content, DefaultRoom+" (1/100 users)") {
		t.Errorf("Expected main summary, got %q", env.Content)
	}
}

// TestSessionUnknownCommandIgnored tests that unknown verbs and wrong
// argument counts produce no reply at all.
func TestSessionUnknownCommandIgnored(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	before := len(alice.envelopes(t))

	alice.sendLine("/frobnicate now")
	alice.sendLine("/join")
	alice.sendLine("/msg bob")
	time.Sleep(100 * time.Millisecond)

	if after := len(alice.envelopes(t)); after != before {
		t.Errorf("Malformed commands should be silent, got %d new envelopes", after-before)
	}
}

// TestSessionPrivateMessage tests that /msg reaches only the target user.
func TestSessionPrivateMessage(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	bob := connectUser(t, srv, "bob")
	carol := connectUser(t, srv, "carol")

	alice.sendLine("/msg bob secret plans tonight")

	env := waitForEnvelope(t, bob, KindPrivate, "secret plans tonight")
	if env.Sender != "alice_99" || env.Receiver != "bob" {
		t.Errorf("Unexpected private envelope: %+v", env)
	}

	time.Sleep(50 * time.Millisecond)
	if countEnvelopes(t, carol, KindPrivate, "secret plans") != 0 {
		t.Error("Private message must not reach third parties")
	}
}

// TestSessionPrivateMessageToGhost tests that a private message to an
// unconnected user is dropped with no error surfaced to the sender.
func TestSessionPrivateMessageToGhost(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	before := countEnvelopes(t, alice, KindError, "")

	alice.sendLine("/msg ghost hello")
	time.Sleep(100 * time.Millisecond)

	if after := countEnvelopes(t, alice, KindError, ""); after != before {
		t.Error("Sender must not receive an error for an absent target")
	}
}

// TestSessionRateLimit tests that the frame beyond the per-window budget is
// rejected with an error envelope while the session stays open.
func TestSessionRateLimit(t *testing.T) {
	cfg := NewConfig()
	cfg.RateLimit.MaxMessages = 2
	cfg.RateLimit.Window = time.Minute
	srv := newTestRelayWithConfig(t, cfg)

	alice := connectUser(t, srv, "alice_99")

	alice.sendLine("one")
	alice.sendLine("two")
	waitForEnvelope(t, alice, KindChat, "two")

	alice.sendLine("three")
	waitForEnvelope(t, alice, KindError, "Rate limit exceeded")

	time.Sleep(50 * time.Millisecond)
	if countEnvelopes(t, alice, KindChat, "three") != 0 {
		t.Error("Rate-limited message must not be relayed")
	}
	select {
	case <-alice.closed:
		t.Error("Rate limiting must not close the session")
	default:
	}
}

// TestSessionRoomFullKeepsSessionOpen tests that a join rejected on capacity
// reports the error and leaves both session and membership intact.
func TestSessionRoomFullKeepsSessionOpen(t *testing.T) {
	cfg := NewConfig()
	cfg.RoomCapacity = 2
	cfg.RateLimit.MaxMessages = 1000
	srv := newTestRelayWithConfig(t, cfg)

	x := connectUser(t, srv, "xavier")
	x.sendLine("/join lobby")
	waitForEnvelope(t, x, KindSystem, "You joined room: lobby")

	y := connectUser(t, srv, "yvonne")
	y.sendLine("/join lobby")
	waitForEnvelope(t, y, KindSystem, "You joined room: lobby")

	z := connectUser(t, srv, "zed")
	z.sendLine("/join lobby")
	waitForEnvelope(t, z, KindError, "Room lobby is full")

	if room, _ := srv.rooms.RoomOf("zed"); room != DefaultRoom {
		t.Errorf("zed should remain in %q, got %q", DefaultRoom, room)
	}
	z.sendLine("still here")
	waitForEnvelope(t, z, KindChat, "still here")
}

// TestSessionInvalidRoomNameCloses tests that a malformed room name
// mid-session reports an error and closes the connection.
func TestSessionInvalidRoomNameCloses(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	alice.sendLine("/join bad*room")

	waitForEnvelope(t, alice, KindError, "Invalid room name")
	waitClosed(t, alice)
}

// TestSessionChangeUsername tests renaming: confirmation to the renamer, a
// change notice to the room, and registry plus membership updated.
func TestSessionChangeUsername(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	bob := connectUser(t, srv, "bob")

	alice.sendLine("/change neo")
	waitForEnvelope(t, alice, KindChange, "changed to neo")
	waitForEnvelope(t, bob, KindChange, "alice_99 has changed their username to neo")

	if _, ok := srv.conns.Lookup("alice_99"); ok {
		t.Error("Old username should be freed")
	}
	if _, ok := srv.conns.Lookup("neo"); !ok {
		t.Error("New username should be registered")
	}
	members := srv.rooms.MembersOf(DefaultRoom)
	for _, member := range members {
		if member == "alice_99" {
			t.Errorf("Room membership should use the new name, got %v", members)
		}
	}
}

// TestSessionDisconnectCleanup tests that a dropped connection is removed
// from the registry and all rooms before exactly one leave notice reaches
// every remaining member.
func TestSessionDisconnectCleanup(t *testing.T) {
	srv := newTestRelay(t)

	alice := connectUser(t, srv, "alice_99")
	bob := connectUser(t, srv, "bob")
	carol := connectUser(t, srv, "carol")

	carol.Close()

	waitForEnvelope(t, alice, KindLeave, "carol left the chat")
	waitForEnvelope(t, bob, KindLeave, "carol left the chat")
	time.Sleep(100 * time.Millisecond)

	if n := countEnvelopes(t, alice, KindLeave, "carol left the chat"); n != 1 {
		t.Errorf("Expected exactly one leave notice, got %d", n)
	}
	if n := countEnvelopes(t, bob, KindLeave, "carol left the chat"); n != 1 {
		t.Errorf("Expected exactly one leave notice, got %d", n)
	}

	if _, ok := srv.conns.Lookup("carol"); ok {
		t.Error("carol should be unregistered")
	}
	for _, member := range srv.rooms.MembersOf(DefaultRoom) {
		if member == "carol" {
			t.Error("carol should be out of every room")
		}
	}
}
