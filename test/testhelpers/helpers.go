// Package testhelpers provides common utilities for testing the chat relay.
//
// It contains a line-based test client speaking the wire protocol, plus
// helpers for starting a relay on an ephemeral port, to reduce duplication
// across integration tests.
package testhelpers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/chatapp/relay/internal/server"
)

const readTimeout = 5 * time.Second

// StartChatServer starts a relay with the given configuration on an
// ephemeral loopback port and returns its address. The server is shut down
// when the test finishes.
func StartChatServer(t *testing.T, cfg *server.Config) (*server.ChatServer, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	chat := server.NewChatServer(*cfg)
	go func() {
		if err := chat.Serve(listener); err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	}()
	t.Cleanup(func() {
		if err := chat.Shutdown(5 * time.Second); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})

	return chat, listener.Addr().String()
}

// ChatClient is a test client speaking the newline-framed envelope protocol.
type ChatClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

// Dial connects a test client to the relay. The connection is closed when
// the test finishes.
func Dial(t *testing.T, addr string) *ChatClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &ChatClient{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
}

// Authenticate dials the relay and completes the username handshake: it
// consumes the welcome prompt, sends the bare username, and consumes the
// success reply.
func Authenticate(t *testing.T, addr, username string) *ChatClient {
	t.Helper()

	c := Dial(t, addr)
	c.ExpectEnvelope(server.KindSystem, "enter your username")
	c.SendLine(username)
	c.ExpectEnvelope(server.KindSystem, "You have joined the chat")
	return c
}

// SendLine writes one frame to the relay.
func (c *ChatClient) SendLine(text string) {
	c.t.Helper()

	if _, err := fmt.Fprintf(c.conn, "%s\n", text); err != nil {
		c.t.Fatalf("Failed to send %q: %v", text, err)
	}
}

// ReadEnvelope reads and decodes the next frame, failing the test if none
// arrives in time.
func (c *ChatClient) ReadEnvelope() server.Envelope {
	c.t.Helper()

	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		c.t.Fatalf("Failed to set read deadline: %v", err)
	}
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		env, err := server.Decode(line)
		if err != nil {
			c.t.Fatalf("Undecodable frame %q: %v", line, err)
		}
		return env
	}
	c.t.Fatalf("Connection closed or timed out waiting for a frame: %v", c.scanner.Err())
	return server.Envelope{}
}

// ExpectEnvelope reads frames until one of the given kind containing
// substring arrives, skipping unrelated traffic such as join notices.
func (c *ChatClient) ExpectEnvelope(kind server.Kind, substring string) server.Envelope {
	c.t.Helper()

	for i := 0; i < 32; i++ {
		env := c.ReadEnvelope()
		if env.Type == kind && strings.Contains(env.Content, substring) {
			return env
		}
	}
	c.t.Fatalf("Gave up waiting for %s envelope containing %q", kind, substring)
	return server.Envelope{}
}

// ExpectSilence asserts that no frame arrives within the given duration.
func (c *ChatClient) ExpectSilence(d time.Duration) {
	c.t.Helper()

	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		c.t.Fatalf("Failed to set read deadline: %v", err)
	}
	if c.scanner.Scan() {
		c.t.Fatalf("Expected silence, got frame %q", c.scanner.Text())
	}
	if err := c.scanner.Err(); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// A fresh scanner keeps the client usable after the timeout.
			c.scanner = bufio.NewScanner(c.conn)
			return
		}
		c.t.Fatalf("Unexpected read error: %v", err)
	}
	// EOF: the peer closed instead of staying silent.
	c.t.Fatal("Connection closed while expecting silence")
}

// ExpectClosed asserts that the relay closes the connection.
func (c *ChatClient) ExpectClosed() {
	c.t.Helper()

	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		c.t.Fatalf("Failed to set read deadline: %v", err)
	}
	for c.scanner.Scan() {
		// Drain whatever was in flight before the close.
	}
	if err := c.scanner.Err(); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatal("Expected the relay to close the connection")
		}
	}
}

// Close shuts the client's side of the connection.
func (c *ChatClient) Close() {
	_ = c.conn.Close()
}
