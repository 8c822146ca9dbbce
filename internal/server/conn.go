// Package server abstracts framed connections so the session state machine
// runs unchanged over raw TCP and the WebSocket gateway.
package server

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"
)

const writeWait = 10 * time.Second

// FrameConn is a bidirectional, frame-oriented connection. One frame carries
// one wire message; implementations must make WriteFrame safe for concurrent
// use.
type FrameConn interface {
	// ReadFrame reads a single inbound frame, blocking until one arrives,
	// the read deadline expires, or the peer disconnects.
	ReadFrame() ([]byte, error)

	// WriteFrame sends a single frame.
	WriteFrame(data []byte) error

	// SetReadDeadline bounds subsequent reads. The zero time means no limit.
	SetReadDeadline(t time.Time) error

	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string

	// Close closes the underlying transport.
	Close() error
}

// tcpConn frames a TCP stream with newlines: each outbound envelope is
// written as one line, each inbound line is one frame.
type tcpConn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	writeMu sync.Mutex
}

func newTCPConn(conn net.Conn, maxFrameSize int64) *tcpConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024), int(maxFrameSize))
	return &tcpConn{conn: conn, scanner: scanner}
}

func (c *tcpConn) ReadFrame() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}
	frame := make([]byte, len(c.scanner.Bytes()))
	copy(frame, c.scanner.Bytes())
	return frame, nil
}

func (c *tcpConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (c *tcpConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
