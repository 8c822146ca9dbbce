// Command client is a minimal line-based client for the chat relay. It
// renders incoming envelopes with timestamps and forwards stdin lines to the
// server, starting with the username the server prompts for.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/chatapp/relay/internal/server"
)

func main() {
	addr := flag.String("addr", "localhost:3000", "server address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			env, err := server.Decode(line)
			if err != nil {
				// Not an envelope; show it raw rather than dropping it.
				fmt.Println(string(line))
				continue
			}
			fmt.Println(formatEnvelope(env))
		}
	}()

	input := bufio.NewScanner(os.Stdin)
	for input.Scan() {
		if _, err := fmt.Fprintln(conn, input.Text()); err != nil {
			break
		}
	}

	conn.Close()
	<-done
}

func formatEnvelope(env server.Envelope) string {
	timestamp := env.Timestamp
	if t, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
		timestamp = t.Format("15:04:05")
	}

	switch env.Type {
	case server.KindPrivate:
		return fmt.Sprintf("[%s] (Private) %s -> %s: %s", timestamp, env.Sender, env.Receiver, env.Content)
	case server.KindJoin:
		return fmt.Sprintf("[%s] -> %s", timestamp, env.Content)
	case server.KindLeave:
		return fmt.Sprintf("[%s] <- %s", timestamp, env.Content)
	case server.KindSystem, server.KindError, server.KindChange:
		return fmt.Sprintf("[%s] %s: %s", timestamp, env.Sender, env.Content)
	default:
		return fmt.Sprintf("[%s] %s: %s", timestamp, env.Sender, env.Content)
	}
}
