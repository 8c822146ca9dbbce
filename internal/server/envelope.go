// Package server defines the wire envelope exchanged with clients along with
// the JSON codec, helper constructors, and input validation shared across
// session and broadcast logic.
package server

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Kind identifies the purpose of an envelope on the wire.
type Kind string

// Envelope kinds understood by the protocol.
const (
	KindChat    Kind = "chat"
	KindSystem  Kind = "system"
	KindPrivate Kind = "private"
	KindJoin    Kind = "join"
	KindLeave   Kind = "leave"
	KindStatus  Kind = "status"
	KindError   Kind = "error"
	KindCommand Kind = "command"
	KindChange  Kind = "change"
)

var validKinds = map[Kind]struct{}{
	KindChat:    {},
	KindSystem:  {},
	KindPrivate: {},
	KindJoin:    {},
	KindLeave:   {},
	KindStatus:  {},
	KindError:   {},
	KindCommand: {},
	KindChange:  {},
}

// SystemSender is the sender name stamped on server-originated envelopes.
const SystemSender = "System"

// Envelope is the structured message unit exchanged over the wire. It is
// immutable once constructed; empty optional fields are omitted from the
// encoded form.
type Envelope struct {
	Type      Kind   `json:"type"`
	Content   string `json:"content"`
	Sender    string `json:"sender,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
	Timestamp string `json:"timestamp"`
	Room      string `json:"room,omitempty"`
}

// DecodeError reports a frame that could not be decoded into an Envelope,
// either because the JSON was malformed or the kind is not recognized.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewEnvelope creates an envelope of the given kind stamped with the current
// time.
func NewEnvelope(kind Kind, content string) Envelope {
	return Envelope{
		Type:      kind,
		Content:   content,
		Timestamp: nowTimestamp(),
	}
}

// SystemEnvelope creates a system envelope sent on behalf of the server.
func SystemEnvelope(content string) Envelope {
	env := NewEnvelope(KindSystem, content)
	env.Sender = SystemSender
	return env
}

// ErrorEnvelope creates an error envelope sent on behalf of the server.
func ErrorEnvelope(content string) Envelope {
	env := NewEnvelope(KindError, content)
	env.Sender = SystemSender
	return env
}

// Encode serializes the envelope to its JSON wire form. Field order follows
// the struct layout and is stable across calls.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a wire frame into an Envelope. It returns a *DecodeError on
// malformed JSON or an unrecognized kind; callers treat this as a bad frame,
// never as a fatal condition.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if _, ok := validKinds[env.Type]; !ok {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown kind %q", env.Type)}
	}
	return env, nil
}

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,16}$`)
	roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	htmlTagPattern  = regexp.MustCompile(`<[^>]*>`)
)

// ValidUsername reports whether the candidate matches the username format:
// 3 to 16 characters from [A-Za-z0-9_-].
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// ValidRoomName reports whether the candidate matches the room name format:
// 1 to 32 characters from [A-Za-z0-9_-].
func ValidRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// SanitizeText strips HTML-like tags from user-supplied text before it is
// relayed to other clients.
func SanitizeText(text string) string {
	return htmlTagPattern.ReplaceAllString(text, "")
}

func nowTimestamp() string {
	return time.Now().Format(time.RFC3339)
}
