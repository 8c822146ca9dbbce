// Package server parses and dispatches the /-prefixed command grammar that
// sessions accept while active.
package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
)

const commandPrefix = "/"

// commandFunc handles one parsed command. It returns false when the session
// must close as a result.
type commandFunc func(s *Session, args []string) bool

// commandHelp lists every command for /help replies, in display order.
var commandHelp = []string{
	"/help - Show available commands",
	"/join <room> - Join a room",
	"/leave - Leave current room and return to " + DefaultRoom,
	"/list - List all available rooms",
	"/users - List users in your current room",
	"/msg <user> <message> - Send a private message",
	"/change <name> - Change your username",
}

var commands = map[string]commandFunc{
	"help":   cmdHelp,
	"join":   cmdJoin,
	"leave":  cmdLeave,
	"list":   cmdList,
	"users":  cmdUsers,
	"msg":    cmdMsg,
	"change": cmdChange,
}

// dispatchCommand parses and runs a /-prefixed frame. Unknown verbs and
// wrong argument counts are dropped without a reply; existing clients depend
// on that silence.
func (s *Session) dispatchCommand(text string) bool {
	parts := strings.Fields(strings.TrimPrefix(text, commandPrefix))
	if len(parts) == 0 {
		return true
	}

	handler, ok := commands[strings.ToLower(parts[0])]
	if !ok {
		return true
	}

	log.Printf("Command from %s: %s", s.Username(), text)
	return handler(s, parts[1:])
}

func cmdHelp(s *Session, _ []string) bool {
	content := "Available commands:\n" + strings.Join(commandHelp, "\n")
	return s.reply(SystemEnvelope(content)) == nil
}

func cmdJoin(s *Session, args []string) bool {
	if len(args) != 1 {
		return true
	}
	return s.joinRoom(args[0])
}

func cmdLeave(s *Session, _ []string) bool {
	username := s.Username()
	left, ok := s.server.rooms.Remove(username)
	if !ok {
		return true
	}

	if s.reply(SystemEnvelope(fmt.Sprintf("You left room: %s", left))) != nil {
		return false
	}

	leave := NewEnvelope(KindLeave, fmt.Sprintf("%s left the room", username))
	leave.Sender = username
	leave.Room = left
	s.server.broadcast.ToRoom(leave, left, "")

	// Leaving never strands a user without a room.
	return s.joinRoom(DefaultRoom)
}

func cmdList(s *Session, _ []string) bool {
	summaries := s.server.rooms.Summaries()
	lines := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		lines = append(lines, fmt.Sprintf("%s (%d/%d users)", summary.Name, summary.MemberCount, summary.Capacity))
	}
	return s.reply(SystemEnvelope("Available rooms:\n"+strings.Join(lines, "\n"))) == nil
}

func cmdUsers(s *Session, _ []string) bool {
	username := s.Username()
	room, ok := s.server.rooms.RoomOf(username)
	if !ok {
		return true
	}

	members := s.server.rooms.MembersOf(room)
	content := fmt.Sprintf("Users in %s:\n%s", room, strings.Join(members, "\n"))
	return s.reply(SystemEnvelope(content)) == nil
}

func cmdMsg(s *Session, args []string) bool {
	if len(args) < 2 {
		return true
	}

	target := args[0]
	env := NewEnvelope(KindPrivate, SanitizeText(strings.Join(args[1:], " ")))
	env.Sender = s.Username()
	env.Receiver = target
	// A private message to an unknown user vanishes without a reply.
	s.server.broadcast.Private(env, target)
	return true
}

func cmdChange(s *Session, args []string) bool {
	if len(args) != 1 {
		return true
	}

	oldName := s.Username()
	newName := SanitizeText(args[0])

	if err := s.server.conns.Rename(oldName, newName); err != nil {
		switch {
		case errors.Is(err, ErrInvalidUsername):
			return s.reply(ErrorEnvelope("Invalid username format. Please try again.")) == nil
		case errors.Is(err, ErrUsernameTaken):
			return s.reply(ErrorEnvelope("Username already taken. Please choose another one.")) == nil
		}
		return true
	}

	s.setUsername(newName)
	room, ok := s.server.rooms.RenameMember(oldName, newName)
	if !ok {
		room = DefaultRoom
	}

	confirm := NewEnvelope(KindChange, fmt.Sprintf("Your username has been changed to %s.", newName))
	confirm.Sender = SystemSender
	confirm.Room = room
	if s.reply(confirm) != nil {
		return false
	}

	notice := NewEnvelope(KindChange, fmt.Sprintf("%s has changed their username to %s.", oldName, newName))
	notice.Sender = SystemSender
	notice.Room = room
	s.server.broadcast.ToRoom(notice, room, newName)

	log.Printf("User %s changed username to %s", oldName, newName)
	return true
}

// joinRoom moves the user into roomName, notifying the previous room of the
// departure and the new room of the arrival. A malformed room name closes
// the session; a full room only reports the error and leaves the user's
// membership untouched.
func (s *Session) joinRoom(roomName string) bool {
	username := s.Username()
	log.Printf("User %s attempting to join room %s", username, roomName)

	previous, err := s.server.rooms.Join(username, roomName)
	switch {
	case errors.Is(err, ErrInvalidRoomName):
		log.Printf("Invalid room name attempt from %s: %q", username, roomName)
		_ = s.reply(ErrorEnvelope(fmt.Sprintf("Invalid room name: %s", roomName)))
		return false
	case errors.Is(err, ErrRoomFull):
		return s.reply(ErrorEnvelope(fmt.Sprintf("Room %s is full", roomName))) == nil
	}

	if previous != "" {
		leave := NewEnvelope(KindLeave, fmt.Sprintf("%s left the room", username))
		leave.Sender = username
		leave.Room = previous
		s.server.broadcast.ToRoom(leave, previous, "")
	}

	success := SystemEnvelope(fmt.Sprintf("You joined room: %s", roomName))
	success.Room = roomName
	if s.reply(success) != nil {
		return false
	}

	join := NewEnvelope(KindJoin, fmt.Sprintf("%s joined the room", username))
	join.Sender = username
	join.Room = roomName
	s.server.broadcast.ToRoom(join, roomName, username)
	return true
}
