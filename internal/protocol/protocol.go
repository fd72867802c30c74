// Package protocol defines the JSON frames exchanged with chat clients: the
// closed set of event names, their payloads, and the defaults applied to
// missing fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names a client-facing event. Inbound and outbound events share one
// namespace; "message" and "typing" travel in both directions.
type Event string

// Inbound events.
const (
	EventJoin    Event = "join"
	EventLeave   Event = "leave"
	EventMessage Event = "message"
	EventTyping  Event = "typing"
)

// Outbound-only events.
const (
	EventSystemMessage Event = "system_message"
	EventUserJoined    Event = "user_joined"
	EventUserLeft      Event = "user_left"
	EventUserCount     Event = "user_count"
)

// Defaults substituted for blank usernames and rooms.
const (
	DefaultUsername = "Anonymous"
	DefaultRoom     = "general"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON or
	// carry fields of the wrong type.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnknownEvent is returned for frames naming an event clients may not send.
	ErrUnknownEvent = errors.New("protocol: unknown event")
)

// Inbound reports whether clients are allowed to send e.
func (e Event) Inbound() bool {
	switch e {
	case EventJoin, EventLeave, EventMessage, EventTyping:
		return true
	}
	return false
}

// Broadcastable reports whether e may travel over the backplane. Private
// system messages never leave the instance.
func (e Event) Broadcastable() bool {
	switch e {
	case EventUserJoined, EventUserLeft, EventMessage, EventTyping, EventUserCount:
		return true
	}
	return false
}

// Frame is the envelope of every websocket text message.
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the payload of an inbound join.
type JoinRequest struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// LeaveRequest is the payload of an inbound leave.
type LeaveRequest struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// MessageRequest is the payload of an inbound message.
type MessageRequest struct {
	Username string `json:"username"`
	Room     string `json:"room"`
	Message  string `json:"message"`
}

// TypingRequest is the payload of an inbound typing notice. The username is
// resolved server-side.
type TypingRequest struct {
	Room string `json:"room"`
}

// SystemMessage is delivered privately to a single connection.
type SystemMessage struct {
	Msg string `json:"msg"`
}

// UserJoined announces a join to the room.
type UserJoined struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// UserLeft announces a departure from the room.
type UserLeft struct {
	Username string `json:"username"`
	Room     string `json:"room,omitempty"`
}

// UserCount carries the number of connected users.
type UserCount struct {
	Count int `json:"count"`
}

// ChatMessage is the outbound form of a relayed message.
type ChatMessage struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Room     string `json:"room"`
}

// Typing tells the rest of a room that a user is typing.
type Typing struct {
	Username string `json:"username"`
}

// Decode parses a raw inbound frame. Only inbound event names are accepted.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !f.Event.Inbound() {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	return f, nil
}

// DecodeData unmarshals the frame payload into v. A frame without data
// leaves v untouched so every field keeps its zero value.
func (f Frame) DecodeData(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Event, err)
	}
	return nil
}

// Encode builds an outbound frame.
func Encode(event Event, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Username applies the username default.
func Username(name string) string {
	return orDefault(name, DefaultUsername)
}

// Room applies the room default.
func Room(room string) string {
	return orDefault(room, DefaultRoom)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
