// Package session implements the per-connection chat protocol: connect, join,
// leave, message, typing and disconnect.
//
// A connection starts Connected (registered, no name, no room), becomes Joined
// after its first join, and ends Disconnected when the transport goes away.
// Room-scoped events are handed to a Broadcaster so that every instance sees
// them; private system messages and, by default, user counts stay local.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomrelay/internal/backplane"
	"github.com/Tyrowin/roomrelay/internal/presence"
	"github.com/Tyrowin/roomrelay/internal/protocol"
)

const connectedMessage = "Connected to the chat server"

// Broadcaster publishes a room frame to every instance. except names a
// connection that must not receive it.
type Broadcaster interface {
	Publish(ctx context.Context, event protocol.Event, room string, frame []byte, except string)
}

// Scope selects how user_count is computed.
type Scope string

const (
	// ScopeLocal counts this instance's connections and tells only them.
	ScopeLocal Scope = "local"
	// ScopeFleet sums all instances through a backplane.Counter and
	// broadcasts the total everywhere.
	ScopeFleet Scope = "fleet"
)

// Options configures a Handler.
type Options struct {
	Scope Scope
	// Counter backs ScopeFleet. Without one the handler falls back to
	// ScopeLocal.
	Counter  backplane.Counter
	Instance string
}

// Handler is the Session Event Handler of one instance. It is safe for
// concurrent use by all connection goroutines.
type Handler struct {
	dir  *presence.Directory
	out  Broadcaster
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	lastTotal int
}

// NewHandler returns a Handler operating on dir and publishing through out.
func NewHandler(dir *presence.Directory, out Broadcaster, opts Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Scope == ScopeFleet && opts.Counter == nil {
		log.Warn("fleet presence requested without a counter; counting locally")
		opts.Scope = ScopeLocal
	}
	if opts.Scope == "" {
		opts.Scope = ScopeLocal
	}
	return &Handler{dir: dir, out: out, opts: opts, log: log}
}

// Directory returns the presence state the handler drives.
func (h *Handler) Directory() *presence.Directory {
	return h.dir
}

// Connect registers conn and greets it privately.
func (h *Handler) Connect(conn presence.Conn) error {
	if err := h.dir.Connect(conn); err != nil {
		return fmt.Errorf("connect %s: %w", conn.ID(), err)
	}
	h.sendPrivate(conn.ID(), connectedMessage)
	return nil
}

// Handle decodes and dispatches one inbound frame from conn. Malformed or
// unknown frames are logged and dropped; the connection stays open.
func (h *Handler) Handle(ctx context.Context, conn presence.Conn, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		h.log.Warn("dropping inbound frame", zap.String("conn", conn.ID()), zap.Error(err))
		return
	}

	switch frame.Event {
	case protocol.EventJoin:
		var req protocol.JoinRequest
		if h.decode(conn, frame, &req) {
			h.Join(ctx, conn.ID(), req)
		}
	case protocol.EventLeave:
		var req protocol.LeaveRequest
		if h.decode(conn, frame, &req) {
			h.Leave(ctx, conn.ID(), req)
		}
	case protocol.EventMessage:
		var req protocol.MessageRequest
		if h.decode(conn, frame, &req) {
			h.Message(ctx, conn.ID(), req)
		}
	case protocol.EventTyping:
		var req protocol.TypingRequest
		if h.decode(conn, frame, &req) {
			h.Typing(ctx, conn.ID(), req)
		}
	}
}

func (h *Handler) decode(conn presence.Conn, frame protocol.Frame, v any) bool {
	if err := frame.DecodeData(v); err != nil {
		h.log.Warn("dropping inbound frame", zap.String("conn", conn.ID()), zap.Error(err))
		return false
	}
	return true
}

// Join names the connection and moves it into the requested room. A previous
// room is told the user left.
func (h *Handler) Join(ctx context.Context, id string, req protocol.JoinRequest) {
	username := protocol.Username(req.Username)
	room := protocol.Room(req.Room)

	res, err := h.dir.Join(id, username, room)
	if err != nil {
		h.log.Warn("dropping join", zap.String("conn", id), zap.Error(err))
		return
	}
	if res.Previous != "" {
		h.broadcast(ctx, protocol.EventUserLeft, res.Previous, protocol.UserLeft{Username: username, Room: res.Previous}, "")
	}

	h.log.Info("user joined room", zap.String("conn", id), zap.String("username", username), zap.String("room", room))
	h.sendPrivate(id, "You joined room: "+room)
	h.broadcast(ctx, protocol.EventUserJoined, room, protocol.UserJoined{Username: username, Room: room}, id)
	h.announceCount(ctx, res.Count)
}

// Leave removes the connection from a room and tells the room.
func (h *Handler) Leave(ctx context.Context, id string, req protocol.LeaveRequest) {
	username := protocol.Username(req.Username)
	room := protocol.Room(req.Room)

	h.dir.Leave(id, room)
	h.log.Info("user left room", zap.String("conn", id), zap.String("username", username), zap.String("room", room))
	h.broadcast(ctx, protocol.EventUserLeft, room, protocol.UserLeft{Username: username, Room: room}, "")
}

// Message relays chat text to its room, sender included. Blank text is
// dropped silently.
func (h *Handler) Message(ctx context.Context, id string, req protocol.MessageRequest) {
	if strings.TrimSpace(req.Message) == "" {
		return
	}
	username := protocol.Username(req.Username)
	room := protocol.Room(req.Room)

	h.log.Debug("relaying message", zap.String("conn", id), zap.String("username", username), zap.String("room", room))
	h.broadcast(ctx, protocol.EventMessage, room, protocol.ChatMessage{
		Username: username,
		Message:  req.Message,
		Room:     room,
	}, "")
}

// Typing tells the rest of the room that the connection's user is typing.
func (h *Handler) Typing(ctx context.Context, id string, req protocol.TypingRequest) {
	room := protocol.Room(req.Room)
	h.broadcast(ctx, protocol.EventTyping, room, protocol.Typing{Username: h.dir.Username(id)}, id)
}

// Disconnect unwinds the connection's presence exactly once. A connection
// that had joined leaves a user_left in its room; unknown ids are ignored.
func (h *Handler) Disconnect(ctx context.Context, id string) {
	dep, count, ok := h.dir.Disconnect(id)
	if !ok {
		return
	}
	h.log.Info("connection departed", zap.String("conn", id), zap.String("username", dep.Username), zap.String("room", dep.Room))

	if dep.Named() && dep.Room != "" {
		h.broadcast(ctx, protocol.EventUserLeft, dep.Room, protocol.UserLeft{Username: dep.Username, Room: dep.Room}, "")
	}
	h.announceCount(ctx, count)
}

// Shutdown removes this instance from the fleet count.
func (h *Handler) Shutdown(ctx context.Context) error {
	if h.opts.Scope != ScopeFleet {
		return nil
	}
	return h.opts.Counter.Remove(ctx, h.opts.Instance)
}

// Refresh re-reports this instance's count to the fleet counter so its entry
// does not expire, and announces the total when it moved since the last
// announcement, as it does when a silent instance ages out.
func (h *Handler) Refresh(ctx context.Context) {
	if h.opts.Scope != ScopeFleet {
		return
	}
	total, err := h.opts.Counter.Set(ctx, h.opts.Instance, h.dir.Count())
	if err != nil {
		h.log.Warn("refreshing fleet presence", zap.Error(err))
		return
	}
	if h.swapTotal(total) != total {
		h.broadcast(ctx, protocol.EventUserCount, "", protocol.UserCount{Count: total}, "")
	}
}

func (h *Handler) swapTotal(total int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.lastTotal
	h.lastTotal = total
	return prev
}

func (h *Handler) announceCount(ctx context.Context, local int) {
	if h.opts.Scope == ScopeFleet {
		total, err := h.opts.Counter.Set(ctx, h.opts.Instance, local)
		if err == nil {
			h.swapTotal(total)
			h.broadcast(ctx, protocol.EventUserCount, "", protocol.UserCount{Count: total}, "")
			return
		}
		h.log.Warn("fleet presence unavailable; announcing local count", zap.Error(err))
	}

	frame, err := protocol.Encode(protocol.EventUserCount, protocol.UserCount{Count: local})
	if err != nil {
		h.log.Error("encoding user_count", zap.Error(err))
		return
	}
	h.dir.DeliverAll(frame)
}

func (h *Handler) broadcast(ctx context.Context, event protocol.Event, room string, payload any, except string) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error("encoding broadcast", zap.String("event", string(event)), zap.Error(err))
		return
	}
	h.out.Publish(ctx, event, room, frame, except)
}

func (h *Handler) sendPrivate(id, msg string) {
	frame, err := protocol.Encode(protocol.EventSystemMessage, protocol.SystemMessage{Msg: msg})
	if err != nil {
		h.log.Error("encoding system message", zap.Error(err))
		return
	}
	if err := h.dir.SendTo(id, frame); err != nil && !errors.Is(err, presence.ErrUnknownConnection) {
		h.log.Warn("system message not delivered", zap.String("conn", id), zap.Error(err))
	}
}
