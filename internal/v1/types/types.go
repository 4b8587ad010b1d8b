package types

import (
	"encoding/json"
	"errors"
	"time"
)

// --- Core Domain Types ---

// SessionIDType is the opaque, client-chosen identifier of an anonymous participant.
type SessionIDType string

// ConnectionIDType is the server-assigned identifier of a live transport attachment.
type ConnectionIDType string

// RoomIDType identifies a 2-party room; always a server-minted UUID.
type RoomIDType string

// Event names the kind of a wire message. Both directions use the same envelope.
type Event string

// Inbound events.
const (
	EventJoin          Event = "join"
	EventFindRandom    Event = "find-random"
	EventCancelSearch  Event = "cancel-search"
	EventCreateInvite  Event = "create-invite"
	EventJoinInvite    Event = "join-invite"
	EventKeyExchange   Event = "key-exchange"
	EventSendEncrypted Event = "send-encrypted"
	EventSecurityAlert Event = "security-alert"
	EventChatReady     Event = "chat-ready"
	EventReport        Event = "report"
	EventLeaveRoom     Event = "leave-room"
)

// Outbound events.
const (
	EventJoined            Event = "joined"
	EventWaiting           Event = "waiting"
	EventMatched           Event = "matched"
	EventInviteCreated     Event = "invite-created"
	EventPeerKey           Event = "peer-key"
	EventReceiveEncrypted  Event = "receive-encrypted"
	EventPeerSecurityAlert Event = "peer-security-alert"
	EventPeerReady         Event = "peer-ready"
	EventChatEnded         Event = "chat-ended"
	EventError             Event = "error"
)

// Message is the JSON frame carried over the transport in both directions.
type Message struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Session is an anonymous participant known to the registry.
type Session struct {
	SessionID    SessionIDType    `json:"sessionId"`
	ConnectionID ConnectionIDType `json:"connectionId"`
	RoomID       RoomIDType       `json:"roomId,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	LastSeenAt   time.Time        `json:"lastSeenAt"`
}

// RoomMember is one end of a room pairing, recorded at match time.
type RoomMember struct {
	SessionID    SessionIDType    `json:"sessionId"`
	ConnectionID ConnectionIDType `json:"connectionId"`
}

// Room is a strict 2-party pairing.
type Room struct {
	RoomID   RoomIDType `json:"roomId"`
	Session1 RoomMember `json:"session1"`
	Session2 RoomMember `json:"session2"`
}

// Member returns the tuple for the given session, if it belongs to the room.
func (r *Room) Member(id SessionIDType) (RoomMember, bool) {
	switch id {
	case r.Session1.SessionID:
		return r.Session1, true
	case r.Session2.SessionID:
		return r.Session2, true
	}
	return RoomMember{}, false
}

// Peer returns the other member of the room relative to the given session.
func (r *Room) Peer(id SessionIDType) (RoomMember, bool) {
	switch id {
	case r.Session1.SessionID:
		return r.Session2, true
	case r.Session2.SessionID:
		return r.Session1, true
	}
	return RoomMember{}, false
}

// Invite is a pending one-time invite code.
type Invite struct {
	Code         string           `json:"code"`
	SessionID    SessionIDType    `json:"sessionId"`
	ConnectionID ConnectionIDType `json:"connectionId"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// ExpiredSession is one element of the batch handed to the expiry handler.
type ExpiredSession struct {
	SessionID    SessionIDType
	ConnectionID ConnectionIDType
	RoomID       RoomIDType
}

// ErrNotMember is returned when a session asks about a room it does not belong to.
var ErrNotMember = errors.New("session is not a member of the room")

// --- Shared Interfaces ---

// Emitter is the transport port the dispatcher fans events out through.
// Emit is best-effort: a vanished peer connection is not an error.
type Emitter interface {
	Emit(connectionID ConnectionIDType, event Event, data any)
	// ForceClose tears down the transport attachment for a connection,
	// on this node or a peer node.
	ForceClose(connectionID ConnectionIDType)
}
