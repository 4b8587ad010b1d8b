// Package match implements the matchmaking queue and the 2-party room
// lifecycle. The queue is a strict FIFO with a set view for membership
// tests; rooms are installed and destroyed as single logical transactions
// so the reverse indices and session bindings never diverge.
package match

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/metrics"
	"github.com/anontalk/relay/internal/v1/session"
	"github.com/anontalk/relay/internal/v1/store"
	"github.com/anontalk/relay/internal/v1/types"
)

// matchAttempts bounds how many stale queue entries a single pairing pass
// may discard before giving up and enqueueing the caller.
const matchAttempts = 5

// Locker acquires logical locks on the given session ids, returning the
// release. JoinQueue holds both parties' locks across the viability check and
// the install so a concurrent disconnect or activity refresh cannot interleave
// with the room transaction. Callers must invoke it with no session locks
// already held.
type Locker func(ids ...types.SessionIDType) func()

func noopLocker(...types.SessionIDType) func() {
	return func() {}
}

// Matcher pairs waiting sessions and owns room records on the backend.
type Matcher struct {
	backend  store.Backend
	registry *session.Registry
}

// NewMatcher creates a matcher over the given backend and registry.
func NewMatcher(backend store.Backend, registry *session.Registry) *Matcher {
	return &Matcher{backend: backend, registry: registry}
}

func roomKey(id types.RoomIDType) string {
	return store.KeyRoomPrefix + string(id)
}

func roomBySessionKey(id types.SessionIDType) string {
	return store.KeyRoomBySession + string(id)
}

// JoinQueue attempts to pair the session with the oldest viable waiter.
// Returns the created room on a match, or nil when the session was enqueued
// (or already waiting). Stale waiters found along the way are discarded:
// queue entries record nothing but the session id, and liveness comes from
// the registry at pairing time. Each pairing attempt and the final enqueue
// run under lock, re-validating both parties inside the critical section.
func (m *Matcher) JoinQueue(ctx context.Context, sessionID types.SessionIDType, connectionID types.ConnectionIDType, lock Locker) (*types.Room, error) {
	if lock == nil {
		lock = noopLocker
	}

	waiting, err := m.backend.SIsMember(ctx, store.KeyQueueSet, string(sessionID))
	if err != nil {
		return nil, err
	}
	if waiting {
		return nil, nil
	}

	for attempt := 0; attempt < matchAttempts; attempt++ {
		candidate, ok, err := m.backend.RPop(ctx, store.KeyQueueList)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := m.backend.SRem(ctx, store.KeyQueueSet, candidate); err != nil {
			return nil, err
		}

		candidateID := types.SessionIDType(candidate)
		if candidateID == sessionID {
			continue
		}

		room, viable, err := m.tryPair(ctx, sessionID, connectionID, candidateID, lock)
		if err != nil {
			return nil, err
		}
		if room != nil {
			metrics.MatchesMade.WithLabelValues("random").Inc()
			return room, nil
		}
		if !viable {
			// The caller itself vanished or got roomed mid-pass.
			return nil, nil
		}
	}

	unlock := lock(sessionID)
	defer unlock()

	self, err := m.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if self == nil || self.RoomID != "" {
		return nil, nil
	}

	if err := m.backend.Tx(ctx, func(p store.Pipe) {
		p.LPush(store.KeyQueueList, string(sessionID))
		p.SAdd(store.KeyQueueSet, string(sessionID))
	}); err != nil {
		return nil, err
	}
	m.updateQueueGauge(ctx)
	return nil, nil
}

// tryPair validates both parties and installs the room under both session
// locks. Returns a nil room with viable=true when only the candidate was
// stale, and viable=false when the caller itself is no longer pairable.
func (m *Matcher) tryPair(ctx context.Context, sessionID types.SessionIDType, connectionID types.ConnectionIDType, candidateID types.SessionIDType, lock Locker) (*types.Room, bool, error) {
	unlock := lock(sessionID, candidateID)
	defer unlock()

	self, err := m.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if self == nil || self.RoomID != "" {
		// Re-queue the popped candidate; it loses its position but stays
		// pairable.
		if err := m.backend.Tx(ctx, func(p store.Pipe) {
			p.LPush(store.KeyQueueList, string(candidateID))
			p.SAdd(store.KeyQueueSet, string(candidateID))
		}); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	peer, err := m.registry.Get(ctx, candidateID)
	if err != nil {
		return nil, false, err
	}
	if peer == nil || peer.RoomID != "" || peer.ConnectionID == "" {
		logging.Info(ctx, "Discarding stale queue entry", zap.String("session_id", string(candidateID)))
		return nil, true, nil
	}

	room := &types.Room{
		RoomID:   types.RoomIDType(uuid.NewString()),
		Session1: types.RoomMember{SessionID: peer.SessionID, ConnectionID: peer.ConnectionID},
		Session2: types.RoomMember{SessionID: sessionID, ConnectionID: connectionID},
	}
	if err := m.Install(ctx, room); err != nil {
		return nil, false, err
	}
	return room, true, nil
}

// LeaveQueue removes every occurrence of the session from the queue.
// Safe to call when not enqueued.
func (m *Matcher) LeaveQueue(ctx context.Context, sessionID types.SessionIDType) error {
	err := m.backend.Tx(ctx, func(p store.Pipe) {
		p.LRem(store.KeyQueueList, string(sessionID))
		p.SRem(store.KeyQueueSet, string(sessionID))
	})
	if err != nil {
		return err
	}
	m.updateQueueGauge(ctx)
	return nil
}

// InQueue reports queue membership via the set view.
func (m *Matcher) InQueue(ctx context.Context, sessionID types.SessionIDType) (bool, error) {
	return m.backend.SIsMember(ctx, store.KeyQueueSet, string(sessionID))
}

// QueueDepth reports the number of waiting sessions. Used by health.
func (m *Matcher) QueueDepth(ctx context.Context) (int64, error) {
	return m.backend.LLen(ctx, store.KeyQueueList)
}

// Install writes a pre-constructed pairing: the room record, the room set
// entry, both reverse indices, both session bindings, and removal of both
// parties from the queue, all in one transaction. The invite path uses it
// directly; JoinQueue uses it after finding a viable waiter.
func (m *Matcher) Install(ctx context.Context, room *types.Room) error {
	if room.Session1.SessionID == room.Session2.SessionID {
		return fmt.Errorf("room %s would pair session %s with itself", room.RoomID, room.Session1.SessionID)
	}

	raw, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room %s: %w", room.RoomID, err)
	}

	// Session bindings are JSON rewrites, so load both before the transaction.
	bound := make(map[types.SessionIDType]string, 2)
	for _, member := range []types.RoomMember{room.Session1, room.Session2} {
		sess, err := m.registry.Get(ctx, member.SessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			continue
		}
		sess.RoomID = room.RoomID
		sraw, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", member.SessionID, err)
		}
		bound[member.SessionID] = string(sraw)
	}

	err = m.backend.Tx(ctx, func(p store.Pipe) {
		p.Set(roomKey(room.RoomID), string(raw), 0)
		p.SAdd(store.KeyRoomsSet, string(room.RoomID))
		for _, member := range []types.RoomMember{room.Session1, room.Session2} {
			p.Set(roomBySessionKey(member.SessionID), string(room.RoomID), 0)
			p.LRem(store.KeyQueueList, string(member.SessionID))
			p.SRem(store.KeyQueueSet, string(member.SessionID))
			if sraw, ok := bound[member.SessionID]; ok {
				p.Set(store.KeySessionPrefix+string(member.SessionID), sraw, 0)
			}
		}
	})
	if err != nil {
		return err
	}

	m.updateQueueGauge(ctx)
	if count, err := m.RoomCount(ctx); err == nil {
		metrics.ActiveRooms.Set(float64(count))
	}
	return nil
}

// Get fetches a room or nil.
func (m *Matcher) Get(ctx context.Context, roomID types.RoomIDType) (*types.Room, error) {
	raw, ok, err := m.backend.Get(ctx, roomKey(roomID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var room types.Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil, fmt.Errorf("corrupt room record %s: %w", roomID, err)
	}
	return &room, nil
}

// GetBySession resolves the session's room via the reverse index.
func (m *Matcher) GetBySession(ctx context.Context, sessionID types.SessionIDType) (*types.Room, error) {
	roomID, ok, err := m.backend.Get(ctx, roomBySessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return m.Get(ctx, types.RoomIDType(roomID))
}

// PeerConnection returns the current connection id of the caller's peer,
// consulting the registry first and falling back to the connection recorded
// at match time. Returns ErrNotMember when the caller is not in the room.
func (m *Matcher) PeerConnection(ctx context.Context, roomID types.RoomIDType, sessionID types.SessionIDType) (types.ConnectionIDType, error) {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return "", err
	}
	if room == nil {
		return "", types.ErrNotMember
	}
	peer, ok := room.Peer(sessionID)
	if !ok {
		return "", types.ErrNotMember
	}

	sess, err := m.registry.Get(ctx, peer.SessionID)
	if err != nil {
		return "", err
	}
	if sess != nil && sess.ConnectionID != "" {
		return sess.ConnectionID, nil
	}
	return peer.ConnectionID, nil
}

// Destroy removes the room record, the set entry, both reverse indices, and
// both session bindings in one transaction. Idempotent: destroying a missing
// room is a no-op.
func (m *Matcher) Destroy(ctx context.Context, roomID types.RoomIDType) error {
	room, err := m.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}

	// Clear each member's binding only when it still points at this room,
	// so a session already re-matched elsewhere keeps its new binding.
	cleared := make(map[types.SessionIDType]string, 2)
	for _, member := range []types.RoomMember{room.Session1, room.Session2} {
		sess, err := m.registry.Get(ctx, member.SessionID)
		if err != nil {
			return err
		}
		if sess == nil || sess.RoomID != roomID {
			continue
		}
		sess.RoomID = ""
		sraw, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", member.SessionID, err)
		}
		cleared[member.SessionID] = string(sraw)
	}

	err = m.backend.Tx(ctx, func(p store.Pipe) {
		p.Del(roomKey(roomID))
		p.SRem(store.KeyRoomsSet, string(roomID))
		p.Del(roomBySessionKey(room.Session1.SessionID), roomBySessionKey(room.Session2.SessionID))
		for id, sraw := range cleared {
			p.Set(store.KeySessionPrefix+string(id), sraw, 0)
		}
	})
	if err != nil {
		return err
	}

	if count, err := m.RoomCount(ctx); err == nil {
		metrics.ActiveRooms.Set(float64(count))
	}
	return nil
}

// RoomCount reports the number of active rooms. Used by health.
func (m *Matcher) RoomCount(ctx context.Context) (int64, error) {
	return m.backend.SCard(ctx, store.KeyRoomsSet)
}

func (m *Matcher) updateQueueGauge(ctx context.Context) {
	if depth, err := m.QueueDepth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}
