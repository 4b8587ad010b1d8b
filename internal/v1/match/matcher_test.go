package match

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anontalk/relay/internal/v1/session"
	"github.com/anontalk/relay/internal/v1/store"
	"github.com/anontalk/relay/internal/v1/types"
)

func newTestMatcher(t *testing.T) (*Matcher, *session.Registry, store.Backend) {
	backend := store.NewMemory()
	t.Cleanup(func() { _ = backend.Close() })

	registry := session.NewRegistry(backend, 30*time.Minute, clockwork.NewFakeClock())
	return NewMatcher(backend, registry), registry, backend
}

func addSession(t *testing.T, r *session.Registry, sid, cid string) {
	t.Helper()
	_, err := r.Add(context.Background(), types.SessionIDType(sid), types.ConnectionIDType(cid))
	require.NoError(t, err)
}

func TestJoinQueue_FirstCallerWaits(t *testing.T) {
	m, r, _ := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "alice", "c1")

	room, err := m.JoinQueue(ctx, "alice", "c1", nil)
	require.NoError(t, err)
	assert.Nil(t, room)

	waiting, err := m.InQueue(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, waiting)

	depth, err := m.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestJoinQueue_SecondCallerMatches(t *testing.T) {
	m, r, _ := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "alice", "c1")
	addSession(t, r, "bob", "c2")

	_, err := m.JoinQueue(ctx, "alice", "c1", nil)
	require.NoError(t, err)

	room, err := m.JoinQueue(ctx, "bob", "c2", nil)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.NotEmpty(t, room.RoomID)
	assert.Equal(t, types.SessionIDType("alice"), room.Session1.SessionID)
	assert.Equal(t, types.SessionIDType("bob"), room.Session2.SessionID)

	// Both out of the queue, both bound to the room
	depth, err := m.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	for _, sid := range []types.SessionIDType{"alice", "bob"} {
		sess, err := r.Get(ctx, sid)
		require.NoError(t, err)
		assert.Equal(t, room.RoomID, sess.RoomID)

		got, err := m.GetBySession(ctx, sid)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, room.RoomID, got.RoomID)
	}
}

func TestJoinQueue_DuplicateJoinIsNoop(t *testing.T) {
	m, r, _ := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "alice", "c1")

	_, err := m.JoinQueue(ctx, "alice", "c1", nil)
	require.NoError(t, err)

	room, err := m.JoinQueue(ctx, "alice", "c1", nil)
	require.NoError(t, err)
	assert.Nil(t, room)

	depth, err := m.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

// enqueue seeds the queue directly, bypassing pairing, so tests can stack
// multiple waiters.
func enqueue(t *testing.T, backend store.Backend, sids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, sid := range sids {
		require.NoError(t, backend.LPush(ctx, store.KeyQueueList, sid))
		require.NoError(t, backend.SAdd(ctx, store.KeyQueueSet, sid))
	}
}

func TestJoinQueue_FIFOOrder(t *testing.T) {
	m, r, backend := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "first", "c1")
	addSession(t, r, "second", "c2")
	addSession(t, r, "caller", "c3")

	enqueue(t, backend, "first", "second")

	room, err := m.JoinQueue(ctx, "caller", "c3", nil)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, types.SessionIDType("first"), room.Session1.SessionID)

	// "second" is still waiting
	waiting, err := m.InQueue(ctx, "second")
	require.NoError(t, err)
	assert.True(t, waiting)
}

func TestJoinQueue_SkipsStaleWaiters(t *testing.T) {
	m, r, backend := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "gone", "c1")
	addSession(t, r, "roomed", "c2")
	addSession(t, r, "viable", "c3")
	addSession(t, r, "caller", "c4")

	enqueue(t, backend, "gone", "roomed", "viable")

	// "gone" disappeared entirely; "roomed" got a room since enqueueing
	require.NoError(t, r.Remove(ctx, "gone"))
	require.NoError(t, r.SetRoom(ctx, "roomed", "elsewhere"))

	room, err := m.JoinQueue(ctx, "caller", "c4", nil)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, types.SessionIDType("viable"), room.Session1.SessionID)
}

func TestJoinQueue_NeverPairsWithSelf(t *testing.T) {
	m, r, backend := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "alice", "c1")

	// A leftover queue entry for the caller itself (set view already cleared)
	require.NoError(t, backend.LPush(ctx, store.KeyQueueList, "alice"))

	room, err := m.JoinQueue(ctx, "alice", "c1", nil)
	require.NoError(t, err)
	assert.Nil(t, room)
}

func TestJoinQueue_LocksBothPartiesForInstall(t *testing.T) {
	m, r, backend := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "waiter", "c1")
	addSession(t, r, "caller", "c2")

	enqueue(t, backend, "waiter")

	var held [][]types.SessionIDType
	lock := func(ids ...types.SessionIDType) func() {
		held = append(held, ids)
		return func() {}
	}

	room, err := m.JoinQueue(ctx, "caller", "c2", lock)
	require.NoError(t, err)
	require.NotNil(t, room)

	require.Len(t, held, 1)
	assert.ElementsMatch(t, []types.SessionIDType{"caller", "waiter"}, held[0])
}

func TestJoinQueue_AbortsWhenCallerAlreadyRoomed(t *testing.T) {
	m, r, backend := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "waiter", "c1")
	addSession(t, r, "caller", "c2")

	enqueue(t, backend, "waiter")

	// The caller got a room between the handler's check and the pairing
	// pass (e.g. an invite against it was redeemed).
	require.NoError(t, r.SetRoom(ctx, "caller", "elsewhere"))

	room, err := m.JoinQueue(ctx, "caller", "c2", nil)
	require.NoError(t, err)
	assert.Nil(t, room)

	// Neither paired nor enqueued
	waiting, err := m.InQueue(ctx, "caller")
	require.NoError(t, err)
	assert.False(t, waiting)

	count, err := m.RoomCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The popped waiter went back into the queue
	waiting, err = m.InQueue(ctx, "waiter")
	require.NoError(t, err)
	assert.True(t, waiting)
}

func TestJoinQueue_DoesNotEnqueueVanishedCaller(t *testing.T) {
	m, r, _ := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "caller", "c1")
	require.NoError(t, r.Remove(ctx, "caller"))

	room, err := m.JoinQueue(ctx, "caller", "c1", nil)
	require.NoError(t, err)
	assert.Nil(t, room)

	depth, err := m.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestLeaveQueue(t *testing.T) {
	m, r, _ := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "alice", "c1")

	_, err := m.JoinQueue(ctx, "alice", "c1", nil)
	require.NoError(t, err)

	require.NoError(t, m.LeaveQueue(ctx, "alice"))

	waiting, err := m.InQueue(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, waiting)

	depth, err := m.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Leaving again is safe
	assert.NoError(t, m.LeaveQueue(ctx, "alice"))
}

func TestInstall_RejectsSelfPair(t *testing.T) {
	m, r, _ := newTestMatcher(t)
	addSession(t, r, "alice", "c1")

	err := m.Install(context.Background(), &types.Room{
		RoomID:   "room-1",
		Session1: types.RoomMember{SessionID: "alice", ConnectionID: "c1"},
		Session2: types.RoomMember{SessionID: "alice", ConnectionID: "c1"},
	})
	assert.Error(t, err)
}

func TestDestroy_RemovesEverything(t *testing.T) {
	m, r, _ := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "alice", "c1")
	addSession(t, r, "bob", "c2")

	_, err := m.JoinQueue(ctx, "alice", "c1", nil)
	require.NoError(t, err)
	room, err := m.JoinQueue(ctx, "bob", "c2", nil)
	require.NoError(t, err)
	require.NotNil(t, room)

	require.NoError(t, m.Destroy(ctx, room.RoomID))

	got, err := m.Get(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Nil(t, got)

	count, err := m.RoomCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	for _, sid := range []types.SessionIDType{"alice", "bob"} {
		bys, err := m.GetBySession(ctx, sid)
		require.NoError(t, err)
		assert.Nil(t, bys)

		sess, err := r.Get(ctx, sid)
		require.NoError(t, err)
		assert.Empty(t, sess.RoomID)
	}

	// Destroying again is a no-op
	assert.NoError(t, m.Destroy(ctx, room.RoomID))
}

func TestDestroy_KeepsRebindedSession(t *testing.T) {
	m, r, _ := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "alice", "c1")
	addSession(t, r, "bob", "c2")

	_, err := m.JoinQueue(ctx, "alice", "c1", nil)
	require.NoError(t, err)
	room, err := m.JoinQueue(ctx, "bob", "c2", nil)
	require.NoError(t, err)
	require.NotNil(t, room)

	// "bob" already moved on to another room
	require.NoError(t, r.SetRoom(ctx, "bob", "new-room"))

	require.NoError(t, m.Destroy(ctx, room.RoomID))

	sess, err := r.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, types.RoomIDType("new-room"), sess.RoomID)
}

func TestPeerConnection(t *testing.T) {
	m, r, _ := newTestMatcher(t)
	ctx := context.Background()
	addSession(t, r, "alice", "c1")
	addSession(t, r, "bob", "c2")

	_, err := m.JoinQueue(ctx, "alice", "c1", nil)
	require.NoError(t, err)
	room, err := m.JoinQueue(ctx, "bob", "c2", nil)
	require.NoError(t, err)
	require.NotNil(t, room)

	peer, err := m.PeerConnection(ctx, room.RoomID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionIDType("c2"), peer)

	// Registry is the source of truth when the peer reconnected
	_, err = r.Add(ctx, "bob", "c2-new")
	require.NoError(t, err)
	peer, err = m.PeerConnection(ctx, room.RoomID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionIDType("c2-new"), peer)

	// Falls back to the recorded connection when the registry entry is gone
	require.NoError(t, r.Remove(ctx, "bob"))
	peer, err = m.PeerConnection(ctx, room.RoomID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionIDType("c2"), peer)

	// Not a member
	_, err = m.PeerConnection(ctx, room.RoomID, "mallory")
	assert.ErrorIs(t, err, types.ErrNotMember)

	// Unknown room
	_, err = m.PeerConnection(ctx, "no-such-room", "alice")
	assert.ErrorIs(t, err, types.ErrNotMember)
}
