package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) *Memory {
	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemory_KeyValue(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, m.Del(ctx, "k"))
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_KeyExpiry(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", "v", 20*time.Millisecond))

	_, ok, err := m.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok, err := m.Get(ctx, "short")
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemory_GetDel(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))

	v, ok, err := m.GetDel(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	// Consumed: a second taker sees nothing
	_, ok, err = m.GetDel(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_GetDelExactlyOneWinner(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))

	const takers = 8
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := m.GetDel(ctx, "k")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemory_SetNX(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	set, err := m.SetNX(ctx, "k", "first", 0)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = m.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	assert.False(t, set)

	v, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestMemory_ListFIFO(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.LPush(ctx, "q", "a"))
	require.NoError(t, m.LPush(ctx, "q", "b"))
	require.NoError(t, m.LPush(ctx, "q", "c"))

	n, err := m.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// LPush + RPop yields insertion order
	for _, want := range []string{"a", "b", "c"} {
		v, ok, err := m.RPop(ctx, "q")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}

	_, ok, err := m.RPop(ctx, "q")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_LRemRemovesAllOccurrences(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.LPush(ctx, "q", "a", "b", "a"))
	require.NoError(t, m.LRem(ctx, "q", "a"))

	n, err := m.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, ok, err := m.RPop(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestMemory_SetOperations(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.SAdd(ctx, "s", "m1", "m2"))

	ok, err := m.SIsMember(ctx, "s", "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := m.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, members)

	require.NoError(t, m.SRem(ctx, "s", "m1"))
	ok, err = m.SIsMember(ctx, "s", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_TxAppliesAllWrites(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.LPush(ctx, "q", "stale"))
	require.NoError(t, m.SAdd(ctx, "qs", "stale"))

	err := m.Tx(ctx, func(p Pipe) {
		p.Set("room:1", "{}", 0)
		p.SAdd("rooms", "1")
		p.LRem("q", "stale")
		p.SRem("qs", "stale")
		p.Del("other")
	})
	require.NoError(t, err)

	_, ok, err := m.Get(ctx, "room:1")
	require.NoError(t, err)
	assert.True(t, ok)

	inSet, err := m.SIsMember(ctx, "rooms", "1")
	require.NoError(t, err)
	assert.True(t, inSet)

	n, err := m.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n)

	stale, err := m.SIsMember(ctx, "qs", "stale")
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestMemory_PubSubDelivery(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	received := make(chan []byte, 1)
	m.Subscribe(ctx, "ch", wg, func(payload []byte) {
		received <- payload
	})

	require.NoError(t, m.Publish(ctx, "ch", []byte("hello")))

	select {
	case p := <-received:
		assert.Equal(t, "hello", string(p))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	wg.Wait()
}

func TestMemory_PublishToOtherChannelNotDelivered(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	received := make(chan []byte, 1)
	m.Subscribe(ctx, "ch-a", wg, func(payload []byte) {
		received <- payload
	})

	require.NoError(t, m.Publish(ctx, "ch-b", []byte("stray")))

	select {
	case <-received:
		t.Fatal("received message published to a different channel")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}

func TestMemory_SubscribeAfterCloseIsNoop(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	wg := &sync.WaitGroup{}
	m.Subscribe(context.Background(), "ch", wg, func([]byte) {
		t.Fatal("handler invoked on closed backend")
	})
	wg.Wait()
}

func TestMemory_Ping(t *testing.T) {
	m := newTestMemory(t)
	assert.NoError(t, m.Ping(context.Background()))
}
