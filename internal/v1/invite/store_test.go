package invite

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anontalk/relay/internal/v1/store"
	"github.com/anontalk/relay/internal/v1/types"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	backend := store.NewMemory()
	t.Cleanup(func() { _ = backend.Close() })

	clock := clockwork.NewFakeClock()
	return NewStore(backend, clock), clock
}

func TestStore_CreateAndRedeem(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	code, err := s.Create(ctx, "alice", "conn-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, CodePrefix))
	assert.Len(t, code, len(CodePrefix)+4)

	has, err := s.Has(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, has)

	inv, err := s.Redeem(ctx, code)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, types.SessionIDType("alice"), inv.SessionID)
	assert.Equal(t, types.ConnectionIDType("conn-1"), inv.ConnectionID)
	assert.Equal(t, code, inv.Code)

	// Redemption consumes both indices
	has, err = s.Has(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStore_RedeemIsOneTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	code, err := s.Create(ctx, "alice", "conn-1")
	require.NoError(t, err)

	first, err := s.Redeem(ctx, code)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.Redeem(ctx, code)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestStore_ConcurrentRedeemSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const rounds = 50
	for i := 0; i < rounds; i++ {
		code, err := s.Create(ctx, "alice", "conn-1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var wins atomic.Int32
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inv, err := s.Redeem(ctx, code)
				assert.NoError(t, err)
				if inv != nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
	}
}

func TestStore_RedeemUnknownReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)

	inv, err := s.Redeem(context.Background(), "TALK-0000")
	require.NoError(t, err)
	assert.Nil(t, inv)
}

func TestStore_RedeemNormalizesCode(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	code, err := s.Create(ctx, "alice", "conn-1")
	require.NoError(t, err)

	inv, err := s.Redeem(ctx, "  "+strings.ToLower(code)+" ")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, code, inv.Code)
}

func TestStore_Cancel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	code, err := s.Create(ctx, "alice", "conn-1")
	require.NoError(t, err)

	existed, err := s.Cancel(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, existed)

	// Cancelled code is gone
	inv, err := s.Redeem(ctx, code)
	require.NoError(t, err)
	assert.Nil(t, inv)

	// Cancel with no active invite
	existed, err = s.Cancel(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestStore_CollisionRetries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	codes := []string{"TALK-AAAA", "TALK-AAAA", "TALK-BBBB"}
	s.randCode = func() (string, error) {
		next := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return next, nil
	}

	first, err := s.Create(ctx, "alice", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "TALK-AAAA", first)

	// Second creator collides once, then lands on a fresh code
	second, err := s.Create(ctx, "bob", "conn-2")
	require.NoError(t, err)
	assert.Equal(t, "TALK-BBBB", second)
}

func TestStore_AllocationExhausted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.randCode = func() (string, error) { return "TALK-AAAA", nil }

	_, err := s.Create(ctx, "alice", "conn-1")
	require.NoError(t, err)

	_, err = s.Create(ctx, "bob", "conn-2")
	assert.ErrorIs(t, err, ErrAllocationExhausted)
}

func TestStore_CodesExpire(t *testing.T) {
	backend := store.NewMemory()
	t.Cleanup(func() { _ = backend.Close() })

	// Real clock: ttlcache expiry runs on wall time, so exercise the miss
	// path with pre-deleted keys instead of advancing a fake clock.
	s := NewStore(backend, clockwork.NewRealClock())
	ctx := context.Background()

	code, err := s.Create(ctx, "alice", "conn-1")
	require.NoError(t, err)

	// Simulate expiry of both indices
	require.NoError(t, backend.Del(ctx, store.KeyInvitePrefix+code, store.KeyInviteBySession+"alice"))

	inv, err := s.Redeem(ctx, code)
	require.NoError(t, err)
	assert.Nil(t, inv)

	has, err := s.Has(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "TALK-AB12", Normalize(" talk-ab12 "))
	assert.Equal(t, "TALK-AB12", Normalize("TALK-AB12"))
	assert.Equal(t, "", Normalize("  "))
}
