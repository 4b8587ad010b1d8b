// Package store provides the polymorphic state backend under the session
// registry, rate limiter, invite store, and matchmaker. Two implementations
// exist behind one capability set: an in-process Memory backend for
// single-node deployments and a Redis backend for horizontally scaled fleets.
// Higher layers program against Backend only; selection happens once at
// startup and never changes.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned when the shared backend cannot be reached
// (connection failure or an open circuit breaker). The Memory backend never
// returns it.
var ErrUnavailable = errors.New("state backend unavailable")

// Pipe is the write subset of Backend available inside a transaction.
// Operations queue up and apply atomically when the transaction commits.
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	LPush(key string, values ...string)
	LRem(key, value string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
}

// Backend is the uniform capability set over either in-process memory or a
// remote key-value + pub/sub store. All operations are context-aware; the
// Memory backend resolves immediately.
type Backend interface {
	// Key-value. A zero ttl means no expiry.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if absent and reports whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetDel reads and deletes the key as one atomic operation, so exactly
	// one of any number of concurrent callers observes the value.
	GetDel(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error

	// Lists. LPush prepends; RPop takes from the tail, so LPush+RPop is FIFO.
	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, bool, error)
	LRem(ctx context.Context, key, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// Tx applies the writes queued on the Pipe as one logical transaction.
	Tx(ctx context.Context, fn func(Pipe)) error

	// Pub/sub, used by the transport for cross-node fan-out.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts a background listener that invokes handler for every
	// payload on the channel until ctx is cancelled. wg, when non-nil, tracks
	// the listener goroutine.
	Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func([]byte))

	Ping(ctx context.Context) error
	Close() error
}

// --- Key layout ---
//
// The same keyspace is used by both backends so the higher layers stay
// identical across modes.

const (
	KeySessionPrefix   = "session:"         // session:{sessionId} -> JSON Session
	KeySessionsSet     = "sessions:set"     // set of session ids
	KeyInvitePrefix    = "invite:"          // invite:{code} -> JSON Invite, TTL 5m
	KeyInviteBySession = "inviteBySession:" // inviteBySession:{sessionId} -> code, TTL 5m
	KeyRatePrefix      = "rate:"            // rate:{sessionId} -> JSON counter
	KeyQueueList       = "queue:list"       // FIFO of waiting session ids
	KeyQueueSet        = "queue:set"        // membership view of session ids
	KeyRoomPrefix      = "room:"            // room:{roomId} -> JSON Room
	KeyRoomsSet        = "rooms:set"        // set of room ids
	KeyRoomBySession   = "roomBySession:"   // roomBySession:{sessionId} -> roomId
)

// EventsChannel is the pub/sub channel carrying cross-node fan-out envelopes.
const EventsChannel = "relay:events"
