// Package invite issues and redeems one-time invite codes. A code is five
// characters of prefix plus four uppercase hex characters (16 bits of
// entropy), collision-resolved by retry and bounded by a short TTL.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/anontalk/relay/internal/v1/store"
	"github.com/anontalk/relay/internal/v1/types"
)

const (
	// CodePrefix is the fixed prefix of every invite code.
	CodePrefix = "TALK-"
	// TTL bounds how long a code stays redeemable.
	TTL = 5 * time.Minute
	// maxAttempts bounds collision retries before giving up.
	maxAttempts = 10
)

// ErrAllocationExhausted is returned when every generated code collided.
// With 65536 possible codes this needs a nearly full keyspace.
var ErrAllocationExhausted = errors.New("invite code allocation exhausted")

// Store manages the forward (code -> invite) and reverse (session -> code)
// indices. Each session owns at most one active invite; the dispatcher
// cancels any existing invite before creating a new one.
type Store struct {
	backend store.Backend
	clock   clockwork.Clock

	// randCode is swappable in tests to force collisions.
	randCode func() (string, error)
}

// NewStore creates the invite store.
func NewStore(backend store.Backend, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Store{backend: backend, clock: clock}
	s.randCode = randomCode
	return s
}

func codeKey(code string) string {
	return store.KeyInvitePrefix + code
}

func sessionKey(id types.SessionIDType) string {
	return store.KeyInviteBySession + string(id)
}

func randomCode() (string, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return fmt.Sprintf("%s%04X", CodePrefix, binary.BigEndian.Uint16(buf[:])), nil
}

// Create mints a fresh code for the session. The forward key is inserted
// with SET-if-absent so concurrent creators can never share a code.
func (s *Store) Create(ctx context.Context, sessionID types.SessionIDType, connectionID types.ConnectionIDType) (string, error) {
	inv := types.Invite{
		SessionID:    sessionID,
		ConnectionID: connectionID,
		CreatedAt:    s.clock.Now().UTC(),
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := s.randCode()
		if err != nil {
			return "", err
		}
		inv.Code = code

		raw, err := json.Marshal(inv)
		if err != nil {
			return "", fmt.Errorf("marshal invite: %w", err)
		}

		set, err := s.backend.SetNX(ctx, codeKey(code), string(raw), TTL)
		if err != nil {
			return "", err
		}
		if !set {
			continue // collision, roll again
		}

		if err := s.backend.Set(ctx, sessionKey(sessionID), code, TTL); err != nil {
			return "", err
		}
		return code, nil
	}

	return "", ErrAllocationExhausted
}

// Redeem consumes the code, removing both indices. The forward key is read
// and deleted in one atomic operation, so concurrent redemptions of the same
// code yield exactly one winner. The supplied code is trimmed and upper-cased
// first. Returns nil for a missing or expired code; the caller must not
// distinguish the two.
func (s *Store) Redeem(ctx context.Context, code string) (*types.Invite, error) {
	code = Normalize(code)

	raw, ok, err := s.backend.GetDel(ctx, codeKey(code))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var inv types.Invite
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil, fmt.Errorf("corrupt invite record %s: %w", code, err)
	}

	if err := s.backend.Del(ctx, sessionKey(inv.SessionID)); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Cancel removes the session's active invite, if any, and reports whether
// one existed.
func (s *Store) Cancel(ctx context.Context, sessionID types.SessionIDType) (bool, error) {
	code, ok, err := s.backend.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := s.backend.Del(ctx, codeKey(code), sessionKey(sessionID)); err != nil {
		return false, err
	}
	return true, nil
}

// Has reports whether the session currently owns an invite.
func (s *Store) Has(ctx context.Context, sessionID types.SessionIDType) (bool, error) {
	_, ok, err := s.backend.Get(ctx, sessionKey(sessionID))
	return ok, err
}

// Normalize canonicalizes a client-supplied code for lookup.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
