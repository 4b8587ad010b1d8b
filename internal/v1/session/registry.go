// Package session implements the session registry: the mapping from opaque
// client-chosen session ids to their live connection and optional room
// binding, with TTL-based expiry of abandoned sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/metrics"
	"github.com/anontalk/relay/internal/v1/store"
	"github.com/anontalk/relay/internal/v1/types"
)

// ExpireHandler receives the batch of sessions that passed their TTL.
// It runs the same cascade cleanup as a normal disconnect.
type ExpireHandler func(ctx context.Context, batch []types.ExpiredSession)

// Registry tracks sessions on the state backend. One entry per session id;
// at most one live connection per session at any instant.
type Registry struct {
	backend store.Backend
	ttl     time.Duration
	clock   clockwork.Clock

	mu            sync.RWMutex
	expireHandler ExpireHandler
}

// NewRegistry creates a registry with the given inactivity TTL.
func NewRegistry(backend store.Backend, ttl time.Duration, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		backend: backend,
		ttl:     ttl,
		clock:   clock,
	}
}

func sessionKey(id types.SessionIDType) string {
	return store.KeySessionPrefix + string(id)
}

// Add upserts the session and resets its last-seen time. When a prior entry
// exists with a different connection, the caller must have detached and
// force-closed that connection first; Add simply records the new binding.
func (r *Registry) Add(ctx context.Context, sessionID types.SessionIDType, connectionID types.ConnectionIDType) (*types.Session, error) {
	now := r.clock.Now().UTC()
	sess := &types.Session{
		SessionID:    sessionID,
		ConnectionID: connectionID,
		CreatedAt:    now,
		LastSeenAt:   now,
	}

	if prior, err := r.Get(ctx, sessionID); err != nil {
		return nil, err
	} else if prior != nil {
		sess.CreatedAt = prior.CreatedAt
		sess.RoomID = prior.RoomID
	}

	if err := r.put(ctx, sess); err != nil {
		return nil, err
	}
	if err := r.backend.SAdd(ctx, store.KeySessionsSet, string(sessionID)); err != nil {
		return nil, err
	}

	if count, err := r.Count(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(count))
	}
	return sess, nil
}

// Get returns the session or nil when unknown.
func (r *Registry) Get(ctx context.Context, sessionID types.SessionIDType) (*types.Session, error) {
	raw, ok, err := r.backend.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var sess types.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Touch refreshes the inactivity clock. No-op for unknown sessions.
func (r *Registry) Touch(ctx context.Context, sessionID types.SessionIDType) error {
	sess, err := r.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return err
	}
	sess.LastSeenAt = r.clock.Now().UTC()
	return r.put(ctx, sess)
}

// DetachConnection nulls the session's connection binding without removing
// the session. Done before force-closing a superseded connection so its
// disconnect handler finds no binding to clean up.
func (r *Registry) DetachConnection(ctx context.Context, sessionID types.SessionIDType) error {
	sess, err := r.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return err
	}
	sess.ConnectionID = ""
	return r.put(ctx, sess)
}

// SetRoom binds the session to a room. No-op if the session is missing.
func (r *Registry) SetRoom(ctx context.Context, sessionID types.SessionIDType, roomID types.RoomIDType) error {
	sess, err := r.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return err
	}
	sess.RoomID = roomID
	return r.put(ctx, sess)
}

// ClearRoom removes the room binding. No-op if the session is missing.
func (r *Registry) ClearRoom(ctx context.Context, sessionID types.SessionIDType) error {
	sess, err := r.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return err
	}
	sess.RoomID = ""
	return r.put(ctx, sess)
}

// Remove deletes the session entirely.
func (r *Registry) Remove(ctx context.Context, sessionID types.SessionIDType) error {
	if err := r.backend.Del(ctx, sessionKey(sessionID)); err != nil {
		return err
	}
	if err := r.backend.SRem(ctx, store.KeySessionsSet, string(sessionID)); err != nil {
		return err
	}
	if count, err := r.Count(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(count))
	}
	return nil
}

// Count reports the number of registered sessions. Used by health.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	return r.backend.SCard(ctx, store.KeySessionsSet)
}

// SetExpireHandler registers the callback invoked with batches of expired
// sessions. Replaces any previous handler.
func (r *Registry) SetExpireHandler(fn ExpireHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireHandler = fn
}

func (r *Registry) put(ctx context.Context, sess *types.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}
	return r.backend.Set(ctx, sessionKey(sess.SessionID), string(raw), 0)
}

// sweep scans the session set for entries idle past the TTL and hands the
// batch to the expire handler. Safe to interleave with normal disconnects:
// the cascade is idempotent on both sides.
func (r *Registry) sweep(ctx context.Context) {
	ids, err := r.backend.SMembers(ctx, store.KeySessionsSet)
	if err != nil {
		logging.Error(ctx, "Session sweep failed to list sessions", zap.Error(err))
		return
	}

	cutoff := r.clock.Now().UTC().Add(-r.ttl)
	var batch []types.ExpiredSession
	for _, id := range ids {
		sess, err := r.Get(ctx, types.SessionIDType(id))
		if err != nil {
			logging.Error(ctx, "Session sweep failed to load session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if sess == nil {
			// Record vanished between SMEMBERS and GET; drop the set entry.
			_ = r.backend.SRem(ctx, store.KeySessionsSet, id)
			continue
		}
		if sess.LastSeenAt.Before(cutoff) {
			batch = append(batch, types.ExpiredSession{
				SessionID:    sess.SessionID,
				ConnectionID: sess.ConnectionID,
				RoomID:       sess.RoomID,
			})
		}
	}

	if len(batch) == 0 {
		return
	}

	logging.Info(ctx, "Expiring idle sessions", zap.Int("count", len(batch)))
	metrics.ExpiredSessions.Add(float64(len(batch)))

	r.mu.RLock()
	handler := r.expireHandler
	r.mu.RUnlock()
	if handler != nil {
		handler(ctx, batch)
	}
}
