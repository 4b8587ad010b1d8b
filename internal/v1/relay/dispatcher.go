// Package relay is the event dispatcher: it maps inbound client events to
// state-backend mutations and fans resulting events out to exactly one peer.
//
// The dispatcher enforces the mutual-exclusion invariant that a session is in
// at most one of {queue, invite, room} at any instant: handlers check the
// current holding, cancel it where the protocol allows, and only then
// transition. Each event runs under a per-session lock.
//
// Session ids are opaque client-chosen strings with no uniqueness proof; a
// new join for a known id supersedes the old connection. This is intentional
// protocol behavior, not an oversight.
package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/invite"
	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/match"
	"github.com/anontalk/relay/internal/v1/metrics"
	"github.com/anontalk/relay/internal/v1/ratelimit"
	"github.com/anontalk/relay/internal/v1/session"
	"github.com/anontalk/relay/internal/v1/types"
)

// MaxEncryptedBytes caps the base64-decoded size of a relayed payload.
// The transport's 30 MiB frame limit plus base64 overhead lands here.
const MaxEncryptedBytes = 35 * 1024 * 1024

// Client error messages. The invite message deliberately does not
// distinguish "expired" from "never existed".
const (
	msgSessionRequired   = "Session ID is required"
	msgJoinFirst         = "Join first"
	msgAlreadyInChat     = "Already in a chat"
	msgAlreadySearching  = "Cannot create an invite while searching"
	msgNotInChat         = "Not in a chat"
	msgInviteNotFound    = "Invite code not found or expired"
	msgInviteCodeInvalid = "Invite code is required"
	msgSelfInvite        = "Invite code not found or expired"
	msgPublicKeyRequired = "Public key is required"
	msgEncryptedRequired = "Encrypted payload is required"
	msgTooManyMessages   = "Too many messages"
	msgTooLarge          = "Message too large"
	msgNoCodes           = "Could not allocate an invite code"
	msgBackendDown       = "Service temporarily unavailable"

	reasonPeerLeft = "The other person has left."
	reasonReported = "Chat ended due to a report."
)

// Conn is the dispatcher's view of one transport attachment.
type Conn interface {
	ConnectionID() types.ConnectionIDType
	// SessionID returns the session bound by a successful join, or "".
	SessionID() types.SessionIDType
	BindSession(types.SessionIDType)
}

// Dispatcher wires the registry, limiter, invite store, and matcher to the
// transport's emitter.
type Dispatcher struct {
	registry *session.Registry
	limiter  *ratelimit.Limiter
	invites  *invite.Store
	matcher  *match.Matcher
	emitter  types.Emitter

	// maxEncrypted is a field so boundary tests can shrink it.
	maxEncrypted int64

	locks sessionLocks
}

// NewDispatcher builds the dispatcher. The emitter is the transport port.
func NewDispatcher(registry *session.Registry, limiter *ratelimit.Limiter, invites *invite.Store, matcher *match.Matcher, emitter types.Emitter) *Dispatcher {
	return &Dispatcher{
		registry:     registry,
		limiter:      limiter,
		invites:      invites,
		matcher:      matcher,
		emitter:      emitter,
		maxEncrypted: MaxEncryptedBytes,
	}
}

// Dispatch routes one inbound event. Events from a single connection arrive
// here sequentially; parallelism only exists across connections.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, msg types.Message) {
	status := "ok"
	eventLabel := string(msg.Event)
	switch msg.Event {
	case types.EventJoin:
		status = d.handleJoin(ctx, conn, msg.Data)
	case types.EventFindRandom:
		status = d.handleFindRandom(ctx, conn)
	case types.EventCancelSearch:
		status = d.handleCancelSearch(ctx, conn)
	case types.EventCreateInvite:
		status = d.handleCreateInvite(ctx, conn)
	case types.EventJoinInvite:
		status = d.handleJoinInvite(ctx, conn, msg.Data)
	case types.EventKeyExchange:
		status = d.relayToPeer(ctx, conn, msg.Data, types.EventPeerKey, "publicKey", msgPublicKeyRequired)
	case types.EventSendEncrypted:
		status = d.handleSendEncrypted(ctx, conn, msg.Data)
	case types.EventSecurityAlert:
		status = d.relayToPeer(ctx, conn, msg.Data, types.EventPeerSecurityAlert, "", "")
	case types.EventChatReady:
		status = d.handleChatReady(ctx, conn)
	case types.EventReport:
		status = d.handleReport(ctx, conn)
	case types.EventLeaveRoom:
		status = d.handleLeaveRoom(ctx, conn)
	default:
		logging.Warn(ctx, "Unknown event received", zap.String("event", string(msg.Event)))
		status = "unknown"
		// Client-supplied names must not mint metric label values.
		eventLabel = "unknown"
	}
	metrics.Events.WithLabelValues(eventLabel, status).Inc()

	// The activity refresh is a session-record rewrite, so it takes the
	// session lock like any other mutation; the handler above has already
	// released its locks by now.
	if sid := conn.SessionID(); sid != "" {
		unlock := d.locks.acquire(sid)
		if err := d.registry.Touch(ctx, sid); err != nil {
			logging.Error(ctx, "Failed to refresh session activity", zap.Error(err))
		}
		unlock()
	}
}

// emitError sends a short human-readable error to the originating connection.
// Errors never tear down the connection.
func (d *Dispatcher) emitError(conn Conn, message string) string {
	d.emitter.Emit(conn.ConnectionID(), types.EventError, map[string]string{"message": message})
	return "error"
}

// backendError logs the failure and degrades to a generic client error; the
// handler does not retry and the connection survives.
func (d *Dispatcher) backendError(ctx context.Context, conn Conn, err error) string {
	logging.Error(ctx, "State backend operation failed", zap.Error(err))
	return d.emitError(conn, msgBackendDown)
}

// requireSession resolves the connection's bound session, emitting the
// appropriate error when there is none.
func (d *Dispatcher) requireSession(ctx context.Context, conn Conn) (*types.Session, string) {
	sid := conn.SessionID()
	if sid == "" {
		return nil, d.emitError(conn, msgJoinFirst)
	}
	sess, err := d.registry.Get(ctx, sid)
	if err != nil {
		return nil, d.backendError(ctx, conn, err)
	}
	if sess == nil {
		return nil, d.emitError(conn, msgJoinFirst)
	}
	return sess, ""
}

// base64DecodedLen estimates the decoded byte length of a base64 string
// without decoding it: floor(len*3/4) minus padding.
func base64DecodedLen(s string) int64 {
	n := int64(len(s)) * 3 / 4
	if len(s) >= 2 && s[len(s)-2:] == "==" {
		return n - 2
	}
	if len(s) >= 1 && s[len(s)-1:] == "=" {
		return n - 1
	}
	return n
}

// rawString extracts a single required string field from a raw payload.
func rawString(data json.RawMessage, field string) (string, bool) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", false
	}
	raw, ok := payload[field]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// --- per-session locks ---

// sessionLocks serializes dispatcher work per session. Multi-session events
// (invite redemption) acquire in sorted order so two redeemers can never
// deadlock each other.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[types.SessionIDType]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) acquire(ids ...types.SessionIDType) func() {
	sorted := make([]types.SessionIDType, 0, len(ids))
	seen := make(map[types.SessionIDType]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	entries := make([]*sessionLock, 0, len(sorted))
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[types.SessionIDType]*sessionLock)
	}
	for _, id := range sorted {
		entry, ok := l.locks[id]
		if !ok {
			entry = &sessionLock{}
			l.locks[id] = entry
		}
		entry.refs++
		entries = append(entries, entry)
	}
	l.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, entry := range entries {
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, sorted[i])
			}
		}
		l.mu.Unlock()
	}
}
