package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/invite"
	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/metrics"
	"github.com/anontalk/relay/internal/v1/types"
)

type matchedPayload struct {
	RoomID types.RoomIDType `json:"roomId"`
}

type chatEndedPayload struct {
	Reason string `json:"reason"`
}

// handleJoin registers the connection under a client-chosen session id. A
// prior connection holding the same id is detached first and force-closed,
// then the prior holding state is cascade-cleaned, so the superseded
// connection's own disconnect handler finds nothing left to do.
func (d *Dispatcher) handleJoin(ctx context.Context, conn Conn, data json.RawMessage) string {
	sid, ok := rawString(data, "sessionId")
	if !ok || sid == "" {
		return d.emitError(conn, msgSessionRequired)
	}
	sessionID := types.SessionIDType(sid)

	unlock := d.locks.acquire(sessionID)
	defer unlock()

	prior, err := d.registry.Get(ctx, sessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if prior != nil && prior.ConnectionID != "" && prior.ConnectionID != conn.ConnectionID() {
		logging.Info(ctx, "Session takeover: closing superseded connection",
			zap.String("session_id", sid))
		oldConn := prior.ConnectionID
		if err := d.registry.DetachConnection(ctx, sessionID); err != nil {
			return d.backendError(ctx, conn, err)
		}
		d.emitter.ForceClose(oldConn)
		if err := d.cascadeCleanup(ctx, sessionID, reasonPeerLeft); err != nil {
			return d.backendError(ctx, conn, err)
		}
	}

	if _, err := d.registry.Add(ctx, sessionID, conn.ConnectionID()); err != nil {
		return d.backendError(ctx, conn, err)
	}
	conn.BindSession(sessionID)

	d.emitter.Emit(conn.ConnectionID(), types.EventJoined, nil)
	return "ok"
}

// handleFindRandom joins the matchmaking queue, cancelling any pending
// invite first. A viable waiter yields an immediate match.
func (d *Dispatcher) handleFindRandom(ctx context.Context, conn Conn) string {
	sess, errStatus := d.requireSession(ctx, conn)
	if sess == nil {
		return errStatus
	}

	unlock := d.locks.acquire(sess.SessionID)

	room, err := d.matcher.GetBySession(ctx, sess.SessionID)
	if err != nil {
		unlock()
		return d.backendError(ctx, conn, err)
	}
	if room != nil {
		unlock()
		return d.emitError(conn, msgAlreadyInChat)
	}

	if _, err := d.invites.Cancel(ctx, sess.SessionID); err != nil {
		unlock()
		return d.backendError(ctx, conn, err)
	}
	unlock()

	// The pairing pass takes the lock pair per attempt itself; holding the
	// caller's lock across it would break the sorted acquire order.
	room, err = d.matcher.JoinQueue(ctx, sess.SessionID, conn.ConnectionID(), d.locks.acquire)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if room == nil {
		d.emitter.Emit(conn.ConnectionID(), types.EventWaiting, nil)
		return "ok"
	}

	d.emitMatched(room)
	return "ok"
}

// handleCancelSearch leaves the queue and also runs the room-leave cleanup,
// covering the race where a match completed just before the cancel arrived.
func (d *Dispatcher) handleCancelSearch(ctx context.Context, conn Conn) string {
	sid := conn.SessionID()
	if sid == "" {
		return "ok"
	}

	unlock := d.locks.acquire(sid)
	defer unlock()

	if err := d.matcher.LeaveQueue(ctx, sid); err != nil {
		return d.backendError(ctx, conn, err)
	}
	if err := d.leaveCurrentRoom(ctx, sid, reasonPeerLeft); err != nil {
		return d.backendError(ctx, conn, err)
	}
	return "ok"
}

// handleCreateInvite mints a one-time code. Any previous invite owned by the
// session is cancelled first; being in a room or the queue is rejected.
func (d *Dispatcher) handleCreateInvite(ctx context.Context, conn Conn) string {
	sess, errStatus := d.requireSession(ctx, conn)
	if sess == nil {
		return errStatus
	}

	unlock := d.locks.acquire(sess.SessionID)
	defer unlock()

	room, err := d.matcher.GetBySession(ctx, sess.SessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if room != nil {
		return d.emitError(conn, msgAlreadyInChat)
	}
	waiting, err := d.matcher.InQueue(ctx, sess.SessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if waiting {
		return d.emitError(conn, msgAlreadySearching)
	}

	if _, err := d.invites.Cancel(ctx, sess.SessionID); err != nil {
		return d.backendError(ctx, conn, err)
	}

	code, err := d.invites.Create(ctx, sess.SessionID, conn.ConnectionID())
	if err != nil {
		if errors.Is(err, invite.ErrAllocationExhausted) {
			logging.Warn(ctx, "Invite code space exhausted")
			return d.emitError(conn, msgNoCodes)
		}
		return d.backendError(ctx, conn, err)
	}

	d.emitter.Emit(conn.ConnectionID(), types.EventInviteCreated, map[string]string{"code": code})
	return "ok"
}

// handleJoinInvite redeems a code and installs the pairing. All rejections
// after redemption report the same generic message, so probing a code cannot
// reveal whether it ever existed.
func (d *Dispatcher) handleJoinInvite(ctx context.Context, conn Conn, data json.RawMessage) string {
	sess, errStatus := d.requireSession(ctx, conn)
	if sess == nil {
		return errStatus
	}
	code, ok := rawString(data, "code")
	if !ok || code == "" {
		return d.emitError(conn, msgInviteCodeInvalid)
	}

	room, err := d.matcher.GetBySession(ctx, sess.SessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if room != nil {
		return d.emitError(conn, msgAlreadyInChat)
	}
	waiting, err := d.matcher.InQueue(ctx, sess.SessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if waiting {
		return d.emitError(conn, msgAlreadySearching)
	}

	inv, err := d.invites.Redeem(ctx, code)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if inv == nil {
		return d.emitError(conn, msgInviteNotFound)
	}
	if inv.SessionID == sess.SessionID {
		return d.emitError(conn, msgSelfInvite)
	}

	unlock := d.locks.acquire(sess.SessionID, inv.SessionID)
	defer unlock()

	issuer, err := d.registry.Get(ctx, inv.SessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if issuer == nil || issuer.RoomID != "" {
		return d.emitError(conn, msgInviteNotFound)
	}

	// A stale queue entry on either side must not survive into the room.
	if err := d.matcher.LeaveQueue(ctx, sess.SessionID); err != nil {
		return d.backendError(ctx, conn, err)
	}
	if err := d.matcher.LeaveQueue(ctx, inv.SessionID); err != nil {
		return d.backendError(ctx, conn, err)
	}

	issuerConn := issuer.ConnectionID
	if issuerConn == "" {
		issuerConn = inv.ConnectionID
	}

	room = &types.Room{
		RoomID:   types.RoomIDType(uuid.NewString()),
		Session1: types.RoomMember{SessionID: issuer.SessionID, ConnectionID: issuerConn},
		Session2: types.RoomMember{SessionID: sess.SessionID, ConnectionID: conn.ConnectionID()},
	}
	if err := d.matcher.Install(ctx, room); err != nil {
		return d.backendError(ctx, conn, err)
	}
	metrics.MatchesMade.WithLabelValues("invite").Inc()

	d.emitMatched(room)
	return "ok"
}

// relayToPeer forwards the payload verbatim to the caller's room peer.
// field, when non-empty, names a required string field in the payload;
// fieldMsg is the error reported when it is missing or ill-typed.
func (d *Dispatcher) relayToPeer(ctx context.Context, conn Conn, data json.RawMessage, outbound types.Event, field, fieldMsg string) string {
	sess, errStatus := d.requireSession(ctx, conn)
	if sess == nil {
		return errStatus
	}
	if field != "" {
		if value, ok := rawString(data, field); !ok || value == "" {
			return d.emitError(conn, fieldMsg)
		}
	}

	room, err := d.matcher.GetBySession(ctx, sess.SessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if room == nil {
		return d.emitError(conn, msgNotInChat)
	}

	peerConn, err := d.matcher.PeerConnection(ctx, room.RoomID, sess.SessionID)
	if err != nil || peerConn == "" {
		// Peer vanished between lookup and emit: best-effort, drop silently.
		return "ok"
	}
	d.emitter.Emit(peerConn, outbound, data)
	return "ok"
}

// handleSendEncrypted relays an opaque encrypted payload. The rate token is
// consumed before the peer lookup on purpose: refunding it on a failed
// lookup would open a limiter drain.
func (d *Dispatcher) handleSendEncrypted(ctx context.Context, conn Conn, data json.RawMessage) string {
	sess, errStatus := d.requireSession(ctx, conn)
	if sess == nil {
		return errStatus
	}

	room, err := d.matcher.GetBySession(ctx, sess.SessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if room == nil {
		return d.emitError(conn, msgNotInChat)
	}

	allowed, err := d.limiter.Allow(ctx, sess.SessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if !allowed {
		return d.emitError(conn, msgTooManyMessages)
	}

	encrypted, ok := rawString(data, "encrypted")
	if !ok || encrypted == "" {
		return d.emitError(conn, msgEncryptedRequired)
	}
	if base64DecodedLen(encrypted) > d.maxEncrypted {
		return d.emitError(conn, msgTooLarge)
	}

	peerConn, err := d.matcher.PeerConnection(ctx, room.RoomID, sess.SessionID)
	if err != nil || peerConn == "" {
		return "ok"
	}
	metrics.RelayedBytes.Add(float64(len(encrypted)))
	d.emitter.Emit(peerConn, types.EventReceiveEncrypted, data)
	return "ok"
}

// handleChatReady notifies the peer that this side finished its setup.
func (d *Dispatcher) handleChatReady(ctx context.Context, conn Conn) string {
	return d.relayToPeer(ctx, conn, nil, types.EventPeerReady, "", "")
}

// handleReport ends the chat for both parties and closes both connections.
func (d *Dispatcher) handleReport(ctx context.Context, conn Conn) string {
	sess, errStatus := d.requireSession(ctx, conn)
	if sess == nil {
		return errStatus
	}

	unlock := d.locks.acquire(sess.SessionID)
	defer unlock()

	room, err := d.matcher.GetBySession(ctx, sess.SessionID)
	if err != nil {
		return d.backendError(ctx, conn, err)
	}
	if room == nil {
		return d.emitError(conn, msgNotInChat)
	}

	peerConn, _ := d.matcher.PeerConnection(ctx, room.RoomID, sess.SessionID)

	if err := d.matcher.Destroy(ctx, room.RoomID); err != nil {
		return d.backendError(ctx, conn, err)
	}

	ended := chatEndedPayload{Reason: reasonReported}
	d.emitter.Emit(conn.ConnectionID(), types.EventChatEnded, ended)
	if peerConn != "" {
		d.emitter.Emit(peerConn, types.EventChatEnded, ended)
		d.emitter.ForceClose(peerConn)
	}
	d.emitter.ForceClose(conn.ConnectionID())
	return "ok"
}

// handleLeaveRoom runs the room-leave cleanup. The leaver stays connected.
func (d *Dispatcher) handleLeaveRoom(ctx context.Context, conn Conn) string {
	sid := conn.SessionID()
	if sid == "" {
		return "ok"
	}

	unlock := d.locks.acquire(sid)
	defer unlock()

	if err := d.leaveCurrentRoom(ctx, sid, reasonPeerLeft); err != nil {
		return d.backendError(ctx, conn, err)
	}
	return "ok"
}

func (d *Dispatcher) emitMatched(room *types.Room) {
	payload := matchedPayload{RoomID: room.RoomID}
	d.emitter.Emit(room.Session1.ConnectionID, types.EventMatched, payload)
	d.emitter.Emit(room.Session2.ConnectionID, types.EventMatched, payload)
}
