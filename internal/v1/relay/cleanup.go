package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/types"
)

// HandleDisconnect runs the cascade cleanup for a dropped connection. The
// session's current connection binding is checked first: when a takeover has
// already rebound the id, the superseded connection cleans up nothing.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, conn Conn) {
	sid := conn.SessionID()
	if sid == "" {
		return
	}

	unlock := d.locks.acquire(sid)
	defer unlock()

	sess, err := d.registry.Get(ctx, sid)
	if err != nil {
		logging.Error(ctx, "Disconnect cleanup failed to load session", zap.Error(err))
		return
	}
	if sess == nil || sess.ConnectionID != conn.ConnectionID() {
		return
	}

	if err := d.cascadeCleanup(ctx, sid, reasonPeerLeft); err != nil {
		logging.Error(ctx, "Disconnect cascade cleanup failed", zap.Error(err))
	}
}

// ExpireSessions is the registry's expire handler: every TTL-expired session
// runs the identical cascade a disconnect would, preceded by a force-close of
// its recorded connection if one is still live.
func (d *Dispatcher) ExpireSessions(ctx context.Context, batch []types.ExpiredSession) {
	for _, expired := range batch {
		unlock := d.locks.acquire(expired.SessionID)

		if expired.ConnectionID != "" {
			d.emitter.ForceClose(expired.ConnectionID)
		}
		if err := d.cascadeCleanup(ctx, expired.SessionID, reasonPeerLeft); err != nil {
			logging.Error(ctx, "Expiry cascade cleanup failed",
				zap.String("session_id", string(expired.SessionID)), zap.Error(err))
		}

		unlock()
	}
}

// cascadeCleanup is the fixed sequence performed when a session leaves for
// any reason: dequeue, cancel invite, notify peer and destroy room, clear the
// rate counter, remove the session. Idempotent at every step.
func (d *Dispatcher) cascadeCleanup(ctx context.Context, sessionID types.SessionIDType, reason string) error {
	if err := d.matcher.LeaveQueue(ctx, sessionID); err != nil {
		return err
	}
	if _, err := d.invites.Cancel(ctx, sessionID); err != nil {
		return err
	}
	if err := d.leaveCurrentRoom(ctx, sessionID, reason); err != nil {
		return err
	}
	if err := d.limiter.Clear(ctx, sessionID); err != nil {
		return err
	}
	return d.registry.Remove(ctx, sessionID)
}

// leaveCurrentRoom notifies the peer and destroys the session's room, if it
// has one. No-op otherwise.
func (d *Dispatcher) leaveCurrentRoom(ctx context.Context, sessionID types.SessionIDType, reason string) error {
	room, err := d.matcher.GetBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}

	peerConn, _ := d.matcher.PeerConnection(ctx, room.RoomID, sessionID)

	if err := d.matcher.Destroy(ctx, room.RoomID); err != nil {
		return err
	}

	if peerConn != "" {
		d.emitter.Emit(peerConn, types.EventChatEnded, chatEndedPayload{Reason: reason})
	}
	return nil
}
