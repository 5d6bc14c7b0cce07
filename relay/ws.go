package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/datafund/datacore-messaging/internal/id"
	"github.com/datafund/datacore-messaging/internal/metrics"
	"github.com/datafund/datacore-messaging/internal/relay/router"
	"github.com/datafund/datacore-messaging/internal/relay/session"
	"github.com/datafund/datacore-messaging/internal/relay/wire"
)

// maxFrameSize bounds a single inbound frame. Long bodies fit; nothing
// a DM client sends legitimately approaches this.
const maxFrameSize = 1 << 20

// handleWS runs one connection through its three phases: pre-auth,
// live, closing. All errors are contained to the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("ws accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := s.preAuth(ctx, conn)
	if sess == nil {
		return
	}

	log := slog.With("session", sess.ID, "user", sess.Handle)
	log.Info("session authenticated")

	// Offline cleanup runs on every exit path. Unregister is a
	// compare-and-delete: if a re-auth already replaced this session,
	// neither the registry entry nor the presence broadcast fire.
	defer func() {
		cancel()
		if s.sessions.Unregister(sess) {
			s.router.BroadcastPresence(context.Background(), sess.Handle, wire.StatusOffline)
			log.Info("session closed")
		}
	}()

	go s.heartbeat(ctx, conn, sess, cancel)

	s.live(ctx, conn, sess)
}

// preAuth reads frames until a valid auth arrives. Invalid secrets get
// auth_error and leave the connection in pre-auth; other frame types get
// error. Returns nil when the socket dies first.
func (s *Server) preAuth(ctx context.Context, conn *websocket.Conn) *session.Session {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}

		frame, err := wire.Decode(data)
		if err != nil {
			s.sendRaw(ctx, conn, wire.Error{Type: wire.TypeError, Message: "malformed frame"})
			continue
		}

		auth, ok := frame.(*wire.Auth)
		if !ok {
			s.sendRaw(ctx, conn, wire.Error{Type: wire.TypeError, Message: "not authenticated"})
			continue
		}

		if subtle.ConstantTimeCompare([]byte(auth.Secret), []byte(s.cfg.Secret)) != 1 {
			metrics.AuthFailures.Inc()
			s.sendRaw(ctx, conn, wire.AuthError{Type: wire.TypeAuthError, Message: "invalid secret"})
			continue
		}
		if auth.Username == "" {
			metrics.AuthFailures.Inc()
			s.sendRaw(ctx, conn, wire.AuthError{Type: wire.TypeAuthError, Message: "username required"})
			continue
		}

		sess := session.New(id.Generate(), auth.Username, conn, auth.Status, auth.ClaudeWhitelist)

		// Register before the auth_ok reply; routes issued while the
		// predecessor drains already reach this session.
		if old := s.sessions.Register(sess); old != nil {
			go old.Close(websocket.StatusPolicyViolation, "superseded by new connection")
		}

		reply := wire.AuthOK{
			Type:     wire.TypeAuthOK,
			Username: sess.Handle,
			Online:   s.sessions.Online(),
			Statuses: s.sessions.Statuses(),
		}
		if err := sess.Send(ctx, reply); err != nil {
			s.sessions.Unregister(sess)
			return nil
		}

		s.router.BroadcastPresence(ctx, sess.Handle, sess.Status())
		return sess
	}
}

// live dispatches frames until the socket closes. A single bad frame
// never closes the connection.
func (s *Server) live(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			_ = sess.Send(ctx, wire.Error{Type: wire.TypeError, Message: "malformed frame"})
			continue
		}

		switch f := frame.(type) {
		case *wire.Send:
			metrics.FramesInTotal.WithLabelValues(wire.TypeSend).Inc()
			if f.To == "" {
				_ = sess.Send(ctx, wire.Error{Type: wire.TypeError, Message: "missing recipient"})
				continue
			}
			outcome := s.router.Route(ctx, sess, f)
			_ = sess.Send(ctx, wire.SendAck{
				Type:        wire.TypeSendAck,
				To:          f.To,
				Delivered:   outcome == router.Delivered,
				AutoReplied: outcome == router.AutoReplied,
				Queued:      outcome == router.NotDelivered,
			})

		case *wire.Presence:
			metrics.FramesInTotal.WithLabelValues(wire.TypePresence).Inc()
			_ = sess.Send(ctx, wire.PresenceList{
				Type:     wire.TypePresence,
				Online:   s.sessions.Online(),
				Statuses: s.sessions.Statuses(),
			})

		case *wire.StatusChange:
			metrics.FramesInTotal.WithLabelValues(wire.TypeStatusChange).Inc()
			if !wire.ValidStatus(f.Status) {
				_ = sess.Send(ctx, wire.Error{Type: wire.TypeError, Message: "invalid status"})
				continue
			}
			sess.SetStatus(f.Status)
			s.router.BroadcastPresence(ctx, sess.Handle, f.Status)
			_ = sess.Send(ctx, wire.StatusOK{Type: wire.TypeStatusOK, Status: f.Status})

		case *wire.Ping:
			metrics.FramesInTotal.WithLabelValues(wire.TypePing).Inc()
			_ = sess.Send(ctx, wire.Pong{Type: wire.TypePong})

		case *wire.Auth:
			// Re-auth on a live session is a phase violation.
			_ = sess.Send(ctx, wire.Error{Type: wire.TypeError, Message: "already authenticated"})

		default:
			_ = sess.Send(ctx, wire.Error{Type: wire.TypeError, Message: "unknown frame type"})
		}
	}
}

// heartbeat pings the peer every interval. Two consecutive misses mark
// the peer dead: the connection is torn down and the read loop's exit
// runs the offline cleanup.
func (s *Server) heartbeat(ctx context.Context, conn *websocket.Conn, sess *session.Session, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.Heartbeat)
		err := conn.Ping(pingCtx)
		pingCancel()

		if err == nil {
			missed = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		missed++
		if missed >= 2 {
			metrics.HeartbeatTimeouts.Inc()
			slog.Info("heartbeat timeout, closing session", "session", sess.ID, "user", sess.Handle)
			cancel()
			_ = conn.CloseNow()
			return
		}
	}
}

// sendRaw writes a frame to an unauthenticated connection.
func (s *Server) sendRaw(ctx context.Context, conn *websocket.Conn, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}
