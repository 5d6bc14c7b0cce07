// Package router delivers routed messages to at most one recipient
// socket and broadcasts presence deltas. Messages are best-effort: no
// retry, no queueing, no offline store — the sender's local inbox
// append is the durability boundary.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/datafund/datacore-messaging/internal/metrics"
	"github.com/datafund/datacore-messaging/internal/relay/resolve"
	"github.com/datafund/datacore-messaging/internal/relay/session"
	"github.com/datafund/datacore-messaging/internal/relay/wire"
	"github.com/datafund/datacore-messaging/internal/util/timefmt"
)

// Outcome of a route.
type Outcome string

const (
	Delivered    Outcome = "delivered"
	NotDelivered Outcome = "not_delivered"
	AutoReplied  Outcome = "auto_replied"
)

// Router routes messages through the session registry.
type Router struct {
	sessions *session.Manager
}

// New creates a Router over the given session registry.
func New(sessions *session.Manager) *Router {
	return &Router{sessions: sessions}
}

// Lookup implements resolve.Directory over the live session set.
func (r *Router) Lookup(handle string) ([]string, bool) {
	s := r.sessions.Get(handle)
	if s == nil {
		return nil, false
	}
	return s.Whitelist(), true
}

// Route resolves the recipient and delivers the message frame to its
// session. A refused agent address synthesizes an auto-reply back to
// the sender instead; an offline target is reported, not queued. A
// failed socket write is swallowed — the peer's session is torn down by
// its own heartbeat — and the sender sees not_delivered.
func (r *Router) Route(ctx context.Context, sender *session.Session, f *wire.Send) Outcome {
	decision := resolve.Resolve(sender.Handle, f.To, r)

	if !decision.Allowed {
		reply := wire.Message{
			Type:      wire.TypeMessage,
			From:      decision.Target,
			Text:      decision.AutoReply,
			Priority:  "normal",
			Timestamp: timefmt.OrgStamp(time.Now()),
			AutoReply: true,
		}
		if err := sender.Send(ctx, reply); err != nil {
			slog.Warn("auto-reply send failed", "to", sender.Handle, "error", err)
		}
		metrics.RoutedTotal.WithLabelValues(string(AutoReplied)).Inc()
		return AutoReplied
	}

	target := r.sessions.Get(decision.Target)
	if target == nil {
		metrics.RoutedTotal.WithLabelValues(string(NotDelivered)).Inc()
		return NotDelivered
	}

	priority := f.Priority
	if priority == "" {
		priority = "normal"
	}
	msg := wire.Message{
		Type:      wire.TypeMessage,
		From:      sender.Handle,
		Text:      f.Text,
		Priority:  priority,
		MsgID:     f.MsgID,
		Timestamp: timefmt.OrgStamp(time.Now()),
		Thread:    f.Thread,
		ReplyTo:   f.ReplyTo,
	}
	if err := target.Send(ctx, msg); err != nil {
		slog.Warn("delivery failed", "from", sender.Handle, "to", decision.Target, "error", err)
		metrics.RoutedTotal.WithLabelValues(string(NotDelivered)).Inc()
		return NotDelivered
	}

	metrics.RoutedTotal.WithLabelValues(string(Delivered)).Inc()
	return Delivered
}

// BroadcastPresence announces a join, leave or status change to every
// live session other than the affected user's. Per-peer send failures
// are swallowed; the session manager reaps broken peers.
func (r *Router) BroadcastPresence(ctx context.Context, user string, status wire.Status) {
	frame := wire.PresenceChange{
		Type:     wire.TypePresenceChange,
		User:     user,
		Status:   status,
		Online:   r.sessions.Online(),
		Statuses: r.sessions.Statuses(),
	}
	for _, peer := range r.sessions.Snapshot() {
		if peer.Handle == user {
			continue
		}
		if err := peer.Send(ctx, frame); err != nil {
			slog.Debug("presence broadcast failed", "peer", peer.Handle, "error", err)
		}
	}
	metrics.PresenceBroadcasts.Inc()
}
