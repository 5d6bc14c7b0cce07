// Package client implements the compose-and-send and receive paths
// shared by the UI layer and the agent reply helper. The local inbox
// append is always the durability boundary; the relay is best-effort
// on top.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/datafund/datacore-messaging/internal/client/config"
	"github.com/datafund/datacore-messaging/internal/client/relayclient"
	"github.com/datafund/datacore-messaging/internal/inbox"
	"github.com/datafund/datacore-messaging/internal/msgid"
	"github.com/datafund/datacore-messaging/internal/relay/wire"
	"github.com/datafund/datacore-messaging/internal/sidechannel"
	"github.com/datafund/datacore-messaging/internal/taskqueue"
)

// SendOptions modify a send.
type SendOptions struct {
	From     string // defaults to the configured identity
	ReplyTo  string // id of the message being replied to
	Complete string // task id to mark done first; implies ReplyTo
	Route    []string
	Priority inbox.Priority
}

// SendResult reports what a send did.
type SendResult struct {
	MsgID     string
	Thread    string
	Delivered bool // true only when the relay handed it to a live peer
	Completed bool // the Complete id was found and marked done
	Routes    []sidechannel.Result
}

// Sender owns one user's outbound path.
type Sender struct {
	cfg   *config.Config
	store *inbox.Store
	side  *sidechannel.Router
}

// NewSender creates a Sender over the configured data root.
func NewSender(cfg *config.Config, store *inbox.Store) *Sender {
	side := sidechannel.New(store, cfg.Root, cfg.Messaging.DefaultSpace, cfg.AgentHandle())
	return &Sender{cfg: cfg, store: store, side: side}
}

// SideChannel exposes the side-channel router (tests swap the issue
// poster through it).
func (s *Sender) SideChannel() *sidechannel.Router { return s.side }

// Send composes a message to another handle: resolves threading,
// completes a referenced task, fans out side-channel routes, appends to
// the local inbox, and finally offers the message to the relay. Inbox
// IO failure is the only error; relay failure just leaves Delivered
// false.
func (s *Sender) Send(ctx context.Context, to, text string, opts SendOptions) (*SendResult, error) {
	res := &SendResult{}

	from := opts.From
	if from == "" {
		from = s.cfg.Identity.Name
	}

	// The "claude" shortcut addresses the sender's own agent. Resolve
	// it here as well so the durable local append lands in the agent
	// inbox even when the relay path is down.
	if to == "claude" {
		to = from + taskqueue.AgentSuffix
	}

	// Completing implies replying: the answer joins the task's thread.
	replyTo := opts.ReplyTo
	if opts.Complete != "" && replyTo == "" {
		replyTo = opts.Complete
	}

	if opts.Complete != "" {
		queue := taskqueue.New(s.store, s.cfg.Identity.Name, s.cfg.Root)
		if err := queue.Complete(opts.Complete, nowFunc()); err != nil {
			slog.Warn("could not mark task done", "id", opts.Complete, "error", err)
		} else {
			res.Completed = true
		}
	}

	var thread string
	if replyTo != "" {
		parentThread, _ := s.store.FindThread(replyTo)
		thread = msgid.ThreadFor(replyTo, parentThread)
	}

	meta := sidechannel.Meta{Thread: thread, ReplyTo: replyTo}
	if len(opts.Route) > 0 {
		res.Routes = s.side.RouteAll(ctx, opts.Route, text, meta)
		for _, r := range res.Routes {
			slog.Info("side-channel route", "dest", r.Dest, "ok", r.OK, "summary", r.Summary)
		}
	}

	id, err := s.store.Append(inbox.Draft{
		From: from, To: to, Text: text,
		Priority: opts.Priority,
		Thread:   thread, ReplyTo: replyTo,
	})
	if err != nil {
		return nil, fmt.Errorf("append to inbox: %w", err)
	}
	res.MsgID = id
	res.Thread = thread

	if s.cfg.RelayEnabled() {
		delivered, err := relayclient.SendOnce(ctx, relayclient.Options{
			URL:      s.cfg.Messaging.Relay.URL,
			Secret:   s.cfg.Messaging.Relay.Secret,
			Username: from,
		}, wire.Send{
			Type: wire.TypeSend, To: to, Text: text,
			Priority: string(opts.Priority), MsgID: id,
			Thread: thread, ReplyTo: replyTo,
		})
		if err != nil {
			slog.Warn("relay send failed", "to", to, "error", err)
		}
		res.Delivered = delivered
	}

	return res, nil
}

// Receive appends a relay-delivered message to the recipient's local
// inbox. Deduplicates on the stable message id, so a message that also
// arrived via a shared filesystem is written exactly once. Returns the
// appended id, or "" when the message was already present.
func (s *Sender) Receive(me string, msg *wire.Message) (string, error) {
	if msg.MsgID != "" && s.store.Has(me, msg.MsgID) {
		return "", nil
	}
	id, err := s.store.Append(inbox.Draft{
		ID:   msg.MsgID,
		From: msg.From, To: me, Text: msg.Text,
		Priority: inbox.Priority(msg.Priority),
		Thread:   msg.Thread, ReplyTo: msg.ReplyTo,
	})
	if err != nil {
		return "", fmt.Errorf("append received message: %w", err)
	}
	return id, nil
}

// nowFunc is swapped in tests.
var nowFunc = time.Now
