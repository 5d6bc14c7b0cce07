// Package watcher polls an inbox for new unread messages. Polling is
// deliberately coarse: the inbox is small, a full re-read is cheap, and
// the id cache keeps delivery exactly-once from the caller's point of
// view across polls and restarts.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/datafund/datacore-messaging/internal/inbox"
)

// MinInterval is the floor for the polling cadence.
const MinInterval = time.Second

// Watcher surfaces new unread records for one handle.
type Watcher struct {
	store     *inbox.Store
	handle    string
	interval  time.Duration
	statePath string // optional: persists seen ids across runs
	seen      map[string]bool
}

// New creates a Watcher for handle. statePath may be empty, in which
// case seen ids live only in memory.
func New(store *inbox.Store, handle string, interval time.Duration, statePath string) *Watcher {
	if interval < MinInterval {
		interval = MinInterval
	}
	w := &Watcher{
		store:     store,
		handle:    handle,
		interval:  interval,
		statePath: statePath,
		seen:      make(map[string]bool),
	}
	w.loadSeen()
	return w
}

// Run polls until ctx is cancelled, invoking onNew with each batch of
// previously unseen unread records in chronological order.
func (w *Watcher) Run(ctx context.Context, onNew func([]inbox.Record)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if batch := w.Poll(); len(batch) > 0 {
			onNew(batch)
		}
	}
}

// Poll performs one scan and returns the unseen unread records.
func (w *Watcher) Poll() []inbox.Record {
	recs, err := w.store.ScanTagged(w.handle, inbox.TagUnread)
	if err != nil {
		slog.Warn("inbox scan failed", "handle", w.handle, "error", err)
		return nil
	}

	var fresh []inbox.Record
	for _, r := range recs {
		id := r.ID()
		if id == "" || w.seen[id] {
			continue
		}
		w.seen[id] = true
		fresh = append(fresh, r)
	}
	if len(fresh) > 0 {
		inbox.SortByID(fresh)
		w.saveSeen()
	}
	return fresh
}

// loadSeen restores the id cache from the state file.
func (w *Watcher) loadSeen() {
	if w.statePath == "" {
		return
	}
	data, err := os.ReadFile(w.statePath)
	if err != nil {
		return
	}
	for _, id := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if id != "" {
			w.seen[id] = true
		}
	}
}

// saveSeen persists the id cache. Best-effort.
func (w *Watcher) saveSeen() {
	if w.statePath == "" {
		return
	}
	ids := make([]string, 0, len(w.seen))
	for id := range w.seen {
		ids = append(ids, id)
	}
	if err := os.WriteFile(w.statePath, []byte(strings.Join(ids, "\n")+"\n"), 0o600); err != nil {
		slog.Debug("seen-id state save failed", "error", err)
	}
}

// Digest renders a batch of new agent-inbox messages as the context
// block injected into the agent's conversation.
func Digest(handle string, recs []inbox.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n📬 New messages for @%s:\n\n", handle)
	for _, r := range recs {
		marker := ""
		if r.Priority() == inbox.PriorityHigh {
			marker = " [!]"
		}
		fmt.Fprintf(&b, "From @%s (%s)%s:\n", r.From(), r.Timestamp, marker)
		fmt.Fprintf(&b, "  %s\n\n", r.Body)
	}
	b.WriteString("---\nReply using the messaging system or directly in conversation.\n")
	return b.String()
}
