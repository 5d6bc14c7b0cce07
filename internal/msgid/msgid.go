// Package msgid generates stable message identifiers and resolves
// reply threading.
//
// An id has the form msg-YYYYMMDD-HHMMSS-<author> (UTC). The one-second
// stamp plus author makes ids unique per author as long as appends are at
// least a second apart; within the same process, a monotonic guard bumps
// the stamp forward so two ids generated in the same second never collide.
package msgid

import (
	"strings"
	"sync"
	"time"

	"github.com/datafund/datacore-messaging/internal/util/timefmt"
)

// ThreadPrefix is prepended to a parent id to synthesize a thread
// identifier when the parent carries no thread of its own.
const ThreadPrefix = "thread-"

var (
	mu   sync.Mutex
	last time.Time
)

// New returns a message id for the given author at time t.
func New(author string, t time.Time) string {
	t = t.UTC().Truncate(time.Second)

	mu.Lock()
	if !t.After(last) {
		t = last.Add(time.Second)
	}
	last = t
	mu.Unlock()

	return "msg-" + timefmt.Stamp(t) + "-" + author
}

// Valid reports whether s looks like a message id.
func Valid(s string) bool {
	if !strings.HasPrefix(s, "msg-") {
		return false
	}
	rest := s[len("msg-"):]
	// YYYYMMDD-HHMMSS-author
	parts := strings.SplitN(rest, "-", 3)
	if len(parts) != 3 || parts[2] == "" {
		return false
	}
	if _, err := time.Parse(timefmt.IDStamp, parts[0]+"-"+parts[1]); err != nil {
		return false
	}
	return true
}

// ThreadFor resolves the thread for a reply to parentID. parentThread is
// the parent's own thread property, empty when the parent has none or
// cannot be located. Every reply records the thread of its immediate
// parent, so membership never requires transitive walks.
func ThreadFor(parentID, parentThread string) string {
	if parentThread != "" {
		return parentThread
	}
	return ThreadPrefix + parentID
}
