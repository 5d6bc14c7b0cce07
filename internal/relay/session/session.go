// Package session tracks authenticated relay connections. The relay
// keeps at most one session per handle; a re-auth registers the new
// session before the predecessor is closed, so the router never sees a
// recipient gap.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/datafund/datacore-messaging/internal/metrics"
	"github.com/datafund/datacore-messaging/internal/relay/wire"
)

// Conn is the subset of the websocket connection a session writes to.
// Tests substitute an in-memory implementation.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Session is one authenticated connection: the conn handle, the handle
// that authenticated, the join time, the owner's agent whitelist and the
// current presence status. Writes to the conn are serialized by an owned
// mutex so concurrent routes interleave at frame boundaries, never
// mid-frame.
type Session struct {
	ID       string // transport-level id for log correlation
	Handle   string
	JoinedAt time.Time

	conn Conn

	mu        sync.Mutex // guards writes to conn
	stateMu   sync.RWMutex
	status    wire.Status
	whitelist []string
}

// New creates a Session for an authenticated handle.
func New(id, handle string, conn Conn, status wire.Status, whitelist []string) *Session {
	if !wire.ValidStatus(status) {
		status = wire.StatusOnline
	}
	return &Session{
		ID:        id,
		Handle:    handle,
		JoinedAt:  time.Now(),
		conn:      conn,
		status:    status,
		whitelist: whitelist,
	}
}

// Send marshals a frame and writes it to the peer as a single text
// frame. Safe for concurrent use.
func (s *Session) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	metrics.FramesOutTotal.Inc()
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}

// Status returns the current presence status.
func (s *Session) Status() wire.Status {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.status
}

// SetStatus updates the presence status.
func (s *Session) SetStatus(status wire.Status) {
	s.stateMu.Lock()
	s.status = status
	s.stateMu.Unlock()
}

// Whitelist returns the peers allowed to reach this user's agent
// address. Empty means everyone.
func (s *Session) Whitelist() []string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.whitelist
}

// Manager is the shared online-user registry. A single writer mutates
// on auth, close and status change; readers take snapshots they can
// enumerate without holding the lock.
type Manager struct {
	mu       sync.RWMutex
	byHandle map[string]*Session
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{byHandle: make(map[string]*Session)}
}

// Register stores s as the session for its handle and returns the
// predecessor, if any. The caller closes the predecessor asynchronously;
// routes issued in between reach the new session.
func (m *Manager) Register(s *Session) *Session {
	m.mu.Lock()
	old := m.byHandle[s.Handle]
	m.byHandle[s.Handle] = s
	m.mu.Unlock()

	if old == nil {
		metrics.SessionsActive.Inc()
	} else {
		metrics.SessionsEvicted.Inc()
	}
	return old
}

// Unregister removes s only if it is still the registered session for
// its handle, so a stale session's deferred cleanup never removes a
// newer replacement. Returns true if the session was actually removed.
func (m *Manager) Unregister(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byHandle[s.Handle] == s {
		delete(m.byHandle, s.Handle)
		metrics.SessionsActive.Dec()
		return true
	}
	return false
}

// Get returns the session for a handle, or nil.
func (m *Manager) Get(handle string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byHandle[handle]
}

// Online returns the sorted list of online handles.
func (m *Manager) Online() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byHandle))
	for h := range m.byHandle {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Statuses returns a handle → status snapshot.
func (m *Manager) Statuses() map[string]wire.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]wire.Status, len(m.byHandle))
	for h, s := range m.byHandle {
		out[h] = s.Status()
	}
	return out
}

// Snapshot returns the live sessions as a slice safe to iterate without
// the lock.
func (m *Manager) Snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byHandle))
	for _, s := range m.byHandle {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byHandle)
}
