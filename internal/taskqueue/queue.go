// Package taskqueue feeds the agent inbox to the AI agent one task at a
// time. A task is an :unread: record in the <user>-claude inbox; at most
// one record may hold TASK_STATUS working at any moment.
package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/datafund/datacore-messaging/internal/inbox"
)

// AgentSuffix is appended to a user handle to form the agent handle.
const AgentSuffix = "-claude"

// pendingPreview caps how many pending tasks Status returns.
const pendingPreview = 5

// Task is a queue view of an inbox record.
type Task struct {
	ID       string         `json:"id"`
	From     string         `json:"from"`
	Text     string         `json:"text"`
	Priority inbox.Priority `json:"priority"`
}

// Dispatch is the result of asking for the next task.
type Dispatch struct {
	// Status is "ok" (Task is set), "busy" (Working is set) or "empty".
	Status  string
	Task    *Task
	Working string // id of the in-flight task when busy
	Queued  int    // pending tasks left behind after this dispatch
}

// Status is a read-only snapshot of the queue.
type Status struct {
	Working      *Task
	Pending      []Task // first pendingPreview, priority order
	PendingTotal int
	Completed    int
}

// state is persisted across runs so the completed count survives.
type state struct {
	CurrentTask string   `json:"current_task"`
	Completed   []string `json:"completed"`
}

// Queue mediates the single-in-flight task discipline for one agent
// inbox. Dispatches and completions are serialized against each other.
type Queue struct {
	store     *inbox.Store
	handle    string
	statePath string

	mu sync.Mutex
}

// New creates a Queue for user's agent inbox. stateDir holds the small
// JSON state file.
func New(store *inbox.Store, user, stateDir string) *Queue {
	return &Queue{
		store:     store,
		handle:    user + AgentSuffix,
		statePath: filepath.Join(stateDir, "queue-state.json"),
	}
}

// Handle returns the agent handle this queue reads.
func (q *Queue) Handle() string { return q.handle }

// Next returns the next task to work on. If a task is already in flight
// the dispatch reports busy and nothing is selected; the caller surfaces
// the queue status instead. Otherwise the head of the pending list
// (high priority first, then chronological) transitions to working.
func (q *Queue) Next(now time.Time) (Dispatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	working, err := q.workingIDs()
	if err != nil {
		return Dispatch{}, err
	}
	if len(working) > 0 {
		return Dispatch{Status: "busy", Working: working[0]}, nil
	}

	pending, err := q.pending()
	if err != nil {
		return Dispatch{}, err
	}
	if len(pending) == 0 {
		return Dispatch{Status: "empty"}, nil
	}

	next := pending[0]
	if err := q.store.StartTask(q.handle, next.ID, now); err != nil {
		return Dispatch{}, fmt.Errorf("start task %s: %w", next.ID, err)
	}

	st := q.loadState()
	st.CurrentTask = next.ID
	q.saveState(st)

	return Dispatch{Status: "ok", Task: &next, Queued: len(pending) - 1}, nil
}

// Complete marks the task with the given id done: the record gains
// :done:, TASK_STATUS done and COMPLETED_AT. Serialized with dispatches
// on the same queue.
func (q *Queue) Complete(id string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CompleteTask(id, now); err != nil {
		return err
	}

	st := q.loadState()
	if st.CurrentTask == id {
		st.CurrentTask = ""
	}
	for _, c := range st.Completed {
		if c == id {
			q.saveState(st)
			return nil
		}
	}
	st.Completed = append(st.Completed, id)
	q.saveState(st)
	return nil
}

// Status returns the working task (if any), the first few pending tasks
// and the completed count. Read-only.
func (q *Queue) Status() (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out Status

	recs, err := q.store.Scan(q.handle)
	if err != nil {
		return out, err
	}
	for _, r := range recs {
		if r.TaskStatus() == inbox.TaskWorking {
			t := toTask(r)
			out.Working = &t
			break
		}
	}

	pending, err := q.pending()
	if err != nil {
		return out, err
	}
	out.PendingTotal = len(pending)
	if len(pending) > pendingPreview {
		pending = pending[:pendingPreview]
	}
	out.Pending = pending

	out.Completed = len(q.loadState().Completed)
	return out, nil
}

// Clear resets the completed list, returning how many entries were
// dropped.
func (q *Queue) Clear() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.loadState()
	n := len(st.Completed)
	st.Completed = nil
	if err := q.saveState(st); err != nil {
		return 0, err
	}
	return n, nil
}

// pending returns unread tasks sorted high-priority first, then by id
// (chronological).
func (q *Queue) pending() ([]Task, error) {
	recs, err := q.store.ScanTagged(q.handle, inbox.TagUnread)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(recs))
	for _, r := range recs {
		if r.ID() == "" {
			continue
		}
		tasks = append(tasks, toTask(r))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority == inbox.PriorityHigh
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (q *Queue) workingIDs() ([]string, error) {
	recs, err := q.store.Scan(q.handle)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range recs {
		if r.TaskStatus() == inbox.TaskWorking {
			ids = append(ids, r.ID())
		}
	}
	return ids, nil
}

func toTask(r inbox.Record) Task {
	return Task{ID: r.ID(), From: r.From(), Text: r.Body, Priority: r.Priority()}
}

func (q *Queue) loadState() state {
	var st state
	data, err := os.ReadFile(q.statePath)
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return state{}
	}
	return st
}

func (q *Queue) saveState(st state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.statePath), 0o750); err != nil {
		return err
	}
	return os.WriteFile(q.statePath, data, 0o600)
}
