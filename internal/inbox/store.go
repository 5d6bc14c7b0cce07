package inbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/datafund/datacore-messaging/internal/msgid"
	"github.com/datafund/datacore-messaging/internal/util/timefmt"
)

// ErrNotFound is returned when an operation references a message id that
// no record's properties contain.
var ErrNotFound = errors.New("inbox: message not found")

// Store reads and writes inbox files under a data root. Appends go to the
// configured default space; lookups search every space under the root.
type Store struct {
	root  string
	space string
}

// NewStore creates a Store rooted at root, writing to the given space.
func NewStore(root, space string) *Store {
	return &Store{root: root, space: space}
}

// InboxPath returns the write path for a handle's inbox.
func (s *Store) InboxPath(handle string) string {
	return filepath.Join(s.root, s.space, "org", "inboxes", handle+".org")
}

// inboxPaths returns every existing inbox file for a handle across all
// spaces, the write path first when present.
func (s *Store) inboxPaths(handle string) []string {
	matches, _ := filepath.Glob(filepath.Join(s.root, "*", "org", "inboxes", handle+".org"))
	sort.Strings(matches)
	write := s.InboxPath(handle)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m == write {
			out = append([]string{m}, out...)
		} else {
			out = append(out, m)
		}
	}
	return out
}

// allInboxPaths returns every inbox file under the root, any handle.
func (s *Store) allInboxPaths() []string {
	matches, _ := filepath.Glob(filepath.Join(s.root, "*", "org", "inboxes", "*.org"))
	sort.Strings(matches)
	return matches
}

// Draft is a message to be appended.
type Draft struct {
	ID       string // assigned from From+Time when empty
	From     string
	To       string
	Text     string
	Priority Priority // defaults to normal
	Thread   string
	ReplyTo  string
	Tag      Tag       // defaults to unread
	Time     time.Time // defaults to now
}

// Append writes a record to the recipient's inbox and returns the
// assigned id. Parent directories are created as needed. The whole
// record — header, properties and body — is batched into a single
// append-mode write so concurrent writers to the same file never
// interleave below the POSIX atomic write size.
func (s *Store) Append(d Draft) (string, error) {
	if d.Time.IsZero() {
		d.Time = time.Now()
	}
	if d.ID == "" {
		d.ID = msgid.New(d.From, d.Time)
	}
	if d.Priority == "" {
		d.Priority = PriorityNormal
	}
	tag := d.Tag
	if tag == TagNone {
		tag = TagUnread
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n* MESSAGE %s :%s:\n", timefmt.OrgStamp(d.Time), tag)
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":%s: %s\n", PropID, d.ID)
	fmt.Fprintf(&b, ":%s: %s\n", PropFrom, d.From)
	fmt.Fprintf(&b, ":%s: %s\n", PropTo, d.To)
	fmt.Fprintf(&b, ":%s: %s\n", PropPriority, d.Priority)
	if d.Thread != "" {
		fmt.Fprintf(&b, ":%s: %s\n", PropThread, d.Thread)
	}
	if d.ReplyTo != "" {
		fmt.Fprintf(&b, ":%s: %s\n", PropReplyTo, d.ReplyTo)
	}
	b.WriteString(":END:\n")
	b.WriteString(d.Text)
	b.WriteString("\n")

	path := s.InboxPath(d.To)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create inbox dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return "", fmt.Errorf("open inbox: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return "", fmt.Errorf("append record: %w", err)
	}
	return d.ID, nil
}

// Scan returns every complete record addressed to handle across all
// spaces, in disk (authoring) order. Chronological order is recovered by
// sorting on id. A trailing record with an unterminated properties block
// is treated as absent.
func (s *Store) Scan(handle string) ([]Record, error) {
	var out []Record
	for _, path := range s.inboxPaths(handle) {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read inbox: %w", err)
		}
		for _, p := range parseAll(string(data)) {
			if p.complete {
				out = append(out, p.Record)
			}
		}
	}
	return out, nil
}

// ScanTagged returns complete records carrying the given status tag.
func (s *Store) ScanTagged(handle string, tag Tag) ([]Record, error) {
	recs, err := s.Scan(handle)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Tag == tag {
			out = append(out, r)
		}
	}
	return out, nil
}

// Mark updates the status tag of the record with the given id: every
// existing status tag is stripped from the header, then newTag is
// appended (TagNone clears instead). Idempotent. Returns ErrNotFound if
// no record's properties contain the id; the file is not modified in
// that case. Duplicate ids (an operator error) are all updated.
func (s *Store) Mark(handle, id string, newTag Tag) error {
	found := false
	for _, path := range s.inboxPaths(handle) {
		_, err := s.rewrite(path, func(lines []string, recs []parsed) ([]string, bool) {
			changed := false
			for _, rec := range recs {
				if !rec.complete || rec.ID() != id {
					continue
				}
				header := stripStatusTags(lines[rec.headerLine])
				if newTag != TagNone {
					header += " :" + string(newTag) + ":"
				}
				if header != lines[rec.headerLine] {
					lines[rec.headerLine] = header
					changed = true
				}
				found = true
			}
			return lines, changed
		})
		if err != nil {
			return err
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record whose properties contain the exact id,
// rewriting the file. An id that only appears in another record's body
// does not match. Idempotent: deleting an already-removed id returns
// ErrNotFound without modifying the file.
func (s *Store) Delete(handle, id string) error {
	found := false
	for _, path := range s.inboxPaths(handle) {
		_, err := s.rewrite(path, func(lines []string, recs []parsed) ([]string, bool) {
			// Collect ranges back-to-front so earlier indexes stay valid.
			var doomed []parsed
			for _, rec := range recs {
				if rec.complete && rec.ID() == id {
					doomed = append(doomed, rec)
				}
			}
			if len(doomed) == 0 {
				return lines, false
			}
			found = true
			for i := len(doomed) - 1; i >= 0; i-- {
				rec := doomed[i]
				start := rec.headerLine
				// Swallow the blank separator line preceding the header.
				if start > 0 && strings.TrimSpace(lines[start-1]) == "" {
					start--
				}
				lines = append(lines[:start], lines[rec.endLine:]...)
			}
			return lines, true
		})
		if err != nil {
			return err
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// StartTask transitions an unread agent task to working: the :unread:
// tag is removed from the header and TASK_STATUS/STARTED_AT are set in
// the properties block.
func (s *Store) StartTask(handle, id string, now time.Time) error {
	found := false
	for _, path := range s.inboxPaths(handle) {
		_, err := s.rewrite(path, func(lines []string, recs []parsed) ([]string, bool) {
			changed := false
			// Back-to-front: property insertion shifts later line indexes.
			for i := len(recs) - 1; i >= 0; i-- {
				rec := recs[i]
				if !rec.complete || rec.ID() != id {
					continue
				}
				found = true
				lines[rec.headerLine] = stripStatusTags(lines[rec.headerLine])
				lines = setProperties(lines, rec, map[string]string{
					PropTaskStatus: TaskWorking,
					PropStartedAt:  timefmt.OrgStamp(now),
				})
				changed = true
			}
			return lines, changed
		})
		if err != nil {
			return err
		}
		if found {
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// CompleteTask marks a task record done wherever it lives under the
// root: adds :done: to the header, sets TASK_STATUS to done and stamps
// COMPLETED_AT. Unknown properties in the block are untouched.
func (s *Store) CompleteTask(id string, now time.Time) error {
	found := false
	for _, path := range s.allInboxPaths() {
		_, err := s.rewrite(path, func(lines []string, recs []parsed) ([]string, bool) {
			changed := false
			for i := len(recs) - 1; i >= 0; i-- {
				rec := recs[i]
				if !rec.complete || rec.ID() != id {
					continue
				}
				found = true
				header := stripStatusTags(lines[rec.headerLine]) + " :" + string(TagDone) + ":"
				lines[rec.headerLine] = header
				lines = setProperties(lines, rec, map[string]string{
					PropTaskStatus:  TaskDone,
					PropCompletedAt: timefmt.OrgStamp(now),
				})
				changed = true
			}
			return lines, changed
		})
		if err != nil {
			return err
		}
		if found {
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Has reports whether any record in handle's inboxes already carries
// the id. Relay-received appends consult it so a message that is also
// visible via a shared filesystem is never duplicated.
func (s *Store) Has(handle, id string) bool {
	recs, err := s.Scan(handle)
	if err != nil {
		return false
	}
	for _, r := range recs {
		if r.ID() == id {
			return true
		}
	}
	return false
}

// FindThread locates a message anywhere under the root and returns its
// thread property. The second return is false when the id cannot be
// found; replies still thread by synthesizing from the parent id.
func (s *Store) FindThread(id string) (string, bool) {
	for _, path := range s.allInboxPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if !strings.Contains(string(data), id) {
			continue
		}
		for _, p := range parseAll(string(data)) {
			if p.complete && p.ID() == id {
				return p.Thread(), true
			}
		}
	}
	return "", false
}

// setProperties updates or inserts :KEY: VALUE lines inside a record's
// properties block. Existing keys are replaced in place (any spelling);
// new keys are inserted just before :END:. Lines the parser does not
// understand are left exactly as they were.
func setProperties(lines []string, rec parsed, set map[string]string) []string {
	pending := make(map[string]string, len(set))
	for k, v := range set {
		pending[strings.ToUpper(k)] = v
	}

	for i := rec.headerLine + 1; i < rec.propsEnd; i++ {
		key, _, ok := parseProperty(lines[i])
		if !ok {
			continue
		}
		if v, hit := pending[strings.ToUpper(key)]; hit {
			lines[i] = fmt.Sprintf(":%s: %s", strings.ToUpper(key), v)
			delete(pending, strings.ToUpper(key))
		}
	}
	if len(pending) == 0 {
		return lines
	}

	// Insert remaining keys before :END:, in stable order.
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	insert := make([]string, 0, len(keys))
	for _, k := range keys {
		insert = append(insert, fmt.Sprintf(":%s: %s", k, pending[k]))
	}

	out := make([]string, 0, len(lines)+len(insert))
	out = append(out, lines[:rec.propsEnd]...)
	out = append(out, insert...)
	out = append(out, lines[rec.propsEnd:]...)
	return out
}

// rewrite runs fn over the parsed contents of path under an advisory
// lock and, when fn reports a change, replaces the file via a temp-file
// rename. Rewriting writers block briefly on the lock rather than
// interleave.
func (s *Store) rewrite(path string, fn func(lines []string, recs []parsed) ([]string, bool)) (bool, error) {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("lock inbox: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read inbox: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	recs := parseAll(string(data))
	newLines, changed := fn(lines, recs)
	if !changed {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".inbox-*")
	if err != nil {
		return false, fmt.Errorf("create temp inbox: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strings.Join(newLines, "\n")); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("write temp inbox: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("close temp inbox: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("replace inbox: %w", err)
	}
	return true, nil
}

// SortByID orders records chronologically: ids embed a UTC second stamp,
// so lexicographic id order is authoring order.
func SortByID(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID() < recs[j].ID() })
}
