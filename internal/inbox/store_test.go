package inbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), "1-team")
}

func seed(t *testing.T, s *Store, d Draft) string {
	t.Helper()
	id, err := s.Append(d)
	require.NoError(t, err)
	return id
}

func readInbox(t *testing.T, s *Store, handle string) string {
	t.Helper()
	data, err := os.ReadFile(s.InboxPath(handle))
	require.NoError(t, err)
	return string(data)
}

func TestAppendScanRoundTrip(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2025, 12, 12, 14, 30, 0, 0, time.UTC)

	id := seed(t, s, Draft{
		From: "alice", To: "bob",
		Text:     "hey bob\nsecond line",
		Priority: PriorityHigh,
		Thread:   "thread-msg-root",
		ReplyTo:  "msg-root",
		Time:     at,
	})

	recs, err := s.Scan("bob")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, id, r.ID())
	assert.Equal(t, "alice", r.From())
	assert.Equal(t, "bob", r.To())
	assert.Equal(t, "hey bob\nsecond line", r.Body)
	assert.Equal(t, PriorityHigh, r.Priority())
	assert.Equal(t, "thread-msg-root", r.Thread())
	assert.Equal(t, "msg-root", r.ReplyTo())
	assert.Equal(t, TagUnread, r.Tag)
}

func TestAppendAssignsIDAndCreatesDirs(t *testing.T) {
	s := newTestStore(t)
	id := seed(t, s, Draft{From: "alice", To: "bob", Text: "hi"})
	assert.True(t, strings.HasPrefix(id, "msg-"))
	assert.FileExists(t, s.InboxPath("bob"))
}

func TestAppendIDsDistinctPerAuthor(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id := seed(t, s, Draft{From: "alice", To: "bob", Text: "m", Time: base.Add(time.Duration(i) * time.Second)})
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestScanFiltersIncompleteTail(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, Draft{From: "alice", To: "bob", Text: "whole"})

	// Simulate a concurrent writer's partial append: header and an
	// unterminated properties block.
	f, err := os.OpenFile(s.InboxPath("bob"), os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString("\n* MESSAGE [2025-12-12 Fri 15:00] :unread:\n:PROPERTIES:\n:ID: msg-partial\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, err := s.Scan("bob")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "whole", recs[0].Body)
}

func TestScanAcrossSpaces(t *testing.T) {
	root := t.TempDir()
	s1 := NewStore(root, "1-team")
	s2 := NewStore(root, "2-research")
	seed(t, s1, Draft{From: "alice", To: "bob", Text: "one"})
	seed(t, s2, Draft{From: "carol", To: "bob", Text: "two"})

	recs, err := s1.Scan("bob")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestMarkCyclesWithSingleTag(t *testing.T) {
	s := newTestStore(t)
	id := seed(t, s, Draft{From: "alice", To: "bob", Text: "hi"})

	for _, tag := range []Tag{TagTodo, TagDone, TagUnread, TagDone} {
		require.NoError(t, s.Mark("bob", id, tag))
		content := readInbox(t, s, "bob")
		header := ""
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(line, "* MESSAGE ") {
				header = line
			}
		}
		count := strings.Count(header, ":unread:") +
			strings.Count(header, ":todo:") +
			strings.Count(header, ":done:")
		assert.Equal(t, 1, count, "header %q after mark %s", header, tag)
	}
}

func TestMarkClear(t *testing.T) {
	s := newTestStore(t)
	id := seed(t, s, Draft{From: "alice", To: "bob", Text: "hi"})
	require.NoError(t, s.Mark("bob", id, TagNone))

	recs, err := s.Scan("bob")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, TagNone, recs[0].Tag)
}

func TestMarkIdempotent(t *testing.T) {
	s := newTestStore(t)
	id := seed(t, s, Draft{From: "alice", To: "bob", Text: "hi"})

	require.NoError(t, s.Mark("bob", id, TagDone))
	first := readInbox(t, s, "bob")
	require.NoError(t, s.Mark("bob", id, TagDone))
	assert.Equal(t, first, readInbox(t, s, "bob"))
}

func TestMarkNotFoundLeavesFileAlone(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, Draft{From: "alice", To: "bob", Text: "hi"})
	before := readInbox(t, s, "bob")

	err := s.Mark("bob", "msg-20250101-000000-ghost", TagDone)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, readInbox(t, s, "bob"))
}

func TestMarkPreservesUnknownProperties(t *testing.T) {
	s := newTestStore(t)
	id := seed(t, s, Draft{From: "alice", To: "bob", Text: "hi"})

	// Inject a property this implementation never writes.
	path := s.InboxPath("bob")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	patched := strings.Replace(string(data), ":END:", ":X_CUSTOM: keep-me\n:END:", 1)
	require.NoError(t, os.WriteFile(path, []byte(patched), 0o640))

	require.NoError(t, s.Mark("bob", id, TagTodo))
	assert.Contains(t, readInbox(t, s, "bob"), ":X_CUSTOM: keep-me")
}

func TestDeleteRemovesOnlyPropertyMatch(t *testing.T) {
	s := newTestStore(t)
	victim := seed(t, s, Draft{From: "alice", To: "bob", Text: "delete me",
		Time: time.Date(2025, 12, 12, 10, 0, 0, 0, time.UTC)})
	// A second record that merely mentions the victim's id in its body.
	keeper := seed(t, s, Draft{From: "carol", To: "bob", Text: "about " + victim,
		Time: time.Date(2025, 12, 12, 10, 1, 0, 0, time.UTC)})

	require.NoError(t, s.Delete("bob", victim))

	recs, err := s.Scan("bob")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, keeper, recs[0].ID())
	assert.Contains(t, recs[0].Body, victim)
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	id := seed(t, s, Draft{From: "alice", To: "bob", Text: "bye"})

	require.NoError(t, s.Delete("bob", id))
	before := readInbox(t, s, "bob")
	assert.ErrorIs(t, s.Delete("bob", id), ErrNotFound)
	assert.Equal(t, before, readInbox(t, s, "bob"))
}

func TestStartTask(t *testing.T) {
	s := newTestStore(t)
	id := seed(t, s, Draft{From: "alice", To: "alice-claude", Text: "do X"})

	now := time.Date(2025, 12, 12, 15, 0, 0, 0, time.UTC)
	require.NoError(t, s.StartTask("alice-claude", id, now))

	recs, err := s.Scan("alice-claude")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, TagNone, recs[0].Tag)
	assert.Equal(t, TaskWorking, recs[0].TaskStatus())
	assert.Equal(t, "[2025-12-12 Fri 15:00]", recs[0].Prop(PropStartedAt))
}

func TestCompleteTask(t *testing.T) {
	s := newTestStore(t)
	id := seed(t, s, Draft{From: "alice", To: "alice-claude", Text: "do X"})
	require.NoError(t, s.StartTask("alice-claude", id, time.Now()))

	done := time.Date(2025, 12, 12, 16, 30, 0, 0, time.UTC)
	require.NoError(t, s.CompleteTask(id, done))

	recs, err := s.Scan("alice-claude")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, TagDone, recs[0].Tag)
	assert.Equal(t, TaskDone, recs[0].TaskStatus())
	assert.Equal(t, "[2025-12-12 Fri 16:30]", recs[0].Prop(PropCompletedAt))
	// STARTED_AT survives the completion rewrite.
	assert.NotEmpty(t, recs[0].Prop(PropStartedAt))
}

func TestFindThread(t *testing.T) {
	s := newTestStore(t)
	id := seed(t, s, Draft{From: "alice", To: "bob", Text: "root", Thread: "thread-msg-abc"})

	thread, ok := s.FindThread(id)
	assert.True(t, ok)
	assert.Equal(t, "thread-msg-abc", thread)

	_, ok = s.FindThread("msg-20250101-000000-ghost")
	assert.False(t, ok)
}

func TestSortByID(t *testing.T) {
	s := newTestStore(t)
	late := seed(t, s, Draft{ID: "msg-20251212-120000-alice", From: "alice", To: "bob", Text: "late",
		Time: time.Date(2025, 12, 12, 12, 0, 0, 0, time.UTC)})
	early := seed(t, s, Draft{ID: "msg-20251211-120000-alice", From: "alice", To: "bob", Text: "early",
		Time: time.Date(2025, 12, 11, 12, 0, 0, 0, time.UTC)})

	recs, err := s.Scan("bob")
	require.NoError(t, err)
	SortByID(recs)
	require.Len(t, recs, 2)
	assert.Equal(t, early, recs[0].ID())
	assert.Equal(t, late, recs[1].ID())
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	s := newTestStore(t)
	done := make(chan string, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			id, err := s.Append(Draft{From: "alice", To: "bob", Text: strings.Repeat("x", 200)})
			assert.NoError(t, err)
			done <- id
		}(i)
	}
	ids := make(map[string]bool)
	for i := 0; i < 20; i++ {
		ids[<-done] = true
	}
	assert.Len(t, ids, 20)

	recs, err := s.Scan("bob")
	require.NoError(t, err)
	assert.Len(t, recs, 20)
	for _, r := range recs {
		assert.Equal(t, strings.Repeat("x", 200), r.Body)
		assert.True(t, ids[r.ID()])
	}
}

func TestInboxPathDerivation(t *testing.T) {
	s := NewStore("/data", "1-team")
	assert.Equal(t, filepath.Join("/data", "1-team", "org", "inboxes", "bob.org"), s.InboxPath("bob"))
}
