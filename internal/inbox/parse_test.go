package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
* MESSAGE [2025-12-12 Fri 14:30] :unread:
:PROPERTIES:
:ID: msg-20251212-143000-alice
:FROM: alice
:TO: bob
:PRIORITY: high
:END:
first message body

* MESSAGE [2025-12-12 Fri 14:31]
:PROPERTIES:
:id: msg-20251212-143100-carol
:from: carol
:to: bob
:priority: normal
:X_TRACE: abc:def
:END:

  indented line
second paragraph

`

func TestParseAllBasics(t *testing.T) {
	recs := parseAll(sample)
	require.Len(t, recs, 2)

	first := recs[0]
	assert.True(t, first.complete)
	assert.Equal(t, "[2025-12-12 Fri 14:30]", first.Timestamp)
	assert.Equal(t, TagUnread, first.Tag)
	assert.Equal(t, "msg-20251212-143000-alice", first.ID())
	assert.Equal(t, PriorityHigh, first.Priority())
	assert.Equal(t, "first message body", first.Body)

	second := recs[1]
	assert.True(t, second.complete)
	assert.Equal(t, TagNone, second.Tag, "no tag means read")
	// Property keys are case-insensitive on read.
	assert.Equal(t, "msg-20251212-143100-carol", second.ID())
	assert.Equal(t, "carol", second.From())
	// Values may contain colons; only the key delimiter splits.
	assert.Equal(t, "abc:def", second.Prop("x_trace"))
	// Outer blank lines are trimmed, interior whitespace preserved.
	assert.Equal(t, "  indented line\nsecond paragraph", second.Body)
}

func TestParseAllSkipsUnterminatedPropertiesBlock(t *testing.T) {
	content := sample + "* MESSAGE [2025-12-12 Fri 14:32] :unread:\n:PROPERTIES:\n:ID: msg-partial\n"
	recs := parseAll(content)
	require.Len(t, recs, 3)
	assert.False(t, recs[2].complete)
}

func TestParseAllRecordWithoutProperties(t *testing.T) {
	recs := parseAll("* MESSAGE [2025-12-12 Fri 14:30] :unread:\njust text\n")
	require.Len(t, recs, 1)
	assert.False(t, recs[0].complete)
}

func TestParseHeaderVariants(t *testing.T) {
	tests := []struct {
		line string
		ts   string
		tag  Tag
	}{
		{"* MESSAGE [2025-12-12 Fri 14:30] :unread:", "[2025-12-12 Fri 14:30]", TagUnread},
		{"* MESSAGE [2025-12-12 Fri 14:30] :todo:", "[2025-12-12 Fri 14:30]", TagTodo},
		{"* MESSAGE [2025-12-12 Fri 14:30]", "[2025-12-12 Fri 14:30]", TagNone},
		{"* MESSAGE [2025-12-12 Fri 14:30] :done:", "[2025-12-12 Fri 14:30]", TagDone},
		// A non-status trailing tag is not a status.
		{"* MESSAGE [2025-12-12 Fri 14:30] :archive:", "[2025-12-12 Fri 14:30]", TagNone},
	}
	for _, tt := range tests {
		ts, tag := parseHeader(tt.line)
		assert.Equal(t, tt.ts, ts, tt.line)
		assert.Equal(t, tt.tag, tag, tt.line)
	}
}

func TestStripStatusTags(t *testing.T) {
	h := "* MESSAGE [2025-12-12 Fri 14:30] :unread:"
	assert.Equal(t, "* MESSAGE [2025-12-12 Fri 14:30]", stripStatusTags(h))
	// Already clean headers pass through.
	assert.Equal(t, "* MESSAGE [2025-12-12 Fri 14:30]", stripStatusTags("* MESSAGE [2025-12-12 Fri 14:30]"))
}

func TestParseProperty(t *testing.T) {
	key, val, ok := parseProperty(":ID: msg-20251212-143000-alice")
	require.True(t, ok)
	assert.Equal(t, "ID", key)
	assert.Equal(t, "msg-20251212-143000-alice", val)

	_, _, ok = parseProperty("not a property")
	assert.False(t, ok)

	_, _, ok = parseProperty(":noval")
	assert.False(t, ok)
}

func TestBodyContainingHeaderLikeTextMidLine(t *testing.T) {
	// "* MESSAGE" only starts a record at column 0.
	content := "* MESSAGE [2025-12-12 Fri 14:30] :unread:\n:PROPERTIES:\n:ID: msg-a\n:END:\nsee the * MESSAGE marker docs\n  * MESSAGE indented is body too\n"
	recs := parseAll(content)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Body, "marker docs")
	assert.Contains(t, recs[0].Body, "indented is body too")
}
