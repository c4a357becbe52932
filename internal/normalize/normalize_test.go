package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackcal/internal/model"
)

func msg(ts, user, text string) map[string]any {
	return map[string]any{"type": "message", "ts": ts, "user": user, "text": text}
}

func TestSplit_FiltersAndSorts(t *testing.T) {
	raw := []map[string]any{
		msg("1700000300.000200", "U2", "sounds good, 10 works"),
		{"type": "message", "subtype": "channel_join", "ts": "1700000400.000000", "user": "U3", "text": "joined"},
		{"type": "message", "bot_id": "B1", "ts": "1700000500.000000", "text": "reminder"},
		msg("1700000100.000100", "U1", "meet tomorrow at 10?"),
		{"type": "reaction_added", "ts": "1700000050.000000"},
		msg("not-a-ts", "U1", "broken"),
	}

	b := Split(raw, time.Time{})
	require.Len(t, b.Meetings, 2)
	assert.Equal(t, "U1", b.Meetings[0].Author)
	assert.Equal(t, "1700000100.000100", b.Meetings[0].Timestamp)
	assert.Equal(t, "sounds good, 10 works", b.Meetings[1].Text)
	assert.Equal(t, 4, b.Skipped)

	// The bot echo is the newest entry and still moves the watermark.
	want, _ := model.ParseTimestamp("1700000500.000000")
	assert.Equal(t, want, b.MaxTimestamp)

	anchor, ok := b.Anchor()
	require.True(t, ok)
	assert.Equal(t, "U2", anchor.Author)
	assert.Empty(t, b.Tasks)
	_, ok = b.TaskAnchor()
	assert.False(t, ok)
}

func TestSplit_DropsAtOrBeforeCursor(t *testing.T) {
	since, _ := model.ParseTimestamp("1700000200.000000")
	raw := []map[string]any{
		msg("1700000100.000000", "U1", "old"),
		msg("1700000200.000000", "U1", "boundary"),
		msg("1700000300.000000", "U1", "new"),
	}

	b := Split(raw, since)
	require.Len(t, b.Meetings, 1)
	assert.Equal(t, "new", b.Meetings[0].Text)
}

func TestSplit_OnlyFilteredEntriesStillAdvance(t *testing.T) {
	raw := []map[string]any{
		{"type": "message", "subtype": "channel_join", "ts": "1700000400.000000"},
	}
	b := Split(raw, time.Time{})
	assert.True(t, b.Empty())
	assert.False(t, b.MaxTimestamp.IsZero())
}

func TestSplit_AnchorTieKeepsSourceOrder(t *testing.T) {
	raw := []map[string]any{
		msg("1700000100.000000", "U1", "first"),
		msg("1700000100.000000", "U2", "second"),
	}
	anchor, ok := Split(raw, time.Time{}).Anchor()
	require.True(t, ok)
	assert.Equal(t, "second", anchor.Text)
}

func TestIsTaskCandidate(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"<@U123ABC> can you take this task by friday", true},
		{"@maria new tasks for you", true},
		{"<@U123|maria> Task: update the deck", true},
		{"this task has no owner", false},
		{"<@U123> let's meet at 3", false},
		{"@maria multitasking again", false},
		{"email me at a@b.com about the task", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTaskCandidate(tc.text), tc.text)
	}
}

func TestPromptJSON_DropsTimestamps(t *testing.T) {
	out, err := PromptJSON([]model.SourceMessage{{Author: "U1", Text: "hi", Timestamp: "1.0"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"username":"U1","message":"hi"}]`, out)
}
