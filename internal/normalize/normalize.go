// Package normalize turns raw conversations.history payloads into
// extraction candidates.
package normalize

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"slackcal/internal/model"
)

var (
	mentionRe  = regexp.MustCompile(`<@[A-Z0-9]+(\|[^>]*)?>|(^|\s)@[\w.\-]+`)
	taskWordRe = regexp.MustCompile(`(?i)\btasks?\b`)
)

// Batch is one fetched page set split into candidates.
type Batch struct {
	// Meetings holds every user message, oldest first.
	Meetings []model.SourceMessage
	// Tasks is the subset that mentions someone and talks about a task.
	Tasks []model.SourceMessage
	// MaxTimestamp is the newest ts of the whole fetch, filtered entries
	// included. Zero when nothing carried a parseable ts.
	MaxTimestamp time.Time
	// Skipped counts raw entries that were dropped.
	Skipped int
}

// Empty reports whether no candidate survived.
func (b Batch) Empty() bool { return len(b.Meetings) == 0 }

// Anchor returns the newest meeting candidate.
func (b Batch) Anchor() (model.SourceMessage, bool) {
	return last(b.Meetings)
}

// TaskAnchor returns the newest task candidate.
func (b Batch) TaskAnchor() (model.SourceMessage, bool) {
	return last(b.Tasks)
}

func last(msgs []model.SourceMessage) (model.SourceMessage, bool) {
	if len(msgs) == 0 {
		return model.SourceMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

// Split filters raw messages and builds a Batch. Entries at or before since
// are dropped; pass the zero time to keep everything.
func Split(raw []map[string]any, since time.Time) Batch {
	var b Batch
	for _, m := range raw {
		ts := stringField(m, "ts")
		t, err := model.ParseTimestamp(ts)
		if err != nil {
			b.Skipped++
			continue
		}
		if t.After(b.MaxTimestamp) {
			b.MaxTimestamp = t
		}

		if !isUserMessage(m) || (!since.IsZero() && !t.After(since)) {
			b.Skipped++
			continue
		}

		author := stringField(m, "user")
		if author == "" {
			author = stringField(m, "username")
		}
		b.Meetings = append(b.Meetings, model.SourceMessage{
			Author:    author,
			Text:      stringField(m, "text"),
			Timestamp: ts,
			Time:      t,
		})
	}

	sort.SliceStable(b.Meetings, func(i, j int) bool {
		return b.Meetings[i].Time.Before(b.Meetings[j].Time)
	})
	for _, msg := range b.Meetings {
		if IsTaskCandidate(msg.Text) {
			b.Tasks = append(b.Tasks, msg)
		}
	}
	return b
}

func isUserMessage(m map[string]any) bool {
	if stringField(m, "type") != "message" {
		return false
	}
	if _, ok := m["subtype"]; ok {
		return false
	}
	if _, ok := m["bot_id"]; ok {
		return false
	}
	return true
}

// IsTaskCandidate reports whether text both mentions a person and uses the
// word task.
func IsTaskCandidate(text string) bool {
	return mentionRe.MatchString(text) && taskWordRe.MatchString(text)
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// PromptMessage is what the completion service sees of a message.
type PromptMessage struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// Prompt reduces messages to the username/message pairs sent for extraction.
// Timestamps are deliberately left out.
func Prompt(msgs []model.SourceMessage) []PromptMessage {
	out := make([]PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, PromptMessage{Username: m.Author, Message: m.Text})
	}
	return out
}

// PromptJSON renders Prompt(msgs) as the user content of a completion call.
func PromptJSON(msgs []model.SourceMessage) (string, error) {
	data, err := json.Marshal(Prompt(msgs))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
