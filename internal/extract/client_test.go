package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackcal/internal/model"
)

type fakeCompleter struct {
	replies []string
	errs    []error
	calls   int
	system  string
	user    string
}

func (f *fakeCompleter) Complete(_ context.Context, system, user string) (string, error) {
	i := f.calls
	f.calls++
	f.system, f.user = system, user
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return "", nil
}

var candidates = []model.SourceMessage{
	{Author: "U1", Text: "meet tomorrow at 10?", Timestamp: "1700000000.000100"},
}

func newTestClient(f *fakeCompleter, waits *[]time.Duration) *Client {
	now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	return New(f,
		WithClock(func() time.Time { return now }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			*waits = append(*waits, d)
			return nil
		}),
	)
}

func TestExtract_ParsesReply(t *testing.T) {
	f := &fakeCompleter{replies: []string{`[{"date_of_meeting":"2025-01-02","start_time":"10:00","title":"Sync"}]`}}
	var waits []time.Duration
	c := newTestClient(f, &waits)

	recs, err := c.Extract(context.Background(), candidates, model.KindMeeting)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Sync", recs[0].Title())
	assert.Empty(t, waits)

	assert.Contains(t, f.system, "2025-01-01")
	assert.Contains(t, f.system, "UTC")
	assert.JSONEq(t, `[{"username":"U1","message":"meet tomorrow at 10?"}]`, f.user)
	assert.NotContains(t, f.user, "1700000000")
}

func TestExtract_EmptyReplyIsNotAnError(t *testing.T) {
	f := &fakeCompleter{replies: []string{"Sorry, I found nothing."}}
	var waits []time.Duration
	recs, err := newTestClient(f, &waits).Extract(context.Background(), candidates, model.KindTask)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
	assert.Contains(t, f.system, "23:59")
}

func TestExtract_NoCandidatesSkipsCall(t *testing.T) {
	f := &fakeCompleter{}
	var waits []time.Duration
	recs, err := newTestClient(f, &waits).Extract(context.Background(), nil, model.KindMeeting)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, f.calls)
}

func TestExtract_RetriesTransientWithBackoff(t *testing.T) {
	unavailable := errors.New("503: service temporarily unavailable")
	f := &fakeCompleter{
		errs:    []error{unavailable, &TransientError{StatusCode: 429, Err: errors.New("rate limited")}, nil},
		replies: []string{"", "", `{"title":"Sync"}`},
	}
	var waits []time.Duration
	recs, err := newTestClient(f, &waits).Extract(context.Background(), candidates, model.KindMeeting)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, waits)
}

func TestExtract_GivesUpAfterMaxRetries(t *testing.T) {
	te := &TransientError{StatusCode: 502, Err: errors.New("bad gateway")}
	f := &fakeCompleter{errs: []error{te, te, te, te, te}}
	var waits []time.Duration
	recs, err := newTestClient(f, &waits).Extract(context.Background(), candidates, model.KindMeeting)
	require.Error(t, err)
	assert.Nil(t, recs)
	assert.Equal(t, 4, f.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, waits)
	assert.True(t, IsTransient(err))
}

func TestExtract_PermanentErrorStopsImmediately(t *testing.T) {
	f := &fakeCompleter{errs: []error{errors.New("401 invalid api key")}}
	var waits []time.Duration
	_, err := newTestClient(f, &waits).Extract(context.Background(), candidates, model.KindMeeting)
	require.Error(t, err)
	assert.Equal(t, 1, f.calls)
	assert.Empty(t, waits)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("bad request")))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &TransientError{Err: errors.New("x")})))
	assert.True(t, IsTransient(errors.New("Model Temporarily Unavailable")))
}

func TestInstruction_MentionsAllFields(t *testing.T) {
	ams, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC).In(ams)

	for _, kind := range []model.Kind{model.KindMeeting, model.KindTask} {
		text := Instruction(kind, now)
		for _, field := range []string{"date_of_meeting", "start_time", "end_time", "description", "title"} {
			assert.True(t, strings.Contains(text, field), "%s instruction lacks %s", kind, field)
		}
		assert.Contains(t, text, "2025-06-02", "date anchor follows the configured zone")
		assert.Contains(t, text, "Europe/Amsterdam")
	}
}
