package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackcal/internal/model"
	"slackcal/internal/store"
)

var now = time.Date(2025, 1, 2, 9, 50, 0, 0, time.UTC)

type post struct {
	channel string
	text    string
}

type fakeChannel struct {
	mu        sync.Mutex
	members   map[string][]string
	memberErr error
	failFor   map[string]bool
	posts     []post
}

func (f *fakeChannel) ListMembers(_ context.Context, ch string) ([]string, error) {
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	return f.members[ch], nil
}

func (f *fakeChannel) PostMessage(_ context.Context, ch, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[ch] {
		return errors.New("channel_not_found")
	}
	f.posts = append(f.posts, post{ch, text})
	return nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("json", filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, err)
	return s
}

func rec(channel, title, date, start string) model.ScheduleRecord {
	return model.ScheduleRecord{
		Title: title, Description: "weekly sync", Date: date,
		StartTime: start, EndTime: start, Kind: model.KindMeeting, SourceChannel: channel,
	}
}

func newScheduler(s *store.Store, ch Channel, opts ...Option) *Scheduler {
	opts = append([]Option{WithClock(func() time.Time { return now }), WithBotUserID("UBOT")}, opts...)
	return New(s, ch, opts...)
}

func TestRun_DeliversOnceWithinWindow(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	added, err := s.AddRecords(ctx, []model.ScheduleRecord{
		rec("C1", "Standup", "2025-01-02", "10:00"),
		rec("C1", "Planning", "2025-01-02", "11:00"),
	})
	require.NoError(t, err)

	ch := &fakeChannel{members: map[string][]string{"C1": {"U2", "UBOT", "U1"}}}
	sched := newScheduler(s, ch)

	n, err := sched.Run(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, ch.posts, 1)
	assert.Equal(t, "C1", ch.posts[0].channel)
	assert.True(t, strings.HasPrefix(ch.posts[0].text, "<@U1> <@U2>\n"))
	assert.NotContains(t, ch.posts[0].text, "UBOT")
	assert.Contains(t, ch.posts[0].text, "*Title:* Standup")
	assert.Contains(t, ch.posts[0].text, "*Starts in:* 10 minute(s)")

	got, err := s.Get(ctx, model.KindMeeting, added[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Notified)
	later, err := s.Get(ctx, model.KindMeeting, added[1].ID)
	require.NoError(t, err)
	assert.False(t, later.Notified, "outside the window")

	n, err = sched.Run(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, ch.posts, 1)
}

func TestRun_DedupCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := rec("C1", "Standup", "2025-01-02", "10:00")
	b := rec("C1", " standup ", "2025-01-02", "10:00")
	b.Description = "another wording"
	added, err := s.AddRecords(ctx, []model.ScheduleRecord{a, b})
	require.NoError(t, err)

	ch := &fakeChannel{}
	n, err := newScheduler(s, ch).Run(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ch.posts, 1)
	assert.Contains(t, ch.posts[0].text, "<!channel>")

	for _, r := range added {
		got, err := s.Get(ctx, model.KindMeeting, r.ID)
		require.NoError(t, err)
		assert.True(t, got.Notified)
	}
}

func TestRun_PastRecordsAreAbsorbed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	added, err := s.Create(ctx, rec("C1", "Retro", "2025-01-02", "09:00"))
	require.NoError(t, err)

	ch := &fakeChannel{}
	n, err := newScheduler(s, ch).Run(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ch.posts)

	got, err := s.Get(ctx, model.KindMeeting, added.ID)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.True(t, got.Notified)
}

func TestRun_CompletionIsMonotonicAcrossEdits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	added, err := s.Create(ctx, rec("C1", "Retro", "2025-01-02", "09:00"))
	require.NoError(t, err)

	ch := &fakeChannel{}
	sched := newScheduler(s, ch)
	_, err = sched.Run(ctx, 15*time.Minute)
	require.NoError(t, err)

	// Upstream moves the record into the reminder window.
	_, err = s.Update(ctx, model.KindMeeting, added.ID, func(r *model.ScheduleRecord) {
		r.StartTime = "10:00"
		r.Completed = false
	})
	require.NoError(t, err)

	n, err := sched.Run(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ch.posts)

	got, err := s.Get(ctx, model.KindMeeting, added.ID)
	require.NoError(t, err)
	assert.True(t, got.Completed)
}

func TestRun_FailedDeliveryIsRetried(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	bad, err := s.Create(ctx, rec("CBAD", "Sync", "2025-01-02", "10:00"))
	require.NoError(t, err)
	_, err = s.Create(ctx, rec("C1", "Sync", "2025-01-02", "10:00"))
	require.NoError(t, err)

	ch := &fakeChannel{failFor: map[string]bool{"CBAD": true}, memberErr: errors.New("ratelimited")}
	sched := newScheduler(s, ch)

	n, err := sched.Run(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one bad channel does not block the others")

	got, err := s.Get(ctx, model.KindMeeting, bad.ID)
	require.NoError(t, err)
	assert.False(t, got.Notified)

	ch.failFor = nil
	n, err = sched.Run(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ch.posts, 2)
}

func TestRun_SkipsUnparseableAndTasksByDefault(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Create(ctx, rec("C1", "Broken", "someday", "10:00"))
	require.NoError(t, err)
	task := rec("C1", "Deck", "2025-01-02", "10:00")
	task.Kind = model.KindTask
	_, err = s.Create(ctx, task)
	require.NoError(t, err)

	ch := &fakeChannel{}
	n, err := newScheduler(s, ch).Run(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = newScheduler(s, ch, WithTasks(true)).Run(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, ch.posts[0].text, "*Upcoming Task Reminder*")
}

type brokenRecords struct{}

func (brokenRecords) List(context.Context, model.Kind) ([]model.ScheduleRecord, error) {
	return nil, store.ErrStoreUnavailable
}
func (brokenRecords) MarkNotified(context.Context, model.Kind, string) error  { return nil }
func (brokenRecords) MarkCompleted(context.Context, model.Kind, string) error { return nil }

func TestRun_StoreFailureAborts(t *testing.T) {
	_, err := New(brokenRecords{}, &fakeChannel{}).Run(context.Background(), time.Minute)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestCompose(t *testing.T) {
	ams, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	r := model.ScheduleRecord{
		Title:     "Standup",
		Kind:      model.KindMeeting,
		CreatedAt: time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC),
	}
	start := time.Date(2025, 1, 2, 10, 0, 0, 0, ams)
	text := Compose(r, start, start.Add(-7*time.Minute), "<!channel>", ams)

	assert.Equal(t, "<!channel>\n\n*Upcoming Meeting Reminder*\n\n"+
		"*Title:* Standup\n"+
		"*Time:* 2025-01-02 10:00 CET\n"+
		"*Starts in:* 7 minute(s)\n"+
		"*Description:* No description provided.\n"+
		"*Created:* 2025-01-02 09:00:00 CET\n\n"+
		"Don't forget to join!", text)
}

func TestMentions(t *testing.T) {
	assert.Equal(t, "<@U1> <@U2>", Mentions([]string{"U2", "U1", "U2", "UBOT"}, "UBOT"))
	assert.Equal(t, "<!channel>", Mentions([]string{"UBOT"}, "UBOT"))
	assert.Equal(t, "<!channel>", Mentions(nil, ""))
}
