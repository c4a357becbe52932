package ics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackcal/internal/model"
)

var (
	amsterdam, _ = time.LoadLocation("Europe/Amsterdam")
	stamp        = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
)

func records() []model.ScheduleRecord {
	return []model.ScheduleRecord{
		{
			ID: "task-1", Kind: model.KindTask, Title: "Send report",
			Date: "2025-03-12", StartTime: "23:59", EndTime: "23:59",
			SourceChannel: "C1", CreatedAt: stamp,
		},
		{
			ID: "meet-1", Kind: model.KindMeeting, Title: "Planning", Description: "sprint planning",
			Date: "2025-03-11", StartTime: "10:00", EndTime: "10:30",
			SourceChannel: "C1", CreatedAt: stamp, Notified: true,
		},
		{ID: "broken", Kind: model.KindMeeting, Title: "No date", StartTime: "10:00"},
	}
}

func TestBuild(t *testing.T) {
	feed := NewFeed("Team", amsterdam, func() time.Time { return stamp })
	var buf bytes.Buffer
	require.NoError(t, feed.Write(&buf, records()))

	cal, err := ical.ParseCalendar(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 2, "the record without a date is left out")

	first := events[0]
	assert.Equal(t, "meet-1@slackcal", first.GetProperty(ical.ComponentPropertyUniqueId).Value)
	start, err := first.GetStartAt()
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)), "10:00 CET is 09:00Z, got %s", start)
	end, err := first.GetEndAt()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, end.Sub(start))
	assert.Equal(t, "Planning", first.GetProperty(ical.ComponentPropertySummary).Value)
	assert.Equal(t, "meeting", first.GetProperty(PropKind).Value)

	assert.Equal(t, "task-1@slackcal", events[1].GetProperty(ical.ComponentPropertyUniqueId).Value)
}

func TestDecode_RoundTrip(t *testing.T) {
	feed := NewFeed("", amsterdam, func() time.Time { return stamp })
	var buf bytes.Buffer
	require.NoError(t, feed.Write(&buf, records()))

	got, err := Decode(buf.Bytes(), amsterdam)
	require.NoError(t, err)
	require.Len(t, got, 2)

	m := got[0]
	assert.Equal(t, "meet-1", m.ID)
	assert.Equal(t, model.KindMeeting, m.Kind)
	assert.Equal(t, "2025-03-11", m.Date)
	assert.Equal(t, "10:00", m.StartTime)
	assert.Equal(t, "10:30", m.EndTime)
	assert.Equal(t, "sprint planning", m.Description)
	assert.Equal(t, "C1", m.SourceChannel)
	assert.True(t, m.Notified)
	assert.False(t, m.Completed)
	assert.True(t, m.CreatedAt.Equal(stamp))

	assert.Equal(t, model.KindTask, got[1].Kind)
	assert.Equal(t, "23:59", got[1].StartTime)
}

func TestDecode_ForeignFeed(t *testing.T) {
	body := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//other//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:abc\r\nDTSTART:20250311T090000Z\r\nDTEND:20250311T100000Z\r\nSUMMARY:Imported\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nDTSTART:20250311T090000Z\r\nSUMMARY:No uid\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	got, err := Decode([]byte(body), time.UTC)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].ID)
	assert.Equal(t, model.KindMeeting, got[0].Kind)
	assert.Equal(t, "09:00", got[0].StartTime)
	assert.Equal(t, "10:00", got[0].EndTime)

	_, err = Decode(nil, time.UTC)
	assert.Error(t, err)
}

func TestFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/private/feed.ics" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer srv.Close()

	f := NewFetcher(0)
	body, err := f.Fetch(context.Background(), srv.URL+"/private/feed.ics")
	require.NoError(t, err)
	assert.Contains(t, string(body), "VCALENDAR")

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.ics")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "missing.ics")

	path := filepath.Join(t.TempDir(), "feed.ics")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o600))
	body, err = f.Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "local", string(body))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)", redactURL("https://calendar.example.com/u/123/private.ics?token=abcd"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
