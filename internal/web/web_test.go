package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackcal/internal/config"
	"slackcal/internal/ics"
	"slackcal/internal/model"
	"slackcal/internal/store"
)

func newTestServer(t *testing.T, auth *config.BasicAuthConfig) (*store.Store, http.Handler) {
	t.Helper()
	s, err := store.Open("json", filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	feed := ics.NewFeed("test", time.UTC, nil)
	return s, NewServer(s, feed, time.UTC, auth).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t, nil)
	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestRecordsCRUD(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/meetings", `{"title":"Planning","date":"2025-03-11","start_time":"9:00"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created model.ScheduleRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "09:00", created.StartTime)
	assert.Equal(t, "09:30", created.EndTime)
	assert.Equal(t, model.KindMeeting, created.Kind)

	rec = do(t, h, http.MethodGet, "/api/meetings/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/meetings/"+created.ID, `{"title":"Replanning","notified":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated model.ScheduleRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Replanning", updated.Title)
	assert.True(t, updated.Notified)

	// Flags never go back.
	rec = do(t, h, http.MethodPut, "/api/meetings/"+created.ID, `{"notified":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.True(t, updated.Notified)

	rec = do(t, h, http.MethodDelete, "/api/meetings/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/meetings/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreate_Validation(t *testing.T) {
	_, h := newTestServer(t, nil)
	cases := map[string]string{
		"missing title": `{"date":"2025-03-11","start_time":"09:00"}`,
		"bad date":      `{"title":"x","date":"11/03/2025","start_time":"09:00"}`,
		"end before":    `{"title":"x","date":"2025-03-11","start_time":"09:00","end_time":"08:00"}`,
		"unknown field": `{"title":"x","date":"2025-03-11","start_time":"09:00","room":"A"}`,
		"not json":      `title=x`,
	}
	for name, body := range cases {
		rec := do(t, h, http.MethodPost, "/api/tasks", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	rec := do(t, h, http.MethodPost, "/api/notes", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestList_DateRange(t *testing.T) {
	s, h := newTestServer(t, nil)
	ctx := context.Background()
	for _, d := range []string{"2025-03-12", "2025-03-10", "2025-03-11"} {
		_, err := s.Create(ctx, model.ScheduleRecord{Kind: model.KindTask, Title: "t " + d, Date: d, StartTime: "23:59", EndTime: "23:59"})
		require.NoError(t, err)
	}

	rec := do(t, h, http.MethodGet, "/api/tasks?start=2025-03-11&end=2025-03-12", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp recordsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "2025-03-11", resp.Records[0].Date)
	assert.Equal(t, "2025-03-12", resp.Records[1].Date)

	rec = do(t, h, http.MethodGet, "/api/tasks?start=2025-03-12&end=2025-03-11", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/tasks?start=tomorrow", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChannelsAndCalendar(t *testing.T) {
	s, h := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, s.SetCursor(ctx, "C1", time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)))
	_, err := s.Create(ctx, model.ScheduleRecord{Title: "Planning", Date: "2025-03-11", StartTime: "10:00", EndTime: "10:30"})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp channelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Channels, 1)
	assert.Equal(t, "C1", resp.Channels[0].ChannelID)

	rec = do(t, h, http.MethodGet, "/calendar.ics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	assert.Contains(t, rec.Body.String(), "SUMMARY:Planning")
	assert.Contains(t, rec.Body.String(), "DTSTART:20250311T100000Z")
}

func TestStoreUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	s, err := store.Open("json", path)
	require.NoError(t, err)
	h := NewServer(s, ics.NewFeed("", nil, nil), nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/meetings", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("{"), data))
}

func TestBasicAuth(t *testing.T) {
	_, h := newTestServer(t, &config.BasicAuthConfig{Username: "admin", Password: "secret"})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "").Code)

	rec := do(t, h, http.MethodGet, "/api/meetings", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/meetings", nil)
	req.SetBasicAuth("admin", "secret")
	ok := httptest.NewRecorder()
	h.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	req.SetBasicAuth("admin", "wrong")
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusUnauthorized, bad.Code)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, secureCompare("abc", "abc"))
	assert.False(t, secureCompare("abc", "abd"))
	assert.False(t, secureCompare("abc", "abcd"))
}
