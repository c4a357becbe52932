package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slackcal/internal/config"
	"slackcal/internal/ics"
	appLog "slackcal/internal/log"
	"slackcal/internal/metrics"
	"slackcal/internal/model"
	"slackcal/internal/store"
	"slackcal/internal/timeres"
)

const maxBodyBytes = 1 << 20

// Server provides the HTTP API over the record store.
type Server struct {
	store *store.Store
	feed  *ics.Feed
	loc   *time.Location
	auth  *config.BasicAuthConfig
	mux   *http.ServeMux
}

// NewServer constructs a new Server. loc is the zone record dates and
// clocks are expressed in. auth may be nil.
func NewServer(s *store.Store, feed *ics.Feed, loc *time.Location, auth *config.BasicAuthConfig) *Server {
	if loc == nil {
		loc = time.UTC
	}
	srv := &Server{
		store: s,
		feed:  feed,
		loc:   loc,
		auth:  auth,
		mux:   http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	return s.auth != nil && s.auth.Username != "" && s.auth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health and /metrics with
// HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.auth.Username
	password := s.auth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="slackcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
	s.mux.HandleFunc("GET /api/channels", s.handleChannels)

	s.mux.HandleFunc("GET /api/{kind}", s.handleList)
	s.mux.HandleFunc("POST /api/{kind}", s.handleCreate)
	s.mux.HandleFunc("GET /api/{kind}/{id}", s.handleGet)
	s.mux.HandleFunc("PUT /api/{kind}/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /api/{kind}/{id}", s.handleDelete)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// recordsResponse is the JSON response shape for GET /api/{kind}.
type recordsResponse struct {
	Kind            model.Kind             `json:"kind"`
	Records         []model.ScheduleRecord `json:"records"`
	Start           string                 `json:"start,omitempty"`
	End             string                 `json:"end,omitempty"`
	DisplayTimeZone string                 `json:"display_timezone"`
}

// handleList returns records of one kind.
//
// GET /api/meetings?start=2025-03-01&end=2025-03-31
//   - start, end: inclusive YYYY-MM-DD bounds, both optional
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, to := strings.TrimSpace(q.Get("start")), strings.TrimSpace(q.Get("end"))
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(model.DateLayout, d); err != nil {
			writeError(w, http.StatusBadRequest, "start and end must be YYYY-MM-DD")
			return
		}
	}
	if from != "" && to != "" && from > to {
		writeError(w, http.StatusBadRequest, "start is after end")
		return
	}

	recs, err := s.store.ListRange(r.Context(), kind, from, to)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if limit := parseIntDefault(q.Get("limit"), 0); limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	writeJSON(w, http.StatusOK, recordsResponse{
		Kind:            kind,
		Records:         recs,
		Start:           from,
		End:             to,
		DisplayTimeZone: s.loc.String(),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// recordInput is the body of POST and PUT. Absent fields are left alone on
// update.
type recordInput struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	Date          *string `json:"date"`
	StartTime     *string `json:"start_time"`
	EndTime       *string `json:"end_time"`
	SourceChannel *string `json:"source_channel"`
	Completed     *bool   `json:"completed"`
	Notified      *bool   `json:"notified"`
}

func (in recordInput) apply(r *model.ScheduleRecord) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&r.Title, in.Title)
	set(&r.Description, in.Description)
	set(&r.Date, in.Date)
	set(&r.SourceChannel, in.SourceChannel)
	if in.StartTime != nil {
		r.StartTime = model.NormalizeClock(*in.StartTime)
	}
	if in.EndTime != nil {
		r.EndTime = model.NormalizeClock(*in.EndTime)
	}
	if in.Completed != nil && *in.Completed {
		r.Completed = true
	}
	if in.Notified != nil && *in.Notified {
		r.Notified = true
	}
}

// validate checks a record after input was applied, filling a default end.
func (s *Server) validate(r *model.ScheduleRecord) error {
	if r.Title == "" {
		return errors.New("title is required")
	}
	start, err := r.StartInstant(s.loc)
	if err != nil {
		return errors.New("date (YYYY-MM-DD) and start_time (HH:MM) are required")
	}
	if r.EndTime == "" {
		d := timeres.MeetingDuration
		if r.Kind == model.KindTask {
			d = timeres.TaskDuration
		}
		end := start.Add(d)
		r.EndTime = end.Format(model.ClockLayout)
		if end.Format(model.DateLayout) != r.Date {
			r.EndTime = "23:59"
		}
		return nil
	}
	end, err := r.EndInstant(s.loc)
	if err != nil {
		return errors.New("end_time must be HH:MM")
	}
	if end.Before(start) {
		return errors.New("end_time is before start_time")
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	var in recordInput
	if !decodeJSON(w, r, &in) {
		return
	}
	rec := model.ScheduleRecord{Kind: kind}
	in.apply(&rec)
	if err := s.validate(&rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.store.Create(r.Context(), rec)
	if err != nil {
		s.storeError(w, err)
		return
	}
	appLog.Info("record created", "kind", kind, "id", created.ID, "title", created.Title)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var in recordInput
	if !decodeJSON(w, r, &in) {
		return
	}

	// Validate against the current record before writing.
	current, err := s.store.Get(r.Context(), kind, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	in.apply(&current)
	if err := s.validate(&current); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.store.Update(r.Context(), kind, id, func(rec *model.ScheduleRecord) {
		in.apply(rec)
		rec.EndTime = current.EndTime
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), kind, id); err != nil {
		s.storeError(w, err)
		return
	}
	appLog.Info("record deleted", "kind", kind, "id", id)
	w.WriteHeader(http.StatusNoContent)
}

type channelsResponse struct {
	Channels []model.ChannelCursor `json:"channels"`
}

// handleChannels lists the per-channel watermarks.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	cursors, err := s.store.Cursors(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channelsResponse{Channels: cursors})
}

// handleCalendar serves every record as an iCalendar feed.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Snapshot(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	all := append(snap.Meetings, snap.Tasks...)
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="slackcal.ics"`)
	if err := s.feed.Write(w, all); err != nil {
		appLog.Error("failed to write calendar feed", err)
	}
}

func (s *Server) kind(w http.ResponseWriter, r *http.Request) (model.Kind, bool) {
	kind, err := model.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return kind, true
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, store.ErrStoreUnavailable):
		appLog.Error("store unavailable", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		appLog.Error("store operation failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
