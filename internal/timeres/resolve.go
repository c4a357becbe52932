// Package timeres anchors raw extracted records in time: it applies the
// model's timezone, relative offsets from the anchor message and default
// durations, and renders the result in the display timezone.
package timeres

import (
	"strings"
	"time"

	"slackcal/internal/extract"
	"slackcal/internal/log"
	"slackcal/internal/model"
)

const (
	MeetingDuration = 30 * time.Minute
	TaskDuration    = 0

	// TaskDueClock is used when a task names no due time.
	TaskDueClock = "23:59"
	endOfDay     = "23:59"

	MaxDescriptionWords = 20
)

type Resolver struct {
	display *time.Location
	model   *time.Location
	now     func() time.Time
}

// New builds a resolver. display is where records are rendered, modelTZ is
// the zone the completion service was told to answer in.
func New(display, modelTZ *time.Location, now func() time.Time) *Resolver {
	if display == nil {
		display = time.UTC
	}
	if modelTZ == nil {
		modelTZ = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{display: display, model: modelTZ, now: now}
}

// Display returns the rendering timezone.
func (r *Resolver) Display() *time.Location { return r.display }

// Resolve turns raw into a complete record anchored on anchor. It never
// fails: unusable fields fall through to the anchor defaults.
func (r *Resolver) Resolve(raw extract.RawRecord, anchor model.SourceMessage, kind model.Kind) model.ScheduleRecord {
	now := r.now()
	anchorAt := anchor.Time
	if anchorAt.IsZero() {
		anchorAt = now
	}

	start, explicit := r.explicitStart(raw)
	if !explicit {
		start = r.fallbackStart(raw, anchor, anchorAt, kind)
	}

	end := r.end(raw, start, kind)

	startLocal := start.In(r.display)
	endLocal := end.In(r.display)
	endClock := endLocal.Format(model.ClockLayout)
	if !sameDay(startLocal, endLocal) {
		endClock = endOfDay
	}

	rec := model.ScheduleRecord{
		Title:       title(raw.Title(), kind),
		Description: truncateWords(raw.Description(), MaxDescriptionWords),
		Date:        startLocal.Format(model.DateLayout),
		StartTime:   startLocal.Format(model.ClockLayout),
		EndTime:     endClock,
		Kind:        kind,
		Completed:   now.UTC().After(start.UTC()),
	}
	log.Debug("resolved record", "kind", kind, "title", rec.Title, "date", rec.Date,
		"start", rec.StartTime, "end", rec.EndTime, "explicit", explicit)
	return rec
}

func (r *Resolver) explicitStart(raw extract.RawRecord) (time.Time, bool) {
	date, clock := raw.Date(), raw.StartTime()
	if date == "" || clock == "" {
		return time.Time{}, false
	}
	t, err := model.ParseLocal(date, clock, r.model)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (r *Resolver) fallbackStart(raw extract.RawRecord, anchor model.SourceMessage, anchorAt time.Time, kind model.Kind) time.Time {
	if off, ok := ParseOffset(anchor.Text); ok {
		return anchorAt.Add(off)
	}
	if kind != model.KindTask {
		return anchorAt
	}

	due, err := model.ParseLocal(raw.Date(), TaskDueClock, r.display)
	if err != nil {
		today := r.now().In(r.display).Format(model.DateLayout)
		due, _ = model.ParseLocal(today, TaskDueClock, r.display)
	}
	return due
}

func (r *Resolver) end(raw extract.RawRecord, start time.Time, kind model.Kind) time.Time {
	def := MeetingDuration
	if kind == model.KindTask {
		def = TaskDuration
	}

	if clock := raw.EndTime(); clock != "" {
		day := start.In(r.model).Format(model.DateLayout)
		if t, err := model.ParseLocal(day, clock, r.model); err == nil && t.After(start) {
			return t
		}
	}
	return start.Add(def)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func title(s string, kind model.Kind) string {
	if s != "" {
		return s
	}
	if kind == model.KindTask {
		return "Untitled task"
	}
	return "Untitled meeting"
}

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}
