// Package ics renders stored meetings and tasks as an iCalendar feed and
// reads such feeds back.
package ics

import (
	"io"
	"sort"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "slackcal/internal/log"
	"slackcal/internal/model"
)

const (
	ProductID = "-//slackcal//Slack meeting calendar//EN"
	uidSuffix = "@slackcal"

	PropKind     ical.ComponentProperty = "X-SLACKCAL-KIND"
	PropChannel  ical.ComponentProperty = "X-SLACKCAL-CHANNEL"
	PropNotified ical.ComponentProperty = "X-SLACKCAL-NOTIFIED"
)

// Feed builds calendars from records whose dates and clocks are in loc.
type Feed struct {
	Name string
	loc  *time.Location
	now  func() time.Time
}

func NewFeed(name string, loc *time.Location, now func() time.Time) *Feed {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	if name == "" {
		name = "Slack meetings"
	}
	return &Feed{Name: name, loc: loc, now: now}
}

// Build returns a VCALENDAR with one VEVENT per record, ordered by start.
// Records with an unparseable date or clock are left out.
func (f *Feed) Build(records []model.ScheduleRecord) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(ProductID)
	cal.SetXWRCalName(f.Name)
	cal.SetXWRTimezone(f.loc.String())

	type entry struct {
		rec        model.ScheduleRecord
		start, end time.Time
	}
	entries := make([]entry, 0, len(records))
	for _, rec := range records {
		start, err := rec.StartInstant(f.loc)
		if err != nil {
			appLog.Debug("ics: skipping record with bad start", "id", rec.ID, "date", rec.Date, "start", rec.StartTime)
			continue
		}
		end, err := rec.EndInstant(f.loc)
		if err != nil || end.Before(start) {
			end = start
		}
		entries = append(entries, entry{rec: rec, start: start, end: end})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].start.Before(entries[j].start) })

	stamp := f.now().UTC()
	for _, e := range entries {
		ev := cal.AddEvent(e.rec.ID + uidSuffix)
		ev.SetDtStampTime(stamp)
		if !e.rec.CreatedAt.IsZero() {
			ev.SetCreatedTime(e.rec.CreatedAt)
		}
		ev.SetStartAt(e.start)
		ev.SetEndAt(e.end)
		ev.SetSummary(e.rec.Title)
		if e.rec.Description != "" {
			ev.SetDescription(e.rec.Description)
		}
		if e.rec.Completed {
			ev.SetStatus(ical.ObjectStatusCompleted)
		} else {
			ev.SetStatus(ical.ObjectStatusConfirmed)
		}
		ev.SetProperty(PropKind, string(e.rec.Kind))
		if e.rec.SourceChannel != "" {
			ev.SetProperty(PropChannel, e.rec.SourceChannel)
		}
		ev.SetProperty(PropNotified, strconv.FormatBool(e.rec.Notified))
	}
	return cal
}

// Write serializes the feed for records to w.
func (f *Feed) Write(w io.Writer, records []model.ScheduleRecord) error {
	_, err := io.WriteString(w, f.Build(records).Serialize())
	return err
}
