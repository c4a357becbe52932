package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "slackcal/internal/log"
	"slackcal/internal/model"
)

const icalUTCLayout = "20060102T150405Z"

// Decode parses an ICS payload into records rendered in loc. Events
// without a UID or start are skipped. Events that did not come from
// slackcal are read as meetings.
func Decode(body []byte, loc *time.Location) ([]model.ScheduleRecord, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out := make([]model.ScheduleRecord, 0)
	for _, ve := range cal.Events() {
		rec, perr := decodeEvent(ve, loc)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("ics: vevent skipped", "err", perr.Error())
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeEvent(ve *ical.VEvent, loc *time.Location) (model.ScheduleRecord, error) {
	var rec model.ScheduleRecord

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return rec, errors.New("missing UID")
	}
	rec.ID = strings.TrimSuffix(uidProp.Value, uidSuffix)

	start, err := ve.GetStartAt()
	if err != nil {
		return rec, err
	}
	end, err := ve.GetEndAt()
	if err != nil || end.Before(start) {
		end = start
	}
	start, end = start.In(loc), end.In(loc)

	rec.Date = start.Format(model.DateLayout)
	rec.StartTime = start.Format(model.ClockLayout)
	rec.EndTime = end.Format(model.ClockLayout)
	if end.Format(model.DateLayout) != rec.Date {
		rec.EndTime = "23:59"
	}

	rec.Kind = model.KindMeeting
	if p := ve.GetProperty(PropKind); p != nil {
		if k, err := model.ParseKind(p.Value); err == nil {
			rec.Kind = k
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		rec.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		rec.Description = p.Value
	}
	if p := ve.GetProperty(PropChannel); p != nil {
		rec.SourceChannel = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		rec.Completed = strings.EqualFold(p.Value, string(ical.ObjectStatusCompleted))
	}
	if p := ve.GetProperty(PropNotified); p != nil {
		rec.Notified, _ = strconv.ParseBool(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyCreated); p != nil {
		if created, err := time.Parse(icalUTCLayout, p.Value); err == nil {
			rec.CreatedAt = created
		}
	}
	return rec, nil
}
