package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates meetings from tasks. Both share the ScheduleRecord shape.
type Kind string

const (
	KindMeeting Kind = "meeting"
	KindTask    Kind = "task"
)

// ParseKind accepts the singular and plural forms used by the HTTP API.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "meeting", "meetings":
		return KindMeeting, nil
	case "task", "tasks":
		return KindTask, nil
	default:
		return "", fmt.Errorf("unknown record kind %q", s)
	}
}

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// SourceMessage is one chat message reduced to what extraction needs.
type SourceMessage struct {
	Author string
	Text   string
	// Timestamp keeps the source's high-precision ts string verbatim.
	Timestamp string
	// Time is Timestamp parsed into a UTC instant.
	Time time.Time
}

// ScheduleRecord is a meeting or task derived from chat messages.
//
// Date, StartTime and EndTime are expressed in the configured display
// timezone. Completed and Notified only ever move from false to true.
type ScheduleRecord struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Date          string    `json:"date"`
	StartTime     string    `json:"start_time"`
	EndTime       string    `json:"end_time"`
	Kind          Kind      `json:"kind"`
	SourceChannel string    `json:"source_channel"`
	CreatedAt     time.Time `json:"created_at"`
	Completed     bool      `json:"completed"`
	Notified      bool      `json:"notified"`
}

// StartInstant parses Date+StartTime in loc.
func (r ScheduleRecord) StartInstant(loc *time.Location) (time.Time, error) {
	return ParseLocal(r.Date, r.StartTime, loc)
}

// EndInstant parses Date+EndTime in loc.
func (r ScheduleRecord) EndInstant(loc *time.Location) (time.Time, error) {
	return ParseLocal(r.Date, r.EndTime, loc)
}

// DedupKey identifies records that refer to the same real-world event.
type DedupKey struct {
	Channel string
	Date    string
	Start   string
	Title   string
}

func (r ScheduleRecord) DedupKey() DedupKey {
	return DedupKey{
		Channel: r.SourceChannel,
		Date:    strings.TrimSpace(r.Date),
		Start:   NormalizeClock(r.StartTime),
		Title:   strings.ToLower(strings.TrimSpace(r.Title)),
	}
}

// NormalizeClock turns "9:00", " 09:00 " or "09:00:00" into "09:00".
// Values that do not look like a clock are returned trimmed.
func NormalizeClock(s string) string {
	s = strings.TrimSpace(s)
	t, err := ParseClock(s)
	if err != nil {
		return s
	}
	return t.Format(ClockLayout)
}

var errEmptyValue = errors.New("empty value")

// ParseClock accepts H:MM, HH:MM and HH:MM:SS.
func ParseClock(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errEmptyValue
	}
	for _, layout := range []string{"15:04", "15:04:05", "3:04PM", "3:04 PM", "3PM"} {
		if t, err := time.Parse(layout, strings.ToUpper(s)); err == nil {
			return t, nil
		}
	}
	// time.Parse rejects single-digit hours for "15".
	if h, m, ok := strings.Cut(s, ":"); ok {
		hh, err1 := strconv.Atoi(h)
		mm, err2 := strconv.Atoi(m)
		if err1 == nil && err2 == nil && hh >= 0 && hh < 24 && mm >= 0 && mm < 60 {
			return time.Date(0, 1, 1, hh, mm, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid clock value %q", s)
}

// ParseLocal combines a YYYY-MM-DD date and a clock value in loc.
func ParseLocal(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	c, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), 0, 0, loc), nil
}

// ChannelCursor is the ingestion watermark of one source channel.
type ChannelCursor struct {
	ChannelID     string    `json:"channel_id"`
	LastProcessed time.Time `json:"last_processed"`
}

// ParseTimestamp parses a Slack-style "seconds.micros" string into UTC.
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, errEmptyValue
	}
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		frac, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		for i := len(fracPart); i < 9; i++ {
			frac *= 10
		}
		nsec = frac
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// FormatTimestamp renders t as a Slack-style "seconds.micros" string.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
