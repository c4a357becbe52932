// Package notify posts reminders for records about to start.
//
// Each scan walks the stored records once. A record is terminal once it is
// completed or notified; past records are absorbed without a late reminder;
// records sharing a dedup key within one scan produce a single reminder and
// the rest are marked notified without being sent.
package notify

import (
	"context"
	"fmt"
	"time"

	"slackcal/internal/log"
	"slackcal/internal/metrics"
	"slackcal/internal/model"
)

const DefaultWindow = 15 * time.Minute

// Channel delivers reminders.
type Channel interface {
	ListMembers(ctx context.Context, channelID string) ([]string, error)
	PostMessage(ctx context.Context, channelID, text string) error
}

// Records is the part of the record store the scheduler reads and flags.
type Records interface {
	List(ctx context.Context, kind model.Kind) ([]model.ScheduleRecord, error)
	MarkNotified(ctx context.Context, kind model.Kind, id string) error
	MarkCompleted(ctx context.Context, kind model.Kind, id string) error
}

type Scheduler struct {
	records      Records
	channel      Channel
	loc          *time.Location
	botUserID    string
	includeTasks bool
	now          func() time.Time
}

type Option func(*Scheduler)

// WithLocation sets the zone record dates and clocks are read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithBotUserID excludes the bot from reminder mentions.
func WithBotUserID(id string) Option {
	return func(s *Scheduler) { s.botUserID = id }
}

// WithTasks makes scans cover tasks as well as meetings.
func WithTasks(on bool) Option {
	return func(s *Scheduler) { s.includeTasks = on }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(records Records, ch Channel, opts ...Option) *Scheduler {
	s := &Scheduler{
		records: records,
		channel: ch,
		loc:     time.UTC,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run performs one scan and returns how many reminders were delivered.
// Delivery failures are per record; the record stays pending for the next
// scan. Only store read failures abort the scan.
func (s *Scheduler) Run(ctx context.Context, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	kinds := []model.Kind{model.KindMeeting}
	if s.includeTasks {
		kinds = append(kinds, model.KindTask)
	}

	now := s.now()
	delivered := 0
	for _, kind := range kinds {
		recs, err := s.records.List(ctx, kind)
		if err != nil {
			return delivered, fmt.Errorf("list %s records: %w", kind, err)
		}
		delivered += s.scan(ctx, kind, recs, now, window)
	}
	return delivered, nil
}

func (s *Scheduler) scan(ctx context.Context, kind model.Kind, recs []model.ScheduleRecord, now time.Time, window time.Duration) int {
	m := metrics.Get()
	seen := make(map[model.DedupKey]string)
	delivered := 0

	for _, rec := range recs {
		if rec.Completed || rec.Notified {
			continue
		}
		if rec.SourceChannel == "" {
			log.Warn("record has no source channel", "kind", kind, "id", rec.ID)
			continue
		}

		start, err := rec.StartInstant(s.loc)
		if err != nil {
			log.Warn("skipping record with unparseable start", "kind", kind, "id", rec.ID, "date", rec.Date, "start", rec.StartTime)
			continue
		}

		until := start.Sub(now)
		if until < 0 {
			if err := s.records.MarkCompleted(ctx, kind, rec.ID); err != nil {
				log.Error("mark completed failed", err, "kind", kind, "id", rec.ID)
				continue
			}
			m.Notifications.WithLabelValues("expired").Inc()
			log.Debug("absorbed past record", "kind", kind, "id", rec.ID, "title", rec.Title)
			continue
		}
		if until > window {
			continue
		}

		key := rec.DedupKey()
		if first, dup := seen[key]; dup {
			if err := s.records.MarkNotified(ctx, kind, rec.ID); err != nil {
				log.Error("mark duplicate notified failed", err, "kind", kind, "id", rec.ID)
				continue
			}
			m.Notifications.WithLabelValues("suppressed").Inc()
			log.Info("suppressed duplicate reminder", "kind", kind, "id", rec.ID, "duplicate_of", first)
			continue
		}
		seen[key] = rec.ID

		if err := s.deliver(ctx, rec, start, now); err != nil {
			m.Notifications.WithLabelValues("failed").Inc()
			log.Error("reminder delivery failed", err, "kind", kind, "id", rec.ID, "channel", rec.SourceChannel)
			continue
		}
		if err := s.records.MarkNotified(ctx, kind, rec.ID); err != nil {
			log.Error("mark notified failed", err, "kind", kind, "id", rec.ID)
			continue
		}
		m.Notifications.WithLabelValues("sent").Inc()
		log.Info("reminder sent", "kind", kind, "id", rec.ID, "channel", rec.SourceChannel, "title", rec.Title)
		delivered++
	}
	return delivered
}

func (s *Scheduler) deliver(ctx context.Context, rec model.ScheduleRecord, start, now time.Time) error {
	members, err := s.channel.ListMembers(ctx, rec.SourceChannel)
	if err != nil {
		// Mention the whole channel instead.
		log.Warn("list channel members failed", "channel", rec.SourceChannel, "err", err)
		members = nil
	}
	text := Compose(rec, start.In(s.loc), now, Mentions(members, s.botUserID), s.loc)
	return s.channel.PostMessage(ctx, rec.SourceChannel, text)
}
