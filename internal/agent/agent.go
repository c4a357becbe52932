// Package agent runs the ingest and reminder cycles.
//
// One cycle reads each channel from its watermark, extracts meetings and
// tasks, persists them, advances the watermark and then scans for due
// reminders. Cycles never overlap: a tick that arrives while one is running
// is dropped.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"slackcal/internal/cursor"
	"slackcal/internal/extract"
	appLog "slackcal/internal/log"
	"slackcal/internal/metrics"
	"slackcal/internal/model"
	"slackcal/internal/normalize"
	"slackcal/internal/notify"
	"slackcal/internal/store"
	"slackcal/internal/timeres"
)

// Source is the chat history collaborator.
type Source interface {
	ListChannels(ctx context.Context) ([]string, error)
	FetchMessages(ctx context.Context, channelID string, since time.Time) ([]map[string]any, error)
}

// Extractor turns candidates into raw records.
type Extractor interface {
	Extract(ctx context.Context, candidates []model.SourceMessage, kind model.Kind) ([]extract.RawRecord, error)
}

// Notifier performs one reminder scan.
type Notifier interface {
	Run(ctx context.Context, window time.Duration) (int, error)
}

type Config struct {
	// Channels limits ingestion; empty means every channel the bot is in.
	Channels []string
	Window   time.Duration
}

type Agent struct {
	store     *store.Store
	cursors   *cursor.Tracker
	source    Source
	extractor Extractor
	resolver  *timeres.Resolver
	notifier  Notifier
	cfg       Config
	now       func() time.Time

	guard    Guard
	ingested atomic.Bool
}

type Option func(*Agent)

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func New(s *store.Store, src Source, ex Extractor, res *timeres.Resolver, n Notifier, cfg Config, opts ...Option) *Agent {
	if cfg.Window <= 0 {
		cfg.Window = notify.DefaultWindow
	}
	a := &Agent{
		store:     s,
		source:    src,
		extractor: ex,
		resolver:  res,
		notifier:  n,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.cursors = cursor.New(s, a.now)
	return a
}

// Result summarizes one cycle.
type Result struct {
	Channels  int
	Records   int
	Failed    int
	Delivered int
}

// Cycle ingests every channel and then scans for reminders. Per-channel
// failures are logged and counted; an unreadable store aborts the cycle.
func (a *Agent) Cycle(ctx context.Context) (Result, error) {
	var res Result

	channels, err := a.channels(ctx)
	if err != nil {
		return res, err
	}
	res.Channels = len(channels)

	for _, ch := range channels {
		n, err := a.ingest(ctx, ch)
		if err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) || ctx.Err() != nil {
				return res, err
			}
			res.Failed++
			appLog.Error("channel ingest failed", err, "channel", ch)
			continue
		}
		res.Records += n
	}
	// A pass counts once one channel got through, or there was nothing to read.
	if res.Channels == 0 || res.Failed < res.Channels {
		a.ingested.Store(true)
	}

	delivered, err := a.notifier.Run(ctx, a.cfg.Window)
	res.Delivered = delivered
	if err != nil {
		return res, fmt.Errorf("reminder scan: %w", err)
	}
	return res, nil
}

// Reminders runs a reminder scan alone. It is a no-op until the first
// ingest has completed so reminders never run against a stale store.
func (a *Agent) Reminders(ctx context.Context) (int, bool, error) {
	if !a.ingested.Load() {
		appLog.Info("reminder scan skipped; waiting for first ingest")
		return 0, false, nil
	}
	n, err := a.notifier.Run(ctx, a.cfg.Window)
	return n, true, err
}

// Ingested reports whether an ingest pass has completed.
func (a *Agent) Ingested() bool { return a.ingested.Load() }

func (a *Agent) channels(ctx context.Context) ([]string, error) {
	if len(a.cfg.Channels) > 0 {
		return a.cfg.Channels, nil
	}
	ids, err := a.source.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return ids, nil
}

// ingest processes one channel and returns how many records it stored. A
// batch whose extraction fails counts as empty: the watermark still moves
// past it so it is never sent again.
func (a *Agent) ingest(ctx context.Context, channelID string) (int, error) {
	since, err := a.cursors.Get(ctx, channelID)
	if err != nil {
		return 0, err
	}

	raw, err := a.source.FetchMessages(ctx, channelID, since)
	if err != nil {
		return 0, fmt.Errorf("fetch messages: %w", err)
	}

	batch := normalize.Split(raw, since)
	appLog.Debug("channel batch", "channel", channelID, "raw", len(raw),
		"meetings", len(batch.Meetings), "tasks", len(batch.Tasks), "skipped", batch.Skipped)

	var recs []model.ScheduleRecord
	if !batch.Empty() {
		recs, err = a.extractBatch(ctx, channelID, batch)
		if err != nil {
			return 0, err
		}
	}

	if len(recs) > 0 {
		if _, err := a.store.AddRecords(ctx, recs); err != nil {
			return 0, fmt.Errorf("store records: %w", err)
		}
		m := metrics.Get()
		for _, r := range recs {
			m.RecordsExtracted.WithLabelValues(string(r.Kind)).Inc()
		}
	}

	if _, err := a.cursors.Advance(ctx, channelID, batch.MaxTimestamp); err != nil {
		return len(recs), err
	}
	if current, err := a.cursors.Get(ctx, channelID); err == nil {
		metrics.Get().CursorLag.WithLabelValues(channelID).Set(a.now().Sub(current).Seconds())
	}

	if len(recs) > 0 {
		appLog.Info("records extracted", "channel", channelID, "count", len(recs))
	}
	return len(recs), nil
}

// extractBatch resolves the meetings and tasks of a batch. A kind whose
// extraction fails yields no records; only cancellation is returned.
func (a *Agent) extractBatch(ctx context.Context, channelID string, batch normalize.Batch) ([]model.ScheduleRecord, error) {
	anchor, _ := batch.Anchor()
	out, err := a.extractKind(ctx, channelID, batch.Meetings, anchor, model.KindMeeting)
	if err != nil {
		return nil, err
	}
	if len(batch.Tasks) == 0 {
		return out, nil
	}
	anchor, _ = batch.TaskAnchor()
	tasks, err := a.extractKind(ctx, channelID, batch.Tasks, anchor, model.KindTask)
	if err != nil {
		return nil, err
	}
	return append(out, tasks...), nil
}

func (a *Agent) extractKind(ctx context.Context, channelID string, msgs []model.SourceMessage, anchor model.SourceMessage, kind model.Kind) ([]model.ScheduleRecord, error) {
	raws, err := a.extractor.Extract(ctx, msgs, kind)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.Get().ExtractionFailures.WithLabelValues(string(kind)).Inc()
		appLog.Error("extraction failed; batch treated as empty", err,
			"channel", channelID, "kind", kind, "messages", len(msgs))
		return nil, nil
	}
	out := make([]model.ScheduleRecord, 0, len(raws))
	for _, raw := range raws {
		rec := a.resolver.Resolve(raw, anchor, kind)
		rec.SourceChannel = channelID
		out = append(out, rec)
	}
	return out, nil
}
