// Package cursor tracks how far each channel has been ingested.
package cursor

import (
	"context"
	"fmt"
	"time"

	"slackcal/internal/log"
)

// SeedAge is how far back a channel seen for the first time is read.
const SeedAge = 24 * time.Hour

// Backend is the subset of the record store that holds watermarks.
type Backend interface {
	Cursor(ctx context.Context, channelID string) (time.Time, bool, error)
	SetCursor(ctx context.Context, channelID string, t time.Time) error
}

type Tracker struct {
	backend Backend
	now     func() time.Time
}

func New(b Backend, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{backend: b, now: now}
}

// Get returns the watermark for channelID. An unknown channel is seeded to
// now minus SeedAge and the seed is persisted before it is returned.
func (t *Tracker) Get(ctx context.Context, channelID string) (time.Time, error) {
	ts, ok, err := t.backend.Cursor(ctx, channelID)
	if err != nil {
		return time.Time{}, fmt.Errorf("read cursor %s: %w", channelID, err)
	}
	if ok {
		return ts, nil
	}

	seed := t.now().Add(-SeedAge).UTC()
	if err := t.backend.SetCursor(ctx, channelID, seed); err != nil {
		return time.Time{}, fmt.Errorf("seed cursor %s: %w", channelID, err)
	}
	log.Info("seeded channel cursor", "channel", channelID, "since", seed.Format(time.RFC3339))
	return seed, nil
}

// Advance moves the watermark to ts. It never moves backwards.
func (t *Tracker) Advance(ctx context.Context, channelID string, ts time.Time) (bool, error) {
	if ts.IsZero() {
		return false, nil
	}
	cur, ok, err := t.backend.Cursor(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("read cursor %s: %w", channelID, err)
	}
	if ok && !ts.After(cur) {
		return false, nil
	}
	if err := t.backend.SetCursor(ctx, channelID, ts); err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", channelID, err)
	}
	return true, nil
}
