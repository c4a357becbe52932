// Package store owns the persisted meetings, tasks and channel cursors.
//
// Every mutation is a full read of the backend snapshot, an in-memory change
// and a full rewrite. The Store serializes these cycles with a mutex, so
// writers inside one process never lose updates; separate processes sharing
// one backend still follow last-writer-wins.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"slackcal/internal/model"
)

var (
	// ErrStoreUnavailable is returned when persisted state exists but cannot
	// be read or decoded. Callers decide whether to abort or reinitialize;
	// the store never overwrites unreadable state on its own.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("record not found")
)

// Snapshot is the complete persisted state.
type Snapshot struct {
	Meetings       []model.ScheduleRecord `json:"meetings"`
	Tasks          []model.ScheduleRecord `json:"tasks"`
	ChannelCursors map[string]time.Time   `json:"channel_cursors"`
}

// NewSnapshot returns the empty skeleton used for a fresh store.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Meetings:       []model.ScheduleRecord{},
		Tasks:          []model.ScheduleRecord{},
		ChannelCursors: map[string]time.Time{},
	}
}

func (s *Snapshot) normalize() {
	if s.Meetings == nil {
		s.Meetings = []model.ScheduleRecord{}
	}
	if s.Tasks == nil {
		s.Tasks = []model.ScheduleRecord{}
	}
	if s.ChannelCursors == nil {
		s.ChannelCursors = map[string]time.Time{}
	}
	for i := range s.Meetings {
		s.Meetings[i].Kind = model.KindMeeting
	}
	for i := range s.Tasks {
		s.Tasks[i].Kind = model.KindTask
	}
}

func (s *Snapshot) list(kind model.Kind) *[]model.ScheduleRecord {
	if kind == model.KindTask {
		return &s.Tasks
	}
	return &s.Meetings
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		Meetings:       append([]model.ScheduleRecord(nil), s.Meetings...),
		Tasks:          append([]model.ScheduleRecord(nil), s.Tasks...),
		ChannelCursors: make(map[string]time.Time, len(s.ChannelCursors)),
	}
	for k, v := range s.ChannelCursors {
		out.ChannelCursors[k] = v
	}
	out.normalize()
	return out
}

// Backend persists whole snapshots.
type Backend interface {
	// Read returns the stored snapshot, an empty skeleton if nothing has been
	// stored yet, or an error wrapping ErrStoreUnavailable.
	Read(ctx context.Context) (*Snapshot, error)
	Write(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Store is the only writer of meetings, tasks and cursors.
type Store struct {
	mu      sync.Mutex
	backend Backend
	now     func() time.Time
	newID   func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// New wraps a backend.
func New(b Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open builds a Store for the configured driver ("json" or "sqlite").
func Open(driver, path string, opts ...Option) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch strings.ToLower(driver) {
	case "", "json":
		b, err = NewJSONFile(path)
	case "sqlite":
		b, err = NewSQLite(path)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return New(b, opts...), nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) mutate(ctx context.Context, fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.backend.Read(ctx)
	if err != nil {
		return err
	}
	snap.normalize()
	if err := fn(snap); err != nil {
		return err
	}
	return s.backend.Write(ctx, snap)
}

func (s *Store) view(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	snap.normalize()
	return snap, nil
}

// Snapshot returns a copy of the full state.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	return snap.clone(), nil
}

// AddRecords appends records, filling id, kind-specific list placement and
// created_at when absent. Duplicates are kept: ingestion is at-least-once
// and the notifier collapses records sharing a dedup key.
func (s *Store) AddRecords(ctx context.Context, recs []model.ScheduleRecord) ([]model.ScheduleRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]model.ScheduleRecord, 0, len(recs))
	err := s.mutate(ctx, func(snap *Snapshot) error {
		for _, r := range recs {
			r = s.prepare(r)
			lst := snap.list(r.Kind)
			*lst = append(*lst, r)
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Create adds a single record.
func (s *Store) Create(ctx context.Context, rec model.ScheduleRecord) (model.ScheduleRecord, error) {
	out, err := s.AddRecords(ctx, []model.ScheduleRecord{rec})
	if err != nil {
		return model.ScheduleRecord{}, err
	}
	return out[0], nil
}

func (s *Store) prepare(r model.ScheduleRecord) model.ScheduleRecord {
	if r.Kind != model.KindTask {
		r.Kind = model.KindMeeting
	}
	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	return r
}

// List returns every record of kind in insertion order.
func (s *Store) List(ctx context.Context, kind model.Kind) ([]model.ScheduleRecord, error) {
	snap, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	return append([]model.ScheduleRecord(nil), *snap.list(kind)...), nil
}

// ListRange returns records whose date lies within [from, to]. Either bound
// may be empty. Results are ordered by date and start time.
func (s *Store) ListRange(ctx context.Context, kind model.Kind, from, to string) ([]model.ScheduleRecord, error) {
	all, err := s.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]model.ScheduleRecord, 0, len(all))
	for _, r := range all {
		// YYYY-MM-DD compares correctly as a string.
		if from != "" && r.Date < from {
			continue
		}
		if to != "" && r.Date > to {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return model.NormalizeClock(out[i].StartTime) < model.NormalizeClock(out[j].StartTime)
	})
	return out, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, kind model.Kind, id string) (model.ScheduleRecord, error) {
	all, err := s.List(ctx, kind)
	if err != nil {
		return model.ScheduleRecord{}, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return model.ScheduleRecord{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Update applies fn to the stored record and persists the result. The id,
// kind and created_at are immutable, and Completed/Notified can never be
// reset once set, whatever fn does.
func (s *Store) Update(ctx context.Context, kind model.Kind, id string, fn func(*model.ScheduleRecord)) (model.ScheduleRecord, error) {
	var updated model.ScheduleRecord
	err := s.mutate(ctx, func(snap *Snapshot) error {
		lst := *snap.list(kind)
		for i := range lst {
			if lst[i].ID != id {
				continue
			}
			prev := lst[i]
			next := prev
			fn(&next)
			next.ID = prev.ID
			next.Kind = prev.Kind
			next.CreatedAt = prev.CreatedAt
			next.Completed = next.Completed || prev.Completed
			next.Notified = next.Notified || prev.Notified
			lst[i] = next
			updated = next
			return nil
		}
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	})
	if err != nil {
		return model.ScheduleRecord{}, err
	}
	return updated, nil
}

// MarkNotified sets Notified on a record.
func (s *Store) MarkNotified(ctx context.Context, kind model.Kind, id string) error {
	_, err := s.Update(ctx, kind, id, func(r *model.ScheduleRecord) { r.Notified = true })
	return err
}

// MarkCompleted sets both Completed and Notified on a record whose start
// has passed; a late reminder is never sent for it.
func (s *Store) MarkCompleted(ctx context.Context, kind model.Kind, id string) error {
	_, err := s.Update(ctx, kind, id, func(r *model.ScheduleRecord) {
		r.Completed = true
		r.Notified = true
	})
	return err
}

// Delete removes a record by id.
func (s *Store) Delete(ctx context.Context, kind model.Kind, id string) error {
	return s.mutate(ctx, func(snap *Snapshot) error {
		lst := snap.list(kind)
		for i := range *lst {
			if (*lst)[i].ID == id {
				*lst = append((*lst)[:i], (*lst)[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	})
}

// Cursor returns the watermark for a channel and whether one exists.
func (s *Store) Cursor(ctx context.Context, channelID string) (time.Time, bool, error) {
	snap, err := s.view(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	t, ok := snap.ChannelCursors[channelID]
	return t, ok, nil
}

// SetCursor stores the watermark for a channel.
func (s *Store) SetCursor(ctx context.Context, channelID string, t time.Time) error {
	return s.mutate(ctx, func(snap *Snapshot) error {
		snap.ChannelCursors[channelID] = t.UTC()
		return nil
	})
}

// Cursors lists every channel watermark ordered by channel id.
func (s *Store) Cursors(ctx context.Context) ([]model.ChannelCursor, error) {
	snap, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.ChannelCursor, 0, len(snap.ChannelCursors))
	for id, t := range snap.ChannelCursors {
		out = append(out, model.ChannelCursor{ChannelID: id, LastProcessed: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}
