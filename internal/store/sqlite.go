package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"slackcal/internal/model"
)

const sqliteSchema = `
PRAGMA journal_mode = WAL;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS records (
    seq            INTEGER NOT NULL,
    id             TEXT NOT NULL,
    kind           TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    date           TEXT NOT NULL DEFAULT '',
    start_time     TEXT NOT NULL DEFAULT '',
    end_time       TEXT NOT NULL DEFAULT '',
    source_channel TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL DEFAULT '',
    completed      INTEGER NOT NULL DEFAULT 0,
    notified       INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (kind, seq)
);

CREATE TABLE IF NOT EXISTS channel_cursors (
    channel_id     TEXT PRIMARY KEY,
    last_processed TEXT NOT NULL
);
`

// SQLite keeps the snapshot in two tables. Writes rewrite both tables in one
// transaction, preserving the snapshot semantics of the JSON backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and initializes) a database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrStoreUnavailable, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Read(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, title, description, date, start_time, end_time,
		       source_channel, created_at, completed, notified
		FROM records ORDER BY kind, seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: query records: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                   model.ScheduleRecord
			kind, createdAt     string
			completed, notified int
		)
		if err := rows.Scan(&r.ID, &kind, &r.Title, &r.Description, &r.Date, &r.StartTime,
			&r.EndTime, &r.SourceChannel, &createdAt, &completed, &notified); err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", ErrStoreUnavailable, err)
		}
		r.Kind = model.Kind(kind)
		r.Completed = completed != 0
		r.Notified = notified != 0
		if createdAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
				r.CreatedAt = t
			}
		}
		lst := snap.list(r.Kind)
		*lst = append(*lst, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate records: %v", ErrStoreUnavailable, err)
	}

	crows, err := s.db.QueryContext(ctx, `SELECT channel_id, last_processed FROM channel_cursors`)
	if err != nil {
		return nil, fmt.Errorf("%w: query cursors: %v", ErrStoreUnavailable, err)
	}
	defer crows.Close()

	for crows.Next() {
		var id, ts string
		if err := crows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("%w: scan cursor: %v", ErrStoreUnavailable, err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: cursor %s: %v", ErrStoreUnavailable, id, err)
		}
		snap.ChannelCursors[id] = t
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate cursors: %v", ErrStoreUnavailable, err)
	}

	return snap, nil
}

func (s *SQLite) Write(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_cursors`); err != nil {
		return fmt.Errorf("clear cursors: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (seq, id, kind, title, description, date, start_time, end_time,
		                     source_channel, created_at, completed, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	groups := []struct {
		kind model.Kind
		recs []model.ScheduleRecord
	}{
		{model.KindMeeting, snap.Meetings},
		{model.KindTask, snap.Tasks},
	}
	for _, g := range groups {
		for i, r := range g.recs {
			if _, err := stmt.ExecContext(ctx, i, r.ID, string(g.kind), r.Title, r.Description,
				r.Date, r.StartTime, r.EndTime, r.SourceChannel,
				r.CreatedAt.UTC().Format(time.RFC3339Nano), boolInt(r.Completed), boolInt(r.Notified)); err != nil {
				return fmt.Errorf("insert record %s: %w", r.ID, err)
			}
		}
	}

	for id, t := range snap.ChannelCursors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_cursors (channel_id, last_processed) VALUES (?, ?)`,
			id, t.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert cursor %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
