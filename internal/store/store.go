// Package store persists recording metadata in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"

	_ "modernc.org/sqlite"
)

// Record is one row of the recordings table.
type Record struct {
	ID             int64
	FilePath       string
	Timestamp      time.Time
	DurationMillis int64
	IsNoisy        bool
}

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	filePath       TEXT    NOT NULL UNIQUE,
	timestamp      INTEGER NOT NULL,
	durationMillis INTEGER NOT NULL DEFAULT 0,
	isNoisy        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS recordings_timestamp ON recordings (timestamp DESC);
`

const selectColumns = `SELECT id, filePath, timestamp, durationMillis, isNoisy FROM recordings`

// Store is the recordings table. Writes are serialized and every write
// publishes a fresh ordered listing to watchers.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	changes *util.Broadcaster[[]Record]
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps SQLite's single writer and read-your-writes simple.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, changes: util.NewBroadcaster[[]Record]()}, nil
}

// Close closes watchers and the database.
func (s *Store) Close() error {
	s.changes.Close()
	return s.db.Close()
}

// Upsert inserts r, or replaces the row with the same id or file path.
// The stored record, with its id, is returned.
func (s *Store) Upsert(ctx context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if r.ID != 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO recordings (id, filePath, timestamp, durationMillis, isNoisy)
			VALUES (?, ?, ?, ?, ?)
		`, r.ID, r.FilePath, r.Timestamp.UnixMilli(), r.DurationMillis, r.IsNoisy)
	} else {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO recordings (filePath, timestamp, durationMillis, isNoisy)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (filePath) DO UPDATE SET
				timestamp = excluded.timestamp,
				durationMillis = excluded.durationMillis,
				isNoisy = excluded.isNoisy
			RETURNING id
		`, r.FilePath, r.Timestamp.UnixMilli(), r.DurationMillis, r.IsNoisy).Scan(&r.ID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("upsert recording %s: %w", r.FilePath, err)
	}

	s.publishLocked(ctx)
	return r, nil
}

// ByPath returns the record for path, or nil if there is none.
func (s *Store) ByPath(ctx context.Context, path string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE filePath = ?`, path)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", path, err)
	}
	return &r, nil
}

// Delete removes the record with id. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete recording %d: %w", id, err)
	}
	s.publishLocked(ctx)
	return nil
}

// List returns all records, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Watch streams the ordered listing: the current rows first, then a new
// listing after every change. The channel closes when ctx ends or the
// store is closed. A slow reader skips intermediate listings.
func (s *Store) Watch(ctx context.Context) (<-chan []Record, error) {
	changes, cancel := s.changes.Subscribe()

	initial, err := s.List(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan []Record, 1)
	out <- initial
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case records, ok := <-changes:
				if !ok {
					return
				}
				select {
				case out <- records:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) publishLocked(ctx context.Context) {
	if s.changes.Len() == 0 {
		return
	}
	records, err := s.List(context.WithoutCancel(ctx))
	if err != nil {
		// Watchers catch up on the next change.
		return
	}
	s.changes.Publish(records)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var r Record
	var timestamp int64
	if err := sc.Scan(&r.ID, &r.FilePath, &timestamp, &r.DurationMillis, &r.IsNoisy); err != nil {
		return Record{}, err
	}
	r.Timestamp = time.UnixMilli(timestamp)
	return r, nil
}
