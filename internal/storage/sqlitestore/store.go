// Package sqlitestore persists journal entries in a SQLite database keyed
// by entry UUID.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Veldrovive/JournalServer/internal/entry"
	"github.com/Veldrovive/JournalServer/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	entry_uuid     TEXT PRIMARY KEY,
	entry_type     TEXT NOT NULL,
	entry_hash     TEXT NOT NULL,
	data           TEXT NOT NULL,
	start_time     INTEGER NOT NULL,
	end_time       INTEGER,
	latitude       REAL,
	longitude      REAL,
	group_id       TEXT,
	seq_id         INTEGER,
	handler_id     TEXT NOT NULL,
	tags           TEXT NOT NULL DEFAULT '[]',
	mutation_count INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(entry_type);
CREATE INDEX IF NOT EXISTS idx_entries_start_time ON entries(start_time);
CREATE INDEX IF NOT EXISTS idx_entries_group ON entries(group_id);
CREATE INDEX IF NOT EXISTS idx_entries_location ON entries(latitude, longitude);
`

// Store is a SQLite-backed storage.EntryStore. Payloads are stored as
// JSON and decoded back through the entry registry, so the store can only
// hold types the registry knows.
type Store struct {
	db       *sql.DB
	registry *entry.Registry
	path     string
}

// New opens (or creates) the entry database under dataDir.
func New(dataDir string, registry *entry.Registry) (*Store, error) {
	if registry == nil {
		return nil, errors.New("sqlite store requires an entry registry")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "journal.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, registry: registry, path: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Put upserts a record under its entry UUID.
func (s *Store) Put(ctx context.Context, rec *storage.StoredEntry) error {
	e := rec.Entry
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (
			entry_uuid, entry_type, entry_hash, data,
			start_time, end_time, latitude, longitude,
			group_id, seq_id, handler_id, tags, mutation_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_uuid) DO UPDATE SET
			entry_type = excluded.entry_type,
			entry_hash = excluded.entry_hash,
			data = excluded.data,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			group_id = excluded.group_id,
			seq_id = excluded.seq_id,
			handler_id = excluded.handler_id,
			tags = excluded.tags,
			mutation_count = excluded.mutation_count,
			updated_at = excluded.updated_at`,
		rec.UUID, string(e.Type), rec.Hash, string(data),
		e.StartTime, nullInt64(e.EndTime), nullFloat(e.Latitude), nullFloat(e.Longitude),
		nullString(e.GroupID), nullInt(e.SeqID), e.HandlerID, string(tags), e.MutationCount,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert entry %s: %w", rec.UUID, err)
	}
	return nil
}

// Get fetches a record by entry UUID.
func (s *Store) Get(ctx context.Context, uuid entry.UUID) (*storage.StoredEntry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM entries WHERE entry_uuid = ?`, uuid)
	rec, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrEntryNotFound, uuid)
	}
	return rec, err
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, uuid entry.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE entry_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("delete entry %s: %w", uuid, err)
	}
	return nil
}

// Search returns the records matching the filter, ordered by start time.
func (s *Store) Search(ctx context.Context, f storage.Filter) ([]*storage.StoredEntry, error) {
	query := selectColumns + ` FROM entries`
	var conds []string
	var args []any

	if f.After != nil {
		conds = append(conds, "start_time >= ?")
		args = append(args, *f.After)
	}
	if f.Before != nil {
		conds = append(conds, "start_time <= ?")
		args = append(args, *f.Before)
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "entry_type IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.HandlerIDs) > 0 {
		ph := make([]string, len(f.HandlerIDs))
		for i, id := range f.HandlerIDs {
			ph[i] = "?"
			args = append(args, id)
		}
		conds = append(conds, "handler_id IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.GroupIDs) > 0 {
		ph := make([]string, len(f.GroupIDs))
		for i, id := range f.GroupIDs {
			ph[i] = "?"
			args = append(args, id)
		}
		conds = append(conds, "group_id IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Location != nil {
		conds = append(conds, "latitude BETWEEN ? AND ?", "longitude BETWEEN ? AND ?")
		args = append(args,
			f.Location.Latitude-f.Location.Radius, f.Location.Latitude+f.Location.Radius,
			f.Location.Longitude-f.Location.Radius, f.Location.Longitude+f.Location.Radius,
		)
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY start_time ASC, seq_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var recs []*storage.StoredEntry
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return recs, nil
}

const selectColumns = `SELECT entry_uuid, entry_type, entry_hash, data,
	start_time, end_time, latitude, longitude,
	group_id, seq_id, handler_id, tags, mutation_count,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row rowScanner) (*storage.StoredEntry, error) {
	var (
		uuid, entryType, hash, data, handlerID, tags string
		startTime, createdAt, updatedAt              int64
		endTime, seqID                               sql.NullInt64
		latitude, longitude                          sql.NullFloat64
		groupID                                      sql.NullString
		mutationCount                                int
	)
	err := row.Scan(&uuid, &entryType, &hash, &data,
		&startTime, &endTime, &latitude, &longitude,
		&groupID, &seqID, &handlerID, &tags, &mutationCount,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	payload, err := s.registry.DecodePayload(entry.Type(entryType), []byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", uuid, err)
	}
	var tagList []string
	if err := json.Unmarshal([]byte(tags), &tagList); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", uuid, err)
	}

	e := &entry.Entry{
		Type:          entry.Type(entryType),
		Data:          payload,
		StartTime:     startTime,
		HandlerID:     handlerID,
		GroupID:       groupID.String,
		Tags:          tagList,
		MutationCount: mutationCount,
	}
	if endTime.Valid {
		v := endTime.Int64
		e.EndTime = &v
	}
	if latitude.Valid {
		v := latitude.Float64
		e.Latitude = &v
	}
	if longitude.Valid {
		v := longitude.Float64
		e.Longitude = &v
	}
	if seqID.Valid {
		v := int(seqID.Int64)
		e.SeqID = &v
	}

	return &storage.StoredEntry{
		UUID:      uuid,
		Hash:      hash,
		Entry:     e,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
