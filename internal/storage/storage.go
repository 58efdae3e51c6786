// Package storage defines the persistence and file-store contracts the
// journal core depends on. Concrete backends live in subpackages; the
// core only sees these interfaces.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Veldrovive/JournalServer/internal/entry"
)

var (
	// ErrEntryNotFound is returned when no record exists for a UUID.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrEntryExists is returned by conflict-rejecting ingestion when a
	// record with the same UUID but different content already exists.
	ErrEntryExists = errors.New("entry already exists")
)

// StoredEntry is an entry as held by the persistence layer, carrying the
// identity and content hash computed at ingestion time.
type StoredEntry struct {
	UUID      entry.UUID
	Hash      entry.Hash
	Entry     *entry.Entry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LocationFilter selects entries within a square around a center point.
// Radius is the half side length in degrees, matching the original
// search semantics.
type LocationFilter struct {
	Latitude  float64
	Longitude float64
	Radius    float64
}

// Filter narrows an entry search. Zero fields are ignored; timestamps
// are milliseconds since the epoch.
type Filter struct {
	After      *int64
	Before     *int64
	Types      []entry.Type
	HandlerIDs []string
	GroupIDs   []string
	Location   *LocationFilter
}

// EntryStore is a keyed store for entries. Put is an upsert; the journal
// manager serializes operations per UUID, so implementations only need
// per-call consistency.
type EntryStore interface {
	Get(ctx context.Context, uuid entry.UUID) (*StoredEntry, error)
	Put(ctx context.Context, rec *StoredEntry) error
	Delete(ctx context.Context, uuid entry.UUID) error
	Search(ctx context.Context, f Filter) ([]*StoredEntry, error)
	Close() error
}

// FileStore holds entry-referenced files and hands out time-bounded
// access URLs. DeleteFile must be idempotent: deletion of a partially
// cleaned entry is retried from the top.
type FileStore interface {
	InsertFile(ctx context.Context, localPath string) (fileID string, err error)
	DeleteFile(ctx context.Context, fileID string) error
	ResolveURL(ctx context.Context, fileID string) (string, error)
}
