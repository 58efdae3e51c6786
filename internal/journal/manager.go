// Package journal implements the entry manager: deduplicating ingestion,
// query projection, and type-dispatched deletion over the persistence and
// file-store collaborators.
package journal

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Veldrovive/JournalServer/internal/entry"
	"github.com/Veldrovive/JournalServer/internal/storage"
)

// IngestResult classifies what an ingestion did.
type IngestResult string

const (
	ResultCreated   IngestResult = "created"
	ResultUpdated   IngestResult = "updated"
	ResultUnchanged IngestResult = "unchanged"
)

// DeletionResult classifies what a deletion did.
type DeletionResult string

const (
	ResultDeleted  DeletionResult = "deleted"
	ResultNotFound DeletionResult = "not_found"
)

// ConflictPolicy decides what happens when an ingested entry carries a
// known UUID with different content. Identity is an approximation, so a
// UUID collision between genuinely distinct events is possible; which way
// to resolve it is a deployment choice.
type ConflictPolicy string

const (
	// ConflictOverwrite replaces the stored content (Updated). Default.
	ConflictOverwrite ConflictPolicy = "overwrite"
	// ConflictReject surfaces the collision as an error instead.
	ConflictReject ConflictPolicy = "reject"
)

// Publisher emits entry lifecycle events. A nil publisher disables
// eventing; publish failures never fail the triggering operation.
type Publisher interface {
	Publish(ctx context.Context, key []byte, value []byte, headers map[string]string) error
}

const lockShards = 64

// Manager orchestrates ingestion, reads and deletion. All operations for
// the same entry UUID are serialized through a sharded lock; operations on
// distinct UUIDs proceed in parallel.
type Manager struct {
	registry  *entry.Registry
	entries   storage.EntryStore
	files     storage.FileStore
	publisher Publisher
	logger    *zap.Logger
	conflict  ConflictPolicy
	tracer    trace.Tracer

	locks [lockShards]sync.Mutex
}

// Params collects the manager's collaborators.
type Params struct {
	Registry       *entry.Registry
	Entries        storage.EntryStore
	Files          storage.FileStore
	Publisher      Publisher
	Logger         *zap.Logger
	ConflictPolicy ConflictPolicy
}

// NewManager constructs a Manager. The registry is validated here so a
// type with a missing behavior (for example no deletion handler) fails at
// startup rather than on the first affected entry.
func NewManager(p Params) (*Manager, error) {
	if p.Registry == nil {
		return nil, errors.New("journal manager requires an entry registry")
	}
	if err := p.Registry.Validate(); err != nil {
		return nil, fmt.Errorf("validate entry registry: %w", err)
	}
	if p.Entries == nil {
		return nil, errors.New("journal manager requires an entry store")
	}
	if p.Files == nil {
		return nil, errors.New("journal manager requires a file store")
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.ConflictPolicy == "" {
		p.ConflictPolicy = ConflictOverwrite
	}
	if p.ConflictPolicy != ConflictOverwrite && p.ConflictPolicy != ConflictReject {
		return nil, fmt.Errorf("unknown conflict policy %q", p.ConflictPolicy)
	}
	return &Manager{
		registry:  p.Registry,
		entries:   p.Entries,
		files:     p.Files,
		publisher: p.Publisher,
		logger:    p.Logger,
		conflict:  p.ConflictPolicy,
		tracer:    otel.Tracer("journalserver/journal"),
	}, nil
}

func (m *Manager) lockFor(uuid entry.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(uuid)) //nolint:errcheck
	return &m.locks[h.Sum32()%lockShards]
}

// Ingest deduplicates and persists an entry. Repeated ingestion of an
// equivalent entry converges to one stored record: the first call returns
// Created, identical re-ingestions return Unchanged, and a content change
// under the same UUID returns Updated (or an error under ConflictReject).
func (m *Manager) Ingest(ctx context.Context, e *entry.Entry) (IngestResult, error) {
	ctx, span := m.tracer.Start(ctx, "journal.Ingest",
		trace.WithAttributes(attribute.String("entry.type", string(e.Type))))
	defer span.End()

	if err := m.registry.CheckPayload(e); err != nil {
		return "", fmt.Errorf("check payload: %w", err)
	}
	uuid, err := m.registry.Identity(e)
	if err != nil {
		return "", fmt.Errorf("compute identity: %w", err)
	}

	mu := m.lockFor(uuid)
	mu.Lock()
	defer mu.Unlock()

	res, err := m.upsert(ctx, uuid, e)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("ingest.result", string(res)))
	return res, nil
}

// IngestFile ingests a file-backed entry whose payload still points at a
// local path. If the content is new, the file is promoted into the file
// store and the payload's file id rewritten to the store-assigned id
// before the record is persisted; on update, the superseded stored file
// is removed afterwards. Identity and hash do not cover the file id, so
// an unchanged re-ingestion skips the upload entirely.
func (m *Manager) IngestFile(ctx context.Context, e *entry.Entry) (IngestResult, error) {
	ctx, span := m.tracer.Start(ctx, "journal.IngestFile",
		trace.WithAttributes(attribute.String("entry.type", string(e.Type))))
	defer span.End()

	payload, ok := e.Data.(entry.FilePayload)
	if !ok {
		return "", fmt.Errorf("entry type %q: payload is %T, not a file payload", e.Type, e.Data)
	}
	if err := m.registry.CheckPayload(e); err != nil {
		return "", fmt.Errorf("check payload: %w", err)
	}
	uuid, err := m.registry.Identity(e)
	if err != nil {
		return "", fmt.Errorf("compute identity: %w", err)
	}
	hash, err := m.registry.ContentHash(e)
	if err != nil {
		return "", fmt.Errorf("compute content hash: %w", err)
	}

	mu := m.lockFor(uuid)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.getIfExists(ctx, uuid)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.Hash == hash {
			span.SetAttributes(attribute.String("ingest.result", string(ResultUnchanged)))
			return ResultUnchanged, nil
		}
		if m.conflict == ConflictReject {
			return "", fmt.Errorf("%w: %s", storage.ErrEntryExists, uuid)
		}
	}

	fileID, err := m.files.InsertFile(ctx, payload.FileID)
	if err != nil {
		return "", fmt.Errorf("insert file into store: %w", err)
	}
	payload.FileID = fileID
	e.Data = payload

	res, err := m.upsert(ctx, uuid, e)
	if err != nil {
		return "", err
	}

	// The replaced record's stored file is now unreferenced. Removal
	// failure leaves an orphaned object, not a broken entry, so it only
	// warns.
	if existing != nil {
		if old, ok := existing.Entry.Data.(entry.FilePayload); ok && old.FileID != "" {
			if err := m.files.DeleteFile(ctx, old.FileID); err != nil {
				m.logger.Warn("delete superseded stored file",
					zap.String("entry_uuid", uuid),
					zap.String("file_id", old.FileID),
					zap.Error(err))
			}
		}
	}

	span.SetAttributes(attribute.String("ingest.result", string(res)))
	return res, nil
}

// upsert performs the dedup decision and write. Caller holds the UUID lock.
func (m *Manager) upsert(ctx context.Context, uuid entry.UUID, e *entry.Entry) (IngestResult, error) {
	hash, err := m.registry.ContentHash(e)
	if err != nil {
		return "", fmt.Errorf("compute content hash: %w", err)
	}

	existing, err := m.getIfExists(ctx, uuid)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if existing == nil {
		e.MutationCount = 0
		rec := &storage.StoredEntry{UUID: uuid, Hash: hash, Entry: e, CreatedAt: now, UpdatedAt: now}
		if err := m.entries.Put(ctx, rec); err != nil {
			return "", fmt.Errorf("persist entry %s: %w", uuid, err)
		}
		m.publish(ctx, eventEntryCreated, uuid, e, hash)
		return ResultCreated, nil
	}

	if existing.Hash == hash {
		return ResultUnchanged, nil
	}
	if m.conflict == ConflictReject {
		return "", fmt.Errorf("%w: %s", storage.ErrEntryExists, uuid)
	}

	e.MutationCount = existing.Entry.MutationCount + 1
	rec := &storage.StoredEntry{UUID: uuid, Hash: hash, Entry: e, CreatedAt: existing.CreatedAt, UpdatedAt: now}
	if err := m.entries.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("persist entry %s: %w", uuid, err)
	}
	m.publish(ctx, eventEntryUpdated, uuid, e, hash)
	return ResultUpdated, nil
}

func (m *Manager) getIfExists(ctx context.Context, uuid entry.UUID) (*storage.StoredEntry, error) {
	rec, err := m.entries.Get(ctx, uuid)
	if errors.Is(err, storage.ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up entry %s: %w", uuid, err)
	}
	return rec, nil
}

// Read returns a restartable sequence of output projections for the
// entries matching the filter. Every iteration re-resolves file URLs,
// since presigned URLs are time-bounded.
func (m *Manager) Read(ctx context.Context, f storage.Filter) iter.Seq2[*entry.Output, error] {
	return func(yield func(*entry.Output, error) bool) {
		recs, err := m.entries.Search(ctx, f)
		if err != nil {
			yield(nil, fmt.Errorf("search entries: %w", err))
			return
		}
		for _, rec := range recs {
			out, err := m.registry.BuildOutput(ctx, rec.Entry, m.files)
			if !yield(out, err) {
				return
			}
		}
	}
}

// ReadAll collects Read into a slice, stopping at the first error.
func (m *Manager) ReadAll(ctx context.Context, f storage.Filter) ([]*entry.Output, error) {
	var outs []*entry.Output
	for out, err := range m.Read(ctx, f) {
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// Delete removes the entry with the given UUID. External cleanup runs
// first through the type's deletion handler; if it fails, the stored
// record is kept so the deletion can be retried without orphaning files.
func (m *Manager) Delete(ctx context.Context, uuid entry.UUID) (DeletionResult, error) {
	ctx, span := m.tracer.Start(ctx, "journal.Delete",
		trace.WithAttributes(attribute.String("entry.uuid", uuid)))
	defer span.End()

	mu := m.lockFor(uuid)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.getIfExists(ctx, uuid)
	if err != nil {
		return "", err
	}
	if rec == nil {
		span.SetAttributes(attribute.String("delete.result", string(ResultNotFound)))
		return ResultNotFound, nil
	}

	def, err := m.registry.Lookup(rec.Entry.Type)
	if err != nil {
		return "", err
	}
	if err := def.Delete(ctx, rec.Entry, m.files); err != nil {
		return "", fmt.Errorf("clean up entry %s: %w", uuid, err)
	}
	if err := m.entries.Delete(ctx, uuid); err != nil {
		return "", fmt.Errorf("delete entry %s: %w", uuid, err)
	}

	m.publish(ctx, eventEntryDeleted, uuid, rec.Entry, rec.Hash)
	span.SetAttributes(attribute.String("delete.result", string(ResultDeleted)))
	return ResultDeleted, nil
}

// DeleteGroup deletes every entry belonging to a group, returning how
// many were removed. The first failing deletion stops the sweep; already
// deleted entries stay deleted.
func (m *Manager) DeleteGroup(ctx context.Context, groupID string) (int, error) {
	recs, err := m.entries.Search(ctx, storage.Filter{GroupIDs: []string{groupID}})
	if err != nil {
		return 0, fmt.Errorf("search group %s: %w", groupID, err)
	}
	deleted := 0
	for _, rec := range recs {
		res, err := m.Delete(ctx, rec.UUID)
		if err != nil {
			return deleted, err
		}
		if res == ResultDeleted {
			deleted++
		}
	}
	return deleted, nil
}
