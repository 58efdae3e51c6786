package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veldrovive/JournalServer/internal/entry"
	"github.com/Veldrovive/JournalServer/internal/storage"
)

// memStore is an in-memory storage.EntryStore.
type memStore struct {
	mu   sync.Mutex
	recs map[entry.UUID]*storage.StoredEntry
}

func newMemStore() *memStore {
	return &memStore{recs: map[entry.UUID]*storage.StoredEntry{}}
}

func (s *memStore) Get(_ context.Context, uuid entry.UUID) (*storage.StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrEntryNotFound, uuid)
	}
	return rec, nil
}

func (s *memStore) Put(_ context.Context, rec *storage.StoredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.UUID] = rec
	return nil
}

func (s *memStore) Delete(_ context.Context, uuid entry.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, uuid)
	return nil
}

func (s *memStore) Search(_ context.Context, f storage.Filter) ([]*storage.StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.StoredEntry
	for _, rec := range s.recs {
		if len(f.Types) > 0 && !slices.Contains(f.Types, rec.Entry.Type) {
			continue
		}
		if len(f.GroupIDs) > 0 && !slices.Contains(f.GroupIDs, rec.Entry.GroupID) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// fakeFiles is an in-memory storage.FileStore with a toggleable delete
// failure.
type fakeFiles struct {
	mu         sync.Mutex
	nextID     int
	inserted   []string
	deleted    []string
	failDelete bool
	resolves   int
}

func (f *fakeFiles) InsertFile(_ context.Context, localPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("file-%d", f.nextID)
	f.inserted = append(f.inserted, localPath)
	return id, nil
}

func (f *fakeFiles) DeleteFile(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return errors.New("object store unavailable")
	}
	f.deleted = append(f.deleted, fileID)
	return nil
}

func (f *fakeFiles) ResolveURL(_ context.Context, fileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	return fmt.Sprintf("https://signed.example.com/%s?n=%d", fileID, f.resolves), nil
}

type publishedEvent struct {
	key     string
	headers map[string]string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, key, _ []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{key: string(key), headers: headers})
	return nil
}

func (p *fakePublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.headers["event_type"])
	}
	return out
}

const typeNote entry.Type = "note"

// testRegistry holds the real file and text definitions plus a "note"
// type whose identity is stable across content changes, so the Updated
// path is reachable.
func testRegistry(t *testing.T) *entry.Registry {
	t.Helper()
	full := entry.NewRegistry()
	fileDef, err := full.Lookup(entry.TypeGenericFile)
	require.NoError(t, err)
	textDef, err := full.Lookup(entry.TypeText)
	require.NoError(t, err)

	noteDef := textDef
	noteDef.Identity = func(e *entry.Entry) (entry.UUID, error) {
		return fmt.Sprintf("note-%s-%d", e.HandlerID, e.StartTime), nil
	}

	return entry.NewRegistryWith(map[entry.Type]entry.Definition{
		entry.TypeText:        textDef,
		entry.TypeGenericFile: fileDef,
		typeNote:              noteDef,
	})
}

func note(handlerID string, start int64, text string) *entry.Entry {
	return &entry.Entry{
		Type:      typeNote,
		Data:      entry.TextPayload(text),
		StartTime: start,
		HandlerID: handlerID,
	}
}

func newTestManager(t *testing.T, policy ConflictPolicy) (*Manager, *memStore, *fakeFiles, *fakePublisher) {
	t.Helper()
	store := newMemStore()
	files := &fakeFiles{}
	pub := &fakePublisher{}
	m, err := NewManager(Params{
		Registry:       testRegistry(t),
		Entries:        store,
		Files:          files,
		Publisher:      pub,
		ConflictPolicy: policy,
	})
	require.NoError(t, err)
	return m, store, files, pub
}

func tempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestIngestLifecycle(t *testing.T) {
	m, store, _, _ := newTestManager(t, ConflictOverwrite)
	ctx := context.Background()

	res, err := m.Ingest(ctx, note("h1", 1000, "first draft"))
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res)

	res, err = m.Ingest(ctx, note("h1", 1000, "first draft"))
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, res)
	assert.Equal(t, 1, store.len())

	rec, err := store.Get(ctx, "note-h1-1000")
	require.NoError(t, err)
	firstHash := rec.Hash
	assert.Equal(t, 0, rec.Entry.MutationCount)

	res, err = m.Ingest(ctx, note("h1", 1000, "second draft"))
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, res)
	assert.Equal(t, 1, store.len())

	rec, err = store.Get(ctx, "note-h1-1000")
	require.NoError(t, err)
	assert.NotEqual(t, firstHash, rec.Hash)
	assert.Equal(t, 1, rec.Entry.MutationCount)
	assert.Equal(t, entry.TextPayload("second draft"), rec.Entry.Data)
}

func TestIngestIdempotent(t *testing.T) {
	m, store, _, _ := newTestManager(t, ConflictOverwrite)
	ctx := context.Background()

	var created int
	for i := 0; i < 5; i++ {
		res, err := m.Ingest(ctx, note("h1", 1, "same"))
		require.NoError(t, err)
		if res == ResultCreated {
			created++
		} else {
			assert.Equal(t, ResultUnchanged, res)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, store.len())
}

func TestIngestConflictReject(t *testing.T) {
	m, _, _, _ := newTestManager(t, ConflictReject)
	ctx := context.Background()

	_, err := m.Ingest(ctx, note("h1", 1, "a"))
	require.NoError(t, err)

	// Identical content is still fine under reject.
	res, err := m.Ingest(ctx, note("h1", 1, "a"))
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, res)

	_, err = m.Ingest(ctx, note("h1", 1, "b"))
	require.ErrorIs(t, err, storage.ErrEntryExists)
}

func TestIngestFilePromotesIntoStore(t *testing.T) {
	m, store, files, _ := newTestManager(t, ConflictOverwrite)
	ctx := context.Background()

	path := tempFile(t, "diary.bin", "payload")
	payload, err := entry.FilePayloadFromPath(path, map[string]any{"source": "test"})
	require.NoError(t, err)
	e := &entry.Entry{Type: entry.TypeGenericFile, Data: payload, StartTime: 100, HandlerID: "h1"}

	res, err := m.IngestFile(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res)
	assert.Equal(t, []string{path}, files.inserted)

	uuid := mustIdentity(t, m, e)
	rec, err := store.Get(ctx, uuid)
	require.NoError(t, err)
	stored, ok := rec.Entry.Data.(entry.FilePayload)
	require.True(t, ok)
	assert.Equal(t, "file-1", stored.FileID, "stored payload must carry the store-assigned id")

	// An identical re-ingestion skips the upload entirely.
	path2 := tempFile(t, "diary.bin", "payload")
	payload2, err := entry.FilePayloadFromPath(path2, map[string]any{"source": "test"})
	require.NoError(t, err)
	e3 := &entry.Entry{Type: entry.TypeGenericFile, Data: payload2, StartTime: 100, HandlerID: "h1"}
	res, err = m.IngestFile(ctx, e3)
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, res)
	assert.Len(t, files.inserted, 1)
}

func mustIdentity(t *testing.T, m *Manager, e *entry.Entry) entry.UUID {
	t.Helper()
	uuid, err := m.registry.Identity(e)
	require.NoError(t, err)
	return uuid
}

func TestReadResolvesURLsEveryTime(t *testing.T) {
	m, _, files, _ := newTestManager(t, ConflictOverwrite)
	ctx := context.Background()

	path := tempFile(t, "photo.raw", "bytes")
	payload, err := entry.FilePayloadFromPath(path, nil)
	require.NoError(t, err)
	e := &entry.Entry{Type: entry.TypeGenericFile, Data: payload, StartTime: 10, HandlerID: "h1"}
	_, err = m.IngestFile(ctx, e)
	require.NoError(t, err)

	outs, err := m.ReadAll(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	fo, ok := outs[0].Data.(entry.FileOutput)
	require.True(t, ok)
	assert.Contains(t, fo.FileURL, "https://signed.example.com/file-1")
	assert.NotContains(t, fo.FileURL, path)

	// URLs are time-bounded, so a second read resolves again.
	first := files.resolves
	_, err = m.ReadAll(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Greater(t, files.resolves, first)
}

func TestDeleteAtomicity(t *testing.T) {
	m, store, files, _ := newTestManager(t, ConflictOverwrite)
	ctx := context.Background()

	path := tempFile(t, "audio.raw", "bytes")
	payload, err := entry.FilePayloadFromPath(path, nil)
	require.NoError(t, err)
	e := &entry.Entry{Type: entry.TypeGenericFile, Data: payload, StartTime: 20, HandlerID: "h1"}
	_, err = m.IngestFile(ctx, e)
	require.NoError(t, err)
	uuid := mustIdentity(t, m, e)

	// Cleanup fails: the record must survive so the delete can retry.
	files.failDelete = true
	_, err = m.Delete(ctx, uuid)
	require.Error(t, err)
	assert.Equal(t, 1, store.len())

	outs, err := m.ReadAll(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, outs, 1)

	// Retry after the store recovers.
	files.failDelete = false
	res, err := m.Delete(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, ResultDeleted, res)
	assert.Equal(t, []string{"file-1"}, files.deleted)
	assert.Equal(t, 0, store.len())

	res, err = m.Delete(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, ResultNotFound, res)
}

func TestDeleteGroup(t *testing.T) {
	m, store, _, _ := newTestManager(t, ConflictOverwrite)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		e := note("h1", i, fmt.Sprintf("entry %d", i))
		e.GroupID = "trip"
		_, err := m.Ingest(ctx, e)
		require.NoError(t, err)
	}
	other := note("h1", 99, "unrelated")
	_, err := m.Ingest(ctx, other)
	require.NoError(t, err)

	deleted, err := m.DeleteGroup(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, 1, store.len())
}

func TestConcurrentIngestSameIdentity(t *testing.T) {
	m, store, _, _ := newTestManager(t, ConflictOverwrite)
	ctx := context.Background()

	const n = 32
	results := make(chan IngestResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Ingest(ctx, note("h1", 7, "same content"))
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var created int
	for res := range results {
		if res == ResultCreated {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one concurrent ingest must observe Created")
	assert.Equal(t, 1, store.len())
}

func TestLifecycleEventsPublished(t *testing.T) {
	m, _, _, pub := newTestManager(t, ConflictOverwrite)
	ctx := context.Background()

	_, err := m.Ingest(ctx, note("h1", 1, "a"))
	require.NoError(t, err)
	_, err = m.Ingest(ctx, note("h1", 1, "b"))
	require.NoError(t, err)
	_, err = m.Delete(ctx, "note-h1-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"entry.created", "entry.updated", "entry.deleted"}, pub.eventTypes())
}
