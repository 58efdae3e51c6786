package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veldrovive/JournalServer/internal/entry"
	"github.com/Veldrovive/JournalServer/internal/journal"
	"github.com/Veldrovive/JournalServer/internal/storage"
)

// memEntryStore is an in-memory storage.EntryStore.
type memEntryStore struct {
	mu   sync.Mutex
	recs map[entry.UUID]*storage.StoredEntry
}

func newMemEntryStore() *memEntryStore {
	return &memEntryStore{recs: map[entry.UUID]*storage.StoredEntry{}}
}

func (s *memEntryStore) Get(_ context.Context, uuid entry.UUID) (*storage.StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrEntryNotFound, uuid)
	}
	return rec, nil
}

func (s *memEntryStore) Put(_ context.Context, rec *storage.StoredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.UUID] = rec
	return nil
}

func (s *memEntryStore) Delete(_ context.Context, uuid entry.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, uuid)
	return nil
}

func (s *memEntryStore) Search(_ context.Context, _ storage.Filter) ([]*storage.StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.StoredEntry, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memEntryStore) Close() error { return nil }

func (s *memEntryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// memFileStore is an in-memory storage.FileStore.
type memFileStore struct {
	mu     sync.Mutex
	nextID int
}

func (f *memFileStore) InsertFile(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("obj-%d", f.nextID), nil
}

func (f *memFileStore) DeleteFile(context.Context, string) error { return nil }

func (f *memFileStore) ResolveURL(_ context.Context, fileID string) (string, error) {
	return "https://files.example.com/" + fileID, nil
}

func newTestJournal(t *testing.T) (*journal.Manager, *memEntryStore) {
	t.Helper()
	store := newMemEntryStore()
	j, err := journal.NewManager(journal.Params{
		Registry: entry.NewRegistry(),
		Entries:  store,
		Files:    &memFileStore{},
	})
	require.NoError(t, err)
	return j, store
}

// stubHandler is a scriptable InputHandler for orchestrator tests.
type stubHandler struct {
	mu        sync.Mutex
	startErr  error
	onRequest func(ctx context.Context, req TriggerRequest, em *Emitter) error
	intervals int
}

func (h *stubHandler) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startErr
}

func (h *stubHandler) Stop(context.Context) error { return nil }

func (h *stubHandler) OnRequest(ctx context.Context, req TriggerRequest, em *Emitter) error {
	h.mu.Lock()
	fn := h.onRequest
	h.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, req, em)
}

func (h *stubHandler) OnFile(context.Context, string, *Emitter) error { return nil }

func (h *stubHandler) OnInterval(context.Context, *Emitter) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.intervals++
	return nil
}

func (h *stubHandler) intervalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.intervals
}

func (h *stubHandler) setStartErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startErr = err
}

type stubConfig struct {
	BaseConfig `yaml:",inline"`
}

// stubRegistry returns a registry whose "stub" type hands out the given
// handlers by config id.
func stubRegistry(t *testing.T, stubs map[string]*stubHandler) *ConfigRegistry {
	t.Helper()
	r, err := NewConfigRegistry(Registration{
		Type:      "stub",
		NewConfig: func() Config { return &stubConfig{} },
		New: func(cfg Config, _ Deps) (InputHandler, error) {
			h, ok := stubs[cfg.Base().ID]
			if !ok {
				return nil, fmt.Errorf("no stub for id %q", cfg.Base().ID)
			}
			return h, nil
		},
	})
	require.NoError(t, err)
	return r
}

func stubCfg(id string, interval time.Duration) Config {
	return &stubConfig{BaseConfig: BaseConfig{Type: "stub", ID: id, Interval: Duration(interval)}}
}

func TestTriggerRequestEmitsEntries(t *testing.T) {
	j, store := newTestJournal(t)
	stub := &stubHandler{
		onRequest: func(ctx context.Context, req TriggerRequest, em *Emitter) error {
			_, err := em.Emit(ctx, &entry.Entry{
				Type:      entry.TypeText,
				Data:      entry.TextPayload("from request: " + req.Metadata["note"]),
				StartTime: 100,
				HandlerID: "a",
			})
			return err
		},
	}
	m, err := NewManager(Params{
		Registry:      stubRegistry(t, map[string]*stubHandler{"a": stub}),
		Configs:       []Config{stubCfg("a", 0)},
		Journal:       j,
		EntryRegistry: entry.NewRegistry(),
	})
	require.NoError(t, err)

	records, err := m.TriggerRequest(context.Background(), "a", TriggerRequest{Metadata: map[string]string{"note": "hi"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, journal.ResultCreated, records[0].Result)
	assert.Equal(t, entry.TypeText, records[0].EntryType)
	assert.NotEmpty(t, records[0].EntryUUID)
	assert.Empty(t, records[0].Error)
	assert.Equal(t, 1, store.len())
}

func TestTriggerRequestUnknownHandler(t *testing.T) {
	j, _ := newTestJournal(t)
	m, err := NewManager(Params{
		Registry:      stubRegistry(t, nil),
		Journal:       j,
		EntryRegistry: entry.NewRegistry(),
	})
	require.NoError(t, err)

	_, err = m.TriggerRequest(context.Background(), "ghost", TriggerRequest{})
	require.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestTriggerFailureRecordedAgainstHandler(t *testing.T) {
	j, _ := newTestJournal(t)
	stub := &stubHandler{
		onRequest: func(context.Context, TriggerRequest, *Emitter) error {
			return errors.New("upstream feed gone")
		},
	}
	m, err := NewManager(Params{
		Registry:      stubRegistry(t, map[string]*stubHandler{"a": stub}),
		Configs:       []Config{stubCfg("a", 0)},
		Journal:       j,
		EntryRegistry: entry.NewRegistry(),
	})
	require.NoError(t, err)

	_, err = m.TriggerRequest(context.Background(), "a", TriggerRequest{})
	require.Error(t, err)

	infos := m.Infos()
	require.Len(t, infos, 1)
	require.Len(t, infos[0].TriggerErrors, 1)
	assert.Contains(t, infos[0].TriggerErrors[0].Message, "upstream feed gone")
}

func TestTriggerPanicRecovered(t *testing.T) {
	j, _ := newTestJournal(t)
	stub := &stubHandler{
		onRequest: func(context.Context, TriggerRequest, *Emitter) error {
			panic("handler bug")
		},
	}
	m, err := NewManager(Params{
		Registry:      stubRegistry(t, map[string]*stubHandler{"a": stub}),
		Configs:       []Config{stubCfg("a", 0)},
		Journal:       j,
		EntryRegistry: entry.NewRegistry(),
	})
	require.NoError(t, err)

	_, err = m.TriggerRequest(context.Background(), "a", TriggerRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	infos := m.Infos()
	require.Len(t, infos, 1)
	require.Len(t, infos[0].TriggerErrors, 1)
}

func TestStartFailureIsolatedAndRetryable(t *testing.T) {
	j, _ := newTestJournal(t)
	broken := &stubHandler{startErr: errors.New("source offline")}
	healthy := &stubHandler{}
	m, err := NewManager(Params{
		Registry:      stubRegistry(t, map[string]*stubHandler{"broken": broken, "healthy": healthy}),
		Configs:       []Config{stubCfg("broken", 0), stubCfg("healthy", 0)},
		Journal:       j,
		EntryRegistry: entry.NewRegistry(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { m.Stop(ctx) })

	infos := m.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "broken", infos[0].ID)
	assert.False(t, infos[0].Started)
	assert.Contains(t, infos[0].StartError, "source offline")
	assert.Equal(t, "healthy", infos[1].ID)
	assert.True(t, infos[1].Started)

	// Still broken: retry reports the error again.
	require.Error(t, m.RetryStart(ctx, "broken"))

	broken.setStartErr(nil)
	require.NoError(t, m.RetryStart(ctx, "broken"))
	infos = m.Infos()
	assert.True(t, infos[0].Started)

	require.ErrorIs(t, m.RetryStart(ctx, "ghost"), ErrHandlerNotFound)
}

func TestIntervalTriggerFires(t *testing.T) {
	j, _ := newTestJournal(t)
	stub := &stubHandler{}
	m, err := NewManager(Params{
		Registry:      stubRegistry(t, map[string]*stubHandler{"a": stub}),
		Configs:       []Config{stubCfg("a", 100*time.Millisecond)},
		Journal:       j,
		EntryRegistry: entry.NewRegistry(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { m.Stop(ctx) })

	require.Eventually(t, func() bool {
		return stub.intervalCount() >= 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDroppedFileIngestedAndRemoved(t *testing.T) {
	j, store := newTestJournal(t)
	registry, err := NewConfigRegistry(filedropRegistration())
	require.NoError(t, err)

	inputDir := t.TempDir()
	m, err := NewManager(Params{
		Registry: registry,
		Configs: []Config{&FiledropConfig{
			BaseConfig: BaseConfig{Type: "filedrop", ID: "drop"},
			Group:      "dropped",
		}},
		Journal:        j,
		EntryRegistry:  entry.NewRegistry(),
		InputDir:       inputDir,
		RescanInterval: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { m.Stop(ctx) })

	path := filepath.Join(inputDir, "drop", "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("dropped note"), 0o600))

	require.Eventually(t, func() bool {
		return store.len() == 1
	}, 10*time.Second, 100*time.Millisecond, "dropped file should become an entry")

	// Processed files are removed from the input directory.
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 10*time.Second, 100*time.Millisecond)

	recs, err := store.Search(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, entry.TypeTextFile, recs[0].Entry.Type)
	assert.Equal(t, "drop", recs[0].Entry.HandlerID)
	assert.Equal(t, "dropped", recs[0].Entry.GroupID)
	payload, ok := recs[0].Entry.Data.(entry.FilePayload)
	require.True(t, ok)
	assert.Equal(t, "note.txt", payload.FileName)
	assert.Equal(t, "obj-1", payload.FileID)
}
