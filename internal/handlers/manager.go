package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Veldrovive/JournalServer/internal/entry"
	"github.com/Veldrovive/JournalServer/internal/journal"
)

// ErrHandlerNotFound is returned when a trigger names an unknown handler.
var ErrHandlerNotFound = errors.New("input handler not found")

const (
	defaultRescanInterval = 5 * time.Second
	stabilityPollInterval = 500 * time.Millisecond
	maxTriggerErrors      = 50
)

// TriggerError is one recorded handler failure.
type TriggerError struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

type managedHandler struct {
	cfg          Config
	handler      InputHandler
	watchesFiles bool
	inputDir     string

	mu           sync.Mutex
	started      bool
	startErr     error
	triggerErrs  []TriggerError
	lastInterval time.Time
}

// Manager runs the configured input handler instances. Handlers are
// isolated from each other: a failing or slow handler only affects its
// own triggers, and every failure is recorded against the handler that
// caused it.
type Manager struct {
	journal  *journal.Manager
	registry *entry.Registry
	logger   *zap.Logger
	inputDir string
	rescan   time.Duration

	handlers map[string]*managedHandler

	wg     sync.WaitGroup
	cancel context.CancelFunc

	processingMu sync.Mutex
	processing   map[string]struct{}
}

// Params collects the orchestrator's construction inputs.
type Params struct {
	Registry       *ConfigRegistry
	Configs        []Config
	Journal        *journal.Manager
	EntryRegistry  *entry.Registry
	Logger         *zap.Logger
	InputDir       string
	RescanInterval time.Duration
}

// NewManager constructs all configured handlers. A config whose type has
// no registration, or a constructor failure, fails construction outright:
// handler wiring errors are startup errors, never deferred to runtime.
func NewManager(p Params) (*Manager, error) {
	if p.Registry == nil {
		return nil, errors.New("handler manager requires a config registry")
	}
	if p.Journal == nil {
		return nil, errors.New("handler manager requires a journal manager")
	}
	if p.EntryRegistry == nil {
		return nil, errors.New("handler manager requires an entry registry")
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.RescanInterval <= 0 {
		p.RescanInterval = defaultRescanInterval
	}

	m := &Manager{
		journal:    p.Journal,
		registry:   p.EntryRegistry,
		logger:     p.Logger,
		inputDir:   p.InputDir,
		rescan:     p.RescanInterval,
		handlers:   make(map[string]*managedHandler, len(p.Configs)),
		processing: make(map[string]struct{}),
	}

	deps := Deps{Journal: p.Journal, Registry: p.EntryRegistry, Logger: p.Logger}
	for _, cfg := range p.Configs {
		base := cfg.Base()
		reg, err := p.Registry.Lookup(base.Type)
		if err != nil {
			return nil, err
		}
		h, err := reg.New(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("construct handler %q: %w", base.ID, err)
		}
		mh := &managedHandler{cfg: cfg, handler: h, watchesFiles: reg.WatchesFiles}
		if reg.WatchesFiles && m.inputDir != "" {
			mh.inputDir = filepath.Join(m.inputDir, base.ID)
		}
		m.handlers[base.ID] = mh
	}
	return m, nil
}

// Start brings the handlers up and begins interval and file-drop
// triggering. A handler whose Start fails is recorded and skipped; the
// others come up normally and the failed one can be retried with
// RetryStart.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	for id, mh := range m.handlers {
		if mh.inputDir != "" {
			if err := os.MkdirAll(mh.inputDir, 0o755); err != nil {
				cancel()
				return fmt.Errorf("create input dir for handler %q: %w", id, err)
			}
		}
		m.startHandler(runCtx, id, mh)
	}

	m.wg.Add(1)
	go m.runIntervals(runCtx)

	if m.inputDir != "" {
		m.wg.Add(1)
		go m.runFileWatch(runCtx)
	}
	return nil
}

func (m *Manager) startHandler(ctx context.Context, id string, mh *managedHandler) {
	err := mh.handler.Start(ctx)
	mh.mu.Lock()
	mh.started = err == nil
	mh.startErr = err
	mh.mu.Unlock()
	if err != nil {
		m.logger.Error("input handler failed to start", zap.String("handler_id", id), zap.Error(err))
		m.recordTriggerError(id, fmt.Errorf("start: %w", err))
		return
	}
	m.logger.Info("input handler started",
		zap.String("handler_id", id),
		zap.String("handler_type", mh.cfg.Base().Type))
}

// RetryStart retries a handler whose startup failed.
func (m *Manager) RetryStart(ctx context.Context, handlerID string) error {
	mh, ok := m.handlers[handlerID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrHandlerNotFound, handlerID)
	}
	mh.mu.Lock()
	alreadyStarted := mh.started
	mh.mu.Unlock()
	if alreadyStarted {
		return nil
	}
	m.startHandler(ctx, handlerID, mh)
	mh.mu.Lock()
	defer mh.mu.Unlock()
	return mh.startErr
}

// Stop ends triggering and stops the handlers. In-flight triggers finish;
// entries already handed to the journal manager are never aborted.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	for id, mh := range m.handlers {
		mh.mu.Lock()
		started := mh.started
		mh.mu.Unlock()
		if !started {
			continue
		}
		if err := mh.handler.Stop(ctx); err != nil {
			m.logger.Error("input handler failed to stop", zap.String("handler_id", id), zap.Error(err))
		}
	}
}

// TriggerRequest dispatches an explicit trigger to one handler and
// returns its insertion log.
func (m *Manager) TriggerRequest(ctx context.Context, handlerID string, req TriggerRequest) ([]InsertionRecord, error) {
	mh, ok := m.handlers[handlerID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, handlerID)
	}
	em := newEmitter(m.journal, m.registry, m.logger.With(zap.String("handler_id", handlerID)))
	err := m.runTrigger(handlerID, func() error {
		return mh.handler.OnRequest(ctx, req, em)
	})
	m.logInsertions(handlerID, em.Records())
	if err != nil {
		return em.Records(), err
	}
	return em.Records(), nil
}

// runTrigger invokes one handler trigger with panic recovery, recording
// any failure against the handler. Errors never propagate into sibling
// handlers or the journal manager.
func (m *Manager) runTrigger(handlerID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			m.recordTriggerError(handlerID, err)
		}
	}()
	return fn()
}

func (m *Manager) recordTriggerError(handlerID string, err error) {
	mh, ok := m.handlers[handlerID]
	if !ok {
		return
	}
	m.logger.Error("input handler trigger failed", zap.String("handler_id", handlerID), zap.Error(err))
	mh.mu.Lock()
	defer mh.mu.Unlock()
	mh.triggerErrs = append(mh.triggerErrs, TriggerError{At: time.Now().UTC(), Message: err.Error()})
	if len(mh.triggerErrs) > maxTriggerErrors {
		mh.triggerErrs = mh.triggerErrs[len(mh.triggerErrs)-maxTriggerErrors:]
	}
}

func (m *Manager) logInsertions(handlerID string, records []InsertionRecord) {
	if len(records) == 0 {
		return
	}
	var ok, updated, failed int
	for _, r := range records {
		switch {
		case r.Error != "":
			failed++
		case r.Result == journal.ResultUpdated:
			ok++
			updated++
		default:
			ok++
		}
	}
	m.logger.Info("input handler inserted entries",
		zap.String("handler_id", handlerID),
		zap.Int("inserted", ok),
		zap.Int("updated", updated),
		zap.Int("failed", failed))
}

// runIntervals fires interval triggers for handlers that configured one.
// Each trigger runs in its own goroutine so a slow handler cannot delay
// the others.
func (m *Manager) runIntervals(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(stabilityPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for id, mh := range m.handlers {
				interval := mh.cfg.Base().Interval.Std()
				if interval <= 0 {
					continue
				}
				mh.mu.Lock()
				due := mh.started && now.Sub(mh.lastInterval) >= interval
				if due {
					mh.lastInterval = now
				}
				mh.mu.Unlock()
				if !due {
					continue
				}
				m.wg.Add(1)
				go func(id string, mh *managedHandler) {
					defer m.wg.Done()
					em := newEmitter(m.journal, m.registry, m.logger.With(zap.String("handler_id", id)))
					m.runTrigger(id, func() error { //nolint:errcheck
						return mh.handler.OnInterval(ctx, em)
					})
					m.logInsertions(id, em.Records())
				}(id, mh)
			}
		}
	}
}

// runFileWatch watches each file-accepting handler's input directory,
// dispatching dropped files once they are stable. A periodic rescan
// backs up fsnotify for files that appeared while the watcher was down.
func (m *Manager) runFileWatch(ctx context.Context) {
	defer m.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Error("create input watcher", zap.Error(err))
		return
	}
	defer watcher.Close() //nolint:errcheck

	for id, mh := range m.handlers {
		if mh.inputDir == "" {
			continue
		}
		if err := watcher.Add(mh.inputDir); err != nil {
			m.logger.Error("watch input dir", zap.String("handler_id", id), zap.Error(err))
		}
	}

	rescan := time.NewTicker(m.rescan)
	defer rescan.Stop()
	m.scanInputDirs(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				m.maybeDispatchFile(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("input watcher error", zap.Error(err))
		case <-rescan.C:
			m.scanInputDirs(ctx)
		}
	}
}

func (m *Manager) scanInputDirs(ctx context.Context) {
	for _, mh := range m.handlers {
		if mh.inputDir == "" {
			continue
		}
		_ = filepath.WalkDir(mh.inputDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil //nolint:nilerr
			}
			m.maybeDispatchFile(ctx, path)
			return nil
		})
	}
}

// maybeDispatchFile claims a dropped file and processes it in the
// background. The parent directory names the owning handler.
func (m *Manager) maybeDispatchFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	handlerID := filepath.Base(filepath.Dir(path))
	mh, ok := m.handlers[handlerID]
	if !ok || !mh.watchesFiles {
		return
	}

	m.processingMu.Lock()
	if _, busy := m.processing[path]; busy {
		m.processingMu.Unlock()
		return
	}
	m.processing[path] = struct{}{}
	m.processingMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.processingMu.Lock()
			delete(m.processing, path)
			m.processingMu.Unlock()
		}()
		m.dispatchFile(ctx, handlerID, mh, path)
	}()
}

func (m *Manager) dispatchFile(ctx context.Context, handlerID string, mh *managedHandler, path string) {
	if err := waitFileStable(ctx, path); err != nil {
		m.recordTriggerError(handlerID, fmt.Errorf("wait for file %s: %w", path, err))
		return
	}

	em := newEmitter(m.journal, m.registry, m.logger.With(zap.String("handler_id", handlerID)))
	err := m.runTrigger(handlerID, func() error {
		return mh.handler.OnFile(ctx, path, em)
	})
	m.logInsertions(handlerID, em.Records())
	if err != nil {
		// The file stays in place so the next rescan retries it.
		return
	}
	if err := os.Remove(path); err != nil {
		m.logger.Warn("remove processed input file", zap.String("path", path), zap.Error(err))
	}
}

// waitFileStable blocks until the file's size stops changing and it can
// be opened, so a handler never reads a file that is still being written.
func waitFileStable(ctx context.Context, path string) error {
	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == lastSize {
			f, err := os.Open(path)
			if err == nil {
				f.Close() //nolint:errcheck
				return nil
			}
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stabilityPollInterval):
		}
	}
}

// Info is the serialized state of one handler, exposed by the API.
type Info struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Name          string         `json:"name,omitempty"`
	Started       bool           `json:"started"`
	StartError    string         `json:"start_error,omitempty"`
	Interval      time.Duration  `json:"interval,omitempty"`
	WatchesFiles  bool           `json:"watches_files"`
	InputDir      string         `json:"input_dir,omitempty"`
	TriggerErrors []TriggerError `json:"trigger_errors"`
}

// Infos reports the state of every configured handler.
func (m *Manager) Infos() []Info {
	infos := make([]Info, 0, len(m.handlers))
	for id, mh := range m.handlers {
		base := mh.cfg.Base()
		mh.mu.Lock()
		info := Info{
			ID:            id,
			Type:          base.Type,
			Name:          base.Name,
			Started:       mh.started,
			Interval:      base.Interval.Std(),
			WatchesFiles:  mh.watchesFiles,
			InputDir:      mh.inputDir,
			TriggerErrors: append([]TriggerError(nil), mh.triggerErrs...),
		}
		if mh.startErr != nil {
			info.StartError = mh.startErr.Error()
		}
		mh.mu.Unlock()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
