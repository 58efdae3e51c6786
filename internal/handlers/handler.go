// Package handlers defines the input handler plugin contract and the
// orchestrator that runs configured handler instances, feeding the
// entries they produce into the journal manager with per-handler failure
// isolation.
package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/Veldrovive/JournalServer/internal/entry"
	"github.com/Veldrovive/JournalServer/internal/journal"
)

// Deps are the collaborators handed to every handler constructor.
type Deps struct {
	Journal  *journal.Manager
	Registry *entry.Registry
	Logger   *zap.Logger
}

// TriggerRequest carries the optional payload of an explicit trigger.
// FilePath, when set, points at a spooled temporary file owned by the
// caller.
type TriggerRequest struct {
	FilePath string
	Metadata map[string]string
}

// InputHandler is a pluggable adapter bound 1:1 to one validated config
// instance. Triggers arrive on three paths: an explicit request, a new
// file in the handler's input directory, and the configured interval.
// Handlers emit entries through the Emitter; a failing trigger must not
// leave the handler unusable, since the orchestrator will trigger it
// again.
type InputHandler interface {
	// Start prepares the handler. It must be independently retryable:
	// a failed start reports an error and may simply be called again.
	Start(ctx context.Context) error
	// Stop ends production of new entries. Entries already submitted to
	// the journal manager are not aborted.
	Stop(ctx context.Context) error

	OnRequest(ctx context.Context, req TriggerRequest, em *Emitter) error
	OnFile(ctx context.Context, path string, em *Emitter) error
	OnInterval(ctx context.Context, em *Emitter) error
}

// InsertionRecord logs the outcome of one emitted entry.
type InsertionRecord struct {
	EntryUUID entry.UUID           `json:"entry_uuid,omitempty"`
	EntryType entry.Type           `json:"entry_type"`
	Result    journal.IngestResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Emitter is handed to a handler for the duration of one trigger. It
// forwards entries to the journal manager and records per-entry outcomes
// so one bad entry never aborts the rest of the batch.
type Emitter struct {
	journal  *journal.Manager
	registry *entry.Registry
	logger   *zap.Logger
	records  []InsertionRecord
}

func newEmitter(j *journal.Manager, r *entry.Registry, logger *zap.Logger) *Emitter {
	return &Emitter{journal: j, registry: r, logger: logger}
}

// Emit ingests an entry, recording the outcome.
func (em *Emitter) Emit(ctx context.Context, e *entry.Entry) (journal.IngestResult, error) {
	res, err := em.journal.Ingest(ctx, e)
	em.record(e, res, err)
	return res, err
}

// EmitFile ingests a file-backed entry whose payload points at a local
// file, recording the outcome.
func (em *Emitter) EmitFile(ctx context.Context, e *entry.Entry) (journal.IngestResult, error) {
	res, err := em.journal.IngestFile(ctx, e)
	em.record(e, res, err)
	return res, err
}

func (em *Emitter) record(e *entry.Entry, res journal.IngestResult, err error) {
	rec := InsertionRecord{EntryType: e.Type, Result: res}
	if uuid, idErr := em.registry.Identity(e); idErr == nil {
		rec.EntryUUID = uuid
	}
	if err != nil {
		rec.Error = err.Error()
		em.logger.Error("insert entry",
			zap.String("entry_type", string(e.Type)),
			zap.String("entry_uuid", rec.EntryUUID),
			zap.Error(err))
	}
	em.records = append(em.records, rec)
}

// Records returns the outcomes collected during this trigger.
func (em *Emitter) Records() []InsertionRecord {
	return em.records
}
