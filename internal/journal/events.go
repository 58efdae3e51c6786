package journal

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/Veldrovive/JournalServer/internal/entry"
)

const (
	eventEntryCreated = "entry.created"
	eventEntryUpdated = "entry.updated"
	eventEntryDeleted = "entry.deleted"
)

// EntryEvent is emitted on every entry lifecycle change.
type EntryEvent struct {
	Event      string     `json:"event"`
	EntryUUID  entry.UUID `json:"entry_uuid"`
	EntryType  entry.Type `json:"entry_type"`
	EntryHash  entry.Hash `json:"entry_hash"`
	HandlerID  string     `json:"input_handler_id"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// publish emits a lifecycle event. Eventing is best-effort: the write to
// the store already succeeded, so a broker failure is logged, not
// propagated.
func (m *Manager) publish(ctx context.Context, event string, uuid entry.UUID, e *entry.Entry, hash entry.Hash) {
	if m.publisher == nil {
		return
	}

	payload, err := json.Marshal(EntryEvent{
		Event:      event,
		EntryUUID:  uuid,
		EntryType:  e.Type,
		EntryHash:  hash,
		HandlerID:  e.HandlerID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("marshal entry event", zap.String("event", event), zap.Error(err))
		return
	}

	headers := map[string]string{
		"entry_uuid": uuid,
		"event_type": event,
	}
	if err := m.publisher.Publish(ctx, []byte(uuid), payload, headers); err != nil {
		m.logger.Warn("publish entry event",
			zap.String("event", event),
			zap.String("entry_uuid", uuid),
			zap.Error(err))
	}
}
