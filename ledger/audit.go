package ledger

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AuditRecord is one append-only row describing a state-changing call. The
// reference carries the correlation id (ledger transaction or dispute id).
type AuditRecord struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	EntityType string            `json:"entityType"`
	EntityID   string            `json:"entityId"`
	ActorID    string            `json:"actorId"`
	Changes    map[string]string `json:"changes,omitempty"`
	Reference  string            `json:"reference,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

// Clone returns a deep copy of the audit record.
func (r *AuditRecord) Clone() *AuditRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Changes != nil {
		clone.Changes = make(map[string]string, len(r.Changes))
		for k, v := range r.Changes {
			clone.Changes[k] = v
		}
	}
	return &clone
}

// AuditStore persists audit records.
type AuditStore interface {
	AuditAppend(rec *AuditRecord) error
	AuditList(entityType, entityID string) ([]*AuditRecord, error)
}

// AuditTrail records audit rows best-effort: persistence failures are logged
// and swallowed so business flows never fail on the audit path.
type AuditTrail struct {
	store  AuditStore
	logger *slog.Logger
	nowFn  func() int64
}

// NewAuditTrail wires an audit trail over the given store. A nil logger
// falls back to the default slog logger.
func NewAuditTrail(store AuditStore, logger *slog.Logger) *AuditTrail {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditTrail{store: store, logger: logger, nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the time source, primarily for tests.
func (a *AuditTrail) SetNowFunc(now func() int64) {
	if now == nil {
		a.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	a.nowFn = now
}

// Record appends one audit row. Failures are logged, never returned.
func (a *AuditTrail) Record(action, entityType, entityID, actorID, reference string, changes map[string]string) {
	if a == nil || a.store == nil {
		return
	}
	rec := &AuditRecord{
		ID:         uuid.NewString(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Changes:    changes,
		Reference:  reference,
		Timestamp:  a.nowFn(),
	}
	if err := a.store.AuditAppend(rec); err != nil {
		a.logger.Warn("audit append failed",
			"action", action,
			"entityType", entityType,
			"entityId", entityID,
			"err", err,
		)
	}
}
