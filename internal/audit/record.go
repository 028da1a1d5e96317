package audit

import (
	"fmt"
	"time"

	"github.com/changetrail/changetrail/internal/db/models"
	"github.com/changetrail/changetrail/internal/snapshot"
)

// EntityName is the entity name of audit rows. The session always excludes it
// from classification.
const EntityName = models.AuditRecordEntity

// Record is one audit event: who changed which entity, how, and the field
// values before and after. A Record is built once and never modified.
type Record struct {
	EntityName string
	// EntityID is nil for created entities, whose identifier is assigned by the store.
	EntityID *int64
	Action   Action
	// ActorID is nil when no principal was bound to the operation.
	ActorID   *string
	Timestamp time.Time

	// PriorValues holds changed fields for updates and every field for deletes.
	PriorValues *snapshot.Map
	// NewValues holds every field for creates and changed fields for updates.
	NewValues *snapshot.Map
}

// ToRow serializes rec into its persisted shape.
func ToRow(rec Record, requestID *string) (*models.AuditRecord, error) {
	oldText, err := encodeMap(rec.PriorValues)
	if err != nil {
		return nil, fmt.Errorf("encode prior values of %s: %w", rec.EntityName, err)
	}
	newText, err := encodeMap(rec.NewValues)
	if err != nil {
		return nil, fmt.Errorf("encode new values of %s: %w", rec.EntityName, err)
	}
	return &models.AuditRecord{
		Entity:    rec.EntityName,
		EntityID:  rec.EntityID,
		Action:    rec.Action.Stored(),
		UserID:    rec.ActorID,
		Timestamp: rec.Timestamp.UTC(),
		OldValues: oldText,
		NewValues: newText,
		RequestID: requestID,
	}, nil
}

func encodeMap(m *snapshot.Map) (*string, error) {
	if m.Len() == 0 {
		return nil, nil
	}
	data, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
