// Package models - audit_record.go defines the persisted audit row written once per
// mutated entity per commit. Snapshot columns hold serialized field maps as text and
// are only decoded at render time.
package models

import "time"

// AuditRecordEntity is the entity name of audit rows. Entities with this name
// are never classified, so writing audit rows cannot produce further audit rows.
const AuditRecordEntity = "AuditRecord"

// Persisted action strings.
const (
	ActionAdded    = "Added"
	ActionModified = "Modified"
	ActionDeleted  = "Deleted"
)

// AuditRecord is one row of the audit_records table.
type AuditRecord struct {
	ID        int64     `db:"id" json:"id"`
	Entity    string    `db:"entity_name" json:"entity_name"`
	EntityID  *int64    `db:"entity_id" json:"entity_id"`
	Action    string    `db:"action" json:"action"`
	UserID    *string   `db:"user_id" json:"user_id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	OldValues *string   `db:"old_values" json:"old_values"`
	NewValues *string   `db:"new_values" json:"new_values"`
	RequestID *string   `db:"request_id" json:"request_id,omitempty"`
}

// EntityName identifies audit rows to the change classifier.
func (r *AuditRecord) EntityName() string { return AuditRecordEntity }
