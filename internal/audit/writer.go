package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/changetrail/changetrail/internal/db/models"
	"github.com/changetrail/changetrail/internal/db/repositories"
	"github.com/changetrail/changetrail/internal/telemetry"
)

// Writer persists audit rows and forwards them to shippers once durable.
type Writer struct {
	db      *sqlx.DB
	repo    *repositories.AuditRepository
	shipper Shipper
}

// NewWriter creates a Writer. shipper may be nil.
func NewWriter(db *sqlx.DB, repo *repositories.AuditRepository, shipper Shipper) *Writer {
	return &Writer{db: db, repo: repo, shipper: shipper}
}

// Prepare serializes records into rows. A record whose snapshots cannot be
// encoded is dropped and reported; the others are kept.
func Prepare(records []Record, requestID *string) ([]*models.AuditRecord, []error) {
	rows := make([]*models.AuditRecord, 0, len(records))
	var errs []error
	for _, rec := range records {
		row, err := ToRow(rec, requestID)
		if err != nil {
			slog.Warn("audit record dropped", "entity", rec.EntityName, "error", err)
			telemetry.AuditBuildFailuresTotal.WithLabelValues(rec.EntityName).Inc()
			errs = append(errs, &BuildError{Entity: rec.EntityName, Err: err})
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs
}

// Write persists rows in a transaction of their own. An empty batch performs
// no database work at all.
func (w *Writer) Write(ctx context.Context, rows []*models.AuditRecord) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	if err := w.repo.InsertAuditRecords(ctx, tx, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}

	w.Published(ctx, rows)
	return nil
}

// Insert writes rows inside the caller's transaction. The caller calls
// Published after committing.
func (w *Writer) Insert(ctx context.Context, tx *sqlx.Tx, rows []*models.AuditRecord) error {
	return w.repo.InsertAuditRecords(ctx, tx, rows)
}

// Published records metrics for durable rows and ships them. Shipping
// failures are logged and never returned.
func (w *Writer) Published(ctx context.Context, rows []*models.AuditRecord) {
	for _, row := range rows {
		telemetry.AuditRecordsWrittenTotal.WithLabelValues(row.Action).Inc()
	}
	if w.shipper == nil {
		return
	}
	for _, row := range rows {
		if err := w.shipper.Ship(ctx, EntryFromRow(row)); err != nil {
			slog.Warn("audit record not shipped", "id", row.ID, "entity", row.Entity, "error", err)
		}
	}
}
