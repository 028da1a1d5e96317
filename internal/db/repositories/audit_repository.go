// audit_repository.go implements AuditRepository, writing audit rows in batches inside a
// caller-supplied transaction and serving filtered, paginated reads of the audit trail.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/changetrail/changetrail/internal/db/models"
)

const auditColumns = `id, entity_name, entity_id, action, user_id, timestamp, old_values, new_values, request_id`

// AuditRepository handles audit record database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditRecordFilters contains filters for querying audit records
type AuditRecordFilters struct {
	EntityName *string
	EntityID   *int64
	UserID     *string
	Action     *string
	StartDate  *time.Time
	EndDate    *time.Time
}

// insertChunkSize bounds the rows per INSERT statement. PostgreSQL accepts at
// most 65535 bind parameters per statement and each row binds eight.
var insertChunkSize = 1000

// InsertAuditRecords writes records inside tx with one multi-row INSERT per
// chunk of insertChunkSize rows. Generated ids are assigned back onto the
// records. An empty batch issues no statement.
func (r *AuditRepository) InsertAuditRecords(ctx context.Context, tx *sqlx.Tx, records []*models.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	if tx == nil {
		return errors.New("insert audit records: transaction is required")
	}

	for start := 0; start < len(records); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := insertAuditChunk(ctx, tx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func insertAuditChunk(ctx context.Context, tx *sqlx.Tx, records []*models.AuditRecord) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_records (entity_name, entity_id, action, user_id, timestamp, old_values, new_values, request_id) VALUES `)
	args := make([]interface{}, 0, len(records)*8)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args,
			rec.Entity,
			rec.EntityID,
			rec.Action,
			rec.UserID,
			rec.Timestamp.UTC(),
			rec.OldValues,
			rec.NewValues,
			rec.RequestID,
		)
	}
	sb.WriteString(" RETURNING id")

	rows, err := tx.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("insert audit records: %w", err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		if i >= len(records) {
			break
		}
		if err := rows.Scan(&records[i].ID); err != nil {
			return fmt.Errorf("scan audit record id: %w", err)
		}
		i++
	}
	return rows.Err()
}

// ListAuditRecords retrieves audit records with optional filters and pagination,
// newest first.
func (r *AuditRepository) ListAuditRecords(ctx context.Context, filters AuditRecordFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	add := func(clause string, value interface{}) {
		where += fmt.Sprintf(clause, paramIndex)
		args = append(args, value)
		paramIndex++
	}

	if filters.EntityName != nil {
		add(` AND entity_name = $%d`, *filters.EntityName)
	}
	if filters.EntityID != nil {
		add(` AND entity_id = $%d`, *filters.EntityID)
	}
	if filters.UserID != nil {
		add(` AND user_id = $%d`, *filters.UserID)
	}
	if filters.Action != nil {
		add(` AND action = $%d`, *filters.Action)
	}
	if filters.StartDate != nil {
		add(` AND timestamp >= $%d`, filters.StartDate.UTC())
	}
	if filters.EndDate != nil {
		add(` AND timestamp <= $%d`, filters.EndDate.UTC())
	}

	var total int
	if err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM audit_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + auditColumns + ` FROM audit_records` + where +
		fmt.Sprintf(` ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	records := make([]*models.AuditRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// GetAuditRecord retrieves a single audit record by ID. It returns nil, nil when absent.
func (r *AuditRepository) GetAuditRecord(ctx context.Context, id int64) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+auditColumns+` FROM audit_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListForEntity returns the full history of one entity, oldest first.
func (r *AuditRepository) ListForEntity(ctx context.Context, entityName string, entityID int64) ([]*models.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records
		WHERE entity_name = $1 AND entity_id = $2
		ORDER BY timestamp ASC, id ASC`

	records := make([]*models.AuditRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, entityName, entityID); err != nil {
		return nil, err
	}
	return records, nil
}

// ListArchivable returns up to limit records with id greater than afterID, in
// id order. Ids are not assigned in timestamp order, so rows are not filtered
// by age here; callers stop at the first row that is still too young.
func (r *AuditRepository) ListArchivable(ctx context.Context, afterID int64, limit int) ([]*models.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`

	records := make([]*models.AuditRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, afterID, limit); err != nil {
		return nil, err
	}
	return records, nil
}

// GetArchiveWatermark returns the id of the last exported record.
func (r *AuditRepository) GetArchiveWatermark(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `SELECT last_record_id FROM audit_archive_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// SetArchiveWatermark records the id of the last exported record and the object holding it.
func (r *AuditRepository) SetArchiveWatermark(ctx context.Context, lastID int64, objectKey string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_archive_state (id, last_record_id, last_object_key, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET last_record_id = EXCLUDED.last_record_id,
		    last_object_key = EXCLUDED.last_object_key,
		    updated_at = EXCLUDED.updated_at`,
		lastID, objectKey, time.Now().UTC())
	return err
}
