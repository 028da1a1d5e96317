// audit_archiver.go implements the AuditArchiver background job, which copies
// aged audit records to object storage as JSON Lines. Each object holds one
// batch in id order and is named after the batch's first record date and id
// range, so a run interrupted between upload and watermark update re-derives
// the same key and skips the upload on retry. Rows are never deleted.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/changetrail/changetrail/internal/config"
	"github.com/changetrail/changetrail/internal/db/models"
	"github.com/changetrail/changetrail/internal/db/repositories"
	"github.com/changetrail/changetrail/internal/diff"
	"github.com/changetrail/changetrail/internal/storage"
	"github.com/changetrail/changetrail/internal/telemetry"
	"github.com/changetrail/changetrail/pkg/checksum"
)

// ArchiveResult summarises one archiver run.
type ArchiveResult struct {
	Records int
	Objects []string
}

// AuditArchiver periodically exports audit records older than the retention
// window to object storage.
type AuditArchiver struct {
	repo     *repositories.AuditRepository
	store    storage.Storage
	cfg      *config.ArchiveConfig
	now      func() time.Time
	stopChan chan struct{}
}

// NewAuditArchiver creates a new AuditArchiver.
func NewAuditArchiver(repo *repositories.AuditRepository, store storage.Storage, cfg *config.ArchiveConfig) *AuditArchiver {
	return &AuditArchiver{
		repo:     repo,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start runs an export immediately and then on every archive.interval until
// ctx is cancelled or Stop is called.
func (a *AuditArchiver) Start(ctx context.Context) {
	if !a.cfg.Enabled {
		slog.Info("audit archiver disabled (archive.enabled=false)")
		return
	}

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	slog.Info("audit archiver started",
		"interval", a.cfg.Interval, "retention", a.cfg.Retention, "backend", a.cfg.Backend)

	a.runAndLog(ctx)

	for {
		select {
		case <-ticker.C:
			a.runAndLog(ctx)
		case <-a.stopChan:
			slog.Info("audit archiver stopped")
			return
		case <-ctx.Done():
			slog.Info("audit archiver context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (a *AuditArchiver) Stop() {
	close(a.stopChan)
}

func (a *AuditArchiver) runAndLog(ctx context.Context) {
	res, err := a.RunOnce(ctx)
	if err != nil {
		telemetry.AuditArchiveRunsTotal.WithLabelValues("failure").Inc()
		slog.Error("audit archive run failed", "exported", res.Records, "error", err)
		return
	}
	telemetry.AuditArchiveRunsTotal.WithLabelValues("success").Inc()
	if res.Records > 0 {
		slog.Info("audit archive run complete", "exported", res.Records, "objects", len(res.Objects))
	}
}

// RunOnce exports every archivable record past the watermark, one object
// per batch. Export stops at the first record, in id order, that is not yet
// older than the retention window, so the watermark never passes an
// unexported id. Work done before an error is kept and reported in the result.
func (a *AuditArchiver) RunOnce(ctx context.Context) (ArchiveResult, error) {
	var res ArchiveResult

	watermark, err := a.repo.GetArchiveWatermark(ctx)
	if err != nil {
		return res, fmt.Errorf("read archive watermark: %w", err)
	}
	cutoff := a.now().Add(-a.cfg.Retention)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rows, err := a.repo.ListArchivable(ctx, watermark, a.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("list archivable records: %w", err)
		}
		fetched := len(rows)
		rows = agedPrefix(rows, cutoff)
		if len(rows) == 0 {
			return res, nil
		}

		key, err := a.exportBatch(ctx, rows)
		if err != nil {
			return res, err
		}

		watermark = rows[len(rows)-1].ID
		if err := a.repo.SetArchiveWatermark(ctx, watermark, key); err != nil {
			return res, fmt.Errorf("update archive watermark: %w", err)
		}
		res.Records += len(rows)
		res.Objects = append(res.Objects, key)

		if len(rows) < fetched || fetched < a.cfg.BatchSize {
			return res, nil
		}
	}
}

// agedPrefix returns the leading rows whose timestamp is before cutoff.
func agedPrefix(rows []*models.AuditRecord, cutoff time.Time) []*models.AuditRecord {
	for i, row := range rows {
		if !row.Timestamp.Before(cutoff) {
			return rows[:i]
		}
	}
	return rows
}

func (a *AuditArchiver) exportBatch(ctx context.Context, rows []*models.AuditRecord) (string, error) {
	key := ObjectKey(a.cfg.Prefix, rows[0], rows[len(rows)-1].ID)

	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check archive object %s: %w", key, err)
	}
	if exists {
		slog.Warn("audit archive object already present, advancing watermark", "key", key)
		return key, nil
	}

	body, err := EncodeBatch(rows)
	if err != nil {
		return "", err
	}
	res, err := a.store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("upload archive object %s: %w", key, err)
	}
	if err := checksum.Verify(body, res.Checksum); err != nil {
		return "", fmt.Errorf("archive object %s: %w", key, err)
	}
	return key, nil
}

// ObjectKey names the object holding a batch that starts at first and ends at lastID.
func ObjectKey(prefix string, first *models.AuditRecord, lastID int64) string {
	ts := first.Timestamp.UTC()
	return path.Join(prefix,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("%d-%d.jsonl", first.ID, lastID))
}

// EncodeBatch renders rows as JSON Lines of diff.View.
func EncodeBatch(rows []*models.AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(diff.NewView(row)); err != nil {
			return nil, fmt.Errorf("encode audit record %d: %w", row.ID, err)
		}
	}
	return buf.Bytes(), nil
}
