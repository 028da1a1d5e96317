package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/changetrail/changetrail/internal/changes"
	"github.com/changetrail/changetrail/internal/db/models"
	"github.com/changetrail/changetrail/internal/telemetry"
)

// Applier writes classified domain mutations inside the primary transaction.
type Applier interface {
	Apply(ctx context.Context, tx *sqlx.Tx, cs []changes.Change) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, tx *sqlx.Tx, cs []changes.Change) error

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, tx *sqlx.Tx, cs []changes.Change) error {
	return f(ctx, tx, cs)
}

// WriteMode selects when audit rows are written relative to the primary commit.
type WriteMode string

const (
	// WriteModeDeferred writes audit rows in a second transaction after the
	// primary commit. A failure there leaves the mutation without audit rows.
	WriteModeDeferred WriteMode = "deferred"
	// WriteModeAtomic writes audit rows inside the primary transaction.
	WriteModeAtomic WriteMode = "atomic"
)

// SecondaryWriteError reports audit rows lost after the primary commit succeeded.
type SecondaryWriteError struct {
	Count int
	Err   error
}

func (e *SecondaryWriteError) Error() string {
	return fmt.Sprintf("audit write failed after commit, %d record(s) lost: %v", e.Count, e.Err)
}

func (e *SecondaryWriteError) Unwrap() error { return e.Err }

// SaveResult describes one SaveChanges cycle.
type SaveResult struct {
	Changes []changes.Change
	// Records are the persisted audit rows with ids assigned.
	Records []*models.AuditRecord
	// BuildErrs lists entities that were committed without an audit record.
	BuildErrs []error
	// AuditErr is a *SecondaryWriteError when the deferred audit write failed.
	AuditErr error
}

// Session commits a tracker's pending mutations and records their audit trail.
type Session struct {
	db      *sqlx.DB
	applier Applier
	writer  *Writer
	mode    WriteMode
	now     func() time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithWriteMode sets the audit write mode. The default is WriteModeDeferred.
func WithWriteMode(mode WriteMode) Option {
	return func(s *Session) { s.mode = mode }
}

// WithClock overrides the classification timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// NewSession creates a Session. A nil writer disables auditing.
func NewSession(db *sqlx.DB, applier Applier, writer *Writer, opts ...Option) *Session {
	s := &Session{
		db:      db,
		applier: applier,
		writer:  writer,
		mode:    WriteModeDeferred,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveChanges classifies the tracker's pending mutations, commits them through
// the Applier and persists one audit record per mutated entity, attributed to
// actorID. Audit rows are never classified themselves.
//
// The returned error is non-nil only when the primary commit did not happen.
// In deferred mode a failed audit write is reported in SaveResult.AuditErr.
func (s *Session) SaveChanges(ctx context.Context, tr *changes.Tracker, actorID *string) (*SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	cs := tr.Classify(EntityName)
	res := &SaveResult{Changes: cs}
	if len(cs) == 0 {
		return res, nil
	}

	var rows []*models.AuditRecord
	if s.writer != nil {
		records, errs := BuildAll(cs, actorID, now)
		var encErrs []error
		rows, encErrs = Prepare(records, RequestIDFromContext(ctx))
		res.BuildErrs = append(errs, encErrs...)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if err := s.applier.Apply(ctx, tx, cs); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("apply changes: %w", err)
	}
	atomic := s.writer != nil && s.mode == WriteModeAtomic
	if atomic {
		if err := s.writer.Insert(ctx, tx, rows); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("write audit records: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	// The mutation is durable; the audit write must not be cut short by the caller's cancellation.
	auditCtx := context.WithoutCancel(ctx)
	switch {
	case s.writer == nil:
	case atomic:
		s.writer.Published(auditCtx, rows)
		res.Records = rows
	default:
		if err := s.writer.Write(auditCtx, rows); err != nil {
			res.AuditErr = &SecondaryWriteError{Count: len(rows), Err: err}
			telemetry.AuditSecondaryWriteFailuresTotal.Inc()
			slog.Error("audit trail missing for committed changes",
				"records", len(rows), "actor", derefString(actorID), "error", err)
		} else {
			res.Records = rows
		}
	}

	tr.AcceptChanges()
	return res, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
