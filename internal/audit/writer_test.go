package audit_test

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/changetrail/changetrail/internal/audit"
	"github.com/changetrail/changetrail/internal/db/models"
	"github.com/changetrail/changetrail/internal/db/repositories"
)

type recordingShipper struct {
	entries []*audit.Entry
	err     error
}

func (r *recordingShipper) Ship(_ context.Context, e *audit.Entry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingShipper) Close() error { return nil }

func newWriter(t *testing.T, shipper audit.Shipper) (*audit.Writer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	xdb := sqlx.NewDb(db, "sqlmock")
	return audit.NewWriter(xdb, repositories.NewAuditRepository(xdb), shipper), mock
}

func TestWriter_WriteShipsAfterCommit(t *testing.T) {
	shipper := &recordingShipper{}
	w, mock := newWriter(t, shipper)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_records").WillReturnRows(idRows(1, 2))
	mock.ExpectCommit()

	rows := []*models.AuditRecord{
		{Entity: "Ticket", Action: "Added", Timestamp: fixedNow},
		{Entity: "Ticket", Action: "Deleted", Timestamp: fixedNow},
	}
	if err := w.Write(context.Background(), rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(shipper.entries) != 2 || shipper.entries[1].ID != 2 {
		t.Errorf("shipped = %+v", shipper.entries)
	}
}

func TestWriter_ShipperFailureIsNotReturned(t *testing.T) {
	shipper := &recordingShipper{err: errors.New("unreachable")}
	w, mock := newWriter(t, shipper)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_records").WillReturnRows(idRows(1))
	mock.ExpectCommit()

	rows := []*models.AuditRecord{{Entity: "Ticket", Action: "Added", Timestamp: fixedNow}}
	if err := w.Write(context.Background(), rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWriter_FailedWriteShipsNothing(t *testing.T) {
	shipper := &recordingShipper{}
	w, mock := newWriter(t, shipper)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_records").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	rows := []*models.AuditRecord{{Entity: "Ticket", Action: "Added", Timestamp: fixedNow}}
	if err := w.Write(context.Background(), rows); err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(shipper.entries) != 0 {
		t.Errorf("shipped %d entries for a failed write", len(shipper.entries))
	}
}

func TestWriter_EmptyBatchNoWrites(t *testing.T) {
	w, mock := newWriter(t, nil)
	if err := w.Write(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database work: %v", err)
	}
}

func TestPrepare_SerializesInOrder(t *testing.T) {
	recs := []audit.Record{
		{EntityName: "Ticket", Action: audit.ActionCreated, Timestamp: fixedNow},
		{EntityName: "Label", Action: audit.ActionCreated, Timestamp: fixedNow},
	}
	rows, errs := audit.Prepare(recs, nil)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(rows) != 2 || rows[0].Entity != "Ticket" || rows[1].Entity != "Label" {
		t.Errorf("rows = %+v", rows)
	}
}
