package records

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changetrail/changetrail/internal/db/repositories"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Test setup helpers
// ---------------------------------------------------------------------------

var recordCols = []string{
	"id", "entity_name", "entity_id", "action", "user_id",
	"timestamp", "old_values", "new_values", "request_id",
}

var ts = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func modifiedRow(rows *sqlmock.Rows, id int64) *sqlmock.Rows {
	return rows.AddRow(id, "Ticket", int64(7), "Modified", "user-1", ts,
		`{"status":"Open"}`, `{"status":"Done"}`, "req-1")
}

func newRecordsRouter(t *testing.T) (sqlmock.Sqlmock, *gin.Engine) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := NewHandlers(repositories.NewAuditRepository(sqlx.NewDb(db, "sqlmock")))

	r := gin.New()
	r.GET("/audit-records", h.ListHandler())
	r.GET("/audit-records/:id", h.GetHandler())
	r.GET("/entities/:name/:id/history", h.HistoryHandler())
	return mock, r
}

func doGET(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ---------------------------------------------------------------------------
// ListHandler
// ---------------------------------------------------------------------------

func TestListHandler_Success(t *testing.T) {
	mock, r := newRecordsRouter(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_records`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT .* FROM audit_records`).
		WithArgs(20, 0).
		WillReturnRows(modifiedRow(sqlmock.NewRows(recordCols), 3))

	w := doGET(r, "/audit-records")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	records := body["records"].([]interface{})
	require.Len(t, records, 1)
	rec := records[0].(map[string]interface{})
	assert.Equal(t, "primary", rec["style"])
	assert.Equal(t, []interface{}{"status: Open → Done"}, rec["changes"])
	assert.Equal(t, "Done", rec["new_values"].(map[string]interface{})["status"])

	pagination := body["pagination"].(map[string]interface{})
	assert.Equal(t, float64(1), pagination["total"])
	assert.Equal(t, float64(20), pagination["per_page"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListHandler_FiltersAndPaging(t *testing.T) {
	mock, r := newRecordsRouter(t)

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC).Add(24*time.Hour - time.Nanosecond)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_records WHERE 1=1 AND entity_name = \$1 AND entity_id = \$2 AND user_id = \$3 AND action = \$4 AND timestamp >= \$5 AND timestamp <= \$6`).
		WithArgs("Ticket", int64(7), "user-1", "Modified", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT .* FROM audit_records`).
		WithArgs("Ticket", int64(7), "user-1", "Modified", start, end, 5, 10).
		WillReturnRows(sqlmock.NewRows(recordCols))

	w := doGET(r, "/audit-records?entity=Ticket&entity_id=7&user_id=user-1&action=updated&start=2026-04-01&end=2026-04-02&page=3&per_page=5")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, []interface{}{}, body["records"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListHandler_InvalidPerPageFallsBack(t *testing.T) {
	mock, r := newRecordsRouter(t)
	mock.ExpectQuery(`SELECT COUNT`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT .* FROM audit_records`).WithArgs(20, 0).WillReturnRows(sqlmock.NewRows(recordCols))

	w := doGET(r, "/audit-records?per_page=1000&page=-2")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListHandler_BadFilters(t *testing.T) {
	_, r := newRecordsRouter(t)

	for _, q := range []string{
		"entity_id=abc",
		"action=Renamed",
		"start=yesterday",
		"end=2026-13-01",
		"start=2026-04-02&end=2026-04-01",
	} {
		w := doGET(r, "/audit-records?"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, "query %q", q)
	}
}

func TestListHandler_DBError(t *testing.T) {
	mock, r := newRecordsRouter(t)
	mock.ExpectQuery(`SELECT COUNT`).WillReturnError(errors.New("db down"))

	w := doGET(r, "/audit-records")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// ---------------------------------------------------------------------------
// GetHandler
// ---------------------------------------------------------------------------

func TestGetHandler_Found(t *testing.T) {
	mock, r := newRecordsRouter(t)
	mock.ExpectQuery(`SELECT .* FROM audit_records WHERE id = \$1`).
		WithArgs(int64(3)).
		WillReturnRows(modifiedRow(sqlmock.NewRows(recordCols), 3))

	w := doGET(r, "/audit-records/3")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["id"])
	assert.Equal(t, "req-1", body["request_id"])
}

func TestGetHandler_NotFound(t *testing.T) {
	mock, r := newRecordsRouter(t)
	mock.ExpectQuery(`SELECT .* FROM audit_records WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(recordCols))

	w := doGET(r, "/audit-records/99")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetHandler_InvalidID(t *testing.T) {
	_, r := newRecordsRouter(t)
	assert.Equal(t, http.StatusBadRequest, doGET(r, "/audit-records/abc").Code)
	assert.Equal(t, http.StatusBadRequest, doGET(r, "/audit-records/0").Code)
}

func TestGetHandler_MalformedSnapshotStillServed(t *testing.T) {
	mock, r := newRecordsRouter(t)
	mock.ExpectQuery(`SELECT .* FROM audit_records WHERE id = \$1`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(int64(4), "Ticket", int64(7), "Modified", nil, ts, `{"status":`, `{"status":"Done"}`, nil))

	w := doGET(r, "/audit-records/4")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"Error parsing changes"}, decode(t, w)["changes"])
}

// ---------------------------------------------------------------------------
// HistoryHandler
// ---------------------------------------------------------------------------

func TestHistoryHandler(t *testing.T) {
	mock, r := newRecordsRouter(t)
	rows := modifiedRow(sqlmock.NewRows(recordCols), 2).
		AddRow(int64(5), "Ticket", int64(7), "Deleted", "user-2", ts.Add(time.Hour), `{"id":7,"status":"Done"}`, nil, nil)
	mock.ExpectQuery(`SELECT .* FROM audit_records\s+WHERE entity_name = \$1 AND entity_id = \$2`).
		WithArgs("Ticket", int64(7)).
		WillReturnRows(rows)

	w := doGET(r, "/entities/Ticket/7/history")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "Ticket", body["entity_name"])
	records := body["records"].([]interface{})
	require.Len(t, records, 2)
	assert.Equal(t, "primary", records[0].(map[string]interface{})["style"])
	assert.Equal(t, []interface{}{"Item Deleted"}, records[1].(map[string]interface{})["changes"])
	assert.Equal(t, "danger", records[1].(map[string]interface{})["style"])
}

func TestHistoryHandler_InvalidID(t *testing.T) {
	_, r := newRecordsRouter(t)
	assert.Equal(t, http.StatusBadRequest, doGET(r, "/entities/Ticket/x/history").Code)
}
