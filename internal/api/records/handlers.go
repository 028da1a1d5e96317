// Package records serves the audit trail over HTTP. Every item is returned as
// a diff.View: the stored row with snapshots embedded as JSON, the rendered
// change lines and a display style.
package records

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/changetrail/changetrail/internal/audit"
	"github.com/changetrail/changetrail/internal/db/models"
	"github.com/changetrail/changetrail/internal/db/repositories"
	"github.com/changetrail/changetrail/internal/diff"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Handlers serves the audit read endpoints.
type Handlers struct {
	repo *repositories.AuditRepository
}

// NewHandlers creates Handlers backed by repo.
func NewHandlers(repo *repositories.AuditRepository) *Handlers {
	return &Handlers{repo: repo}
}

// @Summary      List audit records
// @Description  Newest first. Filters combine with AND.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        entity     query  string  false  "Entity name"
// @Param        entity_id  query  int     false  "Entity identifier"
// @Param        user_id    query  string  false  "Acting principal"
// @Param        action     query  string  false  "Added, Modified or Deleted (Created/Updated accepted)"
// @Param        start      query  string  false  "RFC3339 timestamp or YYYY-MM-DD, inclusive"
// @Param        end        query  string  false  "RFC3339 timestamp or YYYY-MM-DD, inclusive"
// @Param        page       query  int     false  "Page number (default 1)"
// @Param        per_page   query  int     false  "Items per page, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "records: []diff.View, pagination: {page, per_page, total}"
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/audit-records [get]
// ListHandler lists audit records.
// GET /api/v1/audit-records
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filters, err := parseFilters(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > maxPerPage {
			perPage = defaultPerPage
		}

		rows, total, err := h.repo.ListAuditRecords(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit records"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"records": diff.NewViews(rows),
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// @Summary      Get audit record
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        id  path  int  true  "Audit record ID"
// @Success      200  {object}  diff.View
// @Failure      400  {object}  map[string]interface{}  "Invalid id"
// @Failure      404  {object}  map[string]interface{}  "Not found"
// @Router       /api/v1/audit-records/{id} [get]
// GetHandler returns one audit record.
// GET /api/v1/audit-records/:id
func (h *Handlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid audit record id"})
			return
		}

		row, err := h.repo.GetAuditRecord(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve audit record"})
			return
		}
		if row == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Audit record not found"})
			return
		}

		c.JSON(http.StatusOK, diff.NewView(row))
	}
}

// @Summary      Entity history
// @Description  Every audit record for one entity, oldest first.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        name  path  string  true  "Entity name"
// @Param        id    path  int     true  "Entity identifier"
// @Success      200  {object}  map[string]interface{}  "entity_name, entity_id, records: []diff.View"
// @Router       /api/v1/entities/{name}/{id}/history [get]
// HistoryHandler returns the history of one entity.
// GET /api/v1/entities/:name/:id/history
func (h *Handlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid entity id"})
			return
		}

		rows, err := h.repo.ListForEntity(c.Request.Context(), name, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve entity history"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"entity_name": name,
			"entity_id":   id,
			"records":     diff.NewViews(rows),
		})
	}
}

func parseFilters(c *gin.Context) (repositories.AuditRecordFilters, error) {
	var f repositories.AuditRecordFilters

	if v := c.Query("entity"); v != "" {
		f.EntityName = &v
	}
	if v := c.Query("entity_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid entity_id %q", v)
		}
		f.EntityID = &id
	}
	if v := c.Query("user_id"); v != "" {
		f.UserID = &v
	}
	if v := c.Query("action"); v != "" {
		stored := audit.ParseAction(v).Stored()
		if stored == "" {
			return f, fmt.Errorf("invalid action %q (want %s, %s or %s)", v,
				models.ActionAdded, models.ActionModified, models.ActionDeleted)
		}
		f.Action = &stored
	}
	if v := c.Query("start"); v != "" {
		t, err := parseTime(v, false)
		if err != nil {
			return f, fmt.Errorf("invalid start: %w", err)
		}
		f.StartDate = &t
	}
	if v := c.Query("end"); v != "" {
		t, err := parseTime(v, true)
		if err != nil {
			return f, fmt.Errorf("invalid end: %w", err)
		}
		f.EndDate = &t
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return f, fmt.Errorf("end is before start")
	}
	return f, nil
}

// parseTime accepts RFC3339 or a bare date. A bare end date covers the whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if strings.Contains(v, "T") {
		return time.Parse(time.RFC3339, v)
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}
