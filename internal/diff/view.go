package diff

import (
	"github.com/changetrail/changetrail/internal/audit"
	"github.com/changetrail/changetrail/internal/db/models"
)

// View is a persisted row together with its rendered change lines and
// display style. It is the item shape served by the read API and written to
// archive objects.
type View struct {
	*audit.Entry
	Changes []string `json:"changes"`
	Style   string   `json:"style"`
}

// NewView renders row.
func NewView(row *models.AuditRecord) View {
	return View{
		Entry:   audit.EntryFromRow(row),
		Changes: RenderRow(row),
		Style:   Style(row.Action),
	}
}

// NewViews renders rows in order. The result is never nil.
func NewViews(rows []*models.AuditRecord) []View {
	views := make([]View, 0, len(rows))
	for _, row := range rows {
		views = append(views, NewView(row))
	}
	return views
}
