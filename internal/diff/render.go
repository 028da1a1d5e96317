// Package diff renders audit records as human-readable change lines.
//
// Every function in this package is pure and safe for concurrent use.
package diff

import (
	"log/slog"

	"github.com/changetrail/changetrail/internal/audit"
	"github.com/changetrail/changetrail/internal/db/models"
	"github.com/changetrail/changetrail/internal/snapshot"
)

// Fixed lines.
const (
	LineCreated    = "Item Created"
	LineDeleted    = "Item Deleted"
	LineParseError = "Error parsing changes"
)

// Arrow separates prior and new values in an update line.
const Arrow = " → "

// Render describes rec. Created and deleted records yield a single fixed
// line. Updated records yield one "<field>: <prior> → <new>" line per new
// value, in insertion order; a field missing from the prior values renders as
// null. An update missing either snapshot yields no lines.
func Render(rec audit.Record) []string {
	return render(rec.Action, rec.PriorValues, rec.NewValues)
}

// RenderStored describes a persisted record from its raw action and snapshot
// text. Created and deleted records never read their snapshots. For updates,
// text that cannot be parsed yields the single LineParseError line.
func RenderStored(action string, oldText, newText *string) (lines []string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("recovered panic rendering audit record", "panic", r)
			lines = []string{LineParseError}
		}
	}()

	act := audit.ParseAction(action)
	if act != audit.ActionUpdated {
		return render(act, nil, nil)
	}

	prior, err := parse(oldText)
	if err != nil {
		return []string{LineParseError}
	}
	current, err := parse(newText)
	if err != nil {
		return []string{LineParseError}
	}
	return render(act, prior, current)
}

// RenderRow is RenderStored for a database row.
func RenderRow(row *models.AuditRecord) []string {
	if row == nil {
		return []string{}
	}
	return RenderStored(row.Action, row.OldValues, row.NewValues)
}

func render(action audit.Action, prior, current *snapshot.Map) []string {
	switch action {
	case audit.ActionCreated:
		return []string{LineCreated}
	case audit.ActionDeleted:
		return []string{LineDeleted}
	case audit.ActionUpdated:
		if prior.Len() == 0 || current.Len() == 0 {
			return []string{}
		}
		lines := make([]string, 0, current.Len())
		current.Range(func(field string, v snapshot.Value) bool {
			old, _ := prior.Get(field)
			lines = append(lines, field+": "+FormatValue(old)+Arrow+FormatValue(v))
			return true
		})
		return lines
	default:
		return []string{}
	}
}

func parse(text *string) (*snapshot.Map, error) {
	if text == nil {
		return nil, nil
	}
	return snapshot.ParseMap(*text)
}
