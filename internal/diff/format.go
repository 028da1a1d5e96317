package diff

import (
	"strings"

	"github.com/changetrail/changetrail/internal/audit"
	"github.com/changetrail/changetrail/internal/snapshot"
)

// dateLen is the length of the date portion of an ISO 8601 timestamp.
const dateLen = 10

// FormatValue renders one snapshot value for display. Null renders as "null".
// A string that looks like a timestamp (contains "T" and is longer than a
// plain date) is cut to its first ten characters, so "2024-03-05T10:00:00Z"
// renders as "2024-03-05". This is a display heuristic, not a date parse.
func FormatValue(v snapshot.Value) string {
	if v.IsNull() {
		return "null"
	}
	if v.Kind() == snapshot.KindString {
		s := v.Text()
		if strings.Contains(s, "T") {
			if r := []rune(s); len(r) > dateLen {
				return string(r[:dateLen])
			}
		}
		return s
	}
	return v.String()
}

// Display style tokens.
const (
	StyleSuccess   = "success"
	StyleDanger    = "danger"
	StylePrimary   = "primary"
	StyleSecondary = "secondary"
)

// Style maps an action string to a display style. Unrecognized actions,
// including legacy values, get the neutral secondary style.
func Style(action string) string {
	switch audit.ParseAction(action) {
	case audit.ActionCreated:
		return StyleSuccess
	case audit.ActionDeleted:
		return StyleDanger
	case audit.ActionUpdated:
		return StylePrimary
	default:
		return StyleSecondary
	}
}
