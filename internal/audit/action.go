package audit

import (
	"strings"

	"github.com/changetrail/changetrail/internal/changes"
	"github.com/changetrail/changetrail/internal/db/models"
)

// Action is the lifecycle event recorded for an entity.
type Action int

const (
	ActionUnknown Action = iota
	ActionCreated
	ActionUpdated
	ActionDeleted
)

func (a Action) String() string {
	switch a {
	case ActionCreated:
		return "Created"
	case ActionUpdated:
		return "Updated"
	case ActionDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// Stored returns the persisted form of the action: Added, Modified or Deleted.
func (a Action) Stored() string {
	switch a {
	case ActionCreated:
		return models.ActionAdded
	case ActionUpdated:
		return models.ActionModified
	case ActionDeleted:
		return models.ActionDeleted
	default:
		return ""
	}
}

// MarshalText encodes the stored form.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.Stored()), nil
}

// UnmarshalText accepts any form ParseAction does.
func (a *Action) UnmarshalText(text []byte) error {
	*a = ParseAction(string(text))
	return nil
}

// ParseAction reads a stored action string. Both the stored names
// (Added, Modified, Deleted) and the event names (Created, Updated) are
// accepted, case-insensitively. Anything else is ActionUnknown.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "added", "created":
		return ActionCreated
	case "modified", "updated":
		return ActionUpdated
	case "deleted":
		return ActionDeleted
	default:
		return ActionUnknown
	}
}

func actionForState(s changes.State) Action {
	switch s {
	case changes.StateAdded:
		return ActionCreated
	case changes.StateModified:
		return ActionUpdated
	case changes.StateDeleted:
		return ActionDeleted
	default:
		return ActionUnknown
	}
}
