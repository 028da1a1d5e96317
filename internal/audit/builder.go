package audit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/changetrail/changetrail/internal/changes"
	"github.com/changetrail/changetrail/internal/snapshot"
	"github.com/changetrail/changetrail/internal/telemetry"
)

// ErrNoIdentifier is returned when an updated or deleted entity has no integer identifier.
var ErrNoIdentifier = errors.New("audit: entity identifier is missing or not an integer")

// BuildError reports an entity whose record could not be built.
type BuildError struct {
	Entity string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build audit record for %s: %v", e.Entity, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Build turns one classified change into a Record stamped with actorID and now.
//
// Created records carry every field as new values and no identifier. Deleted
// records carry every field as prior values and take the identifier from the
// snapshot captured at load time. Updated records carry only the changed fields
// on both sides and take the identifier from the current values.
func Build(c changes.Change, actorID *string, now time.Time) (Record, error) {
	if c.Err != nil {
		return Record{}, &BuildError{Entity: c.Name, Err: c.Err}
	}

	rec := Record{
		EntityName: c.Name,
		Action:     actionForState(c.State),
		ActorID:    actorID,
		Timestamp:  now.UTC(),
	}

	switch rec.Action {
	case ActionCreated:
		rec.NewValues = nonEmpty(c.Current)
	case ActionDeleted:
		id, err := identifier(c.Original, c.IDColumn)
		if err != nil {
			return Record{}, &BuildError{Entity: c.Name, Err: err}
		}
		rec.EntityID = &id
		rec.PriorValues = nonEmpty(c.Original)
	case ActionUpdated:
		id, err := identifier(c.Current, c.IDColumn)
		if err != nil {
			return Record{}, &BuildError{Entity: c.Name, Err: err}
		}
		rec.EntityID = &id
		rec.PriorValues = c.Original.Select(c.Fields)
		rec.NewValues = c.Current.Select(c.Fields)
	default:
		return Record{}, &BuildError{Entity: c.Name, Err: fmt.Errorf("no audit action for state %s", c.State)}
	}
	return rec, nil
}

// BuildAll builds a record for every change. A change that fails is logged,
// counted and reported in errs; the remaining changes are still built.
func BuildAll(cs []changes.Change, actorID *string, now time.Time) (records []Record, errs []error) {
	records = make([]Record, 0, len(cs))
	for _, c := range cs {
		rec, err := Build(c, actorID, now)
		if err != nil {
			slog.Warn("audit record dropped", "entity", c.Name, "state", c.State.String(), "error", err)
			telemetry.AuditBuildFailuresTotal.WithLabelValues(c.Name).Inc()
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func identifier(m *snapshot.Map, column string) (int64, error) {
	v, ok := m.Get(column)
	if !ok || v.IsNull() {
		return 0, fmt.Errorf("%w: column %q", ErrNoIdentifier, column)
	}
	id, ok := v.Int64()
	if !ok {
		return 0, fmt.Errorf("%w: column %q holds %s", ErrNoIdentifier, column, v.Kind())
	}
	return id, nil
}

func nonEmpty(m *snapshot.Map) *snapshot.Map {
	if m.Len() == 0 {
		return nil
	}
	return m
}
