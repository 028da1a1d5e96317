// Package changes implements the unit-of-work change classifier.
//
// Entities are plain struct pointers with `db` tagged fields. A Tracker keeps
// an explicit snapshot of each entity as it was loaded and, right before
// commit, compares current field values with that snapshot to decide which
// entities were added, modified or deleted and which fields changed.
package changes

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/changetrail/changetrail/internal/snapshot"
)

var (
	// ErrNotStructPointer is returned when an entity is not a non-nil pointer to a struct.
	ErrNotStructPointer = errors.New("changes: entity must be a non-nil struct pointer")
	// ErrNotTracked is returned when operating on an entity the tracker does not know.
	ErrNotTracked = errors.New("changes: entity is not tracked")
)

// Entity is a persisted business object.
type Entity interface {
	// EntityName is the type name recorded in the audit trail.
	EntityName() string
}

// State is the lifecycle state of a tracked entity.
type State int

const (
	StateDetached State = iota
	StateUnchanged
	StateAdded
	StateModified
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateUnchanged:
		return "Unchanged"
	case StateAdded:
		return "Added"
	case StateModified:
		return "Modified"
	case StateDeleted:
		return "Deleted"
	default:
		return "Detached"
	}
}

// Change is one classified entity mutation.
type Change struct {
	Entity Entity
	Name   string
	State  State

	// Fields lists changed columns for StateModified, in field order.
	Fields []string
	// IDColumn names the identifier column of the entity type.
	IDColumn string

	// Original is the snapshot taken when the entity was attached (nil for added entities).
	Original *snapshot.Map
	// Current is the snapshot taken at classification time (nil for deleted entities).
	Current *snapshot.Map

	// Err is set when the entity could not be snapshotted. Other changes in
	// the batch are unaffected.
	Err error
}

type entry struct {
	entity   Entity
	state    State
	original *snapshot.Map
}

// Tracker is a unit of work. It is not safe for concurrent use.
type Tracker struct {
	fields  *fieldMapper
	entries []*entry
	index   map[Entity]*entry
}

// NewTracker creates an empty unit of work.
func NewTracker() *Tracker {
	return &Tracker{
		fields: newFieldMapper(),
		index:  make(map[Entity]*entry),
	}
}

// Attach starts tracking an entity loaded from the store and records its
// current field values as the prior snapshot. Attaching a tracked entity
// refreshes its snapshot and marks it unchanged.
func (t *Tracker) Attach(e Entity) error {
	snap, _, err := t.fields.snapshot(e)
	if err != nil {
		return err
	}
	t.put(e, StateUnchanged, snap)
	return nil
}

// Add tracks a new entity to be inserted.
func (t *Tracker) Add(e Entity) error {
	if err := checkEntity(e); err != nil {
		return err
	}
	t.put(e, StateAdded, nil)
	return nil
}

// Remove marks an entity for deletion. A pending insert is simply dropped.
// An untracked entity is attached first so its prior values are captured.
func (t *Tracker) Remove(e Entity) error {
	if err := checkEntity(e); err != nil {
		return err
	}
	en, ok := t.index[e]
	if !ok {
		if err := t.Attach(e); err != nil {
			return err
		}
		en = t.index[e]
	}
	if en.state == StateAdded {
		t.Detach(e)
		return nil
	}
	en.state = StateDeleted
	return nil
}

// Detach stops tracking e.
func (t *Tracker) Detach(e Entity) {
	if checkEntity(e) != nil {
		return
	}
	if _, ok := t.index[e]; !ok {
		return
	}
	delete(t.index, e)
	for i, en := range t.entries {
		if en.entity == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
}

// State reports the lifecycle state of e. Modified is derived by comparing
// the entity's current fields with its prior snapshot.
func (t *Tracker) State(e Entity) State {
	if checkEntity(e) != nil {
		return StateDetached
	}
	en, ok := t.index[e]
	if !ok {
		return StateDetached
	}
	if en.state != StateUnchanged {
		return en.state
	}
	current, _, err := t.fields.snapshot(e)
	if err != nil {
		return StateModified
	}
	if len(diffFields(en.original, current)) > 0 {
		return StateModified
	}
	return StateUnchanged
}

// Len returns the number of tracked entities.
func (t *Tracker) Len() int { return len(t.entries) }

// Classify returns one Change per added, modified or deleted entity, in
// tracking order. Unchanged entities and entities whose name is listed in
// exclude are skipped. Classify does not alter tracking state.
func (t *Tracker) Classify(exclude ...string) []Change {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	var out []Change
	for _, en := range t.entries {
		name := en.entity.EntityName()
		if skip[name] {
			continue
		}
		c := Change{Entity: en.entity, Name: name, Original: en.original}

		switch en.state {
		case StateAdded:
			c.State = StateAdded
			c.Original = nil
			c.Current, c.IDColumn, c.Err = t.fields.snapshot(en.entity)
		case StateDeleted:
			c.State = StateDeleted
			c.IDColumn = t.fields.layoutOf(reflectType(en.entity)).idColumn
		case StateUnchanged:
			current, idColumn, err := t.fields.snapshot(en.entity)
			c.IDColumn = idColumn
			if err != nil {
				c.State = StateModified
				c.Err = err
				break
			}
			fields := diffFields(en.original, current)
			if len(fields) == 0 {
				continue
			}
			c.State = StateModified
			c.Current = current
			c.Fields = fields
		default:
			continue
		}
		out = append(out, c)
	}
	return out
}

// AcceptChanges is called after a successful commit. Added and modified
// entities become unchanged with a fresh snapshot, deleted entities are detached.
func (t *Tracker) AcceptChanges() {
	kept := t.entries[:0]
	for _, en := range t.entries {
		if en.state == StateDeleted {
			delete(t.index, en.entity)
			continue
		}
		if snap, _, err := t.fields.snapshot(en.entity); err == nil {
			en.original = snap
		}
		en.state = StateUnchanged
		kept = append(kept, en)
	}
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = nil
	}
	t.entries = kept
}

func (t *Tracker) put(e Entity, state State, original *snapshot.Map) {
	if en, ok := t.index[e]; ok {
		en.state = state
		en.original = original
		return
	}
	en := &entry{entity: e, state: state, original: original}
	t.entries = append(t.entries, en)
	t.index[e] = en
}

func checkEntity(e Entity) error {
	if e == nil {
		return fmt.Errorf("%w: got nil", ErrNotStructPointer)
	}
	v := reflect.ValueOf(e)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: got %T", ErrNotStructPointer, e)
	}
	return nil
}

func reflectType(e Entity) reflect.Type {
	return reflect.TypeOf(e).Elem()
}
