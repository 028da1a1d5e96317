package changes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/jmoiron/sqlx/reflectx"

	"github.com/changetrail/changetrail/internal/snapshot"
)

const (
	// ColumnTag is the struct tag naming a persisted column, shared with sqlx scanning.
	ColumnTag = "db"
	// AuditTag marks the identifier field with `audit:"id"` when it is not the "id" column.
	AuditTag = "audit"

	defaultIDColumn = "id"
)

// field is one persisted column of an entity type.
type field struct {
	column string
	index  []int
}

// layout is the cached field list of an entity type.
type layout struct {
	fields   []field
	idColumn string
}

// fieldMapper enumerates persisted fields the same way sqlx maps columns.
type fieldMapper struct {
	mapper  *reflectx.Mapper
	layouts map[reflect.Type]*layout
}

func newFieldMapper() *fieldMapper {
	return &fieldMapper{
		mapper:  reflectx.NewMapperFunc(ColumnTag, strings.ToLower),
		layouts: make(map[reflect.Type]*layout),
	}
}

// layoutOf returns the persisted fields of t, which must be a struct type.
// Only fields with an explicit db tag count; nested struct members that sqlx
// would expose as dotted paths (time.Time internals, sql.Null* members) are skipped.
func (fm *fieldMapper) layoutOf(t reflect.Type) *layout {
	if l, ok := fm.layouts[t]; ok {
		return l
	}

	l := &layout{idColumn: defaultIDColumn}
	seen := make(map[string]bool)
	tagged := ""
	for _, fi := range fm.mapper.TypeMap(t).Index {
		if fi.Embedded || strings.Contains(fi.Path, ".") {
			continue
		}
		tag := fi.Field.Tag.Get(ColumnTag)
		if tag == "" || tag == "-" || seen[fi.Name] {
			continue
		}
		seen[fi.Name] = true
		l.fields = append(l.fields, field{column: fi.Name, index: fi.Index})
		if tagged == "" && fi.Field.Tag.Get(AuditTag) == "id" {
			tagged = fi.Name
		}
	}
	if tagged != "" {
		l.idColumn = tagged
	}

	fm.layouts[t] = l
	return l
}

// snapshot captures every persisted field of e in field order.
func (fm *fieldMapper) snapshot(e Entity) (m *snapshot.Map, idColumn string, err error) {
	if err := checkEntity(e); err != nil {
		return nil, "", err
	}
	v := reflect.ValueOf(e).Elem()
	l := fm.layoutOf(v.Type())

	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("snapshot %s: %v", e.EntityName(), r)
		}
	}()

	m = snapshot.NewMap()
	for _, f := range l.fields {
		fv := reflectx.FieldByIndexesReadOnly(v, f.index)
		val, convErr := snapshot.FromAny(fv.Interface())
		if convErr != nil {
			return nil, l.idColumn, fmt.Errorf("snapshot %s.%s: %w", e.EntityName(), f.column, convErr)
		}
		m.Set(f.column, val)
	}
	return m, l.idColumn, nil
}

// diffFields returns the columns whose value differs between prior and current,
// in current's field order.
func diffFields(prior, current *snapshot.Map) []string {
	var fields []string
	current.Range(func(key string, v snapshot.Value) bool {
		old, ok := prior.Get(key)
		if !ok || !old.Equal(v) {
			fields = append(fields, key)
		}
		return true
	})
	return fields
}
