package snapshot

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// FromAny converts a Go field value into a Value.
//
// Nil and nil pointers become null, primitives map to their natural variant,
// time.Time is rendered as RFC 3339 in UTC, driver.Valuer types (sql.NullString
// and friends) are unwrapped first, and []byte is read as text. Anything else
// goes through encoding/json. Values that have no JSON form (NaN, channels,
// funcs) are rejected.
func FromAny(x any) (Value, error) {
	if x == nil {
		return Null(), nil
	}

	switch t := x.(type) {
	case Value:
		return t, nil
	case *Map:
		return Object(t), nil
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano)), nil
	case *time.Time:
		if t == nil {
			return Null(), nil
		}
		return String(t.UTC().Format(time.RFC3339Nano)), nil
	case json.Number:
		return Number(t), nil
	case []byte:
		if t == nil {
			return Null(), nil
		}
		return String(string(t)), nil
	case json.RawMessage:
		var v Value
		if err := v.UnmarshalJSON(t); err != nil {
			return Null(), err
		}
		return v, nil
	}

	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Null(), nil
	}

	if valuer, ok := x.(driver.Valuer); ok {
		dv, err := valuer.Value()
		if err != nil {
			return Null(), fmt.Errorf("snapshot: read driver value: %w", err)
		}
		if _, again := dv.(driver.Valuer); again {
			return Null(), fmt.Errorf("snapshot: driver value of %T is itself a Valuer", x)
		}
		return FromAny(dv)
	}

	switch rv.Kind() {
	case reflect.Pointer:
		return FromAny(rv.Elem().Interface())
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Number(json.Number(strconv.FormatUint(rv.Uint(), 10))), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Null(), fmt.Errorf("snapshot: unsupported float value %v", f)
		}
		bits := 64
		if rv.Kind() == reflect.Float32 {
			bits = 32
		}
		return Number(json.Number(strconv.FormatFloat(f, 'g', -1, bits))), nil
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return Null(), fmt.Errorf("snapshot: unsupported value of type %T", x)
	}

	data, err := json.Marshal(x)
	if err != nil {
		return Null(), fmt.Errorf("snapshot: encode %T: %w", x, err)
	}
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Null(), err
	}
	return v, nil
}
