package api

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

type (
	// ValueKind is the schema tag carried by every data context value
	ValueKind string

	// Value is a single typed entry in the flow data context. Values are
	// never mutated in place; a later step may overwrite a key only when its
	// definition declares the key as an output
	Value struct {
		Data  any       `json:"data"`
		Kind  ValueKind `json:"kind"`
		Step  StepName  `json:"step,omitempty"`
		SetAt time.Time `json:"set_at,omitzero"`
	}

	// DataContext is the per-flow typed map of named values produced and
	// consumed by steps
	DataContext map[Name]*Value

	// Args is an untyped bag of named values, used at the step handler
	// boundary before kinds are attached
	Args map[Name]any
)

const (
	KindString    ValueKind = "string"
	KindInt       ValueKind = "int"
	KindDecimal   ValueKind = "decimal"
	KindBool      ValueKind = "bool"
	KindTimestamp ValueKind = "timestamp"
	KindList      ValueKind = "list"
	KindMap       ValueKind = "map"
	KindBlob      ValueKind = "blob"
)

var (
	ErrValueKindMismatch = errors.New("value kind mismatch")
	ErrUnsupportedValue  = errors.New("unsupported value type")
)

// KindOf infers the schema tag for a Go value. Decimals are carried as
// strings so that monetary amounts survive serialization without float drift
func KindOf(v any) (ValueKind, bool) {
	switch v.(type) {
	case string:
		return KindString, true
	case int, int32, int64:
		return KindInt, true
	case float64, float32:
		return KindDecimal, true
	case bool:
		return KindBool, true
	case time.Time:
		return KindTimestamp, true
	case []any:
		return KindList, true
	case map[string]any:
		return KindMap, true
	case []byte:
		return KindBlob, true
	default:
		return "", false
	}
}

// NewValue wraps a Go value with its inferred kind, recording the producing
// step and timestamp
func NewValue(v any, step StepName, at time.Time) (*Value, error) {
	kind, ok := KindOf(v)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return &Value{Data: v, Kind: kind, Step: step, SetAt: at}, nil
}

// Matches reports whether the value satisfies the declared schema tag.
// Numeric kinds are interchangeable between int and decimal because JSON
// round-trips integers as float64
func (v *Value) Matches(kind ValueKind) bool {
	if v.Kind == kind {
		return true
	}
	return (v.Kind == KindInt && kind == KindDecimal) ||
		(v.Kind == KindDecimal && kind == KindInt)
}

// Get returns the raw value stored under key, or false if missing
func (d DataContext) Get(key Name) (any, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	return v.Data, true
}

// Args flattens the data context into an untyped bag for handler and
// predicate consumption
func (d DataContext) Args() Args {
	res := make(Args, len(d))
	for key, v := range d {
		res[key] = v.Data
	}
	return res
}

// Clone returns a shallow copy of the data context. Values themselves are
// immutable, so sharing them is safe
func (d DataContext) Clone() DataContext {
	if d == nil {
		return DataContext{}
	}
	return maps.Clone(d)
}
