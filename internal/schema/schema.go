// Package schema implements the declarative validation engine: schemas map
// field names to specs, validation accumulates structured path/message
// errors, and a bounded cache memoizes results for large unchanged values.
package schema

// Kind is the expected primitive or composite type of a field. Values are
// the generic JSON forms: numbers arrive as float64, objects as
// map[string]any and arrays as []any.
type Kind string

const (
	KindInt    Kind = "int"
	KindNumber Kind = "number"
	KindString Kind = "string"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// FieldSpec declares the constraints of one field.
type FieldSpec struct {
	Kind     Kind
	Required bool

	// Numeric bounds, applied to KindInt and KindNumber.
	Min *float64
	Max *float64

	// Length constraints, applied to strings and arrays. Length pins an
	// exact size; Min/MaxLength bound it.
	Length    *int
	MinLength *int
	MaxLength *int

	// Predicate is an optional custom check run after the structural ones.
	Predicate func(any) error

	// Nested validates the named fields of a KindObject value.
	Nested Schema
	// Values validates every value of a KindObject map with arbitrary keys.
	Values *FieldSpec
	// Elem validates every element of a KindArray value.
	Elem *FieldSpec

	// Default is filled in by correction when the field is absent.
	Default any
}

// Schema maps field names to their specs. Fields present in the value but
// absent from the schema are ignored by validation; structural repair may
// drop them.
type Schema map[string]FieldSpec

// Helper constructors keep the aggregate schema declarations readable.

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

// IntField declares a bounded required integer with a default.
func IntField(min, max float64, def int) FieldSpec {
	return FieldSpec{Kind: KindInt, Required: true, Min: fptr(min), Max: fptr(max), Default: def}
}

// BoolField declares a required boolean defaulting to false.
func BoolField() FieldSpec {
	return FieldSpec{Kind: KindBool, Required: true, Default: false}
}

// StringField declares a length-bounded string.
func StringField(maxLen int) FieldSpec {
	return FieldSpec{Kind: KindString, MaxLength: iptr(maxLen), Default: ""}
}

// ObjectField declares a required object with named fields.
func ObjectField(nested Schema) FieldSpec {
	return FieldSpec{Kind: KindObject, Required: true, Nested: nested, Default: map[string]any{}}
}

// MapField declares a required object whose arbitrary keys share one spec.
func MapField(values FieldSpec) FieldSpec {
	return FieldSpec{Kind: KindObject, Required: true, Values: &values, Default: map[string]any{}}
}

// ArrayField declares a required fixed-length array.
func ArrayField(length int, elem FieldSpec) FieldSpec {
	return FieldSpec{Kind: KindArray, Required: true, Length: iptr(length), Elem: &elem, Default: []any{}}
}
