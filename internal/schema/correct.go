package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"groovecore/pkg/domain"
)

// Correction records one repair applied by ValidateAndCorrect.
type Correction struct {
	Path   string `json:"path"`
	Rule   string `json:"rule"` // default|coerce|clamp|truncate|pad|synthesize|drop
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
}

// ValidateAndCorrect returns a best-effort corrected clone of value: defaults
// filled, numeric ranges clamped, string and array lengths truncated or
// padded, primitive types coerced. It reports every correction applied and
// whether the corrected clone passes validation.
func (e *Engine) ValidateAndCorrect(value any, schemaName string) (any, []Correction, bool) {
	e.mu.Lock()
	s, ok := e.schemas[schemaName]
	e.mu.Unlock()
	if !ok {
		return value, nil, false
	}
	clone := cloneAny(value)
	var diffs []Correction
	corrected := correctObject(s, clone, "$", &diffs)
	var errs []domain.FieldError
	validateObject(s, corrected, "$", &errs)
	return corrected, diffs, len(errs) == 0
}

// Repair is the load-path variant of correction: in addition to the
// ValidateAndCorrect fixes it drops top-level fields unknown to the schema.
func (e *Engine) Repair(value any, schemaName string) (any, []Correction, bool) {
	corrected, diffs, _ := e.ValidateAndCorrect(value, schemaName)
	s, ok := e.Lookup(schemaName)
	if !ok {
		return corrected, diffs, false
	}
	if m, isMap := corrected.(map[string]any); isMap {
		for k := range m {
			if _, known := s[k]; !known {
				diffs = append(diffs, Correction{Path: "$." + k, Rule: "drop", Before: m[k]})
				delete(m, k)
			}
		}
	}
	var errs []domain.FieldError
	validateObject(s, corrected, "$", &errs)
	return corrected, diffs, len(errs) == 0
}

func correctObject(s Schema, value any, path string, diffs *[]Correction) map[string]any {
	m, ok := value.(map[string]any)
	if !ok {
		*diffs = append(*diffs, Correction{Path: path, Rule: "synthesize", Before: value, After: map[string]any{}})
		m = map[string]any{}
	}
	for name, spec := range s {
		fieldPath := path + "." + name
		v, present := m[name]
		if !present || v == nil {
			if spec.Required || spec.Default != nil {
				def := defaultFor(spec, fieldPath, diffs)
				*diffs = append(*diffs, Correction{Path: fieldPath, Rule: "default", After: def})
				// Run the default through correction too: fixed-length
				// arrays declared with an empty default still get padded.
				m[name] = correctField(spec, def, fieldPath, diffs)
			}
			continue
		}
		m[name] = correctField(spec, v, fieldPath, diffs)
	}
	return m
}

func correctField(spec FieldSpec, v any, path string, diffs *[]Correction) any {
	switch spec.Kind {
	case KindInt, KindNumber:
		n, ok := coerceNumber(v)
		if !ok {
			def := defaultFor(spec, path, diffs)
			*diffs = append(*diffs, Correction{Path: path, Rule: "coerce", Before: v, After: def})
			return def
		}
		if nf, isF := v.(float64); !isF || nf != n {
			*diffs = append(*diffs, Correction{Path: path, Rule: "coerce", Before: v, After: n})
		}
		if spec.Kind == KindInt && n != math.Trunc(n) {
			t := math.Trunc(n)
			*diffs = append(*diffs, Correction{Path: path, Rule: "coerce", Before: n, After: t})
			n = t
		}
		if spec.Min != nil && n < *spec.Min {
			*diffs = append(*diffs, Correction{Path: path, Rule: "clamp", Before: n, After: *spec.Min})
			n = *spec.Min
		}
		if spec.Max != nil && n > *spec.Max {
			*diffs = append(*diffs, Correction{Path: path, Rule: "clamp", Before: n, After: *spec.Max})
			n = *spec.Max
		}
		return n
	case KindString:
		str, ok := v.(string)
		if !ok {
			str = fmt.Sprintf("%v", v)
			*diffs = append(*diffs, Correction{Path: path, Rule: "coerce", Before: v, After: str})
		}
		if max := exactOrMax(spec); max != nil && len(str) > *max {
			cut := str[:*max]
			*diffs = append(*diffs, Correction{Path: path, Rule: "truncate", Before: str, After: cut})
			str = cut
		}
		if min := exactOrMin(spec); min != nil && len(str) < *min {
			padded := str + strings.Repeat(" ", *min-len(str))
			*diffs = append(*diffs, Correction{Path: path, Rule: "pad", Before: str, After: padded})
			str = padded
		}
		return str
	case KindBool:
		if b, ok := v.(bool); ok {
			return b
		}
		b := coerceBool(v)
		*diffs = append(*diffs, Correction{Path: path, Rule: "coerce", Before: v, After: b})
		return b
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			*diffs = append(*diffs, Correction{Path: path, Rule: "synthesize", Before: v, After: map[string]any{}})
			m = map[string]any{}
		}
		if spec.Nested != nil {
			return correctObject(spec.Nested, m, path, diffs)
		}
		if spec.Values != nil {
			for k, mv := range m {
				m[k] = correctField(*spec.Values, mv, path+"."+k, diffs)
			}
		}
		return m
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			*diffs = append(*diffs, Correction{Path: path, Rule: "synthesize", Before: v, After: []any{}})
			arr = []any{}
		}
		if spec.Elem != nil {
			for i, ev := range arr {
				arr[i] = correctField(*spec.Elem, ev, fmt.Sprintf("%s[%d]", path, i), diffs)
			}
		}
		if max := exactOrMax(spec); max != nil && len(arr) > *max {
			*diffs = append(*diffs, Correction{Path: path, Rule: "truncate", Before: len(arr), After: *max})
			arr = arr[:*max]
		}
		if min := exactOrMin(spec); min != nil && len(arr) < *min {
			*diffs = append(*diffs, Correction{Path: path, Rule: "pad", Before: len(arr), After: *min})
			for len(arr) < *min {
				if spec.Elem != nil {
					arr = append(arr, defaultFor(*spec.Elem, fmt.Sprintf("%s[%d]", path, len(arr)), diffs))
				} else {
					arr = append(arr, nil)
				}
			}
		}
		return arr
	default:
		return v
	}
}

// defaultFor resolves the fill-in value for an absent or unusable field.
func defaultFor(spec FieldSpec, path string, diffs *[]Correction) any {
	if spec.Default != nil {
		return normalizeDefault(spec, spec.Default, path, diffs)
	}
	switch spec.Kind {
	case KindInt, KindNumber:
		n := 0.0
		if spec.Min != nil && n < *spec.Min {
			n = *spec.Min
		}
		return n
	case KindString:
		return ""
	case KindBool:
		return false
	case KindObject:
		if spec.Nested != nil {
			return correctObject(spec.Nested, map[string]any{}, path, diffs)
		}
		return map[string]any{}
	case KindArray:
		arr := []any{}
		if min := exactOrMin(spec); min != nil && spec.Elem != nil {
			for len(arr) < *min {
				arr = append(arr, defaultFor(*spec.Elem, fmt.Sprintf("%s[%d]", path, len(arr)), diffs))
			}
		}
		return arr
	default:
		return nil
	}
}

// normalizeDefault maps Go-typed declared defaults onto their JSON forms and
// synthesizes required nested fields inside object defaults.
func normalizeDefault(spec FieldSpec, def any, path string, diffs *[]Correction) any {
	switch d := def.(type) {
	case int:
		return float64(d)
	case float64:
		return d
	case map[string]any:
		if spec.Nested != nil {
			return correctObject(spec.Nested, cloneAny(d), path, diffs)
		}
		return cloneAny(d)
	case []any:
		return cloneAny(d)
	default:
		return def
	}
}

func exactOrMax(spec FieldSpec) *int {
	if spec.Length != nil {
		return spec.Length
	}
	return spec.MaxLength
}

func exactOrMin(spec FieldSpec) *int {
	if spec.Length != nil {
		return spec.Length
	}
	return spec.MinLength
}

func coerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func coerceBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true") || b == "1"
	default:
		return false
	}
}

// cloneAny structurally copies a generic JSON value.
func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, e := range t {
			cp[k] = cloneAny(e)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneAny(e)
		}
		return cp
	default:
		return v
	}
}
