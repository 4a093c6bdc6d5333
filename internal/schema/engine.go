package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"groovecore/pkg/domain"
)

// defaultCacheSize bounds the validation memo cache.
const defaultCacheSize = 64

// fingerprintPrefix is how many serialized bytes participate in the cache
// key alongside the total size. Cheap, not collision-proof; a stale hit can
// only occur for two values of identical length sharing a long prefix, which
// the aggregate shapes make implausible.
const fingerprintPrefix = 128

type cachedResult struct {
	valid bool
	errs  []domain.FieldError
}

// Engine is the validation engine. It holds the schema registry, the last
// error set per schema, and a bounded memo cache evicting oldest entries.
type Engine struct {
	mu      sync.Mutex
	schemas map[string]Schema
	last    map[string][]domain.FieldError
	memo    *lru.Cache[string, cachedResult]
}

// NewEngine constructs an engine with the built-in aggregate schemas
// registered. cacheSize <= 0 selects the default bound.
func NewEngine(cacheSize int) *Engine {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	memo, err := lru.New[string, cachedResult](cacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	e := &Engine{
		schemas: make(map[string]Schema),
		last:    make(map[string][]domain.FieldError),
		memo:    memo,
	}
	registerBuiltins(e)
	return e
}

// Register adds or replaces a named schema.
func (e *Engine) Register(name string, s Schema) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schemas[name] = s
}

// Lookup returns a registered schema.
func (e *Engine) Lookup(name string) (Schema, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.schemas[name]
	return s, ok
}

// Validate checks value against the named schema. The structured errors of
// the most recent call per schema are retrievable through Errors.
func (e *Engine) Validate(value any, schemaName string) bool {
	e.mu.Lock()
	s, ok := e.schemas[schemaName]
	e.mu.Unlock()
	if !ok {
		e.setErrors(schemaName, []domain.FieldError{{Path: "$", Message: fmt.Sprintf("no schema registered under %q", schemaName)}})
		return false
	}

	key, keyed := fingerprint(schemaName, value)
	if keyed {
		if hit, ok := e.memo.Get(key); ok {
			e.setErrors(schemaName, hit.errs)
			return hit.valid
		}
	}

	var errs []domain.FieldError
	validateObject(s, value, "$", &errs)
	valid := len(errs) == 0
	if keyed {
		e.memo.Add(key, cachedResult{valid: valid, errs: errs})
	}
	e.setErrors(schemaName, errs)
	return valid
}

// Errors returns the structured errors accumulated by the most recent
// Validate call for the named schema.
func (e *Engine) Errors(schemaName string) []domain.FieldError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.FieldError(nil), e.last[schemaName]...)
}

func (e *Engine) setErrors(schemaName string, errs []domain.FieldError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last[schemaName] = errs
}

// fingerprint derives the memo key from the schema name plus the size and
// leading bytes of the serialized value.
func fingerprint(schemaName string, value any) (string, bool) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", false
	}
	prefix := raw
	if len(prefix) > fingerprintPrefix {
		prefix = prefix[:fingerprintPrefix]
	}
	return fmt.Sprintf("%s:%d:%s", schemaName, len(raw), prefix), true
}

func validateObject(s Schema, value any, path string, errs *[]domain.FieldError) {
	m, ok := value.(map[string]any)
	if !ok {
		*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("expected object, got %T", value)})
		return
	}
	for name, spec := range s {
		fieldPath := path + "." + name
		v, present := m[name]
		if !present || v == nil {
			if spec.Required {
				*errs = append(*errs, domain.FieldError{Path: fieldPath, Message: "required field missing"})
			}
			continue
		}
		validateField(spec, v, fieldPath, errs)
	}
}

func validateField(spec FieldSpec, v any, path string, errs *[]domain.FieldError) {
	switch spec.Kind {
	case KindInt:
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("expected integer, got %v", v)})
			return
		}
		checkBounds(spec, n, path, errs)
	case KindNumber:
		n, ok := v.(float64)
		if !ok {
			*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("expected number, got %T", v)})
			return
		}
		checkBounds(spec, n, path, errs)
	case KindString:
		str, ok := v.(string)
		if !ok {
			*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("expected string, got %T", v)})
			return
		}
		checkLength(spec, len(str), path, errs)
	case KindBool:
		if _, ok := v.(bool); !ok {
			*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("expected bool, got %T", v)})
			return
		}
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("expected object, got %T", v)})
			return
		}
		if spec.Nested != nil {
			validateObject(spec.Nested, m, path, errs)
		}
		if spec.Values != nil {
			for k, mv := range m {
				validateField(*spec.Values, mv, path+"."+k, errs)
			}
		}
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("expected array, got %T", v)})
			return
		}
		checkLength(spec, len(arr), path, errs)
		if spec.Elem != nil {
			for i, ev := range arr {
				validateField(*spec.Elem, ev, fmt.Sprintf("%s[%d]", path, i), errs)
			}
		}
	default:
		*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("schema declares unknown kind %q", spec.Kind)})
		return
	}
	if spec.Predicate != nil {
		if err := spec.Predicate(v); err != nil {
			*errs = append(*errs, domain.FieldError{Path: path, Message: err.Error()})
		}
	}
}

func checkBounds(spec FieldSpec, n float64, path string, errs *[]domain.FieldError) {
	if spec.Min != nil && n < *spec.Min {
		*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("%v below minimum %v", n, *spec.Min)})
	}
	if spec.Max != nil && n > *spec.Max {
		*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("%v above maximum %v", n, *spec.Max)})
	}
}

func checkLength(spec FieldSpec, n int, path string, errs *[]domain.FieldError) {
	if spec.Length != nil && n != *spec.Length {
		*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("length %d, want exactly %d", n, *spec.Length)})
	}
	if spec.MinLength != nil && n < *spec.MinLength {
		*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("length %d below minimum %d", n, *spec.MinLength)})
	}
	if spec.MaxLength != nil && n > *spec.MaxLength {
		*errs = append(*errs, domain.FieldError{Path: path, Message: fmt.Sprintf("length %d above maximum %d", n, *spec.MaxLength)})
	}
}
