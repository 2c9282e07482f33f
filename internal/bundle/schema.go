package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"
)

// fieldRef locates one tagged attribute inside a bundle struct.
type fieldRef struct {
	index []int
	typ   reflect.Type
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[reflect.Type]map[string]fieldRef{}
)

// schemaOf returns the attribute schema of a bundle, derived once per struct
// type from its `bundle` tags. Anonymous embedded structs are flattened.
func schemaOf(b Bundle) map[string]fieldRef {
	t := reflect.TypeOf(b)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[t]; ok {
		return s
	}

	s := map[string]fieldRef{}
	collectFields(t, nil, s)
	schemaCache[t] = s
	return s
}

func collectFields(t reflect.Type, prefix []int, out map[string]fieldRef) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		index := append(append([]int{}, prefix...), i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectFields(f.Type, index, out)
			continue
		}
		tag := f.Tag.Get("bundle")
		if tag == "" || tag == "-" {
			continue
		}
		out[tag] = fieldRef{index: index, typ: f.Type}
	}
}

// Fields returns the sorted attribute names of a bundle.
func Fields(b Bundle) []string {
	s := schemaOf(b)
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the bundle declares a settable attribute with the
// given name.
func Has(b Bundle, name string) bool {
	_, ok := schemaOf(b)[name]
	return ok
}

// Get returns the current value of an attribute.
func Get(b Bundle, name string) (any, bool) {
	ref, ok := schemaOf(b)[name]
	if !ok {
		return nil, false
	}
	v := reflect.ValueOf(b).Elem().FieldByIndex(ref.index)
	return v.Interface(), true
}

// Set assigns a value into a bundle attribute, coercing between compatible
// numeric representations. Unknown attributes and type mismatches are
// rejected.
func Set(b Bundle, name string, value any) error {
	ref, ok := schemaOf(b)[name]
	if !ok {
		return fmt.Errorf("bundle %q has no attribute %q", b.ModelName(), name)
	}
	field := reflect.ValueOf(b).Elem().FieldByIndex(ref.index)

	switch field.Interface().(type) {
	case int:
		switch n := value.(type) {
		case int:
			field.SetInt(int64(n))
		case int64:
			field.SetInt(n)
		case float64:
			if n != float64(int64(n)) {
				return typeError(b, name, "int", value)
			}
			field.SetInt(int64(n))
		default:
			return typeError(b, name, "int", value)
		}
	case float64:
		switch n := value.(type) {
		case float64:
			field.SetFloat(n)
		case int:
			field.SetFloat(float64(n))
		case int64:
			field.SetFloat(float64(n))
		default:
			return typeError(b, name, "float", value)
		}
	case bool:
		n, ok := value.(bool)
		if !ok {
			return typeError(b, name, "bool", value)
		}
		field.SetBool(n)
	case string:
		n, ok := value.(string)
		if !ok {
			return typeError(b, name, "string", value)
		}
		field.SetString(n)
	case []string:
		n, ok := value.([]string)
		if !ok {
			return typeError(b, name, "string list", value)
		}
		field.Set(reflect.ValueOf(n))
	case []float64:
		n, ok := value.([]float64)
		if !ok {
			return typeError(b, name, "float list", value)
		}
		field.Set(reflect.ValueOf(n))
	case Matrix:
		switch n := value.(type) {
		case Matrix:
			field.Set(reflect.ValueOf(n))
		case [][]float64:
			field.Set(reflect.ValueOf(Matrix(n)))
		case []float64:
			field.Set(reflect.ValueOf(Matrix{n}))
		default:
			return typeError(b, name, "array", value)
		}
	default:
		return fmt.Errorf("bundle %q attribute %q has unsupported type %s",
			b.ModelName(), name, ref.typ)
	}
	return nil
}

func typeError(b Bundle, name, want string, got any) error {
	return fmt.Errorf("bundle %q attribute %q expects %s, got %T",
		b.ModelName(), name, want, got)
}

// ToMap renders every attribute to a map keyed by attribute name, for
// manifest snapshots and engine graph specs.
func ToMap(b Bundle) map[string]any {
	s := schemaOf(b)
	out := make(map[string]any, len(s))
	v := reflect.ValueOf(b).Elem()
	for name, ref := range s {
		out[name] = v.FieldByIndex(ref.index).Interface()
	}
	return out
}

// ApplyOverrides applies a flat attribute-name -> JSON value map onto the
// bundle, before any data mapping runs. Unknown attributes are rejected.
func ApplyOverrides(b Bundle, overrides map[string]json.RawMessage) error {
	// Apply in deterministic order so error reporting is stable.
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ref, ok := schemaOf(b)[name]
		if !ok {
			return fmt.Errorf("override names unknown attribute %q of bundle %q", name, b.ModelName())
		}
		target := reflect.New(ref.typ)
		if err := json.Unmarshal(overrides[name], target.Interface()); err != nil {
			return fmt.Errorf("override for %q: %w", name, err)
		}
		if err := Set(b, name, target.Elem().Interface()); err != nil {
			return err
		}
	}
	return nil
}

// LoadOverrides reads a parameter-override JSON file: a flat object mapping
// attribute names to values.
func LoadOverrides(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading override file: %w", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing override file: %w", err)
	}
	return out, nil
}
