// Package mapper translates named columns of an evidence row into typed
// attributes of a model configuration bundle.
//
// The mapping is declared in a JSON file:
//
//	{"mappings": [{"bundle_attr_name": "observed_values",
//	               "data_column_names": ["pitch", "intensity"],
//	               "data_type": "array",
//	               "feature": true}, ...]}
//
// Mappings are validated against the bundle schema and the evidence columns
// before any run commits resources, and applied in declaration order: a later
// rule writing the same attribute silently wins.
package mapper

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/psoares-cs/coordination/internal/bundle"
	"github.com/psoares-cs/coordination/internal/evidence"
)

// Data types a mapping rule may declare.
const (
	TypeArray = "array"
	TypeInt   = "int"
	TypeFloat = "float"
)

// MappingError reports a mapping that cannot be applied: a referenced column
// is absent or the target attribute is not settable on the bundle.
type MappingError struct {
	Attr string
	Msg  string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping for %q: %s", e.Attr, e.Msg)
}

// Mapping is one rule binding evidence columns to a bundle attribute.
type Mapping struct {
	BundleAttrName  string   `json:"bundle_attr_name"`
	DataColumnNames []string `json:"data_column_names"`
	DataType        string   `json:"data_type"`
	Feature         bool     `json:"feature,omitempty"`
}

// Spec is the ordered list of mapping rules for one run.
type Spec struct {
	Mappings []Mapping `json:"mappings"`
}

// LoadSpec reads and structurally checks a mapping JSON file. Semantic
// validation against a bundle and an evidence table happens in Validate.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing mapping file: %w", err)
	}
	if err := spec.check(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ParseSpec checks an already-decoded spec, for callers that embed the
// mapping in a larger document (e.g. the execution manifest).
func ParseSpec(spec Spec) (*Spec, error) {
	if err := spec.check(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *Spec) check() error {
	if len(s.Mappings) == 0 {
		return fmt.Errorf("mapping file declares no mappings")
	}
	for _, m := range s.Mappings {
		if m.BundleAttrName == "" {
			return &MappingError{Attr: "(empty)", Msg: "bundle_attr_name is required"}
		}
		if len(m.DataColumnNames) == 0 {
			return &MappingError{Attr: m.BundleAttrName, Msg: "data_column_names is empty"}
		}
		switch m.DataType {
		case TypeArray:
		case TypeInt, TypeFloat:
			if len(m.DataColumnNames) != 1 {
				return &MappingError{
					Attr: m.BundleAttrName,
					Msg:  fmt.Sprintf("%s mappings take exactly one column, got %d", m.DataType, len(m.DataColumnNames)),
				}
			}
		default:
			return &MappingError{
				Attr: m.BundleAttrName,
				Msg:  fmt.Sprintf("unknown data_type %q (valid: array, int, float)", m.DataType),
			}
		}
	}
	return nil
}

// Validate fails if any referenced column is absent from availableColumns or
// any bundle_attr_name is not a settable attribute of the bundle's type.
// It never mutates the bundle. Call this before committing resources to a
// run.
func (s *Spec) Validate(b bundle.Bundle, availableColumns []string) error {
	cols := make(map[string]bool, len(availableColumns))
	for _, c := range availableColumns {
		cols[c] = true
	}
	for _, m := range s.Mappings {
		if !bundle.Has(b, m.BundleAttrName) {
			return &MappingError{
				Attr: m.BundleAttrName,
				Msg:  fmt.Sprintf("bundle %q has no such attribute", b.ModelName()),
			}
		}
		for _, col := range m.DataColumnNames {
			if !cols[col] {
				return &MappingError{
					Attr: m.BundleAttrName,
					Msg:  fmt.Sprintf("evidence column %q does not exist", col),
				}
			}
		}
	}
	return nil
}

// UpdateConfigBundle reads each mapping's columns from one experiment's row,
// coerces to the declared type and assigns into the bundle attribute,
// overwriting any default. Multi-column array values concatenate along the
// stacking axis: for serial bundles the columns become successive dimensions
// in original order; otherwise the result is transposed so axis 0 indexes
// subjects.
func (s *Spec) UpdateConfigBundle(b bundle.Bundle, row evidence.Row) error {
	for _, m := range s.Mappings {
		var value any

		switch m.DataType {
		case TypeArray:
			mat := make(bundle.Matrix, 0, len(m.DataColumnNames))
			width := -1
			for _, col := range m.DataColumnNames {
				arr, err := row.FloatArray(col)
				if err != nil {
					return fmt.Errorf("experiment %q: %w", row.ExperimentID(), err)
				}
				if width >= 0 && len(arr) != width {
					return fmt.Errorf("experiment %q: column %q has length %d, want %d to stack into %q",
						row.ExperimentID(), col, len(arr), width, m.BundleAttrName)
				}
				width = len(arr)
				mat = append(mat, arr)
			}
			if !b.Serial() {
				mat = mat.Transpose()
			}
			value = mat
		case TypeInt:
			n, err := row.Int(m.DataColumnNames[0])
			if err != nil {
				return fmt.Errorf("experiment %q: %w", row.ExperimentID(), err)
			}
			value = n
		case TypeFloat:
			f, err := row.Float(m.DataColumnNames[0])
			if err != nil {
				return fmt.Errorf("experiment %q: %w", row.ExperimentID(), err)
			}
			value = f
		default:
			return &MappingError{Attr: m.BundleAttrName, Msg: fmt.Sprintf("unknown data_type %q", m.DataType)}
		}

		if err := bundle.Set(b, m.BundleAttrName, value); err != nil {
			return fmt.Errorf("experiment %q: %w", row.ExperimentID(), err)
		}
	}
	return nil
}
