// Package evidence loads and queries the tabular evidence file backing the
// inference runs. The CSV is read once into an immutable columnar table; rows
// are keyed by experiment id and never mutated afterwards.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/csv"

	"github.com/psoares-cs/coordination/internal/constants"
)

// Table is an immutable view over the evidence CSV. The first column of the
// file is a row index and is ignored; every other column is addressable by
// its header name.
type Table struct {
	rec     arrow.Record
	colIdx  map[string]int
	rowByID map[string]int
	ids     []string
}

// Load reads the evidence CSV at path. It fails if the file is missing or if
// the experiment id column is absent.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening evidence file: %w", err)
	}
	defer f.Close()

	// A single chunk holds the whole file; evidence tables are one row per
	// experiment and comfortably fit in memory.
	rdr := csv.NewInferringReader(f,
		csv.WithHeader(true),
		csv.WithChunk(-1),
		csv.WithNullReader(true, ""),
	)
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, fmt.Errorf("reading evidence file: %w", err)
		}
		return nil, fmt.Errorf("evidence file %s has no data rows", path)
	}
	rec := rdr.Record()
	rec.Retain()

	t := &Table{
		rec:     rec,
		colIdx:  make(map[string]int),
		rowByID: make(map[string]int),
	}
	for i, field := range rec.Schema().Fields() {
		t.colIdx[field.Name] = i
	}

	idCol, ok := t.colIdx[constants.ExperimentIDColumn]
	if !ok {
		rec.Release()
		return nil, fmt.Errorf("evidence file %s has no %s column", path, constants.ExperimentIDColumn)
	}

	ids, ok := rec.Column(idCol).(*array.String)
	if !ok {
		rec.Release()
		return nil, fmt.Errorf("%s column must hold strings, got %s",
			constants.ExperimentIDColumn, rec.Column(idCol).DataType())
	}
	for i := 0; i < ids.Len(); i++ {
		id := ids.Value(i)
		// Only the first row per experiment id is used; duplicates are
		// not supported and silently shadowed.
		if _, seen := t.rowByID[id]; !seen {
			t.rowByID[id] = i
			t.ids = append(t.ids, id)
		}
	}

	return t, nil
}

// Release frees the underlying columnar buffers. The table must not be used
// afterwards.
func (t *Table) Release() {
	if t.rec != nil {
		t.rec.Release()
		t.rec = nil
	}
}

// Len returns the number of distinct experiments in the table.
func (t *Table) Len() int { return len(t.ids) }

// Columns returns the header names of the table, sorted.
func (t *Table) Columns() []string {
	cols := make([]string, 0, len(t.colIdx))
	for name := range t.colIdx {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

// HasColumn reports whether a column with the given header exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.colIdx[name]
	return ok
}

// ExperimentIDs returns the distinct experiment ids in file order.
func (t *Table) ExperimentIDs() []string {
	out := make([]string, len(t.ids))
	copy(out, t.ids)
	return out
}

// Row returns the first row recorded for the given experiment id.
func (t *Table) Row(experimentID string) (Row, bool) {
	idx, ok := t.rowByID[experimentID]
	if !ok {
		return Row{}, false
	}
	return Row{table: t, idx: idx, id: experimentID}, true
}

// Row is a typed view over one experiment's evidence.
type Row struct {
	table *Table
	idx   int
	id    string
}

// ExperimentID returns the id this row belongs to.
func (r Row) ExperimentID() string { return r.id }

// value extracts the raw cell for a column, converted to string, int64,
// float64 or bool depending on the inferred column type.
func (r Row) value(col string) (any, error) {
	ci, ok := r.table.colIdx[col]
	if !ok {
		return nil, fmt.Errorf("evidence column %q does not exist", col)
	}
	arr := r.table.rec.Column(ci)
	if arr.IsNull(r.idx) {
		return nil, fmt.Errorf("evidence column %q is null for experiment %q", col, r.id)
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(r.idx), nil
	case *array.Int64:
		return a.Value(r.idx), nil
	case *array.Float64:
		return a.Value(r.idx), nil
	case *array.Boolean:
		return a.Value(r.idx), nil
	default:
		return nil, fmt.Errorf("evidence column %q has unsupported type %s", col, arr.DataType())
	}
}

// String returns a string cell.
func (r Row) String(col string) (string, error) {
	v, err := r.value(col)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("evidence column %q is not a string (got %T)", col, v)
	}
	return s, nil
}

// Int returns an integer cell. Float cells are accepted when integral.
func (r Row) Int(col string) (int, error) {
	v, err := r.value(col)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("evidence column %q holds non-integral value %v", col, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("evidence column %q is not numeric (got %T)", col, v)
	}
}

// Float returns a floating-point cell.
func (r Row) Float(col string) (float64, error) {
	v, err := r.value(col)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("evidence column %q is not numeric (got %T)", col, v)
	}
}

// FloatArray returns an array cell. Array cells are stored as JSON lists
// (e.g. "[0.1, 0.2]"); a bare numeric cell is treated as a single-element
// array.
func (r Row) FloatArray(col string) ([]float64, error) {
	v, err := r.value(col)
	if err != nil {
		return nil, err
	}
	switch n := v.(type) {
	case int64:
		return []float64{float64(n)}, nil
	case float64:
		return []float64{n}, nil
	case string:
		var out []float64
		if err := json.Unmarshal([]byte(n), &out); err != nil {
			return nil, fmt.Errorf("evidence column %q is not a JSON number array: %w", col, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("evidence column %q cannot be read as an array (got %T)", col, v)
	}
}
