// Package bundle defines the model configuration bundles: the full set of
// hyperparameters and data required to instantiate one model run.
//
// Each model variant declares a struct whose settable attributes are exposed
// through `bundle:"..."` tags. Attribute updates go through a schema that is
// statically derived from the struct, so unknown keys are rejected during
// validation instead of failing deep inside a sampling run.
package bundle

// Bundle is a mutable named-field record holding model hyperparameters and
// data. Implementations are plain structs; field access goes through the
// schema helpers in this package.
type Bundle interface {
	// ModelName identifies the model variant this bundle configures.
	ModelName() string

	// Serial reports whether the model treats mapped data as one
	// multi-dimensional serial observation (mapped columns become successive
	// dimensions, in order). Non-serial models treat data as channels of
	// independent per-subject scalars, with subjects on axis 0.
	Serial() bool
}

// Matrix is a dense 2-D float array, indexed [row][column]. Mapped array
// attributes always arrive as matrices: one row per source column for serial
// models, one row per subject after transposition otherwise.
type Matrix [][]float64

// Rows returns the outer dimension.
func (m Matrix) Rows() int { return len(m) }

// Cols returns the inner dimension, assuming a rectangular matrix.
func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Transpose returns a new matrix with rows and columns swapped.
func (m Matrix) Transpose() Matrix {
	if len(m) == 0 {
		return nil
	}
	out := make(Matrix, m.Cols())
	for j := range out {
		out[j] = make([]float64, len(m))
		for i := range m {
			out[j][i] = m[i][j]
		}
	}
	return out
}
