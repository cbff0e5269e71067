// Package expr provides labelled expression matrices (genes × samples).
package expr

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"
)

// ErrInputShape is returned when matrix labels or dimensions do not line up.
var ErrInputShape = errors.New("input shape mismatch")

// ShapeError describes a label or dimension mismatch.
type ShapeError struct {
	What   string
	Detail string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInputShape, e.What, e.Detail)
}

func (e *ShapeError) Unwrap() error { return ErrInputShape }

func shapeErrorf(what, format string, args ...any) error {
	return &ShapeError{What: what, Detail: fmt.Sprintf(format, args...)}
}

// Matrix is a dense matrix with unique row and column labels.
// Rows are genes and columns are samples unless stated otherwise.
type Matrix struct {
	rows   []string
	cols   []string
	rowIdx map[string]int
	colIdx map[string]int
	data   *mat.Dense
}

// NewMatrix validates labels against data and builds a Matrix.
// The Matrix takes ownership of data; callers must not modify it afterwards.
func NewMatrix(rows, cols []string, data *mat.Dense) (*Matrix, error) {
	if data == nil {
		return nil, shapeErrorf("matrix", "nil data")
	}
	r, c := data.Dims()
	if r != len(rows) || c != len(cols) {
		return nil, shapeErrorf("matrix", "data is %dx%d but labels are %dx%d", r, c, len(rows), len(cols))
	}
	if dups := lo.FindDuplicates(rows); len(dups) > 0 {
		return nil, shapeErrorf("row labels", "duplicates %v", dups)
	}
	if dups := lo.FindDuplicates(cols); len(dups) > 0 {
		return nil, shapeErrorf("column labels", "duplicates %v", dups)
	}
	return &Matrix{
		rows:   append([]string(nil), rows...),
		cols:   append([]string(nil), cols...),
		rowIdx: indexOf(rows),
		colIdx: indexOf(cols),
		data:   data,
	}, nil
}

// FromRows builds a Matrix from row-major values.
func FromRows(rows, cols []string, values [][]float64) (*Matrix, error) {
	if len(values) != len(rows) {
		return nil, shapeErrorf("matrix", "%d value rows for %d row labels", len(values), len(rows))
	}
	if len(rows) == 0 || len(cols) == 0 {
		return nil, shapeErrorf("matrix", "empty matrix (%dx%d)", len(rows), len(cols))
	}
	flat := make([]float64, 0, len(rows)*len(cols))
	for i, v := range values {
		if len(v) != len(cols) {
			return nil, shapeErrorf("matrix", "row %q has %d values, want %d", rows[i], len(v), len(cols))
		}
		flat = append(flat, v...)
	}
	return NewMatrix(rows, cols, mat.NewDense(len(rows), len(cols), flat))
}

func indexOf(labels []string) map[string]int {
	m := make(map[string]int, len(labels))
	for i, l := range labels {
		m[l] = i
	}
	return m
}

// Dims returns the number of rows and columns.
func (m *Matrix) Dims() (int, int) { return len(m.rows), len(m.cols) }

// RowNames returns a copy of the row labels.
func (m *Matrix) RowNames() []string { return append([]string(nil), m.rows...) }

// ColNames returns a copy of the column labels.
func (m *Matrix) ColNames() []string { return append([]string(nil), m.cols...) }

// RowIndex returns the position of a row label.
func (m *Matrix) RowIndex(name string) (int, bool) {
	i, ok := m.rowIdx[name]
	return i, ok
}

// ColIndex returns the position of a column label.
func (m *Matrix) ColIndex(name string) (int, bool) {
	i, ok := m.colIdx[name]
	return i, ok
}

// At returns the value at row i, column j.
func (m *Matrix) At(i, j int) float64 { return m.data.At(i, j) }

// Dense exposes the underlying data read-only.
func (m *Matrix) Dense() mat.Matrix { return m.data }

// Row returns a copy of row i.
func (m *Matrix) Row(i int) []float64 {
	return mat.Row(nil, i, m.data)
}

// Col returns a copy of column j.
func (m *Matrix) Col(j int) []float64 {
	return mat.Col(nil, j, m.data)
}

// ColSums returns the per-column totals.
func (m *Matrix) ColSums() []float64 {
	r, c := m.data.Dims()
	sums := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sums[j] += m.data.At(i, j)
		}
	}
	return sums
}

// Transpose returns a new Matrix with rows and columns swapped.
func (m *Matrix) Transpose() *Matrix {
	t := mat.DenseCopyOf(m.data.T())
	out, _ := NewMatrix(m.cols, m.rows, t)
	return out
}

// SubsetRows returns a new Matrix holding the named rows in the given order.
func (m *Matrix) SubsetRows(names []string) (*Matrix, error) {
	idx, err := m.lookup(m.rowIdx, names, "rows")
	if err != nil {
		return nil, err
	}
	_, c := m.data.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for k, i := range idx {
		out.SetRow(k, mat.Row(nil, i, m.data))
	}
	return NewMatrix(names, m.cols, out)
}

// SubsetCols returns a new Matrix holding the named columns in the given order.
func (m *Matrix) SubsetCols(names []string) (*Matrix, error) {
	idx, err := m.lookup(m.colIdx, names, "columns")
	if err != nil {
		return nil, err
	}
	r, _ := m.data.Dims()
	out := mat.NewDense(r, len(idx), nil)
	for k, j := range idx {
		out.SetCol(k, mat.Col(nil, j, m.data))
	}
	return NewMatrix(m.rows, names, out)
}

// SelectCols returns the column positions as a new Matrix, in order.
// Positions must be in range and distinct.
func (m *Matrix) SelectCols(positions []int) (*Matrix, error) {
	if len(positions) == 0 {
		return nil, shapeErrorf("columns", "empty selection")
	}
	r, c := m.data.Dims()
	names := make([]string, len(positions))
	for k, j := range positions {
		if j < 0 || j >= c {
			return nil, shapeErrorf("columns", "position %d out of range [0, %d)", j, c)
		}
		names[k] = m.cols[j]
	}
	out := mat.NewDense(r, len(positions), nil)
	for k, j := range positions {
		out.SetCol(k, mat.Col(nil, j, m.data))
	}
	return NewMatrix(m.rows, names, out)
}

// FilterRows keeps rows for which keep returns true.
func (m *Matrix) FilterRows(keep func(name string) bool) (*Matrix, error) {
	return m.SubsetRows(lo.Filter(m.rows, func(name string, _ int) bool { return keep(name) }))
}

// FilterCols keeps columns for which keep returns true.
func (m *Matrix) FilterCols(keep func(name string) bool) (*Matrix, error) {
	return m.SubsetCols(lo.Filter(m.cols, func(name string, _ int) bool { return keep(name) }))
}

func (m *Matrix) lookup(index map[string]int, names []string, what string) ([]int, error) {
	if len(names) == 0 {
		return nil, shapeErrorf(what, "empty selection")
	}
	idx := make([]int, len(names))
	for k, n := range names {
		i, ok := index[n]
		if !ok {
			return nil, shapeErrorf(what, "unknown label %q", n)
		}
		idx[k] = i
	}
	return idx, nil
}

// CheckLabels verifies that got lists exactly the labels in want, in the same order.
func CheckLabels(what string, want, got []string) error {
	if len(want) != len(got) {
		return shapeErrorf(what, "%d labels, want %d", len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			return shapeErrorf(what, "label %d is %q, want %q", i, got[i], want[i])
		}
	}
	return nil
}
