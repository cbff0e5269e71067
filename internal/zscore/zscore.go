// Package zscore standardises numeric tables along rows or columns.
package zscore

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Axis selects the direction along which values are standardised.
type Axis int

const (
	// ByColumn standardises each column across its rows.
	ByColumn Axis = iota
	// ByRow standardises each row across its columns.
	ByRow
)

func (a Axis) String() string {
	switch a {
	case ByColumn:
		return "column"
	case ByRow:
		return "row"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// DefaultTolerance is the standard deviation at or below which a slice is
// treated as having no variance.
const DefaultTolerance = 1e-12

// ErrDegenerateVariance is returned when a slice has zero, near-zero or
// undefined standard deviation.
var ErrDegenerateVariance = errors.New("degenerate variance")

// DegenerateVarianceError identifies the slice that could not be standardised.
type DegenerateVarianceError struct {
	Axis   Axis
	Index  int
	Label  string
	StdDev float64
}

func (e *DegenerateVarianceError) Error() string {
	name := fmt.Sprintf("%s %d", e.Axis, e.Index)
	if e.Label != "" {
		name = fmt.Sprintf("%s %q", e.Axis, e.Label)
	}
	return fmt.Sprintf("%s: %s has standard deviation %g", ErrDegenerateVariance, name, e.StdDev)
}

func (e *DegenerateVarianceError) Unwrap() error { return ErrDegenerateVariance }

// Standardize returns a copy of m where every slice along axis has mean 0 and
// sample standard deviation 1. labels optionally names the slices for errors.
// tol <= 0 selects DefaultTolerance.
func Standardize(m mat.Matrix, axis Axis, tol float64, labels []string) (*mat.Dense, error) {
	if tol <= 0 {
		tol = DefaultTolerance
	}
	r, c := m.Dims()
	out := mat.DenseCopyOf(m)

	n := c
	if axis == ByRow {
		n = r
	}
	for k := 0; k < n; k++ {
		var v []float64
		if axis == ByColumn {
			v = mat.Col(nil, k, out)
		} else {
			v = mat.Row(nil, k, out)
		}
		if err := standardizeInPlace(v, tol); err != nil {
			dv := err.(*DegenerateVarianceError)
			dv.Axis, dv.Index = axis, k
			if k < len(labels) {
				dv.Label = labels[k]
			}
			return nil, dv
		}
		if axis == ByColumn {
			out.SetCol(k, v)
		} else {
			out.SetRow(k, v)
		}
	}
	return out, nil
}

// Vector standardises a single slice of values and returns a new slice.
func Vector(v []float64, tol float64) ([]float64, error) {
	if tol <= 0 {
		tol = DefaultTolerance
	}
	out := append([]float64(nil), v...)
	if err := standardizeInPlace(out, tol); err != nil {
		return nil, err
	}
	return out, nil
}

func standardizeInPlace(v []float64, tol float64) error {
	if len(v) < 2 {
		return &DegenerateVarianceError{StdDev: math.NaN()}
	}
	mean, sd := stat.MeanStdDev(v, nil)
	if math.IsNaN(sd) || math.IsInf(sd, 0) || math.IsNaN(mean) || math.IsInf(mean, 0) || sd <= tol {
		return &DegenerateVarianceError{StdDev: sd}
	}
	for i := range v {
		v[i] = (v[i] - mean) / sd
	}
	return nil
}
