package cellcycle

import (
	"fmt"
	"math"

	"github.com/hhaiyu/singleCellSeq/internal/expr"
	"github.com/hhaiyu/singleCellSeq/internal/zscore"
	"gonum.org/v1/gonum/mat"
)

// Normalized holds the two standardisation passes over a score matrix.
type Normalized struct {
	Cells   []string
	Phases  []Phase
	ByPhase *mat.Dense // after the column pass
	Values  *mat.Dense // after the column then row pass
}

// Normalize standardises the scores by phase and then by cell so that the
// phases of one cell are comparable.
func Normalize(s *Scores, tol float64) (*Normalized, error) {
	labels := phaseLabels(s.Phases)
	byPhase, err := zscore.Standardize(s.Values, zscore.ByColumn, tol, labels)
	if err != nil {
		return nil, fmt.Errorf("normalize by phase: %w", err)
	}
	byCell, err := zscore.Standardize(byPhase, zscore.ByRow, tol, s.Cells)
	if err != nil {
		return nil, fmt.Errorf("normalize by cell: %w", err)
	}
	return &Normalized{
		Cells:   append([]string(nil), s.Cells...),
		Phases:  append([]Phase(nil), s.Phases...),
		ByPhase: byPhase,
		Values:  byCell,
	}, nil
}

// Assign picks the highest-scoring phase of every cell. Ties go to the phase
// listed first.
func Assign(n *Normalized) ([]Phase, error) {
	rows, cols := n.Values.Dims()
	if cols != len(n.Phases) {
		return nil, &expr.ShapeError{What: "normalized scores", Detail: fmt.Sprintf("%d columns for %d phases", cols, len(n.Phases))}
	}
	out := make([]Phase, rows)
	for i := 0; i < rows; i++ {
		best := -1
		bestVal := math.Inf(-1)
		for j := 0; j < cols; j++ {
			v := n.Values.At(i, j)
			if math.IsNaN(v) {
				return nil, fmt.Errorf("cell %q: undefined score for phase %s", n.Cells[i], n.Phases[j])
			}
			if best < 0 || v > bestVal {
				best, bestVal = j, v
			}
		}
		out[i] = n.Phases[best]
	}
	return out, nil
}

// Assignment bundles every stage of phase assignment.
type Assignment struct {
	Scores     *Scores
	Normalized *Normalized
	Labels     []Phase
}

// AssignPhases scores, normalises and assigns in one call.
func (s *Scorer) AssignPhases(counts *expr.Matrix, sets GeneSets) (*Assignment, error) {
	scores, err := s.Score(counts, sets)
	if err != nil {
		return &Assignment{Scores: scores}, err
	}
	normalized, err := Normalize(scores, 0)
	if err != nil {
		return &Assignment{Scores: scores}, err
	}
	labels, err := Assign(normalized)
	if err != nil {
		return &Assignment{Scores: scores, Normalized: normalized}, err
	}
	return &Assignment{Scores: scores, Normalized: normalized, Labels: labels}, nil
}

// Counts returns how many cells were assigned to each phase.
func (a *Assignment) Counts() map[Phase]int {
	out := make(map[Phase]int, len(Phases))
	for _, p := range a.Labels {
		out[p]++
	}
	return out
}

// NewScores wraps a precomputed cells × phases matrix.
func NewScores(cells []string, values *mat.Dense) (*Scores, error) {
	r, c := values.Dims()
	if r != len(cells) || c != len(Phases) {
		return nil, &expr.ShapeError{What: "phase scores", Detail: fmt.Sprintf("matrix is %dx%d for %d cells and %d phases", r, c, len(cells), len(Phases))}
	}
	return &Scores{
		Cells:  append([]string(nil), cells...),
		Phases: append([]Phase(nil), Phases...),
		Values: values,
	}, nil
}

func phaseLabels(ps []Phase) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
