package cellcycle

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/hhaiyu/singleCellSeq/internal/expr"
	"github.com/hhaiyu/singleCellSeq/internal/norm"
	"github.com/hhaiyu/singleCellSeq/internal/zscore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var sixCells = []string{"c1", "c2", "c3", "c4", "c5", "c6"}

// anticorrelatedCounts holds two genes that track the phase average and one
// that runs against it.
func anticorrelatedCounts(t *testing.T) *expr.Matrix {
	t.Helper()
	m, err := expr.FromRows(
		[]string{"g1", "g2", "g3", "x1", "flat"},
		sixCells,
		[][]float64{
			{10, 20, 30, 40, 50, 60},
			{20, 40, 60, 80, 100, 120},
			{60, 50, 40, 30, 20, 10},
			{100, 90, 120, 80, 110, 95},
			{5, 5, 5, 5, 5, 5},
		},
	)
	require.NoError(t, err)
	return m
}

// fivePhaseCounts gives each phase a marker gene that is ten times higher in
// two cells and four companions with a milder bump in the same cells. The
// companions carry their own wiggle so no two genes are proportional. Cell c
// peaks in Phases[c/2].
func fivePhaseCounts(t *testing.T) (*expr.Matrix, GeneSets) {
	t.Helper()
	const nCells = 10
	cells := make([]string, nCells)
	for c := range cells {
		cells[c] = fmt.Sprintf("cell%d", c)
	}
	var (
		genes []string
		rows  [][]float64
		sets  = GeneSets{}
	)
	for p, phase := range Phases {
		marker := make([]float64, nCells)
		for c := range marker {
			marker[c] = 100
			if c/2 == p {
				marker[c] = 1000
			}
		}
		name := fmt.Sprintf("p%d_marker", p)
		genes = append(genes, name)
		rows = append(rows, marker)
		sets[phase] = append(sets[phase], name)

		for i := 1; i <= 4; i++ {
			row := make([]float64, nCells)
			for c := range row {
				bump := 1.0
				if c/2 == p {
					bump = 1.2
				}
				row[c] = 100 * bump * (1 + 0.05*math.Sin(1.7*float64(c)+1.3*float64(i)+0.9*float64(p)))
			}
			name := fmt.Sprintf("p%d_c%d", p, i)
			genes = append(genes, name)
			rows = append(rows, row)
			sets[phase] = append(sets[phase], name)
		}
		sets[phase] = append(sets[phase], "not_in_matrix")
	}
	m, err := expr.FromRows(genes, cells, rows)
	require.NoError(t, err)
	return m, sets
}

func TestParsePhase(t *testing.T) {
	cases := map[string]Phase{
		"G1/S": G1S, "g1.s": G1S, "S": S, "G2.M": G2M, "m": M, "M.G1": MG1, " M/G1 ": MG1,
	}
	for in, want := range cases {
		got, err := ParsePhase(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePhase("G0")
	assert.Error(t, err)
	assert.Equal(t, 2, G2M.Index())
}

func TestGeneSetsClean(t *testing.T) {
	g := GeneSets{S: {"a", "", "b", "a", "  "}}
	assert.Equal(t, []string{"a", "b"}, g.Clean()[S])
}

func TestScorePhase_ExcludesAnticorrelatedGene(t *testing.T) {
	counts := anticorrelatedCounts(t)
	scorer := NewScorer(DefaultOptions())

	res, scores := scorer.ScorePhase(counts, S, []string{"g1", "g2", "g3", "missing"})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"g1", "g2", "g3"}, res.Matched)
	assert.Equal(t, []string{"g1", "g2"}, res.Kept)
	assert.InDelta(t, 1, res.Correlations["g1"], 1e-12)
	assert.InDelta(t, -1, res.Correlations["g3"], 1e-12)
	require.Len(t, scores, 6)

	// Scores come from the two kept genes only, normalised against the
	// library sizes of the full matrix.
	lib := counts.ColSums()
	kept, err := counts.SubsetRows([]string{"g1", "g2"})
	require.NoError(t, err)
	f, err := norm.TMM(kept.Dense(), lib, norm.DefaultTMMOptions())
	require.NoError(t, err)
	assert.Equal(t, f, res.Factors)
	logCPM, err := norm.LogCPM(kept.Dense(), lib, f, 2)
	require.NoError(t, err)
	for j := range scores {
		want := (logCPM.At(0, j) + logCPM.At(1, j)) / 2
		assert.InDelta(t, want, scores[j], 1e-12)
	}
}

func TestScorePhase_EmptyStages(t *testing.T) {
	counts := anticorrelatedCounts(t)
	scorer := NewScorer(DefaultOptions())

	res, _ := scorer.ScorePhase(counts, M, []string{"nope"})
	var eg *EmptyGeneSetError
	require.True(t, errors.As(res.Err, &eg))
	assert.Equal(t, StageMatch, eg.Stage)
	assert.Equal(t, M, eg.Phase)

	res, _ = scorer.ScorePhase(counts, G2M, []string{"flat"})
	require.True(t, errors.As(res.Err, &eg))
	assert.Equal(t, StageCorrelation, eg.Stage)
	assert.ErrorIs(t, res.Err, ErrEmptyGeneSet)
}

func TestFilterByCorrelation_FixedPoint(t *testing.T) {
	counts := anticorrelatedCounts(t)
	sub, err := counts.SubsetRows([]string{"g1", "g2", "g3"})
	require.NoError(t, err)

	kept, _ := FilterByCorrelation(sub, 0.3)
	require.Equal(t, []string{"g1", "g2"}, kept)
	again, err := sub.SubsetRows(kept)
	require.NoError(t, err)
	kept2, _ := FilterByCorrelation(again, 0.3)
	assert.Equal(t, kept, kept2)
}

func TestConverge_ReachesFixedPoint(t *testing.T) {
	counts := anticorrelatedCounts(t)
	// x1 is weakly related to the four-gene average but not to the average
	// of the genes that survive, so a single pass is not yet stable.
	sub, err := counts.SubsetRows([]string{"g1", "g2", "g3", "x1"})
	require.NoError(t, err)

	fixed, rounds, converged := Converge(sub, 0.3, 10)
	require.True(t, converged)
	assert.Equal(t, []string{"g1", "g2"}, fixed)
	assert.GreaterOrEqual(t, rounds, 2)

	fixedSub, err := sub.SubsetRows(fixed)
	require.NoError(t, err)
	refiltered, _ := FilterByCorrelation(fixedSub, 0.3)
	assert.Equal(t, fixed, refiltered)
}

func TestRefine_StopsWhenStable(t *testing.T) {
	counts := anticorrelatedCounts(t)
	sub, err := counts.SubsetRows([]string{"g1", "g2", "g3"})
	require.NoError(t, err)

	kept, _, rounds := Refine(sub, 0.3, 5)
	assert.Equal(t, []string{"g1", "g2"}, kept)
	assert.Equal(t, 2, rounds)

	kept, _, rounds = Refine(sub, 0.3, 1)
	assert.Equal(t, []string{"g1", "g2"}, kept)
	assert.Equal(t, 1, rounds)
}

func TestScore_Shape(t *testing.T) {
	counts, sets := fivePhaseCounts(t)
	scores, err := NewScorer(DefaultOptions()).Score(counts, sets)
	require.NoError(t, err)

	r, c := scores.Values.Dims()
	assert.Equal(t, 10, r)
	assert.Equal(t, 5, c)
	assert.Equal(t, counts.ColNames(), scores.Cells)
	for k, d := range scores.Detail {
		assert.Equal(t, Phases[k], d.Phase)
		assert.Len(t, d.Kept, 5)
	}

	// Each phase score is highest in the two cells where its marker peaks.
	for k := range Phases {
		col := mat.Col(nil, k, scores.Values)
		for cell, v := range col {
			if cell/2 == k {
				continue
			}
			assert.Greater(t, col[2*k], v+0.3, "phase %s cell %d", Phases[k], cell)
			assert.Greater(t, col[2*k+1], v+0.3, "phase %s cell %d", Phases[k], cell)
		}
	}
}

func TestScore_ReportsEveryFailedPhase(t *testing.T) {
	counts, sets := fivePhaseCounts(t)
	sets[S] = []string{"missing"}
	sets[M] = nil

	scores, err := NewScorer(DefaultOptions()).Score(counts, sets)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyGeneSet)
	assert.Contains(t, err.Error(), "phase S:")
	assert.Contains(t, err.Error(), "phase M:")

	r, _ := scores.Values.Dims()
	for i := 0; i < r; i++ {
		assert.True(t, math.IsNaN(scores.Values.At(i, S.Index())))
		assert.True(t, math.IsNaN(scores.Values.At(i, M.Index())))
		assert.False(t, math.IsNaN(scores.Values.At(i, G1S.Index())))
	}
}

func TestNormalize_RowsStandardized(t *testing.T) {
	values := mat.NewDense(4, 5, []float64{
		1, 2, 3, 4, 5.5,
		2, 1, 5, 3, 4,
		3, 5, 1, 2, 2,
		4, 3, 2, 5, 1,
	})
	scores, err := NewScores([]string{"a", "b", "c", "d"}, values)
	require.NoError(t, err)

	n, err := Normalize(scores, 0)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		mean, sd := stat.MeanStdDev(mat.Row(nil, i, n.Values), nil)
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, sd, 1e-9)
	}
	for j := 0; j < 5; j++ {
		mean, sd := stat.MeanStdDev(mat.Col(nil, j, n.ByPhase), nil)
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, sd, 1e-9)
	}
}

func TestNormalize_ConstantPhase(t *testing.T) {
	values := mat.NewDense(3, 5, []float64{
		1, 2, 7, 4, 5,
		2, 1, 7, 3, 4,
		3, 5, 7, 2, 2,
	})
	scores, err := NewScores([]string{"a", "b", "c"}, values)
	require.NoError(t, err)

	_, err = Normalize(scores, 0)
	require.Error(t, err)
	var dv *zscore.DegenerateVarianceError
	require.True(t, errors.As(err, &dv))
	assert.Equal(t, zscore.ByColumn, dv.Axis)
	assert.Equal(t, string(G2M), dv.Label)
}

func TestAssign_TiesAndNaN(t *testing.T) {
	n := &Normalized{
		Cells:  []string{"a", "b", "c"},
		Phases: Phases,
		Values: mat.NewDense(3, 5, []float64{
			0.5, 0.5, -1, 0, 0,
			0, 0, 0, 2, 2,
			-1, -1, 3, 0, -1,
		}),
	}
	labels, err := Assign(n)
	require.NoError(t, err)
	assert.Equal(t, []Phase{G1S, M, G2M}, labels)

	n.Values.Set(1, 3, math.NaN())
	_, err = Assign(n)
	assert.Error(t, err)
}

func TestAssignPhases_Total(t *testing.T) {
	counts, sets := fivePhaseCounts(t)
	a, err := NewScorer(DefaultOptions()).AssignPhases(counts, sets)
	require.NoError(t, err)
	require.Len(t, a.Labels, 10)
	for c, l := range a.Labels {
		assert.Equal(t, Phases[c/2], l, "cell%d", c)
	}
	total := 0
	for _, phase := range Phases {
		assert.Equal(t, 2, a.Counts()[phase], "phase %s", phase)
	}
	for _, n := range a.Counts() {
		total += n
	}
	assert.Equal(t, 10, total)
}

func TestNewScores_Shape(t *testing.T) {
	_, err := NewScores([]string{"a"}, mat.NewDense(1, 4, nil))
	assert.ErrorIs(t, err, expr.ErrInputShape)
}
