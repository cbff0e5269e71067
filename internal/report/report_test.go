package report

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hhaiyu/singleCellSeq/internal/cellcycle"
	"github.com/hhaiyu/singleCellSeq/internal/cvcompare"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/mat"
)

func sampleResult() *cvcompare.Result {
	return &cvcompare.Result{
		Point: &cvcompare.Estimate{
			Genes:        []string{"ENSG01", "ENSG02"},
			Groups:       []string{"NA19098", "NA19101"},
			Mean:         [][]float64{{10, 20}, {11, 21}},
			Standardized: [][]float64{{0.7, -0.7}, {-0.7, 0.7}},
			SSM:          []float64{0.98, math.NaN()},
			SAM:          []float64{1.4, 1.4},
		},
		SSMInterval:    []cvcompare.Interval{{Lower: 0, Upper: 0.5}, {Lower: 0, Upper: 2}},
		SAMInterval:    []cvcompare.Interval{{Lower: 0, Upper: 1}, {Lower: 0, Upper: 2}},
		SSMSignificant: []bool{true, false},
		SAMSignificant: []bool{true, false},
	}
}

func sampleAssignment(t *testing.T) *cellcycle.Assignment {
	t.Helper()
	values := mat.NewDense(2, 5, []float64{
		1, 2, 3, 4, 5,
		5, 4, 3, 2, 1,
	})
	scores, err := cellcycle.NewScores([]string{"c1", "c2"}, values)
	require.NoError(t, err)
	scores.Detail = []cellcycle.PhaseResult{{
		Phase:        cellcycle.S,
		Matched:      []string{"g1", "g2"},
		Kept:         []string{"g1"},
		Correlations: map[string]float64{"g1": 0.9, "g2": 0.1},
	}}
	return &cellcycle.Assignment{
		Scores: scores,
		Labels: []cellcycle.Phase{cellcycle.MG1, cellcycle.G1S},
	}
}

func TestCVTable_TSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTSV(&buf, CVTable(sampleResult())))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "gene\tmean_NA19098\tmean_NA19101\tz_NA19098\tz_NA19101\t"+
		"ssm\tssm_lower\tssm_upper\tssm_significant\tsam\tsam_lower\tsam_upper\tsam_significant", lines[0])
	assert.Equal(t, "ENSG01\t10\t11\t0.7\t-0.7\t0.98\t0\t0.5\tTRUE\t1.4\t0\t1\tTRUE", lines[1])
	assert.Contains(t, lines[2], "\tNA\t")
}

func TestPhaseTables(t *testing.T) {
	tables := PhaseTables(sampleAssignment(t))
	require.Len(t, tables, 3)
	assert.Equal(t, "phase_scores", tables[0].Name)
	assert.Equal(t, []string{"sample_id", "G1/S", "S", "G2/M", "M", "M/G1"}, tables[0].Header)
	assert.Equal(t, "phase_genes", tables[1].Name)
	assert.Equal(t, []any{"S", "g2", 0.1, false}, tables[1].Rows[1])
	assert.Equal(t, []any{"c1", "M/G1"}, tables[2].Rows[0])
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xlsx")
	tables := append(PhaseTables(sampleAssignment(t)), CVTable(sampleResult()))
	require.NoError(t, WriteXLSX(path, tables...))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"phase_scores", "phase_genes", "phase_assignment", "cv_comparison"}, f.GetSheetList())
	rows, err := f.GetRows("cv_comparison")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ENSG02", rows[2][0])
	assert.Equal(t, "NA", rows[2][5])
}
