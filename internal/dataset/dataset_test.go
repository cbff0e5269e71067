package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hhaiyu/singleCellSeq/internal/cellcycle"
	"github.com/hhaiyu/singleCellSeq/internal/config"
	"github.com/hhaiyu/singleCellSeq/internal/data/table"
	"github.com/hhaiyu/singleCellSeq/internal/expr"
	"github.com/hhaiyu/singleCellSeq/internal/norm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

const (
	counts = "" +
		"NA19098.r1.A01\tNA19098.r1.A02\tNA19101.r1.A01\tNA19101.r1.A02\n" +
		"ENSG01\t1\t2\t3\t4\n" +
		"ENSG02\t5\t6\t7\t8\n" +
		"ERCC-00002\t9\t9\t9\t9\n"
	annotation = "" +
		"individual\treplicate\tsample_id\n" +
		"NA19101\tr1\tNA19101.r1.A02\n" +
		"NA19098\tr1\tNA19098.r1.A01\n" +
		"NA19098\tr1\tNA19098.r1.A02\n" +
		"NA19101\tr1\tNA19101.r1.A01\n"
	qc      = "NA19098.r1.A01\nNA19101.r1.A01\nNA19101.r1.A02\n"
	geneSet = "G1.S,S,G2.M,M,M.G1\nENSG01,ENSG02,ENSG01,ENSG02,ENSG01\n"
)

func TestExcludePrefixes(t *testing.T) {
	keep := ExcludePrefixes([]string{"ERCC-", ""})
	assert.False(t, keep("ERCC-00002"))
	assert.True(t, keep("ENSG00000000003"))
	// substring matches elsewhere in the id are kept
	assert.True(t, keep("ENSG-ERCC-1"))
}

func TestLoad(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"molecules.txt":      counts,
		"annotation.txt":     annotation,
		"qc.txt":             qc,
		"cellcyclegenes.csv": geneSet,
	})
	ds, err := Load("ipsc", config.DatasetConfig{
		Counts:              filepath.Join(dir, "molecules.txt"),
		Annotation:          filepath.Join(dir, "annotation.txt"),
		QC:                  filepath.Join(dir, "qc.txt"),
		GeneSets:            filepath.Join(dir, "cellcyclegenes.csv"),
		GroupBy:             "individual",
		ExcludeGenePrefixes: []string{"ERCC-"},
	})
	require.NoError(t, err)

	genes, samples := ds.Counts.Dims()
	assert.Equal(t, 2, genes)
	assert.Equal(t, 3, samples)
	assert.Equal(t, 1, ds.Excluded)
	assert.Equal(t, ds.Counts.ColNames(), ds.Annotation.IDs)
	assert.Equal(t, []string{"ENSG01"}, ds.GeneSets[cellcycle.G1S])

	groups, err := ds.Groups("")
	require.NoError(t, err)
	assert.Equal(t, []string{"NA19098", "NA19101", "NA19101"}, groups)

	sizes, err := ds.GroupSizes("individual")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"NA19098": 1, "NA19101": 2}, sizes)
}

func TestAssemble_MissingAnnotation(t *testing.T) {
	m, err := table.ReadMatrixFrom(strings.NewReader(counts), '\t')
	require.NoError(t, err)
	annot, err := table.ReadAnnotationFrom(strings.NewReader(""+
		"individual\tsample_id\n"+
		"NA19098\tNA19098.r1.A01\n"), '\t', "")
	require.NoError(t, err)

	_, err = Assemble("ipsc", m, annot, nil, nil)
	assert.ErrorIs(t, err, expr.ErrInputShape)
}

func TestAssemble_QCMatchesExactIDs(t *testing.T) {
	m, err := table.ReadMatrixFrom(strings.NewReader(counts), '\t')
	require.NoError(t, err)

	ds, err := Assemble("ipsc", m, nil, []string{"NA19098.r1.A0"}, nil)
	assert.Nil(t, ds)
	assert.ErrorIs(t, err, expr.ErrInputShape)

	ds, err = Assemble("ipsc", m, nil, []string{"NA19098.r1.A02"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"NA19098.r1.A02"}, ds.Counts.ColNames())
}

func TestGroups_Errors(t *testing.T) {
	ds := &Dataset{ID: "x"}
	_, err := ds.Groups("")
	assert.Error(t, err)
	_, err = ds.Groups("individual")
	assert.Error(t, err)
}

func TestLoad_NoCounts(t *testing.T) {
	_, err := Load("empty", config.DatasetConfig{})
	assert.Error(t, err)
}

func TestLog2CPM(t *testing.T) {
	m, err := table.ReadMatrixFrom(strings.NewReader(counts), '\t')
	require.NoError(t, err)
	ds := &Dataset{ID: "ipsc", Counts: m}

	logged, err := ds.Log2CPM(0.25, norm.DefaultTMMOptions())
	require.NoError(t, err)
	assert.Equal(t, m.RowNames(), logged.RowNames())
	assert.Equal(t, m.ColNames(), logged.ColNames())
	// more counts in the same library means a higher log cpm
	assert.Greater(t, logged.At(1, 0), logged.At(0, 0))

	ds.LogScale = true
	same, err := ds.Log2CPM(0.25, norm.DefaultTMMOptions())
	require.NoError(t, err)
	assert.Same(t, m, same)
}
