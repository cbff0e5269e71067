// Package dataset assembles the inputs of one analysis from configured files:
// the count matrix restricted to QC-passing samples and endogenous genes, the
// aligned sample annotation and the cell-cycle gene sets.
package dataset

import (
	"fmt"
	"log"
	"strings"

	"github.com/hhaiyu/singleCellSeq/internal/cellcycle"
	"github.com/hhaiyu/singleCellSeq/internal/config"
	"github.com/hhaiyu/singleCellSeq/internal/data/table"
	"github.com/hhaiyu/singleCellSeq/internal/expr"
	"github.com/hhaiyu/singleCellSeq/internal/norm"
	"github.com/samber/lo"
)

// GenePredicate reports whether a gene identifier should be kept.
type GenePredicate func(gene string) bool

// ExcludePrefixes returns a predicate dropping genes whose identifier starts
// with any of prefixes.
func ExcludePrefixes(prefixes []string) GenePredicate {
	prefixes = lo.Filter(prefixes, func(p string, _ int) bool { return p != "" })
	return func(gene string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(gene, p) {
				return false
			}
		}
		return true
	}
}

// Dataset is a loaded, filtered and aligned set of inputs.
type Dataset struct {
	ID         string
	Counts     *expr.Matrix // genes × samples
	Annotation *table.Annotation
	GeneSets   cellcycle.GeneSets
	GroupBy    string
	LogScale   bool
	// Excluded counts genes removed by the gene predicate.
	Excluded int
}

// Load reads and assembles the dataset described by cfg.
func Load(id string, cfg config.DatasetConfig) (*Dataset, error) {
	if cfg.Counts == "" {
		return nil, fmt.Errorf("dataset %q: no counts file configured", id)
	}
	counts, err := table.ReadMatrix(cfg.Counts)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: counts: %w", id, err)
	}

	var keep []string
	if cfg.QC != "" {
		keep, err = table.ReadSampleList(cfg.QC)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: qc list: %w", id, err)
		}
	}

	var annot *table.Annotation
	if cfg.Annotation != "" {
		annot, err = table.ReadAnnotation(cfg.Annotation, cfg.IDColumn)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: annotation: %w", id, err)
		}
	}

	var sets cellcycle.GeneSets
	if cfg.GeneSets != "" {
		sets, err = table.ReadGeneSets(cfg.GeneSets)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: gene sets: %w", id, err)
		}
	}

	ds, err := Assemble(id, counts, annot, keep, ExcludePrefixes(cfg.ExcludeGenePrefixes))
	if err != nil {
		return nil, err
	}
	ds.GeneSets = sets
	ds.GroupBy = cfg.GroupBy
	ds.LogScale = cfg.LogScale

	genes, samples := ds.Counts.Dims()
	log.Printf("[Dataset] %s: %d genes x %d samples (%d genes excluded)", id, genes, samples, ds.Excluded)
	return ds, nil
}

// Assemble applies the QC sample list and gene predicate to counts and aligns
// annot to the surviving samples. keep selects samples by exact id; nil keeps
// every sample. annot may be nil.
func Assemble(id string, counts *expr.Matrix, annot *table.Annotation, keep []string, genes GenePredicate) (*Dataset, error) {
	var err error
	if keep != nil {
		set := lo.Keyify(keep)
		counts, err = counts.FilterCols(func(s string) bool {
			_, ok := set[s]
			return ok
		})
		if err != nil {
			return nil, fmt.Errorf("dataset %q: qc filter: %w", id, err)
		}
	}

	before, _ := counts.Dims()
	if genes != nil {
		counts, err = counts.FilterRows(genes)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: gene filter: %w", id, err)
		}
	}
	after, _ := counts.Dims()

	if annot != nil {
		annot, err = annot.Subset(counts.ColNames())
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", id, err)
		}
		if err := expr.CheckLabels("annotation", counts.ColNames(), annot.IDs); err != nil {
			return nil, fmt.Errorf("dataset %q: %w", id, err)
		}
	}

	return &Dataset{
		ID:         id,
		Counts:     counts,
		Annotation: annot,
		Excluded:   before - after,
	}, nil
}

// Groups returns the group label of every sample for the given annotation
// column, in column order of Counts. An empty column selects GroupBy.
func (d *Dataset) Groups(column string) ([]string, error) {
	if column == "" {
		column = d.GroupBy
	}
	if column == "" {
		return nil, fmt.Errorf("dataset %q: no grouping column", d.ID)
	}
	if d.Annotation == nil {
		return nil, fmt.Errorf("dataset %q: no annotation loaded", d.ID)
	}
	return d.Annotation.Column(column)
}

// GroupSizes returns the number of samples per group label.
func (d *Dataset) GroupSizes(column string) (map[string]int, error) {
	groups, err := d.Groups(column)
	if err != nil {
		return nil, err
	}
	return lo.CountValues(groups), nil
}

// Log2CPM returns the expression matrix on the log2 counts-per-million scale
// using TMM normalisation factors. Datasets already on a log scale are
// returned unchanged.
func (d *Dataset) Log2CPM(prior float64, tmm norm.TMMOptions) (*expr.Matrix, error) {
	if d.LogScale {
		return d.Counts, nil
	}
	libSizes := d.Counts.ColSums()
	factors, err := norm.TMM(d.Counts.Dense(), libSizes, tmm)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: normalisation factors: %w", d.ID, err)
	}
	logCPM, err := norm.LogCPM(d.Counts.Dense(), libSizes, factors, prior)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: log cpm: %w", d.ID, err)
	}
	return expr.NewMatrix(d.Counts.RowNames(), d.Counts.ColNames(), logCPM)
}
