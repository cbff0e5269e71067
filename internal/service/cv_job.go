package service

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/hhaiyu/singleCellSeq/internal/cvcompare"
	"github.com/hhaiyu/singleCellSeq/internal/dataset"
	"github.com/hhaiyu/singleCellSeq/internal/expr"
	"github.com/hhaiyu/singleCellSeq/internal/jobstore"
	"github.com/hhaiyu/singleCellSeq/internal/norm"
	"github.com/samber/lo"
)

// CVJobOptions resolves the comparator options of a job: configured defaults
// overridden by the job parameters.
func (s *AnalysisService) CVJobOptions(p jobstore.CVJobParams) cvcompare.Options {
	opts := CVOptions(s.cv)
	if p.SampleSize != 0 {
		opts.SampleSize = p.SampleSize
	}
	if p.Iterations != 0 {
		opts.Iterations = p.Iterations
	}
	if p.Seed != 0 {
		opts.Seed = p.Seed
	}
	if p.Mode != "" {
		opts.Mode = cvcompare.Mode(p.Mode)
	}
	if p.Tail != "" {
		opts.Tail = cvcompare.Tail(p.Tail)
	}
	return opts
}

// CVInput is the expression matrix and group labels handed to the comparator.
type CVInput struct {
	Expr    *expr.Matrix // log2 expression, genes × selected cells
	Groups  []string     // group label per column of Expr
	Skipped int          // genes dropped for being constant within a group
}

// GroupNames returns the distinct group labels in sorted order.
func (in *CVInput) GroupNames() []string {
	names := lo.Uniq(in.Groups)
	sort.Strings(names)
	return names
}

// PrepareCV selects the cells of the requested groups (all groups when only
// is empty), log2 transforms counts unless the dataset is already log scaled,
// and drops genes that cannot be standardized within every group.
func PrepareCV(ds *dataset.Dataset, groupBy string, only []string, tmm norm.TMMOptions) (*CVInput, error) {
	labels, err := ds.Groups(groupBy)
	if err != nil {
		return nil, err
	}

	positions := make([]int, 0, len(labels))
	var groups []string
	if len(only) > 0 {
		want := lo.Keyify(only)
		for j, g := range labels {
			if _, ok := want[g]; ok {
				positions = append(positions, j)
				groups = append(groups, g)
			}
		}
		if missing := lo.Without(only, groups...); len(missing) > 0 {
			return nil, fmt.Errorf("groups have no cells: %v", missing)
		}
	} else {
		positions = lo.Range(len(labels))
		groups = labels
	}

	if len(positions) == 0 {
		return nil, fmt.Errorf("dataset %q: no cells to compare", ds.ID)
	}

	logExpr, err := ds.Log2CPM(CVPriorCount, tmm)
	if err != nil {
		return nil, err
	}
	selected, err := logExpr.SelectCols(positions)
	if err != nil {
		return nil, err
	}

	keep := cvcompare.VariableGenes(selected, groups)
	nAll, _ := selected.Dims()
	if len(keep) < 2 {
		return nil, fmt.Errorf("only %d genes vary within every group", len(keep))
	}
	selected, err = selected.SubsetRows(keep)
	if err != nil {
		return nil, err
	}
	return &CVInput{Expr: selected, Groups: groups, Skipped: nAll - len(keep)}, nil
}

// ExecuteCVJob runs the CV comparison for a job (called by JobManager worker).
func (s *AnalysisService) ExecuteCVJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	// Phase 1: load and select cells
	store.UpdateJobProgress(jobID, "loading", 0, 1)

	ds, err := s.datasets.Dataset(ctx, job.Params.DatasetID)
	if err != nil {
		return err
	}
	in, err := PrepareCV(ds, job.Params.GroupBy, job.Params.Groups, PhaseOptions(s.phase).TMM)
	if err != nil {
		return err
	}
	if in.Skipped > 0 {
		log.Printf("[CVJob] %s: %d genes constant within a group, skipped", jobID, in.Skipped)
	}
	selected, groups := in.Expr, in.Groups
	nGenes, nCells := selected.Dims()
	store.UpdateJobCounts(jobID, nGenes, nCells, in.GroupNames())

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: point estimate and bootstrap
	cmp, err := cvcompare.New(selected, groups, s.CVJobOptions(job.Params))
	if err != nil {
		return err
	}
	opts := cmp.Options()
	store.UpdateJobProgress(jobID, "bootstrap", 0, opts.Iterations)

	step := max(1, opts.Iterations/100)
	res, err := cmp.Run(ctx, func(done, total int) {
		if done%step == 0 || done == total {
			store.UpdateJobProgress(jobID, "bootstrap", done, total)
		}
	})
	if err != nil {
		return err
	}

	// Phase 3: store results
	store.UpdateJobProgress(jobID, "saving_results", 0, nGenes)
	if err := store.InsertResults(jobID, GeneResults(res)); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	store.UpdateJobProgress(jobID, "done", nGenes, nGenes)
	return nil
}

// GeneResults flattens a comparison result into per-gene records.
func GeneResults(res *cvcompare.Result) []*jobstore.CVGeneResult {
	p := res.Point
	out := make([]*jobstore.CVGeneResult, len(p.Genes))
	for i, gene := range p.Genes {
		r := &jobstore.CVGeneResult{
			Gene:           gene,
			Mean:           make([]float64, len(p.Groups)),
			Z:              make([]float64, len(p.Groups)),
			SSM:            p.SSM[i],
			SSMLower:       res.SSMInterval[i].Lower,
			SSMUpper:       res.SSMInterval[i].Upper,
			SSMSignificant: res.SSMSignificant[i],
			SAM:            p.SAM[i],
			SAMLower:       res.SAMInterval[i].Lower,
			SAMUpper:       res.SAMInterval[i].Upper,
			SAMSignificant: res.SAMSignificant[i],
		}
		for g := range p.Groups {
			r.Mean[g] = p.Mean[g][i]
			r.Z[g] = p.Standardized[g][i]
		}
		out[i] = r
	}
	return out
}
