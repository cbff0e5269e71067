package cellcycle

import (
	"errors"
	"fmt"
	"math"

	"github.com/hhaiyu/singleCellSeq/internal/expr"
	"github.com/hhaiyu/singleCellSeq/internal/norm"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Options controls phase scoring.
type Options struct {
	// CorrThreshold is the minimum correlation with the phase average a gene
	// needs to be kept.
	CorrThreshold float64
	// RefineRounds bounds how many times the correlation filter is repeated
	// on the surviving genes. One round is a single pass.
	RefineRounds int
	// PriorCount is added to counts before taking log2 CPM.
	PriorCount float64
	TMM        norm.TMMOptions
}

// DefaultOptions returns the published settings.
func DefaultOptions() Options {
	return Options{
		CorrThreshold: 0.3,
		RefineRounds:  1,
		PriorCount:    2,
		TMM:           norm.DefaultTMMOptions(),
	}
}

// Scorer computes per-cell phase scores from a genes × cells count matrix.
type Scorer struct {
	opts Options
}

// NewScorer creates a scorer. Zero-valued options fall back to defaults.
func NewScorer(opts Options) *Scorer {
	def := DefaultOptions()
	if opts.RefineRounds <= 0 {
		opts.RefineRounds = def.RefineRounds
	}
	if opts.TMM == (norm.TMMOptions{}) {
		opts.TMM = def.TMM
	}
	return &Scorer{opts: opts}
}

// Options returns the effective options.
func (s *Scorer) Options() Options { return s.opts }

// PhaseResult describes how one phase was scored.
type PhaseResult struct {
	Phase        Phase
	Matched      []string           // set members present in the matrix
	Kept         []string           // members that passed the correlation filter
	Correlations map[string]float64 // correlation with the average, last round
	Rounds       int
	Factors      []float64 // TMM factors per cell
	Err          error
}

// Scores is a cells × phases score matrix.
type Scores struct {
	Cells  []string
	Phases []Phase
	Values *mat.Dense
	Detail []PhaseResult
}

// Score computes the score of every phase for every cell. Phases that cannot be
// scored are left as NaN columns and their errors are returned joined; the
// returned Scores must not be normalised in that case.
func (s *Scorer) Score(counts *expr.Matrix, sets GeneSets) (*Scores, error) {
	_, nCells := counts.Dims()
	libSizes := counts.ColSums()

	out := &Scores{
		Cells:  counts.ColNames(),
		Phases: append([]Phase(nil), Phases...),
		Values: mat.NewDense(nCells, len(Phases), nil),
		Detail: make([]PhaseResult, len(Phases)),
	}

	var errs []error
	for k, p := range Phases {
		res, scores := s.scorePhase(counts, libSizes, p, sets[p])
		out.Detail[k] = res
		if res.Err != nil {
			errs = append(errs, res.Err)
			for i := 0; i < nCells; i++ {
				out.Values.Set(i, k, math.NaN())
			}
			continue
		}
		out.Values.SetCol(k, scores)
	}
	return out, errors.Join(errs...)
}

// ScorePhase scores a single phase. The library sizes used for normalisation
// are the column totals of counts.
func (s *Scorer) ScorePhase(counts *expr.Matrix, p Phase, genes []string) (PhaseResult, []float64) {
	return s.scorePhase(counts, counts.ColSums(), p, genes)
}

func (s *Scorer) scorePhase(counts *expr.Matrix, libSizes []float64, p Phase, genes []string) (PhaseResult, []float64) {
	res := PhaseResult{Phase: p}

	res.Matched = lo.Filter(lo.Uniq(genes), func(g string, _ int) bool {
		_, ok := counts.RowIndex(g)
		return ok
	})
	if len(res.Matched) == 0 {
		res.Err = &EmptyGeneSetError{Phase: p, Stage: StageMatch}
		return res, nil
	}

	sub, err := counts.SubsetRows(res.Matched)
	if err != nil {
		res.Err = fmt.Errorf("phase %s: %w", p, err)
		return res, nil
	}

	kept, corr, rounds := Refine(sub, s.opts.CorrThreshold, s.opts.RefineRounds)
	res.Kept, res.Correlations, res.Rounds = kept, corr, rounds
	if len(kept) == 0 {
		res.Err = &EmptyGeneSetError{Phase: p, Stage: StageCorrelation, Threshold: s.opts.CorrThreshold}
		return res, nil
	}

	keptCounts, err := sub.SubsetRows(kept)
	if err != nil {
		res.Err = fmt.Errorf("phase %s: %w", p, err)
		return res, nil
	}

	factors, err := norm.TMM(keptCounts.Dense(), libSizes, s.opts.TMM)
	if err != nil {
		res.Err = fmt.Errorf("phase %s: normalisation factors: %w", p, err)
		return res, nil
	}
	res.Factors = factors

	logCPM, err := norm.LogCPM(keptCounts.Dense(), libSizes, factors, s.opts.PriorCount)
	if err != nil {
		res.Err = fmt.Errorf("phase %s: log cpm: %w", p, err)
		return res, nil
	}

	_, nCells := logCPM.Dims()
	scores := make([]float64, nCells)
	for j := range scores {
		scores[j] = stat.Mean(mat.Col(nil, j, logCPM), nil)
	}
	return res, scores
}

// FilterByCorrelation keeps the rows of sub whose Pearson correlation across
// columns with the column-wise mean row is at least threshold. Rows whose
// correlation is undefined (no variance) are dropped. The returned order
// follows sub.
func FilterByCorrelation(sub *expr.Matrix, threshold float64) ([]string, map[string]float64) {
	nGenes, nCells := sub.Dims()
	avg := make([]float64, nCells)
	for j := range avg {
		avg[j] = stat.Mean(sub.Col(j), nil)
	}

	names := sub.RowNames()
	corr := make(map[string]float64, nGenes)
	kept := make([]string, 0, nGenes)
	for i := 0; i < nGenes; i++ {
		c := stat.Correlation(sub.Row(i), avg, nil)
		corr[names[i]] = c
		if c >= threshold {
			kept = append(kept, names[i])
		}
	}
	return kept, corr
}

// Refine applies FilterByCorrelation up to maxRounds times, stopping early
// once a round keeps every gene it was given. It returns the surviving genes,
// the correlations of the last round and the number of rounds run.
func Refine(sub *expr.Matrix, threshold float64, maxRounds int) ([]string, map[string]float64, int) {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	current := sub
	var (
		kept []string
		corr map[string]float64
	)
	for round := 1; round <= maxRounds; round++ {
		n, _ := current.Dims()
		kept, corr = FilterByCorrelation(current, threshold)
		if len(kept) == n || len(kept) == 0 || round == maxRounds {
			return kept, corr, round
		}
		next, err := current.SubsetRows(kept)
		if err != nil {
			return kept, corr, round
		}
		current = next
	}
	return kept, corr, maxRounds
}

// Converge repeats the correlation filter until the gene set stops changing.
// The result is a fixed point: filtering it again keeps every gene. converged
// is false if the set emptied or maxRounds was reached first.
func Converge(sub *expr.Matrix, threshold float64, maxRounds int) (kept []string, rounds int, converged bool) {
	if maxRounds <= 0 {
		maxRounds = 100
	}
	current := sub
	for rounds = 1; rounds <= maxRounds; rounds++ {
		n, _ := current.Dims()
		kept, _ = FilterByCorrelation(current, threshold)
		if len(kept) == 0 {
			return nil, rounds, false
		}
		if len(kept) == n {
			return kept, rounds, true
		}
		next, err := current.SubsetRows(kept)
		if err != nil {
			return kept, rounds, false
		}
		current = next
	}
	return kept, maxRounds, false
}
