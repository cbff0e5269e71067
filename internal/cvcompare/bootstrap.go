package cvcompare

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/hhaiyu/singleCellSeq/internal/norm"
	"golang.org/x/sync/errgroup"
)

// Interval is a bootstrap percentile interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Contains reports whether v lies within the closed interval.
func (iv Interval) Contains(v float64) bool {
	return v >= iv.Lower && v <= iv.Upper
}

// Draws holds the bootstrap distribution of both metrics, gene-major:
// the draws of gene i are [i*Iterations, (i+1)*Iterations).
type Draws struct {
	Iterations int
	SSM        []float64
	SAM        []float64
}

// Gene returns the SSM and SAM draws of gene i. The slices alias d.
func (d *Draws) Gene(i int) (ssm, sam []float64) {
	lo, hi := i*d.Iterations, (i+1)*d.Iterations
	return d.SSM[lo:hi], d.SAM[lo:hi]
}

// ProgressFunc receives the number of finished resamples. Calls are serialised.
type ProgressFunc func(done, total int)

// Bootstrap runs the configured number of resamples on Workers goroutines.
// Resample b draws from its own random stream seeded with (Seed, b), so the
// draws do not depend on scheduling or on the number of workers.
func (c *Comparator) Bootstrap(ctx context.Context, progress ProgressFunc) (*Draws, error) {
	iters := c.opts.Iterations
	nGenes := len(c.genes)
	d := &Draws{
		Iterations: iters,
		SSM:        make([]float64, nGenes*iters),
		SAM:        make([]float64, nGenes*iters),
	}

	var (
		done     int
		reportMu sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for b := 0; b < iters; b++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(c.opts.Seed, uint64(b)))
			est, err := c.estimate(c.resample(rng), false)
			if err != nil {
				return fmt.Errorf("resample %d: %w", b, err)
			}
			for i := 0; i < nGenes; i++ {
				d.SSM[i*iters+b] = est.SSM[i]
				d.SAM[i*iters+b] = est.SAM[i]
			}
			reportMu.Lock()
			done++
			if progress != nil {
				progress(done, iters)
			}
			reportMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// the group context is always cancelled once Wait returns
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// resample draws SampleSize cells with replacement for every group.
func (c *Comparator) resample(rng *rand.Rand) [][]int {
	var pool []int
	if c.opts.Mode == ModePooled {
		pool = make([]int, c.nCells)
		for j := range pool {
			pool[j] = j
		}
	}
	out := make([][]int, len(c.cells))
	for g, cs := range c.cells {
		src := cs
		if pool != nil {
			src = pool
		}
		draw := make([]int, c.opts.SampleSize)
		for k := range draw {
			draw[k] = src[rng.IntN(len(src))]
		}
		out[g] = draw
	}
	return out
}

// Result is the outcome of a full comparison.
type Result struct {
	Point          *Estimate
	SSMInterval    []Interval
	SAMInterval    []Interval
	SSMSignificant []bool
	SAMSignificant []bool
	Options        Options
}

// Run computes the point estimate, bootstraps it and flags genes whose point
// estimate falls outside their own interval.
func (c *Comparator) Run(ctx context.Context, progress ProgressFunc) (*Result, error) {
	point, err := c.Point()
	if err != nil {
		return nil, err
	}
	draws, err := c.Bootstrap(ctx, progress)
	if err != nil {
		return nil, err
	}

	nGenes := len(c.genes)
	res := &Result{
		Point:          point,
		SSMInterval:    make([]Interval, nGenes),
		SAMInterval:    make([]Interval, nGenes),
		SSMSignificant: make([]bool, nGenes),
		SAMSignificant: make([]bool, nGenes),
		Options:        c.opts,
	}
	for i := 0; i < nGenes; i++ {
		ssm, sam := draws.Gene(i)
		if res.SSMInterval[i], err = c.interval(ssm); err != nil {
			return nil, fmt.Errorf("gene %q: SSM: %w", c.genes[i], err)
		}
		if res.SAMInterval[i], err = c.interval(sam); err != nil {
			return nil, fmt.Errorf("gene %q: SAM: %w", c.genes[i], err)
		}
		res.SSMSignificant[i] = c.significant(point.SSM[i], res.SSMInterval[i])
		res.SAMSignificant[i] = c.significant(point.SAM[i], res.SAMInterval[i])
	}
	return res, nil
}

func (c *Comparator) interval(draws []float64) (Interval, error) {
	finite := make([]float64, 0, len(draws))
	for _, v := range draws {
		if isFinite(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return Interval{}, fmt.Errorf("%w: no finite bootstrap draws", ErrNonFinite)
	}
	sort.Float64s(finite)
	return Interval{
		Lower: norm.SortedQuantileR7(finite, c.opts.Lower),
		Upper: norm.SortedQuantileR7(finite, c.opts.Upper),
	}, nil
}

func (c *Comparator) significant(point float64, iv Interval) bool {
	if math.IsNaN(point) {
		return false
	}
	if c.opts.Tail == TailUpper {
		return point > iv.Upper
	}
	return !iv.Contains(point)
}
