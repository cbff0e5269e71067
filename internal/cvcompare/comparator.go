package cvcompare

import (
	"fmt"
	"math"
	"sort"

	"github.com/hhaiyu/singleCellSeq/internal/expr"
	"github.com/hhaiyu/singleCellSeq/internal/norm"
	"github.com/hhaiyu/singleCellSeq/internal/zscore"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// Comparator holds a genes × cells expression matrix split into groups.
type Comparator struct {
	opts   Options
	genes  []string
	groups []string
	cells  [][]int // column positions per group
	nCells int
	linear []float64 // 2^x, gene-major
}

// New prepares a comparison of log2-scale expression values. groups assigns
// each column of m to a group and must be in column order.
func New(m *expr.Matrix, groups []string, opts Options) (*Comparator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	nGenes, nCells := m.Dims()
	if len(groups) != nCells {
		return nil, &expr.ShapeError{What: "groups", Detail: fmt.Sprintf("%d labels for %d cells", len(groups), nCells)}
	}
	if nGenes < 2 {
		return nil, &expr.ShapeError{What: "genes", Detail: fmt.Sprintf("need at least 2 genes, got %d", nGenes)}
	}

	names := lo.Uniq(groups)
	sort.Strings(names)
	if len(names) < 2 {
		return nil, &expr.ShapeError{What: "groups", Detail: fmt.Sprintf("need at least 2 groups, got %d", len(names))}
	}
	pos := make(map[string]int, len(names))
	for i, n := range names {
		if n == "" {
			return nil, &expr.ShapeError{What: "groups", Detail: "empty group label"}
		}
		pos[n] = i
	}
	cells := make([][]int, len(names))
	for j, g := range groups {
		cells[pos[g]] = append(cells[pos[g]], j)
	}
	for i, c := range cells {
		if len(c) < 2 {
			return nil, &expr.ShapeError{What: "groups", Detail: fmt.Sprintf("group %q has %d cells, need at least 2", names[i], len(c))}
		}
	}

	linear := make([]float64, nGenes*nCells)
	for i := 0; i < nGenes; i++ {
		for j := 0; j < nCells; j++ {
			linear[i*nCells+j] = math.Exp2(m.At(i, j))
		}
	}

	return &Comparator{
		opts:   opts,
		genes:  m.RowNames(),
		groups: names,
		cells:  cells,
		nCells: nCells,
		linear: linear,
	}, nil
}

// Genes returns the gene identifiers in row order.
func (c *Comparator) Genes() []string { return append([]string(nil), c.genes...) }

// Groups returns the group names in sorted order.
func (c *Comparator) Groups() []string { return append([]string(nil), c.groups...) }

// Options returns the effective options.
func (c *Comparator) Options() Options { return c.opts }

// Estimate holds the per-gene statistics of one set of cells per group.
// Slices indexed [group][gene] follow Groups and Genes order.
type Estimate struct {
	Genes        []string
	Groups       []string
	Mean         [][]float64 // linear-scale mean
	LogCV2       [][]float64 // log10 CV²
	Trend        []float64   // data-wide log10 CV² trend at each gene's mean
	Adjusted     [][]float64 // LogCV2 minus Trend
	Standardized [][]float64 // Adjusted standardised across genes
	SSM          []float64
	SAM          []float64
}

// Point computes the statistics on the full, unresampled groups.
func (c *Comparator) Point() (*Estimate, error) {
	return c.estimate(c.cells, true)
}

// estimate computes every statistic for the given cells per group. In strict
// mode any non-finite CV is an error; otherwise the gene is carried as NaN.
func (c *Comparator) estimate(cells [][]int, strict bool) (*Estimate, error) {
	nGenes := len(c.genes)
	est := &Estimate{
		Genes:        c.genes,
		Groups:       c.groups,
		Mean:         make([][]float64, len(cells)),
		LogCV2:       make([][]float64, len(cells)),
		Adjusted:     make([][]float64, len(cells)),
		Standardized: make([][]float64, len(cells)),
	}

	total := 0
	for _, cs := range cells {
		total += len(cs)
	}
	buf := make([]float64, 0, total)
	all := make([]int, 0, total)
	for _, cs := range cells {
		all = append(all, cs...)
	}

	for g, cs := range cells {
		est.Mean[g] = make([]float64, nGenes)
		est.LogCV2[g] = make([]float64, nGenes)
		for i := 0; i < nGenes; i++ {
			buf = c.gather(buf[:0], i, cs)
			mean, cv2 := meanCV2(buf)
			est.Mean[g][i] = mean
			est.LogCV2[g][i] = math.Log10(cv2)
			if strict && !isFinite(est.LogCV2[g][i]) {
				return nil, fmt.Errorf("%w: gene %q in group %q (mean %g, cv² %g)", ErrNonFinite, c.genes[i], c.groups[g], mean, cv2)
			}
		}
	}

	wideMean := make([]float64, nGenes)
	wideLog := make([]float64, nGenes)
	for i := 0; i < nGenes; i++ {
		buf = c.gather(buf[:0], i, all)
		mean, cv2 := meanCV2(buf)
		wideMean[i] = mean
		wideLog[i] = math.Log10(cv2)
		if strict && !isFinite(wideLog[i]) {
			return nil, fmt.Errorf("%w: gene %q across all cells (mean %g, cv² %g)", ErrNonFinite, c.genes[i], mean, cv2)
		}
	}
	est.Trend = RollingMedianTrend(wideMean, wideLog, c.opts.TrendWindow)

	for g := range cells {
		adj := make([]float64, nGenes)
		for i := range adj {
			adj[i] = est.LogCV2[g][i] - est.Trend[i]
		}
		est.Adjusted[g] = adj
		z, err := standardizeFinite(adj, c.opts.Tolerance)
		if err != nil {
			return nil, fmt.Errorf("standardize group %q: %w", c.groups[g], err)
		}
		est.Standardized[g] = z
	}

	est.SSM, est.SAM = Deviations(est.Standardized)
	return est, nil
}

func (c *Comparator) gather(dst []float64, gene int, cells []int) []float64 {
	row := c.linear[gene*c.nCells : (gene+1)*c.nCells]
	for _, j := range cells {
		dst = append(dst, row[j])
	}
	return dst
}

// meanCV2 returns the mean and squared coefficient of variation (sample
// variance over squared mean).
func meanCV2(x []float64) (float64, float64) {
	mean, variance := stat.MeanVariance(x, nil)
	return mean, variance / (mean * mean)
}

// RollingMedianTrend returns, for every gene, the median of the y values of
// the window genes closest to it in x order. Windows are clamped at both ends
// and collapse to the overall median when there are fewer genes than the
// window. Genes with a non-finite x or y get NaN and take no part.
func RollingMedianTrend(x, y []float64, window int) []float64 {
	out := make([]float64, len(x))
	order := make([]int, 0, len(x))
	for i := range x {
		if isFinite(x[i]) && isFinite(y[i]) {
			order = append(order, i)
		} else {
			out[i] = math.NaN()
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })

	n := len(order)
	if n == 0 {
		return out
	}
	if window > n {
		window = n
	}
	sorted := make([]float64, n)
	for k, i := range order {
		sorted[k] = y[i]
	}

	win := make([]float64, window)
	lastLo := -1
	var med float64
	for k, i := range order {
		lo := k - window/2
		if lo < 0 {
			lo = 0
		}
		if lo > n-window {
			lo = n - window
		}
		if lo != lastLo {
			copy(win, sorted[lo:lo+window])
			med = norm.QuantileR7(win, 0.5)
			lastLo = lo
		}
		out[i] = med
	}
	return out
}

// Deviations returns, per gene, the sum of squared (SSM) and absolute (SAM)
// deviations of the group values from their median. values is [group][gene].
// A gene with any NaN value gets NaN.
func Deviations(values [][]float64) (ssm, sam []float64) {
	if len(values) == 0 {
		return nil, nil
	}
	nGenes := len(values[0])
	ssm = make([]float64, nGenes)
	sam = make([]float64, nGenes)
	col := make([]float64, len(values))
	for i := 0; i < nGenes; i++ {
		defined := true
		for g := range values {
			col[g] = values[g][i]
			defined = defined && !math.IsNaN(col[g])
		}
		if !defined {
			ssm[i], sam[i] = math.NaN(), math.NaN()
			continue
		}
		med := norm.QuantileR7(col, 0.5)
		for _, v := range col {
			d := v - med
			ssm[i] += d * d
			sam[i] += math.Abs(d)
		}
	}
	return ssm, sam
}

// standardizeFinite standardises the finite entries of v across genes and
// leaves the others NaN.
func standardizeFinite(v []float64, tol float64) ([]float64, error) {
	finite := make([]float64, 0, len(v))
	for _, x := range v {
		if isFinite(x) {
			finite = append(finite, x)
		}
	}
	if len(finite) == len(v) {
		return zscore.Vector(v, tol)
	}
	if _, err := zscore.Vector(finite, tol); err != nil {
		return nil, err
	}
	mean, sd := stat.MeanStdDev(finite, nil)
	out := make([]float64, len(v))
	for i, x := range v {
		if isFinite(x) {
			out[i] = (x - mean) / sd
		} else {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// VariableGenes returns the genes of m that vary within every group, in row
// order. Genes constant in some group have an undefined log CV² there and
// cannot be compared.
func VariableGenes(m *expr.Matrix, groups []string) []string {
	nGenes, _ := m.Dims()
	byGroup := make(map[string][]int)
	for j, g := range groups {
		byGroup[g] = append(byGroup[g], j)
	}
	names := m.RowNames()
	out := make([]string, 0, nGenes)
	for i := 0; i < nGenes; i++ {
		row := m.Row(i)
		ok := true
		for _, cells := range byGroup {
			first := row[cells[0]]
			varies := false
			for _, j := range cells[1:] {
				if row[j] != first {
					varies = true
					break
				}
			}
			if !varies || !isFinite(first) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, names[i])
		}
	}
	return out
}
