// Package norm provides library-size normalisation for count matrices.
//
// Count data are passed as a genes × samples matrix. Library sizes are passed
// explicitly so that a subset of genes can be normalised against the totals of
// the full matrix it was taken from.
package norm

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// TMMOptions holds the trimming parameters of the TMM method.
type TMMOptions struct {
	LogratioTrim float64 // fraction trimmed from each end of the M values
	SumTrim      float64 // fraction trimmed from each end of the A values
	Weighting    bool    // weight M values by their asymptotic precision
	ACutoff      float64 // A values at or below this are discarded
}

// DefaultTMMOptions returns the edgeR defaults.
func DefaultTMMOptions() TMMOptions {
	return TMMOptions{
		LogratioTrim: 0.3,
		SumTrim:      0.05,
		Weighting:    true,
		ACutoff:      -1e10,
	}
}

var errLibSize = errors.New("norm: library sizes must be positive and one per sample")

// TMM returns one scaling factor per sample according to the trimmed mean of
// M-values method. Factors are rescaled to have a geometric mean of one.
//
// "A scaling normalization method for differential expression analysis of RNA-seq data",
// Mark Robinson and Alicia Oshlack, http://genomebiology.com/2010/11/3/r25.
func TMM(counts mat.Matrix, libSizes []float64, opts TMMOptions) ([]float64, error) {
	r, c := counts.Dims()
	if err := checkLibSizes(libSizes, c); err != nil {
		return nil, err
	}
	switch c {
	case 0:
		return nil, nil
	case 1:
		return []float64{1}, nil
	}

	cols := nonZeroColumns(counts)
	if r == 0 || len(cols[0]) == 0 {
		return ones(c), nil
	}

	q75 := make([]float64, c)
	for j, col := range cols {
		scaled := make([]float64, len(col))
		for i, v := range col {
			scaled[i] = v / libSizes[j]
		}
		q75[j] = QuantileR7(scaled, 0.75)
	}
	ref := refColumn(q75)

	f := make([]float64, c)
	for j := range cols {
		f[j] = tmmFactor(cols[j], cols[ref], libSizes[j], libSizes[ref], opts)
	}
	return geoMeanScaled(f), nil
}

// nonZeroColumns returns the columns of counts with genes that are zero in
// every sample removed.
func nonZeroColumns(counts mat.Matrix) [][]float64 {
	r, c := counts.Dims()
	cols := make([][]float64, c)
	for i := 0; i < r; i++ {
		nonZero := false
		for j := 0; j < c; j++ {
			if counts.At(i, j) != 0 {
				nonZero = true
				break
			}
		}
		if !nonZero {
			continue
		}
		for j := 0; j < c; j++ {
			cols[j] = append(cols[j], counts.At(i, j))
		}
	}
	return cols
}

// refColumn picks the sample whose upper quartile is closest to the mean upper quartile.
func refColumn(q75 []float64) int {
	var mean float64
	for _, v := range q75 {
		mean += v
	}
	mean /= float64(len(q75))

	ref := 0
	best := math.Abs(q75[0] - mean)
	for j, v := range q75[1:] {
		if d := math.Abs(v - mean); d < best {
			best = d
			ref = j + 1
		}
	}
	return ref
}

func tmmFactor(obs, ref []float64, nO, nR float64, opts TMMOptions) float64 {
	var (
		logR = make([]float64, 0, len(obs))
		absE = make([]float64, 0, len(obs))
		v    = make([]float64, 0, len(obs))
	)
	for i := range obs {
		lr := math.Log2((obs[i] / nO) / (ref[i] / nR))
		ae := (math.Log2(obs[i]/nO) + math.Log2(ref[i]/nR)) / 2
		if math.IsInf(lr, 0) || math.IsNaN(lr) || math.IsInf(ae, 0) || math.IsNaN(ae) || ae <= opts.ACutoff {
			continue
		}
		logR = append(logR, lr)
		absE = append(absE, ae)
		v = append(v, (nO-obs[i])/nO/obs[i]+(nR-ref[i])/nR/ref[i])
	}
	if len(logR) == 0 {
		return 1
	}

	maxAbs := 0.0
	for _, lr := range logR {
		maxAbs = math.Max(maxAbs, math.Abs(lr))
	}
	if maxAbs < 1e-6 {
		return 1
	}

	n := float64(len(logR))
	loL := math.Floor(n*opts.LogratioTrim) + 1
	hiL := n + 1 - loL
	loS := math.Floor(n*opts.SumTrim) + 1
	hiS := n + 1 - loS

	rankR := Rank(logR)
	rankE := Rank(absE)

	var num, den float64
	for i := range logR {
		if rankR[i] < loL || rankR[i] > hiL || rankE[i] < loS || rankE[i] > hiS {
			continue
		}
		if opts.Weighting {
			num += logR[i] / v[i]
			den += 1 / v[i]
		} else {
			num += logR[i]
			den++
		}
	}
	if den == 0 {
		return 1
	}
	f := num / den
	if math.IsNaN(f) {
		f = 0
	}
	return math.Exp2(f)
}

// LogCPM returns log2 counts per million for a genes × samples count matrix.
// Effective library sizes are libSizes scaled by factors (nil means all ones).
// The prior count is scaled by each sample's relative effective library size
// and added to both the counts and the library size, as edgeR does.
func LogCPM(counts mat.Matrix, libSizes, factors []float64, priorCount float64) (*mat.Dense, error) {
	r, c := counts.Dims()
	if err := checkLibSizes(libSizes, c); err != nil {
		return nil, err
	}
	if factors == nil {
		factors = ones(c)
	}
	if len(factors) != c {
		return nil, fmt.Errorf("norm: %d factors for %d samples", len(factors), c)
	}
	if priorCount < 0 {
		return nil, fmt.Errorf("norm: negative prior count %v", priorCount)
	}

	eff := make([]float64, c)
	var meanEff float64
	for j := range eff {
		eff[j] = libSizes[j] * factors[j]
		meanEff += eff[j]
	}
	meanEff /= float64(c)

	prior := make([]float64, c)
	adj := make([]float64, c)
	for j := range eff {
		prior[j] = eff[j] / meanEff * priorCount
		adj[j] = eff[j] + 2*prior[j]
	}

	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, math.Log2((counts.At(i, j)+prior[j])/adj[j]*1e6))
		}
	}
	return out, nil
}

func checkLibSizes(libSizes []float64, n int) error {
	if len(libSizes) != n {
		return fmt.Errorf("%w: got %d for %d samples", errLibSize, len(libSizes), n)
	}
	for j, v := range libSizes {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: sample %d has library size %v", errLibSize, j, v)
		}
	}
	return nil
}

// geoMeanScaled divides f by its geometric mean in place.
func geoMeanScaled(f []float64) []float64 {
	var s float64
	for _, v := range f {
		s += math.Log(v)
	}
	g := math.Exp(s / float64(len(f)))
	for i := range f {
		f[i] /= g
	}
	return f
}

func ones(n int) []float64 {
	f := make([]float64, n)
	for i := range f {
		f[i] = 1
	}
	return f
}

// QuantileR7 returns the p-quantile of v using R's default (type 7) definition.
// v is not modified. It returns NaN for empty input.
func QuantileR7(v []float64, p float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return SortedQuantileR7(s, p)
}

// SortedQuantileR7 is QuantileR7 for data already sorted in increasing order.
func SortedQuantileR7(s []float64, p float64) float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[len(s)-1]
	}
	h := float64(len(s)-1) * p
	i := int(math.Floor(h))
	if i+1 >= len(s) {
		return s[len(s)-1]
	}
	return s[i] + (h-float64(i))*(s[i+1]-s[i])
}

// Rank returns 1-based ranks of v with ties given their average rank.
func Rank(v []float64) []float64 {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })

	ranks := make([]float64, len(v))
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && v[idx[j]] == v[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}
	return ranks
}
