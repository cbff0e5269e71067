// Package cvcompare compares per-gene coefficients of variation across groups
// of cells and tests the between-group differences with a seeded bootstrap.
package cvcompare

import (
	"errors"
	"fmt"
	"runtime"
)

// Mode selects where bootstrap resamples are drawn from.
type Mode string

const (
	// ModeWithin resamples each group from its own cells. The intervals then
	// describe the sampling spread of each gene's own statistic.
	ModeWithin Mode = "within"
	// ModePooled resamples every group from all cells, giving a reference
	// distribution with no group structure. It is the default.
	ModePooled Mode = "pooled"
)

// Tail selects which side of the interval marks a gene as significant.
type Tail string

const (
	// TailTwoSided flags point estimates below the lower or above the upper bound.
	TailTwoSided Tail = "two-sided"
	// TailUpper flags point estimates above the upper bound only.
	TailUpper Tail = "upper"
)

// ErrResampleSize is returned for a non-positive sample size or iteration count.
var ErrResampleSize = errors.New("invalid bootstrap resample size")

// ErrNonFinite is returned when a coefficient of variation cannot be computed.
var ErrNonFinite = errors.New("non-finite coefficient of variation")

// Options controls the comparison.
type Options struct {
	SampleSize  int     // cells drawn per group in each resample
	Iterations  int     // number of resamples
	Seed        uint64  // base seed; resample b uses the stream (Seed, b)
	Workers     int     // concurrent resamples; <= 0 uses GOMAXPROCS
	TrendWindow int     // genes in the rolling median of the mean trend
	Lower       float64 // lower percentile of the interval
	Upper       float64 // upper percentile of the interval
	Mode        Mode
	Tail        Tail
	Tolerance   float64 // standard deviation treated as zero when standardising
}

// DefaultOptions returns the published settings.
func DefaultOptions() Options {
	return Options{
		SampleSize:  90,
		Iterations:  1000,
		Seed:        1,
		TrendWindow: 50,
		Lower:       0.025,
		Upper:       0.975,
		Mode:        ModePooled,
		Tail:        TailUpper,
	}
}

func (o *Options) validate() error {
	if o.SampleSize <= 0 {
		return fmt.Errorf("%w: sample size %d", ErrResampleSize, o.SampleSize)
	}
	if o.Iterations <= 0 {
		return fmt.Errorf("%w: %d iterations", ErrResampleSize, o.Iterations)
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.TrendWindow <= 0 {
		o.TrendWindow = DefaultOptions().TrendWindow
	}
	if !(o.Lower >= 0 && o.Lower < o.Upper && o.Upper <= 1) {
		return fmt.Errorf("invalid percentiles [%v, %v]", o.Lower, o.Upper)
	}
	switch o.Mode {
	case "":
		o.Mode = ModePooled
	case ModeWithin, ModePooled:
	default:
		return fmt.Errorf("unknown bootstrap mode %q", o.Mode)
	}
	switch o.Tail {
	case "":
		o.Tail = TailUpper
	case TailTwoSided, TailUpper:
	default:
		return fmt.Errorf("unknown tail %q", o.Tail)
	}
	return nil
}
