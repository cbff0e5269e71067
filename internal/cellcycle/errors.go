package cellcycle

import (
	"errors"
	"fmt"
)

// ErrEmptyGeneSet is returned when a phase has no genes left to score with.
var ErrEmptyGeneSet = errors.New("empty gene set")

// Stages at which a gene set can run empty.
const (
	StageMatch       = "match"
	StageCorrelation = "correlation"
)

// EmptyGeneSetError reports the phase whose gene set ran empty and at which stage.
type EmptyGeneSetError struct {
	Phase     Phase
	Stage     string
	Threshold float64
}

func (e *EmptyGeneSetError) Error() string {
	if e.Stage == StageCorrelation {
		return fmt.Sprintf("phase %s: %s: no gene correlates with the phase average at >= %g", e.Phase, ErrEmptyGeneSet, e.Threshold)
	}
	return fmt.Sprintf("phase %s: %s: no gene of the set is present in the count matrix", e.Phase, ErrEmptyGeneSet)
}

func (e *EmptyGeneSetError) Unwrap() error { return ErrEmptyGeneSet }
