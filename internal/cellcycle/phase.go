// Package cellcycle scores cells against cell-cycle gene sets and assigns
// each cell to its highest-scoring phase.
package cellcycle

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Phase is one of the five canonical cell-cycle phases.
type Phase string

const (
	G1S Phase = "G1/S"
	S   Phase = "S"
	G2M Phase = "G2/M"
	M   Phase = "M"
	MG1 Phase = "M/G1"
)

// Phases lists the phases in canonical order. Assignment ties resolve to
// the earliest phase in this order.
var Phases = []Phase{G1S, S, G2M, M, MG1}

// ParsePhase accepts canonical names as well as the dotted forms written by
// R table exports ("G1.S", "G2.M", "M.G1"). Matching ignores case.
func ParsePhase(s string) (Phase, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(".", "/", "_", "/", "-", "/").Replace(norm)
	for _, p := range Phases {
		if norm == string(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown cell-cycle phase %q", s)
}

// Index returns the canonical position of p, or -1.
func (p Phase) Index() int {
	return lo.IndexOf(Phases, p)
}

// GeneSets maps each phase to its gene identifiers. Sets may overlap.
type GeneSets map[Phase][]string

// Clean returns a copy with empty identifiers and duplicates removed.
func (g GeneSets) Clean() GeneSets {
	out := make(GeneSets, len(g))
	for p, genes := range g {
		genes = lo.Filter(genes, func(id string, _ int) bool { return strings.TrimSpace(id) != "" })
		out[p] = lo.Uniq(genes)
	}
	return out
}
