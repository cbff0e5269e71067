package table

import (
	"fmt"
	"io"
	"strings"

	"github.com/hhaiyu/singleCellSeq/internal/expr"
	"github.com/samber/lo"
)

// DefaultIDColumn names the annotation column holding sample identifiers.
const DefaultIDColumn = "sample_id"

// Annotation is a per-sample attribute table keyed by sample id.
type Annotation struct {
	IDs     []string
	Columns []string
	values  [][]string
	index   map[string]int
}

// ReadAnnotation loads a sample annotation table with a header row. idColumn
// names the identifier column; when empty, DefaultIDColumn is used if present
// and the first column otherwise.
func ReadAnnotation(path, idColumn string) (*Annotation, error) {
	return withFile(path, func(r io.Reader, comma rune) (*Annotation, error) {
		return ReadAnnotationFrom(r, comma, idColumn)
	})
}

// ReadAnnotationFrom parses an annotation table from r.
func ReadAnnotationFrom(r io.Reader, comma rune, idColumn string) (*Annotation, error) {
	records, err := newCSVReader(r, comma).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, ErrEmptyTable
	}
	header := trimAll(records[0])

	idPos := 0
	switch {
	case idColumn != "":
		idPos = lo.IndexOf(header, idColumn)
		if idPos < 0 {
			return nil, fmt.Errorf("annotation has no column %q", idColumn)
		}
	case lo.Contains(header, DefaultIDColumn):
		idPos = lo.IndexOf(header, DefaultIDColumn)
	}

	a := &Annotation{
		Columns: header,
		index:   make(map[string]int, len(records)-1),
	}
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, &expr.ShapeError{What: "annotation", Detail: fmt.Sprintf("row %d has %d fields, want %d", i+2, len(rec), len(header))}
		}
		rec = trimAll(rec)
		id := rec[idPos]
		if _, dup := a.index[id]; dup {
			return nil, &expr.ShapeError{What: "annotation", Detail: fmt.Sprintf("duplicate sample id %q", id)}
		}
		a.index[id] = len(a.IDs)
		a.IDs = append(a.IDs, id)
		a.values = append(a.values, rec)
	}
	return a, nil
}

// Len returns the number of samples.
func (a *Annotation) Len() int { return len(a.IDs) }

// Has reports whether id is annotated.
func (a *Annotation) Has(id string) bool {
	_, ok := a.index[id]
	return ok
}

// Column returns the values of column in row order.
func (a *Annotation) Column(column string) ([]string, error) {
	j := lo.IndexOf(a.Columns, column)
	if j < 0 {
		return nil, fmt.Errorf("annotation has no column %q (have %s)", column, strings.Join(a.Columns, ", "))
	}
	out := make([]string, len(a.values))
	for i, rec := range a.values {
		out[i] = rec[j]
	}
	return out, nil
}

// Lookup returns the value of column for sample id.
func (a *Annotation) Lookup(id, column string) (string, bool) {
	i, ok := a.index[id]
	j := lo.IndexOf(a.Columns, column)
	if !ok || j < 0 {
		return "", false
	}
	return a.values[i][j], true
}

// Subset returns the annotation restricted to ids, in the order given.
func (a *Annotation) Subset(ids []string) (*Annotation, error) {
	out := &Annotation{
		Columns: a.Columns,
		IDs:     make([]string, 0, len(ids)),
		values:  make([][]string, 0, len(ids)),
		index:   make(map[string]int, len(ids)),
	}
	var missing []string
	for _, id := range ids {
		i, ok := a.index[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out.index[id] = len(out.IDs)
		out.IDs = append(out.IDs, id)
		out.values = append(out.values, a.values[i])
	}
	if len(missing) > 0 {
		return nil, &expr.ShapeError{What: "annotation", Detail: fmt.Sprintf("%d samples not annotated, first %q", len(missing), missing[0])}
	}
	return out, nil
}
