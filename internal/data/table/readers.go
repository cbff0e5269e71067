package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hhaiyu/singleCellSeq/internal/cellcycle"
	"github.com/hhaiyu/singleCellSeq/internal/expr"
	"github.com/samber/lo"
)

// ErrEmptyTable is returned for inputs with no header or no data rows.
var ErrEmptyTable = errors.New("empty table")

func newCSVReader(r io.Reader, comma rune) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr
}

func withFile[T any](path string, read func(io.Reader, rune) (T, error)) (T, error) {
	var zero T
	rc, err := Open(path)
	if err != nil {
		return zero, err
	}
	defer rc.Close()
	v, err := read(rc, Delimiter(path))
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// ReadMatrix loads a labelled numeric matrix. The first column holds row
// labels; the header holds column labels with or without a leading corner
// cell.
func ReadMatrix(path string) (*expr.Matrix, error) {
	return withFile(path, ReadMatrixFrom)
}

// ReadMatrixFrom parses a labelled numeric matrix from r.
func ReadMatrixFrom(r io.Reader, comma rune) (*expr.Matrix, error) {
	cr := newCSVReader(r, comma)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyTable
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header = trimAll(header)

	var (
		rows   []string
		values [][]float64
		cols   []string
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if cols == nil {
			// R writes the header without a corner cell.
			switch len(rec) {
			case len(header) + 1:
				cols = header
			case len(header):
				cols = header[1:]
			default:
				return nil, &expr.ShapeError{What: "header", Detail: fmt.Sprintf("%d fields in header, %d in first row", len(header), len(rec))}
			}
		}
		if len(rec) != len(cols)+1 {
			return nil, &expr.ShapeError{What: "row", Detail: fmt.Sprintf("line %d has %d fields, want %d", line, len(rec), len(cols)+1)}
		}
		row := make([]float64, len(cols))
		for j, f := range rec[1:] {
			v, err := parseValue(f)
			if err != nil {
				return nil, fmt.Errorf("line %d, column %q: %w", line, cols[j], err)
			}
			row[j] = v
		}
		rows = append(rows, strings.TrimSpace(rec[0]))
		values = append(values, row)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyTable
	}
	return expr.FromRows(rows, cols, values)
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "NA", "NaN", "nan", "":
		return strconv.ParseFloat("NaN", 64)
	}
	return strconv.ParseFloat(s, 64)
}

// ReadGeneSets loads cell-cycle gene sets. Two layouts are accepted: wide,
// one column per phase with phase names in the header and blank padding; or
// long, two columns holding a phase and a gene per row.
func ReadGeneSets(path string) (cellcycle.GeneSets, error) {
	return withFile(path, ReadGeneSetsFrom)
}

// ReadGeneSetsFrom parses gene sets from r.
func ReadGeneSetsFrom(r io.Reader, comma rune) (cellcycle.GeneSets, error) {
	records, err := newCSVReader(r, comma).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmptyTable
	}

	header := trimAll(records[0])
	phases := make([]cellcycle.Phase, len(header))
	wide := true
	for j, h := range header {
		p, err := cellcycle.ParsePhase(h)
		if err != nil {
			wide = false
			break
		}
		phases[j] = p
	}

	sets := make(cellcycle.GeneSets, len(cellcycle.Phases))
	if wide {
		for _, rec := range records[1:] {
			for j, gene := range rec {
				if j < len(phases) {
					sets[phases[j]] = append(sets[phases[j]], strings.TrimSpace(gene))
				}
			}
		}
		return sets.Clean(), nil
	}

	// Long layout; the first row may be a header such as "phase,gene".
	body := records
	if _, err := cellcycle.ParsePhase(header[0]); err != nil {
		body = records[1:]
	}
	for i, rec := range body {
		if len(rec) < 2 {
			return nil, fmt.Errorf("gene set row %d: want phase and gene, got %d fields", i+1, len(rec))
		}
		p, err := cellcycle.ParsePhase(rec[0])
		if err != nil {
			return nil, fmt.Errorf("gene set row %d: %w", i+1, err)
		}
		sets[p] = append(sets[p], strings.TrimSpace(rec[1]))
	}
	return sets.Clean(), nil
}

// ReadSampleList loads one sample identifier per line. Only the first field of
// each line is used; blank lines and comments are skipped.
func ReadSampleList(path string) ([]string, error) {
	return withFile(path, ReadSampleListFrom)
}

// ReadSampleListFrom parses a sample list from r.
func ReadSampleListFrom(r io.Reader, comma rune) ([]string, error) {
	cr := newCSVReader(r, comma)
	var ids []string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 {
			continue
		}
		if id := strings.TrimSpace(rec[0]); id != "" {
			ids = append(ids, id)
		}
	}
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		return nil, &expr.ShapeError{What: "sample list", Detail: fmt.Sprintf("duplicate ids %v", dups)}
	}
	return ids, nil
}

func trimAll(fields []string) []string {
	return lo.Map(fields, func(s string, _ int) string { return strings.TrimSpace(s) })
}
