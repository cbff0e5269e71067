// Package report renders analysis results as tab-separated text or Excel
// workbooks.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/hhaiyu/singleCellSeq/internal/cellcycle"
	"github.com/hhaiyu/singleCellSeq/internal/cvcompare"
	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/mat"
)

// Table is a named header plus rows of cell values.
type Table struct {
	Name   string
	Header []string
	Rows   [][]any
}

// PhaseTables returns the score, normalised score and assignment tables of a
// phase assignment. Tables that were not computed are omitted.
func PhaseTables(a *cellcycle.Assignment) []Table {
	var out []Table
	if a.Scores != nil {
		out = append(out, scoreTable("phase_scores", a.Scores.Cells, a.Scores.Phases, a.Scores.Values))
		out = append(out, geneTable(a.Scores.Detail))
	}
	if a.Normalized != nil {
		out = append(out, scoreTable("phase_zscores", a.Normalized.Cells, a.Normalized.Phases, a.Normalized.Values))
	}
	if a.Labels != nil {
		t := Table{Name: "phase_assignment", Header: []string{"sample_id", "phase"}}
		for i, p := range a.Labels {
			t.Rows = append(t.Rows, []any{a.Scores.Cells[i], string(p)})
		}
		out = append(out, t)
	}
	return out
}

func scoreTable(name string, cells []string, phases []cellcycle.Phase, values *mat.Dense) Table {
	t := Table{Name: name, Header: []string{"sample_id"}}
	for _, p := range phases {
		t.Header = append(t.Header, string(p))
	}
	for i, c := range cells {
		row := []any{c}
		for j := range phases {
			row = append(row, values.At(i, j))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func geneTable(detail []cellcycle.PhaseResult) Table {
	t := Table{Name: "phase_genes", Header: []string{"phase", "gene", "correlation", "kept"}}
	for _, d := range detail {
		kept := make(map[string]bool, len(d.Kept))
		for _, g := range d.Kept {
			kept[g] = true
		}
		for _, g := range d.Matched {
			corr, ok := d.Correlations[g]
			if !ok {
				corr = math.NaN()
			}
			t.Rows = append(t.Rows, []any{string(d.Phase), g, corr, kept[g]})
		}
	}
	return t
}

// CVTable returns one row per gene with the per-group means and adjusted
// z-scores, both metrics, their intervals and significance flags.
func CVTable(res *cvcompare.Result) Table {
	p := res.Point
	t := Table{Name: "cv_comparison", Header: []string{"gene"}}
	for _, g := range p.Groups {
		t.Header = append(t.Header, "mean_"+g)
	}
	for _, g := range p.Groups {
		t.Header = append(t.Header, "z_"+g)
	}
	t.Header = append(t.Header,
		"ssm", "ssm_lower", "ssm_upper", "ssm_significant",
		"sam", "sam_lower", "sam_upper", "sam_significant",
	)
	for i, gene := range p.Genes {
		row := []any{gene}
		for g := range p.Groups {
			row = append(row, p.Mean[g][i])
		}
		for g := range p.Groups {
			row = append(row, p.Standardized[g][i])
		}
		row = append(row,
			p.SSM[i], res.SSMInterval[i].Lower, res.SSMInterval[i].Upper, res.SSMSignificant[i],
			p.SAM[i], res.SAMInterval[i].Lower, res.SAMInterval[i].Upper, res.SAMSignificant[i],
		)
		t.Rows = append(t.Rows, row)
	}
	return t
}

// WriteTSV writes t as tab-separated text with a header line.
func WriteTSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	rec := make([]string, 0, len(t.Header))
	for _, row := range t.Rows {
		rec = rec[:0]
		for _, v := range row {
			rec = append(rec, formatCell(v))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if math.IsNaN(x) {
			return "NA"
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}

// WriteXLSX writes every table to its own sheet of a new workbook at path.
func WriteXLSX(path string, tables ...Table) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, t := range tables {
		sheet := t.Name
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("sheet %s: %w", sheet, err)
		}
		if err := f.SetSheetRow(sheet, "A1", &t.Header); err != nil {
			return fmt.Errorf("sheet %s: %w", sheet, err)
		}
		for r, row := range t.Rows {
			cells := make([]any, len(row))
			for k, v := range row {
				// NaN and Inf are not valid spreadsheet numbers.
				if x, ok := v.(float64); ok && (math.IsNaN(x) || math.IsInf(x, 0)) {
					v = formatCell(x)
				}
				cells[k] = v
			}
			cell, err := excelize.CoordinatesToCellName(1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
				return fmt.Errorf("sheet %s row %d: %w", sheet, r+2, err)
			}
		}
	}
	return f.SaveAs(path)
}
