// Package service provides the analyses behind the HTTP API.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/hhaiyu/singleCellSeq/internal/cache"
	"github.com/hhaiyu/singleCellSeq/internal/cellcycle"
	"github.com/hhaiyu/singleCellSeq/internal/config"
	"github.com/hhaiyu/singleCellSeq/internal/cvcompare"
	"github.com/hhaiyu/singleCellSeq/internal/dataset"
)

// CVPriorCount is the prior added to counts before log2 CPM for the CV
// comparison.
const CVPriorCount = 0.25

// ErrDatasetNotFound is returned for unknown dataset ids.
var ErrDatasetNotFound = errors.New("dataset not found")

// DatasetSource resolves dataset ids to loaded datasets.
type DatasetSource interface {
	Dataset(ctx context.Context, id string) (*dataset.Dataset, error)
}

// AnalysisService runs phase assignment and CV comparison on datasets.
type AnalysisService struct {
	datasets DatasetSource
	cache    *cache.Manager
	phase    config.PhaseConfig
	cv       config.CVConfig
}

// AnalysisServiceConfig contains the dependencies of an AnalysisService.
type AnalysisServiceConfig struct {
	Datasets DatasetSource
	Cache    *cache.Manager
	Analysis config.AnalysisConfig
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(cfg AnalysisServiceConfig) *AnalysisService {
	return &AnalysisService{
		datasets: cfg.Datasets,
		cache:    cfg.Cache,
		phase:    cfg.Analysis.Phase,
		cv:       cfg.Analysis.CV,
	}
}

// PhaseOptions converts configured settings into scorer options.
func PhaseOptions(c config.PhaseConfig) cellcycle.Options {
	opts := cellcycle.DefaultOptions()
	if c.CorrThreshold != nil {
		opts.CorrThreshold = *c.CorrThreshold
	}
	if c.RefineRounds > 0 {
		opts.RefineRounds = c.RefineRounds
	}
	if c.PriorCount > 0 {
		opts.PriorCount = c.PriorCount
	}
	if c.LogratioTrim > 0 {
		opts.TMM.LogratioTrim = c.LogratioTrim
	}
	if c.SumTrim > 0 {
		opts.TMM.SumTrim = c.SumTrim
	}
	return opts
}

// CVOptions converts configured settings into comparator options.
func CVOptions(c config.CVConfig) cvcompare.Options {
	opts := cvcompare.DefaultOptions()
	if c.SampleSize != 0 {
		opts.SampleSize = c.SampleSize
	}
	if c.Iterations != 0 {
		opts.Iterations = c.Iterations
	}
	if c.Seed != 0 {
		opts.Seed = c.Seed
	}
	opts.Workers = c.Workers
	if c.TrendWindow > 0 {
		opts.TrendWindow = c.TrendWindow
	}
	if c.Lower != 0 || c.Upper != 0 {
		opts.Lower, opts.Upper = c.Lower, c.Upper
	}
	if c.Mode != "" {
		opts.Mode = cvcompare.Mode(c.Mode)
	}
	if c.Tail != "" {
		opts.Tail = cvcompare.Tail(c.Tail)
	}
	return opts
}

// PhaseRequest overrides phase scoring settings for one request.
type PhaseRequest struct {
	CorrThreshold *float64
	RefineRounds  int
}

// PhaseCell is the assignment of one cell.
type PhaseCell struct {
	SampleID string             `json:"sample_id"`
	Phase    cellcycle.Phase    `json:"phase"`
	Scores   map[string]float64 `json:"scores"`
	ZScores  map[string]float64 `json:"zscores"`
}

// PhaseGenes summarises the gene filtering of one phase.
type PhaseGenes struct {
	Phase   cellcycle.Phase `json:"phase"`
	Matched int             `json:"matched"`
	Kept    []string        `json:"kept"`
	Rounds  int             `json:"rounds"`
}

// PhaseResponse is the JSON payload of a phase assignment.
type PhaseResponse struct {
	Dataset       string                  `json:"dataset"`
	CorrThreshold float64                 `json:"corr_threshold"`
	Counts        map[cellcycle.Phase]int `json:"counts"`
	Genes         []PhaseGenes            `json:"genes"`
	Cells         []PhaseCell             `json:"cells"`
}

// PhaseError reports an assignment that could not be completed.
type PhaseError struct {
	Dataset string
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase assignment for %s: %v", e.Dataset, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Phases returns the JSON-encoded phase assignment of a dataset, cached per
// dataset and settings.
func (s *AnalysisService) Phases(ctx context.Context, datasetID string, req PhaseRequest) ([]byte, error) {
	opts := PhaseOptions(s.phase)
	if req.CorrThreshold != nil {
		opts.CorrThreshold = *req.CorrThreshold
	}
	if req.RefineRounds > 0 {
		opts.RefineRounds = req.RefineRounds
	}

	key := cache.PhaseKey(datasetID, map[string]string{
		"threshold": strconv.FormatFloat(opts.CorrThreshold, 'g', -1, 64),
		"rounds":    strconv.Itoa(opts.RefineRounds),
		"prior":     strconv.FormatFloat(opts.PriorCount, 'g', -1, 64),
	})
	if s.cache != nil {
		if data, ok := s.cache.GetResult(key); ok {
			return data, nil
		}
	}

	ds, err := s.datasets.Dataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if len(ds.GeneSets) == 0 {
		return nil, &PhaseError{Dataset: datasetID, Err: errors.New("no gene sets configured")}
	}

	a, err := cellcycle.NewScorer(opts).AssignPhases(ds.Counts, ds.GeneSets)
	if err != nil {
		return nil, &PhaseError{Dataset: datasetID, Err: err}
	}

	data, err := json.Marshal(phaseResponse(datasetID, opts, a))
	if err != nil {
		return nil, fmt.Errorf("failed to encode phase assignment: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SetResult(key, data); err != nil {
			log.Printf("[AnalysisService] cache phase payload for %s: %v", datasetID, err)
		}
	}
	return data, nil
}

func phaseResponse(datasetID string, opts cellcycle.Options, a *cellcycle.Assignment) *PhaseResponse {
	resp := &PhaseResponse{
		Dataset:       datasetID,
		CorrThreshold: opts.CorrThreshold,
		Counts:        a.Counts(),
		Cells:         make([]PhaseCell, len(a.Labels)),
	}
	for _, d := range a.Scores.Detail {
		resp.Genes = append(resp.Genes, PhaseGenes{
			Phase:   d.Phase,
			Matched: len(d.Matched),
			Kept:    d.Kept,
			Rounds:  d.Rounds,
		})
	}
	for i, label := range a.Labels {
		c := PhaseCell{
			SampleID: a.Scores.Cells[i],
			Phase:    label,
			Scores:   make(map[string]float64, len(a.Scores.Phases)),
			ZScores:  make(map[string]float64, len(a.Scores.Phases)),
		}
		for j, p := range a.Scores.Phases {
			c.Scores[string(p)] = a.Scores.Values.At(i, j)
			c.ZScores[string(p)] = a.Normalized.Values.At(i, j)
		}
		resp.Cells[i] = c
	}
	return resp
}

