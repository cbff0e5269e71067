package api

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hhaiyu/singleCellSeq/internal/config"
	"github.com/hhaiyu/singleCellSeq/internal/dataset"
	"github.com/hhaiyu/singleCellSeq/internal/service"
	"golang.org/x/sync/singleflight"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
}

// Loader reads one configured dataset.
type Loader func(id string, cfg config.DatasetConfig) (*dataset.Dataset, error)

// DatasetRegistry holds all configured datasets and loads each on first use.
type DatasetRegistry struct {
	mu             sync.RWMutex
	configs        map[string]config.DatasetConfig
	loaded         map[string]*dataset.Dataset
	group          singleflight.Group
	load           Loader
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		configs:        make(map[string]config.DatasetConfig),
		loaded:         make(map[string]*dataset.Dataset),
		load:           dataset.Load,
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// SetLoader replaces the function used to read datasets.
func (r *DatasetRegistry) SetLoader(load Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load = load
}

// Register adds a dataset configuration.
func (r *DatasetRegistry) Register(datasetID string, cfg config.DatasetConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[datasetID] = cfg
}

// RegisterLoaded adds an already loaded dataset.
func (r *DatasetRegistry) RegisterLoaded(ds *dataset.Dataset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[ds.ID] = config.DatasetConfig{}
	r.loaded[ds.ID] = ds
}

// Has reports whether a dataset is configured.
func (r *DatasetRegistry) Has(datasetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.configs[datasetID]
	return ok
}

// Dataset returns the dataset, loading it on first use. Concurrent first
// requests share one load.
func (r *DatasetRegistry) Dataset(ctx context.Context, datasetID string) (*dataset.Dataset, error) {
	r.mu.RLock()
	ds, ok := r.loaded[datasetID]
	cfg, known := r.configs[datasetID]
	load := r.load
	r.mu.RUnlock()
	if ok {
		return ds, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", service.ErrDatasetNotFound, datasetID)
	}

	ch := r.group.DoChan(datasetID, func() (interface{}, error) {
		log.Printf("[Registry] loading dataset %s", datasetID)
		ds, err := load(datasetID, cfg)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.loaded[datasetID] = ds
		r.mu.Unlock()
		return ds, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*dataset.Dataset), nil
	}
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "scstat"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		_, loaded := r.loaded[id]
		infos = append(infos, DatasetInfo{
			ID:     id,
			Name:   id,
			Loaded: loaded,
		})
	}
	return infos
}
