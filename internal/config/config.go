// Package config handles configuration loading for the scstat server.
package config

import (
	"fmt"
	"os"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Cache    CacheConfig    `yaml:"cache"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Jobs     JobsConfig     `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes the input files of one dataset.
type DatasetConfig struct {
	Counts     string `yaml:"counts"`      // genes × samples molecule counts
	Annotation string `yaml:"annotation"`  // per-sample table
	GeneSets   string `yaml:"gene_sets"`   // cell-cycle gene lists
	QC         string `yaml:"qc"`          // sample ids passing QC; empty keeps all
	IDColumn   string `yaml:"id_column"`   // annotation column with sample ids
	GroupBy    string `yaml:"group_by"`    // annotation column defining CV groups
	LogScale   bool   `yaml:"log_scale"`   // counts are already log2 transformed
	// ExcludeGenePrefixes drops genes by identifier prefix (spike-ins).
	ExcludeGenePrefixes []string `yaml:"exclude_gene_prefixes"`
}

// DataConfig contains the configured datasets. In YAML it is either a single
// flat dataset or a mapping of dataset id to dataset; the first id is the
// default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig `yaml:"-"`
	DefaultDataset string                   `yaml:"-"`
	order          []string
}

// DatasetIDs returns dataset ids in configuration order.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// UnmarshalYAML accepts the flat and the multi-dataset layouts.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}
	if len(node.Content) == 0 {
		return nil
	}

	flat := true
	for i := 1; i < len(node.Content); i += 2 {
		if node.Content[i].Kind == yaml.MappingNode {
			flat = false
			break
		}
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	if flat {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.add("default", ds)
		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		if _, dup := d.Datasets[id]; dup {
			return fmt.Errorf("data: duplicate dataset %q", id)
		}
		d.add(id, ds)
	}
	return nil
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	d.Datasets[id] = ds
	d.order = append(d.order, id)
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultSizeMB      int `yaml:"result_size_mb"`
	ResultTTLMinutes  int `yaml:"result_ttl_minutes"`
	QueryCacheEntries int `yaml:"query_cache_entries"`
}

// AnalysisConfig holds the default parameters of both analyses.
type AnalysisConfig struct {
	Phase PhaseConfig `yaml:"phase"`
	CV    CVConfig    `yaml:"cv"`
}

// PhaseConfig contains cell-cycle scoring settings.
type PhaseConfig struct {
	// CorrThreshold is a pointer so that an explicit 0 is kept.
	CorrThreshold *float64 `yaml:"corr_threshold"`
	RefineRounds  int      `yaml:"refine_rounds"`
	PriorCount    float64  `yaml:"prior_count"`
	LogratioTrim  float64  `yaml:"logratio_trim"`
	SumTrim       float64  `yaml:"sum_trim"`
}

// CVConfig contains coefficient-of-variation comparison settings.
type CVConfig struct {
	SampleSize  int     `yaml:"sample_size"`
	Iterations  int     `yaml:"iterations"`
	Seed        uint64  `yaml:"seed"`
	Workers     int     `yaml:"workers"`
	TrendWindow int     `yaml:"trend_window"`
	Lower       float64 `yaml:"lower"`
	Upper       float64 `yaml:"upper"`
	Mode        string  `yaml:"mode"`
	Tail        string  `yaml:"tail"`
}

// JobsConfig contains background job settings.
type JobsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	RetentionDays int `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Cache: CacheConfig{
			ResultSizeMB:      256,
			ResultTTLMinutes:  60,
			QueryCacheEntries: 1000,
		},
		Analysis: AnalysisConfig{
			Phase: PhaseConfig{
				CorrThreshold: lo.ToPtr(0.3),
				RefineRounds:  1,
				PriorCount:    2,
				LogratioTrim:  0.3,
				SumTrim:       0.05,
			},
			CV: CVConfig{
				SampleSize:  90,
				Iterations:  1000,
				Seed:        1,
				TrendWindow: 50,
				Lower:       0.025,
				Upper:       0.975,
				Mode:        "pooled",
				Tail:        "upper",
			},
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
	}
	cfg.Data.add("default", DatasetConfig{
		Counts:              "./data/molecules.txt",
		Annotation:          "./data/annotation.txt",
		GeneSets:            "./data/cellcyclegenes.txt",
		QC:                  "./data/quality-single-cells.txt",
		GroupBy:             "individual",
		ExcludeGenePrefixes: []string{"ERCC-"},
	})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.QueryCacheEntries == 0 {
		cfg.Cache.QueryCacheEntries = defaults.Cache.QueryCacheEntries
	}

	p, dp := &cfg.Analysis.Phase, defaults.Analysis.Phase
	if p.CorrThreshold == nil {
		p.CorrThreshold = dp.CorrThreshold
	}
	if p.RefineRounds == 0 {
		p.RefineRounds = dp.RefineRounds
	}
	if p.PriorCount == 0 {
		p.PriorCount = dp.PriorCount
	}
	if p.LogratioTrim == 0 {
		p.LogratioTrim = dp.LogratioTrim
	}
	if p.SumTrim == 0 {
		p.SumTrim = dp.SumTrim
	}

	cv, dcv := &cfg.Analysis.CV, defaults.Analysis.CV
	if cv.SampleSize == 0 {
		cv.SampleSize = dcv.SampleSize
	}
	if cv.Iterations == 0 {
		cv.Iterations = dcv.Iterations
	}
	if cv.Seed == 0 {
		cv.Seed = dcv.Seed
	}
	if cv.TrendWindow == 0 {
		cv.TrendWindow = dcv.TrendWindow
	}
	if cv.Lower == 0 && cv.Upper == 0 {
		cv.Lower, cv.Upper = dcv.Lower, dcv.Upper
	}
	if cv.Mode == "" {
		cv.Mode = dcv.Mode
	}
	if cv.Tail == "" {
		cv.Tail = dcv.Tail
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}
