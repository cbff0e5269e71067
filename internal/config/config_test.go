package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_FlatFormat(t *testing.T) {
	content := `
server:
  port: 9000
data:
  counts: "/data/ipsc/molecules.txt.gz"
  annotation: "/data/ipsc/annotation.txt"
  gene_sets: "/data/ipsc/cellcyclegenes.csv"
  group_by: individual
  exclude_gene_prefixes: ["ERCC-"]
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset 'default', got %q", cfg.Data.DefaultDataset)
	}
	ds, ok := cfg.Data.Datasets["default"]
	if !ok {
		t.Fatal("expected 'default' dataset")
	}
	if ds.Counts != "/data/ipsc/molecules.txt.gz" {
		t.Errorf("unexpected counts: %s", ds.Counts)
	}
	if ds.GroupBy != "individual" {
		t.Errorf("unexpected group_by: %s", ds.GroupBy)
	}
	if len(ds.ExcludeGenePrefixes) != 1 || ds.ExcludeGenePrefixes[0] != "ERCC-" {
		t.Errorf("unexpected exclude_gene_prefixes: %v", ds.ExcludeGenePrefixes)
	}
}

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 8080
data:
  ipsc:
    counts: "/data/ipsc/molecules.txt"
    group_by: individual
  lcl:
    counts: "/data/lcl/molecules.txt"
    qc: "/data/lcl/qc.txt"
`
	cfg := loadFromString(t, content)

	if len(cfg.Data.Datasets) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(cfg.Data.Datasets))
	}

	// First dataset in YAML order should be default
	if cfg.Data.DefaultDataset != "ipsc" {
		t.Errorf("expected default dataset 'ipsc', got %q", cfg.Data.DefaultDataset)
	}

	lcl, ok := cfg.Data.Datasets["lcl"]
	if !ok {
		t.Fatal("expected 'lcl' dataset")
	}
	if lcl.QC != "/data/lcl/qc.txt" {
		t.Errorf("unexpected lcl qc: %s", lcl.QC)
	}

	ids := cfg.Data.DatasetIDs()
	if len(ids) != 2 || ids[0] != "ipsc" || ids[1] != "lcl" {
		t.Errorf("unexpected dataset order: %v", ids)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
data:
  test:
    counts: "/test/molecules.txt"
analysis:
  cv:
    iterations: 200
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.ResultSizeMB != 256 {
		t.Errorf("expected default cache size 256, got %d", cfg.Cache.ResultSizeMB)
	}
	if th := cfg.Analysis.Phase.CorrThreshold; th == nil || *th != 0.3 {
		t.Errorf("expected default correlation threshold 0.3, got %v", th)
	}
	if cfg.Analysis.CV.Iterations != 200 {
		t.Errorf("expected 200 iterations, got %d", cfg.Analysis.CV.Iterations)
	}
	if cfg.Analysis.CV.SampleSize != 90 {
		t.Errorf("expected default sample size 90, got %d", cfg.Analysis.CV.SampleSize)
	}
	if cfg.Analysis.CV.Lower != 0.025 || cfg.Analysis.CV.Upper != 0.975 {
		t.Errorf("unexpected default percentiles [%v, %v]", cfg.Analysis.CV.Lower, cfg.Analysis.CV.Upper)
	}
	if cfg.Jobs.RetentionDays != 7 {
		t.Errorf("expected default retention 7, got %d", cfg.Jobs.RetentionDays)
	}
}

func TestLoad_ZeroCorrThreshold(t *testing.T) {
	content := `
analysis:
  phase:
    corr_threshold: 0
`
	cfg := loadFromString(t, content)

	th := cfg.Analysis.Phase.CorrThreshold
	if th == nil || *th != 0 {
		t.Errorf("expected explicit correlation threshold 0 to be kept, got %v", th)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset, got %q", cfg.Data.DefaultDataset)
	}
	if len(cfg.Data.Datasets) != 1 {
		t.Errorf("expected 1 default dataset, got %d", len(cfg.Data.Datasets))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.CV.Mode != "pooled" || cfg.Analysis.CV.Tail != "upper" {
		t.Errorf("expected default mode, got %q", cfg.Analysis.CV.Mode)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data: [1, 2"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "server.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ids := cfg.Data.DatasetIDs(); len(ids) != 1 || ids[0] != "ipsc" {
		t.Errorf("unexpected dataset ids: %v", ids)
	}
	if cfg.Analysis.CV.Seed != 20150801 || cfg.Analysis.CV.Mode != "pooled" {
		t.Errorf("unexpected cv settings: %+v", cfg.Analysis.CV)
	}
	if cfg.Data.Datasets["ipsc"].IDColumn != "sample_id" {
		t.Errorf("unexpected id column: %q", cfg.Data.Datasets["ipsc"].IDColumn)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
