// Command scstat runs phase assignment and CV comparison on tabular inputs
// and writes the results as TSV or XLSX.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hhaiyu/singleCellSeq/internal/cellcycle"
	"github.com/hhaiyu/singleCellSeq/internal/config"
	"github.com/hhaiyu/singleCellSeq/internal/cvcompare"
	"github.com/hhaiyu/singleCellSeq/internal/dataset"
	"github.com/hhaiyu/singleCellSeq/internal/report"
	"github.com/hhaiyu/singleCellSeq/internal/service"
	"github.com/spf13/cobra"
)

var (
	configPath string
	datasetID  string
	outPath    string

	countsPath     string
	annotationPath string
	geneSetsPath   string
	qcPath         string
	idColumn       string
	excludePrefix  []string

	corrThreshold float64
	refineRounds  int

	groupBy    string
	groups     []string
	logScale   bool
	sampleSize int
	iterations int
	seed       uint64
	workers    int
	mode       string
	tail       string
)

var rootCmd = &cobra.Command{
	Use:   "scstat",
	Short: "Cell-cycle phase assignment and expression noise comparison",
	Long: `scstat assigns cell-cycle phases to single cells from marker gene sets and
compares per-gene expression noise between groups of cells with bootstrap
confidence intervals. Inputs come from the server configuration or from flags.`,
	SilenceUsage: true,
}

var phaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Score cells for each cell-cycle phase and assign the best one",
	RunE:  runPhase,
}

var cvCmd = &cobra.Command{
	Use:   "cv",
	Short: "Compare per-gene noise between groups of cells",
	RunE:  runCV,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to server configuration file")
	rootCmd.PersistentFlags().StringVarP(&datasetID, "dataset", "d", "", "Dataset id from the configuration (default: configured default)")
	rootCmd.PersistentFlags().StringVarP(&outPath, "out", "o", "", "Output: .xlsx workbook, directory for TSV files, or stdout when empty")
	rootCmd.PersistentFlags().StringVar(&countsPath, "counts", "", "Genes × samples count table")
	rootCmd.PersistentFlags().StringVar(&qcPath, "qc", "", "Sample ids passing quality control")
	rootCmd.PersistentFlags().StringSliceVar(&excludePrefix, "exclude-prefix", nil, "Drop genes whose id starts with this prefix (repeatable)")

	phaseCmd.Flags().StringVar(&geneSetsPath, "gene-sets", "", "Cell-cycle gene sets (wide or long format)")
	phaseCmd.Flags().Float64Var(&corrThreshold, "threshold", 0, "Minimum correlation of a gene with its phase score")
	phaseCmd.Flags().IntVar(&refineRounds, "rounds", 0, "Maximum gene filtering rounds")

	cvCmd.Flags().StringVar(&annotationPath, "annotation", "", "Per-sample annotation table")
	cvCmd.Flags().StringVar(&idColumn, "id-column", "", "Annotation column holding sample ids")
	cvCmd.Flags().StringVar(&groupBy, "group-by", "", "Annotation column defining the groups")
	cvCmd.Flags().StringSliceVar(&groups, "groups", nil, "Restrict to these groups")
	cvCmd.Flags().BoolVar(&logScale, "log-scale", false, "Counts are already log2 transformed")
	cvCmd.Flags().IntVar(&sampleSize, "sample-size", 0, "Cells drawn per group in each bootstrap iteration")
	cvCmd.Flags().IntVar(&iterations, "iterations", 0, "Bootstrap iterations")
	cvCmd.Flags().Uint64Var(&seed, "seed", 0, "Bootstrap seed")
	cvCmd.Flags().IntVar(&workers, "workers", 0, "Bootstrap workers (default: number of CPUs)")
	cvCmd.Flags().StringVar(&mode, "mode", "", "Bootstrap mode: pooled (default) or within")
	cvCmd.Flags().StringVar(&tail, "tail", "", "Significance tail: upper (default) or two-sided")

	rootCmd.AddCommand(phaseCmd, cvCmd)
}

// loadSettings reads the configuration (defaults when no file is given) and
// applies the input flags that were set to the selected dataset.
func loadSettings(cmd *cobra.Command) (*config.Config, config.DatasetConfig, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, config.DatasetConfig{}, err
		}
		cfg = loaded
	}

	id := datasetID
	if id == "" {
		id = cfg.Data.DefaultDataset
	}
	ds, ok := cfg.Data.Datasets[id]
	if !ok {
		return nil, config.DatasetConfig{}, fmt.Errorf("dataset %q not configured", id)
	}

	flags := cmd.Flags()
	if flags.Changed("counts") {
		ds.Counts = countsPath
	}
	if flags.Changed("qc") {
		ds.QC = qcPath
	}
	if flags.Changed("exclude-prefix") {
		ds.ExcludeGenePrefixes = excludePrefix
	}
	if flags.Changed("gene-sets") {
		ds.GeneSets = geneSetsPath
	}
	if flags.Changed("annotation") {
		ds.Annotation = annotationPath
	}
	if flags.Changed("id-column") {
		ds.IDColumn = idColumn
	}
	if flags.Changed("group-by") {
		ds.GroupBy = groupBy
	}
	if flags.Changed("log-scale") {
		ds.LogScale = logScale
	}
	return cfg, ds, nil
}

func runPhase(cmd *cobra.Command, args []string) error {
	cfg, dsCfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	// gene sets are the only annotation phase scoring needs
	dsCfg.Annotation = ""
	if dsCfg.GeneSets == "" {
		return fmt.Errorf("no gene sets given")
	}
	ds, err := dataset.Load(datasetName(), dsCfg)
	if err != nil {
		return err
	}

	opts := service.PhaseOptions(cfg.Analysis.Phase)
	if cmd.Flags().Changed("threshold") {
		opts.CorrThreshold = corrThreshold
	}
	if refineRounds > 0 {
		opts.RefineRounds = refineRounds
	}

	a, err := cellcycle.NewScorer(opts).AssignPhases(ds.Counts, ds.GeneSets)
	if err != nil {
		return err
	}
	for _, p := range cellcycle.Phases {
		log.Printf("[phase] %-5s %d cells", p, a.Counts()[p])
	}
	return writeTables(report.PhaseTables(a), "phase_assignment")
}

func runCV(cmd *cobra.Command, args []string) error {
	cfg, dsCfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	dsCfg.GeneSets = ""
	ds, err := dataset.Load(datasetName(), dsCfg)
	if err != nil {
		return err
	}

	in, err := service.PrepareCV(ds, "", groups, service.PhaseOptions(cfg.Analysis.Phase).TMM)
	if err != nil {
		return err
	}
	if in.Skipped > 0 {
		log.Printf("[cv] %d genes constant within a group, skipped", in.Skipped)
	}

	opts := service.CVOptions(cfg.Analysis.CV)
	if sampleSize > 0 {
		opts.SampleSize = sampleSize
	}
	if iterations > 0 {
		opts.Iterations = iterations
	}
	if cmd.Flags().Changed("seed") {
		opts.Seed = seed
	}
	if workers > 0 {
		opts.Workers = workers
	}
	if mode != "" {
		opts.Mode = cvcompare.Mode(mode)
	}
	if tail != "" {
		opts.Tail = cvcompare.Tail(tail)
	}

	cmp, err := cvcompare.New(in.Expr, in.Groups, opts)
	if err != nil {
		return err
	}
	nGenes, nCells := in.Expr.Dims()
	log.Printf("[cv] %d genes, %d cells, groups %s", nGenes, nCells, strings.Join(in.GroupNames(), ", "))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	step := max(1, cmp.Options().Iterations/10)
	res, err := cmp.Run(ctx, func(done, total int) {
		if done%step == 0 || done == total {
			log.Printf("[cv] bootstrap %d/%d", done, total)
		}
	})
	if err != nil {
		return err
	}

	nSSM, nSAM := 0, 0
	for i := range res.SSMSignificant {
		if res.SSMSignificant[i] {
			nSSM++
		}
		if res.SAMSignificant[i] {
			nSAM++
		}
	}
	log.Printf("[cv] significant: %d by SSM, %d by SAM", nSSM, nSAM)
	return writeTables([]report.Table{report.CVTable(res)}, "cv_comparison")
}

func datasetName() string {
	if datasetID != "" {
		return datasetID
	}
	return "cli"
}

// writeTables writes every table into an XLSX workbook or a directory of TSV
// files. Without --out the table named primary goes to stdout.
func writeTables(tables []report.Table, primary string) error {
	switch {
	case outPath == "":
		for _, t := range tables {
			if t.Name == primary {
				return report.WriteTSV(os.Stdout, t)
			}
		}
		return fmt.Errorf("no %s table", primary)
	case strings.EqualFold(filepath.Ext(outPath), ".xlsx"):
		if err := report.WriteXLSX(outPath, tables...); err != nil {
			return err
		}
		log.Printf("wrote %s", outPath)
		return nil
	}

	if err := os.MkdirAll(outPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, t := range tables {
		path := filepath.Join(outPath, t.Name+".tsv")
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		werr := report.WriteTSV(f, t)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return fmt.Errorf("failed to write %s: %w", path, werr)
		}
		log.Printf("wrote %s", path)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
