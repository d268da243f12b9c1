package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"roidecode/internal/download"
	"roidecode/internal/metrics"
	"roidecode/internal/roierr"
	"roidecode/internal/utils"
	"roidecode/pkg/atlas"
	"roidecode/pkg/config"
	"roidecode/pkg/corpus"
	"roidecode/pkg/decoding"
	"roidecode/pkg/pipeline"
)

// Exit codes.
const (
	exitOK      = 0
	exitAborted = 1
	exitPartial = 2
)

type options struct {
	configPath  string
	rois        []int
	all         bool
	dir         string
	networks    int
	parcels     int
	method      string
	labels      int
	dataset     string
	output      string
	workers     int
	logLevel    string
	logJSON     bool
	metricsFile string
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	code := exitOK
	cmd := newRootCmd(stdout, &code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitAborted
	}
	return code
}

func newRootCmd(stdout io.Writer, code *int) *cobra.Command {
	o := &options{}
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "roidecode (--rois 1,2,3 | --all) [flags]",
		Short: "Label Schaefer 2018 ROIs with functional terms",
		Long: `Map regions of the Schaefer 2018 parcellation to functional labels.

For every requested ROI the centroid is reported in FreeSurfer RAS and MNI152
space, and the region is decoded against the Neurosynth study corpus with
one of three methods:

  association   correlation with per-term meta-analytic maps
  brainmap      p(selected|term) with a binomial test
  chi           Neurosynth reverse inference with a chi-square test

The atlas and corpus are downloaded into --dir on first use and reused on
later runs.

Exit Codes:
  0 = every ROI decoded
  1 = run aborted (bad input, corpus unavailable)
  2 = some ROIs failed, see the error column of the output`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := run(cmd, o, stdout)
			*code = c
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	f.IntSliceVarP(&o.rois, "rois", "r", nil, "ROI indices to decode, e.g. 1,2,3")
	f.BoolVarP(&o.all, "all", "a", false, "decode every ROI of the atlas")
	f.StringVarP(&o.dir, "dir", "d", defaults.Output.Dir, "directory for downloads and the corpus cache")
	f.IntVarP(&o.networks, "networks", "n", defaults.Atlas.Networks, "Yeo network count (7 or 17)")
	f.IntVarP(&o.parcels, "parcels", "p", defaults.Atlas.Parcels, "parcel count (100 to 1000 in steps of 100)")
	f.StringVar(&o.method, "method", defaults.Decoding.Method, "decoding method: association, chi or brainmap")
	f.IntVarP(&o.labels, "labels", "l", defaults.Decoding.Labels, "labels per ROI (1 to 5)")
	f.StringVar(&o.dataset, "dataset", "", "corpus cache file (default <dir>/"+config.CorpusFileName+")")
	f.StringVarP(&o.output, "output", "o", defaults.Output.File, "result CSV; .csv is appended when missing")
	f.IntVar(&o.workers, "workers", defaults.Processing.Workers, "ROIs decoded concurrently")
	f.StringVar(&o.logLevel, "log-level", defaults.Logging.Level, "debug, info, warn or error")
	f.BoolVar(&o.logJSON, "log-json", false, "log in JSON")
	f.StringVar(&o.metricsFile, "metrics-file", "", "write Prometheus metrics to this file at exit")

	cmd.MarkFlagsMutuallyExclusive("rois", "all")
	cmd.MarkFlagsOneRequired("rois", "all")
	return cmd
}

// loadConfig reads the configuration file and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command, o *options) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("dir") {
		cfg.Output.Dir = o.dir
	}
	if f.Changed("networks") {
		cfg.Atlas.Networks = o.networks
	}
	if f.Changed("parcels") {
		cfg.Atlas.Parcels = o.parcels
	}
	if f.Changed("method") {
		cfg.Decoding.Method = o.method
	}
	if f.Changed("labels") {
		cfg.Decoding.Labels = o.labels
	}
	if f.Changed("dataset") {
		cfg.Corpus.Path = o.dataset
	}
	if f.Changed("output") {
		cfg.Output.File = o.output
	}
	if f.Changed("workers") {
		cfg.Processing.Workers = o.workers
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if f.Changed("log-json") {
		cfg.Logging.JSON = o.logJSON
	}
	if f.Changed("metrics-file") {
		cfg.Output.MetricsFile = o.metricsFile
	}
	return cfg, nil
}

func run(cmd *cobra.Command, o *options, stdout io.Writer) (int, error) {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, o)
	if err != nil {
		return exitAborted, err
	}
	// An unknown method is reported as such, ahead of range validation.
	method, err := decoding.ParseMethod(cfg.Decoding.Method)
	if err != nil {
		return exitAborted, err
	}
	if err := cfg.Validate(); err != nil {
		return exitAborted, err
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)

	fmt.Fprintln(stdout, "================================")
	fmt.Fprintln(stdout, "ROIDECODE: FUNCTIONAL LABELS FOR SCHAEFER 2018 PARCELS")
	fmt.Fprintf(stdout, "Atlas: %d parcels, %d networks | Method: %s | Labels: %d\n",
		cfg.Atlas.Parcels, cfg.Atlas.Networks, method, cfg.Decoding.Labels)
	fmt.Fprintln(stdout, "================================")

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return exitAborted, fmt.Errorf("create output directory: %w", err)
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.New()
	if err := collectors.Register(registry); err != nil {
		return exitAborted, err
	}
	defer writeMetrics(cfg.Output.MetricsFile, registry, logger)

	client := &download.Client{
		HTTP:    &http.Client{},
		Timeout: cfg.Corpus.Timeout,
		Backoff: cfg.Corpus.RetryBackoff,
		Logger:  logger,
	}

	provider := &atlas.Provider{
		Dir:        cfg.Output.Dir,
		BaseURL:    cfg.Atlas.BaseURL,
		Resolution: cfg.Atlas.Resolution,
		Client:     client,
		Logger:     logger,
	}
	fmt.Fprintln(stdout, "Loading Schaefer atlas...")
	vol, table, err := provider.Fetch(ctx, cfg.Atlas.Networks, cfg.Atlas.Parcels)
	if err != nil {
		return exitAborted, err
	}

	store := &corpus.Store{
		Path:    cfg.CorpusPath(),
		Source:  corpusSource(cfg, client),
		Grid:    corpus.MNI152Grid2mm,
		Timeout: cfg.Corpus.Timeout,
		Backoff: cfg.Corpus.RetryBackoff,
		Logger:  logger,
		Metrics: collectors,
	}

	fmt.Fprintln(stdout, "Decoding ROIs...")
	report, err := pipeline.Run(ctx, pipeline.Request{
		ROIs:   o.rois,
		All:    o.all,
		Atlas:  vol,
		Table:  table,
		Method: string(method),
		Labels: cfg.Decoding.Labels,
		Options: decoding.Options{
			Prior:              cfg.Decoding.Prior,
			FrequencyThreshold: cfg.Decoding.FrequencyThreshold,
			KernelRadius:       cfg.Decoding.KernelRadius,
		},
		Transform: cfg.Transform.Matrix,
		Corpus:    store,
		Workers:   cfg.Processing.Workers,
		Logger:    logger,
		Metrics:   collectors,
	})
	if err != nil {
		return exitAborted, describe(err)
	}

	out := cfg.OutputPath()
	fmt.Fprintf(stdout, "Saving results to %s...\n", out)
	if err := pipeline.WriteCSVFile(out, report.Rows); err != nil {
		return exitAborted, err
	}

	printSummary(stdout, report, out)
	if report.Status() == pipeline.StatusPartial {
		return exitPartial, nil
	}
	return exitOK, nil
}

// corpusSource prefers the S3 mirror when a bucket is configured.
func corpusSource(cfg *config.Config, client *download.Client) corpus.Source {
	s3 := cfg.Corpus.S3
	switch {
	case s3.Bucket != "":
		return corpus.NewS3Source(corpus.S3Config{
			Bucket:    s3.Bucket,
			Key:       s3.Key,
			Region:    s3.Region,
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
		})
	case cfg.Corpus.URL != "":
		return &corpus.HTTPSource{URL: cfg.Corpus.URL, Client: client}
	}
	return nil
}

// describe prefixes an abort with its error class so the cause is obvious
// without reading the wrapped chain.
func describe(err error) error {
	var re *roierr.Error
	if errors.As(err, &re) {
		return fmt.Errorf("aborted (%s): %w", re.Kind, err)
	}
	return fmt.Errorf("aborted: %w", err)
}

func printSummary(w io.Writer, report *pipeline.Report, out string) {
	fmt.Fprintf(w, "\nDecoding finished in %.2f seconds (run %s)\n", report.Elapsed.Seconds(), report.RunID)
	fmt.Fprintf(w, "ROIs decoded: %d, failed: %d\n", len(report.Rows)-report.Failed, report.Failed)
	if len(report.Rows) > report.Failed {
		fmt.Fprintf(w, "Mean top-label score: %.4f\n", report.MeanTopScore())
	}
	for _, row := range report.Rows {
		if row.Err != nil {
			fmt.Fprintf(w, "- ROI %d: %v\n", row.ROI.Index, row.Err)
		}
	}
	fmt.Fprintf(w, "Output saved to: %s\n", out)
}

func writeMetrics(path string, g prometheus.Gatherer, logger *slog.Logger) {
	if path == "" {
		return
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Warn("metrics directory", slog.Any("error", err))
			return
		}
	}
	start := time.Now()
	if err := metrics.WriteTextfile(path, g); err != nil {
		logger.Warn("failed to write metrics", slog.String("path", path), slog.Any("error", err))
		return
	}
	logger.Debug("metrics written", slog.String("path", path), slog.Duration("took", time.Since(start)))
}
