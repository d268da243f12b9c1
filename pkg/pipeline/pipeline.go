// Package pipeline decodes a batch of ROIs: it loads the corpus and fits the
// decoder once, then maps, masks and decodes every requested region on a
// bounded worker pool.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"roidecode/internal/metrics"
	"roidecode/internal/models"
	"roidecode/internal/roierr"
	"roidecode/pkg/atlas"
	"roidecode/pkg/corpus"
	"roidecode/pkg/decoding"
	"roidecode/pkg/transform"
)

// MaxLabels is the largest number of labels reported per ROI.
const MaxLabels = 5

// CorpusLoader yields the study corpus. *corpus.Store implements it.
type CorpusLoader interface {
	EnsureLoaded(ctx context.Context) (*corpus.Corpus, error)
}

// Request describes one decoding run.
type Request struct {
	// ROIs are 1-based indices, decoded in this order; duplicates are kept
	ROIs []int

	// All selects every parcel 1..Atlas.NumParcels instead of ROIs
	All bool

	Atlas *models.LabelVolume
	Table *atlas.Table

	Method  string
	Labels  int
	Options decoding.Options

	// Transform maps table centroids into MNI152
	Transform models.Matrix34

	Corpus CorpusLoader

	// Workers bounds concurrent ROIs; values below 1 mean 1
	Workers int

	Logger  *slog.Logger
	Metrics *metrics.Collectors
}

// Row is the outcome for one requested ROI.
type Row struct {
	ROI    models.ROI
	Labels []models.Label

	// Err is set when the ROI could not be decoded
	Err error
}

// Status summarizes a finished run.
type Status int

const (
	// StatusOK means every row was decoded.
	StatusOK Status = iota
	// StatusPartial means at least one row carries an error.
	StatusPartial
)

func (s Status) String() string {
	if s == StatusPartial {
		return "partial"
	}
	return "ok"
}

// Report is the result of a completed run.
type Report struct {
	RunID   string
	Method  decoding.Method
	Rows    []Row
	Failed  int
	Elapsed time.Duration
}

// Status reports whether any row failed.
func (r *Report) Status() Status {
	if r.Failed > 0 {
		return StatusPartial
	}
	return StatusOK
}

// MeanTopScore averages the best label score of the successful rows. It is
// NaN when no row succeeded.
func (r *Report) MeanTopScore() float64 {
	var scores []float64
	for _, row := range r.Rows {
		if row.Err == nil && len(row.Labels) > 0 {
			scores = append(scores, row.Labels[0].Score)
		}
	}
	return stat.Mean(scores, nil)
}

// Run decodes every requested ROI. Per-ROI failures are recorded in their
// rows; any other failure aborts the run and returns no report.
func Run(ctx context.Context, req Request) (*Report, error) {
	const op = "pipeline.Run"
	start := time.Now()

	method, err := decoding.ParseMethod(req.Method)
	if err != nil {
		return nil, err
	}
	if req.Labels < 1 || req.Labels > MaxLabels {
		return nil, roierr.Newf(roierr.MalformedInput, op, "label count %d outside 1..%d", req.Labels, MaxLabels)
	}
	if req.Atlas == nil || req.Table == nil {
		return nil, roierr.Newf(roierr.MalformedInput, op, "atlas volume and ROI table are required")
	}
	indices, err := resolveROIs(req)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("run_id", runID))

	c, err := req.Corpus.EnsureLoaded(ctx)
	if err != nil {
		return nil, err
	}

	dec, err := decoding.New(method, req.Options)
	if err != nil {
		return nil, err
	}
	fitStart := time.Now()
	if err := dec.Fit(ctx, c); err != nil {
		return nil, fmt.Errorf("fit %s decoder: %w", method, err)
	}
	logger.Info("decoder ready",
		slog.String("method", string(method)),
		slog.Int("studies", c.Len()),
		slog.Int("terms", len(c.Terms)),
		slog.Duration("fit", time.Since(fitStart)))

	w := &worker{
		table:   req.Table,
		atlas:   req.Atlas,
		affine:  transform.New(req.Transform),
		decoder: dec,
		labels:  req.Labels,
	}

	workers := req.Workers
	if workers < 1 {
		workers = 1
	}

	rows := make([]Row, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, index := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t := time.Now()
			row := w.process(index)
			if row.Err != nil && roierr.Fatal(row.Err) {
				return fmt.Errorf("ROI %d: %w", index, row.Err)
			}
			rows[i] = row

			outcome := metrics.OutcomeSuccess
			if row.Err != nil {
				outcome = metrics.OutcomeError
				logger.Warn("ROI failed", slog.Int("roi", index), slog.Any("error", row.Err))
			} else {
				logger.Info("ROI decoded", slog.Int("roi", index), slog.String("name", row.ROI.Name), slog.Int("labels", len(row.Labels)))
			}
			if req.Metrics != nil {
				req.Metrics.ObserveROI(time.Since(t), outcome)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{RunID: runID, Method: method, Rows: rows, Elapsed: time.Since(start)}
	for _, row := range rows {
		if row.Err != nil {
			report.Failed++
		}
	}
	logger.Info("run finished",
		slog.Int("rois", len(rows)),
		slog.Int("failed", report.Failed),
		slog.String("status", report.Status().String()),
		slog.Duration("elapsed", report.Elapsed))
	return report, nil
}

func resolveROIs(req Request) ([]int, error) {
	const op = "pipeline.Run"
	switch {
	case req.All && len(req.ROIs) > 0:
		return nil, roierr.Newf(roierr.MalformedInput, op, "an explicit ROI list and all ROIs are mutually exclusive")
	case req.All:
		n := req.Atlas.NumParcels
		if n < 1 {
			return nil, roierr.Newf(roierr.MalformedInput, op, "atlas declares no parcels")
		}
		out := make([]int, n)
		for i := range out {
			out[i] = i + 1
		}
		return out, nil
	case len(req.ROIs) == 0:
		return nil, roierr.Newf(roierr.MalformedInput, op, "no ROIs requested")
	}
	return req.ROIs, nil
}

// worker holds the shared read-only state used to decode one ROI.
type worker struct {
	table   *atlas.Table
	atlas   *models.LabelVolume
	affine  *transform.Affine
	decoder decoding.Decoder
	labels  int
}

func (w *worker) process(index int) Row {
	row := Row{ROI: models.ROI{Index: index}}

	entry, err := w.table.Lookup(index)
	if err != nil {
		row.Err = err
		return row
	}
	row.ROI.Name = entry.Name
	row.ROI.NetworkLabel = entry.Network
	row.ROI.ParcelLabel = entry.Parcel
	row.ROI.Native = entry.Native
	row.ROI.Standard = w.affine.Apply(entry.Native)

	mask, err := atlas.BuildMask(w.atlas, index)
	if err != nil {
		row.Err = err
		return row
	}

	labels, err := w.decoder.Decode(mask, w.labels)
	if err != nil {
		row.Err = err
		return row
	}
	if len(labels) == 0 {
		row.Err = roierr.Newf(roierr.InvalidRegion, "pipeline.Run", "no terms scored for ROI %d", index)
		return row
	}
	row.Labels = labels
	return row
}
