package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels ROIs decoded without error.
	OutcomeSuccess = "success"
	// OutcomeError labels ROIs recorded with an error marker.
	OutcomeError = "error"

	// SourceCache labels corpus loads served from the local cache file.
	SourceCache = "cache"
	// SourceRemote labels corpus loads that required a remote fetch.
	SourceRemote = "remote"
)

// Collectors holds the pipeline metrics. Each run may own its collectors so
// that tests can use isolated registries.
type Collectors struct {
	ROIs          *prometheus.CounterVec
	DecodeSeconds prometheus.Histogram
	CorpusLoads   *prometheus.CounterVec
}

// New creates unregistered collectors.
func New() *Collectors {
	return &Collectors{
		ROIs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "roidecode",
				Name:      "rois_total",
				Help:      "Total number of ROIs processed, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		DecodeSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "roidecode",
				Name:      "decode_seconds",
				Help:      "Per-ROI mask and decode latency in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		CorpusLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "roidecode",
				Name:      "corpus_loads_total",
				Help:      "Corpus loads, partitioned by where the data came from.",
			},
			[]string{"source"},
		),
	}
}

// Register attaches the collectors to the supplied Prometheus registerer.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{c.ROIs, c.DecodeSeconds, c.CorpusLoads} {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveROI records a per-ROI duration and outcome label.
func (c *Collectors) ObserveROI(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	c.ROIs.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	c.DecodeSeconds.Observe(duration.Seconds())
}

// ObserveCorpusLoad counts a corpus load from source.
func (c *Collectors) ObserveCorpusLoad(source string) {
	c.CorpusLoads.WithLabelValues(source).Inc()
}

// WriteTextfile writes every metric of g to path in the text exposition format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
