// Package decoding ranks functional terms for a brain region against the
// study corpus. Three methods are available:
//
//   - association correlates the region with per-term meta-analytic maps
//   - brainmap scores p(selected|term) with a binomial test
//   - chi applies Neurosynth-style reverse inference with a chi-square test
//
// A Decoder is fitted once per corpus; Decode is then safe for concurrent use.
package decoding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"roidecode/internal/models"
	"roidecode/internal/roierr"
	"roidecode/pkg/corpus"
)

// Method names a decoding method.
type Method string

const (
	Association Method = "association"
	BrainMap    Method = "brainmap"
	Chi         Method = "chi"
)

// Methods lists the supported methods in the order shown to users.
var Methods = []Method{Association, Chi, BrainMap}

// ParseMethod resolves a method name. Surrounding whitespace and case are ignored.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case Association, BrainMap, Chi:
		return m, nil
	}
	return "", roierr.Newf(roierr.UnsupportedMethod, "decoding.ParseMethod", "unknown method %q, valid methods are %s", s, methodList())
}

func methodList() string {
	names := make([]string, len(Methods))
	for i, m := range Methods {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// Options are the tunables shared by all methods.
type Options struct {
	// Prior is p(term) for chi reverse inference
	Prior float64

	// FrequencyThreshold binarizes term weights for brainmap and chi: a study
	// carries a term when its weight exceeds the threshold
	FrequencyThreshold float64

	// KernelRadius is the sphere radius in mm drawn around each focus by association
	KernelRadius float64
}

// DefaultOptions returns the standard Neurosynth settings.
func DefaultOptions() Options {
	return Options{Prior: 0.5, FrequencyThreshold: 0.001, KernelRadius: 6}
}

// Decoder scores the corpus vocabulary against a region.
type Decoder interface {
	// Fit precomputes the corpus-wide state. It must be called once before Decode.
	Fit(ctx context.Context, c *corpus.Corpus) error

	// Decode returns at most n labels ordered by descending score. Fewer are
	// returned when the corpus knows fewer terms.
	Decode(mask *models.RegionMask, n int) ([]models.Label, error)
}

// New returns an unfitted decoder for m.
func New(m Method, opts Options) (Decoder, error) {
	switch m {
	case Association:
		return &AssociationDecoder{Radius: opts.KernelRadius}, nil
	case BrainMap:
		return &BrainMapDecoder{frequency: frequency{Threshold: opts.FrequencyThreshold}}, nil
	case Chi:
		if opts.Prior <= 0 || opts.Prior >= 1 {
			return nil, fmt.Errorf("chi prior must lie in (0, 1), got %g", opts.Prior)
		}
		return &ChiDecoder{frequency: frequency{Threshold: opts.FrequencyThreshold}, Prior: opts.Prior}, nil
	}
	return nil, roierr.Newf(roierr.UnsupportedMethod, "decoding.New", "unknown method %q", m)
}

var errNotFitted = errors.New("decoder used before Fit")
