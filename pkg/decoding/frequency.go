package decoding

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"roidecode/internal/models"
	"roidecode/internal/roierr"
	"roidecode/pkg/corpus"
)

// frequency holds the binarized term occurrence shared by brainmap and chi.
type frequency struct {
	// Threshold is the weight a term must exceed to count as present
	Threshold float64

	corpus *corpus.Corpus
	// active[s] lists the terms present in study s
	active [][]weight
	// count[t] is the number of studies carrying term t
	count []int
}

func (f *frequency) Fit(ctx context.Context, c *corpus.Corpus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.corpus = c
	f.active = sparseFeatures(c, func(w float64) bool { return w > f.Threshold })
	f.count = make([]int, len(c.Terms))
	for _, fs := range f.active {
		for _, w := range fs {
			f.count[w.term]++
		}
	}
	return nil
}

// selectedCounts returns the number of studies inside mask and, per term, how
// many of those carry it.
func (f *frequency) selectedCounts(op string, mask *models.RegionMask) (int, []int, error) {
	if f.corpus == nil {
		return 0, nil, errNotFitted
	}
	sel, err := f.corpus.SelectByMask(mask)
	if err != nil {
		return 0, nil, err
	}
	if len(sel) == 0 {
		return 0, nil, roierr.Newf(roierr.InvalidRegion, op, "no study reports a focus inside ROI %d", mask.Index)
	}

	hits := make([]int, len(f.count))
	for _, s := range sel {
		for _, w := range f.active[s] {
			hits[w.term]++
		}
	}
	return len(sel), hits, nil
}

// BrainMapDecoder implements the BrainMap-style forward and reverse inference
// on the studies selected by the region.
//
// For each term the frequency ratio p(term|selected)/p(term) measures how
// enriched the selection is; the reported score is the reverse probability
// p(selected|term) = p(term|selected)·p(selected)/p(term), which reduces to
// the share of the term's studies that fall inside the region. The p-value
// is a one-sided binomial test of the selected term count against the corpus
// term rate.
type BrainMapDecoder struct {
	frequency
}

func (d *BrainMapDecoder) Decode(mask *models.RegionMask, n int) ([]models.Label, error) {
	nSel, hits, err := d.selectedCounts("decoding.BrainMap", mask)
	if err != nil {
		return nil, err
	}
	total := float64(d.corpus.Len())

	cands := make([]candidate, 0, len(d.count))
	for t, nt := range d.count {
		if nt == 0 {
			continue
		}
		k := float64(hits[t])
		test := distuv.Binomial{N: float64(nSel), P: float64(nt) / total}
		p := 1.0
		if k > 0 {
			p = 1 - test.CDF(k-1)
		}
		cands = append(cands, candidate{term: t, score: k / float64(nt), pvalue: clamp01(p)})
	}
	return top(d.corpus.Terms, cands, n), nil
}

// ChiDecoder implements Neurosynth reverse inference:
//
//	p(sel|term)·prior / (p(sel|term)·prior + p(sel|¬term)·(1-prior))
//
// with a uniform prior, and a 2x2 chi-square test of independence between
// selection and term occurrence.
type ChiDecoder struct {
	frequency

	// Prior is p(term)
	Prior float64
}

func (d *ChiDecoder) Decode(mask *models.RegionMask, n int) ([]models.Label, error) {
	nSel, hits, err := d.selectedCounts("decoding.Chi", mask)
	if err != nil {
		return nil, err
	}
	total := d.corpus.Len()
	chi2 := distuv.ChiSquared{K: 1}

	cands := make([]candidate, 0, len(d.count))
	for t, nt := range d.count {
		if nt == 0 {
			continue
		}
		k := hits[t]

		pSelTerm := float64(k) / float64(nt)
		pSelNoTerm := 0.0
		if rest := total - nt; rest > 0 {
			pSelNoTerm = float64(nSel-k) / float64(rest)
		}
		score := 0.0
		if den := pSelTerm*d.Prior + pSelNoTerm*(1-d.Prior); den > 0 {
			score = pSelTerm * d.Prior / den
		}

		stat := chiSquare2x2(k, nSel-k, nt-k, total-nSel-nt+k)
		cands = append(cands, candidate{term: t, score: score, pvalue: clamp01(chi2.Survival(stat))})
	}
	return top(d.corpus.Terms, cands, n), nil
}

// chiSquare2x2 returns Pearson's chi-square statistic of the table
//
//	a b
//	c d
//
// Cells with a zero expected count contribute nothing.
func chiSquare2x2(a, b, c, d int) float64 {
	obs := [4]float64{float64(a), float64(b), float64(c), float64(d)}
	n := obs[0] + obs[1] + obs[2] + obs[3]
	if n == 0 {
		return 0
	}
	rows := [2]float64{obs[0] + obs[1], obs[2] + obs[3]}
	cols := [2]float64{obs[0] + obs[2], obs[1] + obs[3]}

	var stat float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			e := rows[i] * cols[j] / n
			if e == 0 {
				continue
			}
			diff := obs[2*i+j] - e
			stat += diff * diff / e
		}
	}
	return stat
}

func clamp01(p float64) float64 {
	if math.IsNaN(p) {
		return 1
	}
	return math.Max(0, math.Min(1, p))
}
