package decoding

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"roidecode/internal/models"
	"roidecode/pkg/corpus"
)

// candidate is one scored vocabulary entry.
type candidate struct {
	term   int
	score  float64
	pvalue float64
}

// TermLabel turns a stored term key into its display form: namespace
// stripped, NFKC-normalized.
func TermLabel(term string) string {
	return norm.NFKC.String(strings.TrimSpace(corpus.Label(term)))
}

// top orders candidates by descending score and keeps the first n. The sort
// is stable, so equal scores keep vocabulary order. NaN ranks last.
func top(terms []string, cands []candidate, n int) []models.Label {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].score, cands[j].score
		if math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		return a > b
	})
	if n > len(cands) {
		n = len(cands)
	}
	if n < 0 {
		n = 0
	}

	out := make([]models.Label, n)
	for i := range out {
		c := cands[i]
		out[i] = models.Label{Term: TermLabel(terms[c.term]), Score: c.score, PValue: c.pvalue}
	}
	return out
}
