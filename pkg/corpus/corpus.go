// Package corpus holds the meta-analytic study database: activation foci in
// standard space and per-study term weights. A Corpus is immutable once
// built and safe for concurrent reads.
package corpus

import (
	"fmt"
	"sort"
	"strings"

	"roidecode/internal/models"
	"roidecode/pkg/atlas"
	"roidecode/pkg/transform"
)

// TermPrefix namespaces Neurosynth abstract tf-idf terms.
const TermPrefix = "terms_abstract_tfidf__"

// MNI152Grid2mm is the 91x109x91 MNI152 template grid with 2 mm voxels.
var MNI152Grid2mm = models.Grid{
	Width: 91, Height: 109, Depth: 91,
	Affine: models.Matrix34{
		{-2, 0, 0, 90},
		{0, 2, 0, -126},
		{0, 0, 2, -72},
	},
}

// Study is one published study.
type Study struct {
	ID string

	// Foci are reported activation peaks in MNI space
	Foci []models.Coordinate

	// Features maps a namespaced term to its weight; absent terms weigh 0
	Features map[string]float64
}

// Corpus is the full study database.
type Corpus struct {
	// Grid is the voxel space foci are mapped into
	Grid models.Grid

	// Terms is the vocabulary in the order of the source feature table
	Terms []string

	// Studies are sorted by ID
	Studies []Study

	// voxels[s] lists the distinct in-grid voxel offsets of study s's foci
	voxels [][]int
}

// New builds a corpus, sorting studies by ID and indexing their foci on grid.
func New(grid models.Grid, terms []string, studies []Study) (*Corpus, error) {
	sorted := make([]Study, len(studies))
	copy(sorted, studies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == sorted[i-1].ID {
			return nil, fmt.Errorf("duplicate study id %q", sorted[i].ID)
		}
	}

	c := &Corpus{Grid: grid, Terms: terms, Studies: sorted}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Corpus) index() error {
	w2v, err := transform.WorldToVoxel(c.Grid)
	if err != nil {
		return fmt.Errorf("corpus grid: %w", err)
	}

	c.voxels = make([][]int, len(c.Studies))
	for s, st := range c.Studies {
		seen := make(map[int]struct{}, len(st.Foci))
		vox := make([]int, 0, len(st.Foci))
		for _, f := range st.Foci {
			ijk := w2v.ApplyIndex(f)
			if !c.Grid.Contains(ijk[0], ijk[1], ijk[2]) {
				continue
			}
			off := c.Grid.Offset(ijk[0], ijk[1], ijk[2])
			if _, dup := seen[off]; dup {
				continue
			}
			seen[off] = struct{}{}
			vox = append(vox, off)
		}
		sort.Ints(vox)
		c.voxels[s] = vox
	}
	return nil
}

// Len returns the number of studies.
func (c *Corpus) Len() int {
	return len(c.Studies)
}

// StudyVoxels returns the distinct grid offsets of study s's foci.
func (c *Corpus) StudyVoxels(s int) []int {
	return c.voxels[s]
}

// QueryAll returns the corpus itself, for decoders that operate on every study.
func (c *Corpus) QueryAll() *Corpus {
	return c
}

// QueryByMask returns, in corpus order, the IDs of studies with at least one
// focus inside mask. Foci are mapped to voxels through the corpus grid's own
// affine; a mask on another grid is resampled onto the corpus grid first.
func (c *Corpus) QueryByMask(mask *models.RegionMask) ([]string, error) {
	idx, err := c.SelectByMask(mask)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(idx))
	for i, s := range idx {
		ids[i] = c.Studies[s].ID
	}
	return ids, nil
}

// SelectByMask is QueryByMask returning study positions instead of IDs.
func (c *Corpus) SelectByMask(mask *models.RegionMask) ([]int, error) {
	m, err := atlas.ResampleMask(mask, c.Grid)
	if err != nil {
		return nil, err
	}

	var out []int
	for s, vox := range c.voxels {
		for _, off := range vox {
			if m.Data[off] != 0 {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

// Weight returns the weight of term t in study s.
func (c *Corpus) Weight(s int, term string) float64 {
	return c.Studies[s].Features[term]
}

// Label strips the namespace prefix ("<source>__") from a stored term key.
func Label(term string) string {
	if i := strings.LastIndex(term, "__"); i >= 0 {
		return term[i+2:]
	}
	return term
}
