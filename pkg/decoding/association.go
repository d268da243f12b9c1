package decoding

import (
	"context"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"roidecode/internal/models"
	"roidecode/internal/roierr"
	"roidecode/pkg/atlas"
	"roidecode/pkg/corpus"
)

// AssociationDecoder correlates a region with per-term meta-analytic maps.
//
// Each study contributes a binary map MA_s: every voxel within Radius mm of
// one of its foci. The map of term t is T_t = Σ_s w(s,t)·MA_s and the score
// is the Pearson correlation of T_t with the binary region mask over the
// whole corpus grid. Maps are never materialized: Fit keeps ΣT_t and ΣT_t²
// and a voxel-to-study index, and Decode needs only the overlap of each study
// map with the mask, since Σ_{v in mask} T_t[v] = Σ_s w(s,t)·|MA_s ∩ mask|.
type AssociationDecoder struct {
	// Radius is the kernel radius in mm
	Radius float64

	// Workers bounds the goroutines used by Fit; runtime.NumCPU() when zero
	Workers int

	corpus *corpus.Corpus
	terms  []string
	// features[s] is study s's non-zero weights in vocabulary index order
	features [][]weight

	// CSR voxel -> studies index: studies of voxel v are
	// voxStudies[voxStart[v]:voxStart[v+1]]
	voxStart   []int32
	voxStudies []int32

	sum   []float64 // ΣT_t over all voxels
	sumSq []float64 // ΣT_t² over all voxels
	known []bool
}

type weight struct {
	term int32
	w    float64
}

// Fit draws the study kernels and accumulates the per-term statistics.
func (d *AssociationDecoder) Fit(ctx context.Context, c *corpus.Corpus) error {
	d.corpus = c
	d.terms = c.Terms
	d.features = sparseFeatures(c, func(w float64) bool { return w != 0 })

	d.known = make([]bool, len(c.Terms))
	for _, fs := range d.features {
		for _, f := range fs {
			d.known[f.term] = true
		}
	}

	if err := d.index(ctx); err != nil {
		return err
	}
	return d.accumulate(ctx)
}

// index builds the voxel -> studies CSR arrays from the sphere kernels.
func (d *AssociationDecoder) index(ctx context.Context) error {
	g := d.corpus.Grid
	kernel := sphere(g, d.Radius)

	counts := make([]int32, g.Len()+1)
	maps := make([][]int32, d.corpus.Len())
	for s := range maps {
		if s%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		maps[s] = studyMap(g, d.corpus.StudyVoxels(s), kernel)
		for _, v := range maps[s] {
			counts[v+1]++
		}
	}

	for v := 1; v < len(counts); v++ {
		counts[v] += counts[v-1]
	}
	d.voxStart = counts
	d.voxStudies = make([]int32, counts[len(counts)-1])

	next := make([]int32, g.Len())
	copy(next, counts[:g.Len()])
	for s, vox := range maps {
		for _, v := range vox {
			d.voxStudies[next[v]] = int32(s)
			next[v]++
		}
	}
	return nil
}

// accumulateChunk is the number of voxels summed by one task. It is fixed so
// that the floating-point summation order does not depend on the worker count.
const accumulateChunk = 1 << 14

// accumulate computes ΣT and ΣT² per term, splitting the grid across workers.
func (d *AssociationDecoder) accumulate(ctx context.Context) error {
	nv := len(d.voxStart) - 1
	nt := len(d.terms)

	workers := d.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	type partial struct{ sum, sumSq []float64 }
	parts := make([]partial, (nv+accumulateChunk-1)/accumulateChunk)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for p := range parts {
		lo, hi := p*accumulateChunk, min((p+1)*accumulateChunk, nv)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			part := partial{make([]float64, nt), make([]float64, nt)}
			acc := make([]float64, nt)
			mark := make([]bool, nt)
			touched := make([]int32, 0, 256)
			for v := lo; v < hi; v++ {
				studies := d.voxStudies[d.voxStart[v]:d.voxStart[v+1]]
				if len(studies) == 0 {
					continue
				}
				for _, s := range studies {
					for _, f := range d.features[s] {
						if !mark[f.term] {
							mark[f.term] = true
							touched = append(touched, f.term)
						}
						acc[f.term] += f.w
					}
				}
				for _, t := range touched {
					x := acc[t]
					part.sum[t] += x
					part.sumSq[t] += x * x
					acc[t] = 0
					mark[t] = false
				}
				touched = touched[:0]
			}
			parts[p] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.sum = make([]float64, nt)
	d.sumSq = make([]float64, nt)
	for _, p := range parts {
		for t := range d.sum {
			d.sum[t] += p.sum[t]
			d.sumSq[t] += p.sumSq[t]
		}
	}
	return nil
}

// Decode scores every known term by its correlation with mask.
func (d *AssociationDecoder) Decode(mask *models.RegionMask, n int) ([]models.Label, error) {
	const op = "decoding.Association"
	if d.corpus == nil {
		return nil, errNotFitted
	}

	m, err := atlas.ResampleMask(mask, d.corpus.Grid)
	if err != nil {
		return nil, err
	}
	if m.Count == 0 {
		return nil, roierr.Newf(roierr.InvalidRegion, op, "ROI %d does not overlap the corpus grid", mask.Index)
	}

	overlap := make([]int32, len(d.features))
	for v, in := range m.Data {
		if in == 0 {
			continue
		}
		for _, s := range d.voxStudies[d.voxStart[v]:d.voxStart[v+1]] {
			overlap[s]++
		}
	}

	inMask := make([]float64, len(d.terms))
	for s, k := range overlap {
		if k == 0 {
			continue
		}
		for _, f := range d.features[s] {
			inMask[f.term] += float64(k) * f.w
		}
	}

	N := float64(m.Grid.Len())
	M := float64(m.Count)
	maskVar := N*M - M*M

	cands := make([]candidate, 0, len(d.terms))
	for t := range d.terms {
		if !d.known[t] {
			continue
		}
		r := 0.0
		den := (N*d.sumSq[t] - d.sum[t]*d.sum[t]) * maskVar
		if den > 0 {
			r = (N*inMask[t] - M*d.sum[t]) / math.Sqrt(den)
		}
		cands = append(cands, candidate{term: t, score: r, pvalue: math.NaN()})
	}
	return top(d.terms, cands, n), nil
}

// sphere returns the voxel offsets (di, dj, dk) within radius mm of the origin.
func sphere(g models.Grid, radius float64) [][3]int {
	sp := g.Spacing()
	var reach [3]int
	for a := range reach {
		if sp[a] > 0 {
			reach[a] = int(math.Floor(radius / sp[a]))
		}
	}

	r2 := radius * radius
	var out [][3]int
	for dk := -reach[2]; dk <= reach[2]; dk++ {
		for dj := -reach[1]; dj <= reach[1]; dj++ {
			for di := -reach[0]; di <= reach[0]; di++ {
				x, y, z := float64(di)*sp[0], float64(dj)*sp[1], float64(dk)*sp[2]
				if x*x+y*y+z*z <= r2 {
					out = append(out, [3]int{di, dj, dk})
				}
			}
		}
	}
	return out
}

// studyMap returns the sorted distinct grid offsets covered by kernel around foci.
func studyMap(g models.Grid, foci []int, kernel [][3]int) []int32 {
	seen := make(map[int]struct{}, len(foci)*len(kernel))
	for _, off := range foci {
		i, j, k := g.Index(off)
		for _, dv := range kernel {
			x, y, z := i+dv[0], j+dv[1], k+dv[2]
			if g.Contains(x, y, z) {
				seen[g.Offset(x, y, z)] = struct{}{}
			}
		}
	}
	out := make([]int32, 0, len(seen))
	for v := range seen {
		out = append(out, int32(v))
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// sparseFeatures converts each study's feature map into vocabulary-indexed
// entries, keeping the weights accepted by keep.
func sparseFeatures(c *corpus.Corpus, keep func(w float64) bool) [][]weight {
	pos := make(map[string]int32, len(c.Terms))
	for i, t := range c.Terms {
		pos[t] = int32(i)
	}

	out := make([][]weight, c.Len())
	for s, st := range c.Studies {
		fs := make([]weight, 0, len(st.Features))
		for term, w := range st.Features {
			t, ok := pos[term]
			if !ok || !keep(w) {
				continue
			}
			fs = append(fs, weight{term: t, w: w})
		}
		sort.Slice(fs, func(a, b int) bool { return fs[a].term < fs[b].term })
		out[s] = fs
	}
	return out
}
