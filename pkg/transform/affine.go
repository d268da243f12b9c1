// Package transform provides affine mappings between coordinate frames:
// atlas-native to MNI152, voxel to world and back.
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"roidecode/internal/models"
)

// FreeSurferToMNI152 maps FreeSurfer surface RAS coordinates of the Schaefer
// centroids to MNI152 space. Rows are the x, y and z outputs; the last column
// is the translation.
var FreeSurferToMNI152 = models.Matrix34{
	{0.9975, -0.0073, 0.0176, -0.0429},
	{0.0146, 1.0009, -0.0024, 1.5496},
	{-0.0130, -0.0093, 0.9971, 1.1840},
}

// ICBMToTalairach is the Lancaster icbm_spm2tal transform. Its inverse brings
// Talairach foci of the study corpus into MNI space.
var ICBMToTalairach = models.Matrix34{
	{0.9254, 0.0024, -0.0118, -1.0207},
	{-0.0048, 0.9316, -0.0871, -1.7667},
	{0.0152, 0.0883, 0.8924, 4.0926},
}

// Affine is an immutable 3-D affine map. It is safe for concurrent use.
type Affine struct {
	m *mat.Dense // 3x4
}

// New builds an Affine from the top three rows of a homogeneous matrix.
func New(m models.Matrix34) *Affine {
	data := make([]float64, 0, 12)
	for _, row := range m {
		data = append(data, row[:]...)
	}
	return &Affine{m: mat.NewDense(3, 4, data)}
}

// Matrix returns the rows of the affine.
func (a *Affine) Matrix() models.Matrix34 {
	var out models.Matrix34
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = a.m.At(i, j)
		}
	}
	return out
}

// Apply maps c by appending the homogeneous 1 and computing [x y z 1] · Mᵀ.
func (a *Affine) Apply(c models.Coordinate) models.Coordinate {
	v := mat.NewDense(1, 4, []float64{c[0], c[1], c[2], 1})
	var out mat.Dense
	out.Mul(v, a.m.T())
	return models.Coordinate{out.At(0, 0), out.At(0, 1), out.At(0, 2)}
}

// ApplyIndex maps c and rounds the result to the nearest integer grid index.
// It is meant for world-to-voxel affines.
func (a *Affine) ApplyIndex(c models.Coordinate) [3]int {
	p := a.Apply(c)
	return [3]int{int(math.Round(p[0])), int(math.Round(p[1])), int(math.Round(p[2]))}
}

// Inverse returns the inverse map. It fails when the linear part is singular.
func (a *Affine) Inverse() (*Affine, error) {
	full := mat.NewDense(4, 4, nil)
	full.Slice(0, 3, 0, 4).(*mat.Dense).Copy(a.m)
	full.Set(3, 3, 1)

	var inv mat.Dense
	if err := inv.Inverse(full); err != nil {
		return nil, fmt.Errorf("invert affine: %w", err)
	}
	return &Affine{m: mat.DenseCopyOf(inv.Slice(0, 3, 0, 4))}, nil
}

// VoxelToWorld returns the affine stored in g.
func VoxelToWorld(g models.Grid) *Affine {
	return New(g.Affine)
}

// WorldToVoxel returns the inverse of g's affine.
func WorldToVoxel(g models.Grid) (*Affine, error) {
	inv, err := New(g.Affine).Inverse()
	if err != nil {
		return nil, fmt.Errorf("grid %s: %w", g, err)
	}
	return inv, nil
}
