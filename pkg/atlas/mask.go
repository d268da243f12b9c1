package atlas

import (
	"fmt"
	"math"

	"roidecode/internal/models"
	"roidecode/internal/roierr"
	"roidecode/pkg/transform"
)

// BuildMask returns a new binary mask selecting exactly the voxels of vol
// labelled index. The source volume is not modified. An index that labels no
// voxel fails with an invalid-region error: decoding an empty mask is
// meaningless, and an index in the table but missing from the volume means
// the atlas and table do not match.
func BuildMask(vol *models.LabelVolume, index int) (*models.RegionMask, error) {
	const op = "atlas.BuildMask"
	if index < 1 {
		return nil, roierr.Newf(roierr.InvalidRegion, op, "ROI index %d must be >= 1", index)
	}

	mask := &models.RegionMask{
		Grid:  vol.Grid,
		Index: index,
		Data:  make([]uint8, len(vol.Data)),
	}
	target := int32(index)
	for i, l := range vol.Data {
		if l == target {
			mask.Data[i] = 1
			mask.Count++
		}
	}

	if mask.Count == 0 {
		return nil, roierr.Newf(roierr.InvalidRegion, op, "ROI %d not present in atlas (max label %d)", index, vol.MaxLabel())
	}
	return mask, nil
}

// ResampleMask maps mask onto grid by nearest-neighbour lookup through both
// affines. It returns mask itself when the grids already match.
func ResampleMask(mask *models.RegionMask, grid models.Grid) (*models.RegionMask, error) {
	if mask.Grid.SameAs(grid) {
		return mask, nil
	}

	w2v, err := transform.WorldToVoxel(mask.Grid)
	if err != nil {
		return nil, fmt.Errorf("resample mask: %w", err)
	}
	m := compose(w2v.Matrix(), grid.Affine)

	out := &models.RegionMask{
		Grid:  grid,
		Index: mask.Index,
		Data:  make([]uint8, grid.Len()),
	}
	for k := 0; k < grid.Depth; k++ {
		for j := 0; j < grid.Height; j++ {
			for i := 0; i < grid.Width; i++ {
				fi, fj, fk := float64(i), float64(j), float64(k)
				si := int(math.Round(m[0][0]*fi + m[0][1]*fj + m[0][2]*fk + m[0][3]))
				sj := int(math.Round(m[1][0]*fi + m[1][1]*fj + m[1][2]*fk + m[1][3]))
				sk := int(math.Round(m[2][0]*fi + m[2][1]*fj + m[2][2]*fk + m[2][3]))
				if !mask.Contains(si, sj, sk) {
					continue
				}
				if mask.Data[mask.Offset(si, sj, sk)] != 0 {
					out.Data[grid.Offset(i, j, k)] = 1
					out.Count++
				}
			}
		}
	}
	return out, nil
}

// compose returns a∘b: the affine applying b first, then a.
func compose(a, b models.Matrix34) models.Matrix34 {
	var out models.Matrix34
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			v := a[r][0]*b[0][c] + a[r][1]*b[1][c] + a[r][2]*b[2][c]
			if c == 3 {
				v += a[r][3]
			}
			out[r][c] = v
		}
	}
	return out
}
