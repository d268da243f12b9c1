package models

import (
	"fmt"
	"math"
)

// Coordinate is a point in millimetres. The homogeneous 1 is implicit.
type Coordinate [3]float64

// Sub returns c - o component-wise.
func (c Coordinate) Sub(o Coordinate) Coordinate {
	return Coordinate{c[0] - o[0], c[1] - o[1], c[2] - o[2]}
}

// Matrix34 holds the top three rows of a 4x4 affine; the implicit last row is [0 0 0 1].
type Matrix34 [3][4]float64

// Grid describes the shape of a voxel volume and its voxel-to-world affine.
type Grid struct {
	// Width, Height, Depth are the voxel dimensions along i, j and k
	Width, Height, Depth int

	// Affine maps voxel indices (i, j, k) to world millimetres
	Affine Matrix34
}

// Len returns the number of voxels in the grid.
func (g Grid) Len() int {
	return g.Width * g.Height * g.Depth
}

// Offset returns the flat index of voxel (i, j, k). Data is laid out with i
// varying fastest, matching the NIfTI on-disk order.
func (g Grid) Offset(i, j, k int) int {
	return k*g.Width*g.Height + j*g.Width + i
}

// Index is the inverse of Offset.
func (g Grid) Index(off int) (i, j, k int) {
	plane := g.Width * g.Height
	k = off / plane
	off -= k * plane
	return off % g.Width, off / g.Width, k
}

// Spacing returns the voxel edge lengths in mm, the column norms of the affine.
func (g Grid) Spacing() [3]float64 {
	var s [3]float64
	for c := 0; c < 3; c++ {
		s[c] = math.Sqrt(g.Affine[0][c]*g.Affine[0][c] + g.Affine[1][c]*g.Affine[1][c] + g.Affine[2][c]*g.Affine[2][c])
	}
	return s
}

// Contains reports whether (i, j, k) lies inside the grid.
func (g Grid) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < g.Width && j < g.Height && k < g.Depth
}

// SameAs reports whether two grids share shape and affine exactly.
func (g Grid) SameAs(o Grid) bool {
	return g.Width == o.Width && g.Height == o.Height && g.Depth == o.Depth && g.Affine == o.Affine
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%dx%d", g.Width, g.Height, g.Depth)
}

// LabelVolume is a labelled parcellation: each voxel is 0 (background) or a
// 1-based ROI index.
type LabelVolume struct {
	Grid

	// Data holds one label per voxel in Grid order
	Data []int32

	// NumParcels is the parcel count the atlas declares
	NumParcels int
}

// MaxLabel returns the largest label present in the volume.
func (v *LabelVolume) MaxLabel() int {
	max := int32(0)
	for _, l := range v.Data {
		if l > max {
			max = l
		}
	}
	return int(max)
}

// RegionMask is a binary volume selecting the voxels of one ROI.
type RegionMask struct {
	Grid

	// Index is the ROI index the mask was built for
	Index int

	// Data is 1 inside the region and 0 elsewhere
	Data []uint8

	// Count is the number of voxels set to 1
	Count int
}

// Voxels returns the flat offsets of the positive voxels in ascending order.
func (m *RegionMask) Voxels() []int {
	out := make([]int, 0, m.Count)
	for i, v := range m.Data {
		if v != 0 {
			out = append(out, i)
		}
	}
	return out
}
