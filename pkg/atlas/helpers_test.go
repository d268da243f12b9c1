package atlas

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math"
	"testing"

	"roidecode/internal/models"
)

// encodeNIfTI serializes vol as a single-file NIfTI-1 image with an sform
func encodeNIfTI(t *testing.T, vol *models.LabelVolume, dt int16, order binary.ByteOrder, compress bool) []byte {
	t.Helper()

	size, err := voxelSize(dt)
	if err != nil {
		t.Fatalf("Unsupported datatype: %v", err)
	}

	var hdr niftiHeader
	hdr.SizeOfHdr = niftiHeaderSize
	hdr.Dim = [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	hdr.DataType = dt
	hdr.BitPix = int16(size * 8)
	hdr.PixDim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	hdr.VoxOffset = 352
	hdr.SFormCode = 4
	for j := 0; j < 4; j++ {
		hdr.SRowX[j] = float32(vol.Affine[0][j])
		hdr.SRowY[j] = float32(vol.Affine[1][j])
		hdr.SRowZ[j] = float32(vol.Affine[2][j])
	}
	copy(hdr.Magic[:], "n+1\x00")

	var buf bytes.Buffer
	if err := binary.Write(&buf, order, &hdr); err != nil {
		t.Fatalf("Failed to write header: %v", err)
	}
	buf.Write([]byte{0, 0, 0, 0})

	for _, l := range vol.Data {
		b := make([]byte, size)
		switch dt {
		case dtUint8:
			b[0] = byte(l)
		case dtInt16:
			order.PutUint16(b, uint16(int16(l)))
		case dtInt32:
			order.PutUint32(b, uint32(l))
		case dtFloat32:
			order.PutUint32(b, math.Float32bits(float32(l)))
		case dtFloat64:
			order.PutUint64(b, math.Float64bits(float64(l)))
		}
		buf.Write(b)
	}

	if !compress {
		return buf.Bytes()
	}
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write(buf.Bytes())
	w.Close()
	return gz.Bytes()
}

// testAtlas builds a 4x4x2 volume with 1 mm voxels: ROI 1 fills the left
// half of the bottom slice, ROI 2 the right half, ROI 3 a single voxel on top.
func testAtlas() *models.LabelVolume {
	vol := &models.LabelVolume{
		Grid: models.Grid{
			Width: 4, Height: 4, Depth: 2,
			Affine: models.Matrix34{{1, 0, 0, -2}, {0, 1, 0, -2}, {0, 0, 1, 0}},
		},
		Data:       make([]int32, 32),
		NumParcels: 3,
	}
	for j := 0; j < 4; j++ {
		for i := 0; i < 4; i++ {
			label := int32(1)
			if i >= 2 {
				label = 2
			}
			vol.Data[vol.Offset(i, j, 0)] = label
		}
	}
	vol.Data[vol.Offset(1, 1, 1)] = 3
	return vol
}
