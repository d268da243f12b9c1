package atlas

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"roidecode/internal/models"
	"roidecode/internal/roierr"
)

// niftiHeader is the on-disk NIfTI-1 header.
//
// Type translation from nifti1 C header to golang:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  int8 / byte
type niftiHeader struct {
	SizeOfHdr      int32    // Must be 348
	DataTypeUnused [10]byte // Unused
	DbName         [18]byte // Unused
	Extents        int32    // Unused
	SessionError   int16    // Unused
	Regular        byte     // Unused
	DimInfo        byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	GlMax         int32      // Unused
	GlMin         int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b param
	QuaternC float32 // Quaternion c param
	QuaternD float32 // Quaternion d param
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "ni1\0" or "n+1\0"
}

const niftiHeaderSize = 348

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

// ReadNIfTI reads a labelled 3-D volume from a .nii or .nii.gz file.
func ReadNIfTI(path string) (*models.LabelVolume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open atlas: %w", err)
	}
	defer f.Close()

	vol, err := DecodeNIfTI(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

// DecodeNIfTI reads a single-file NIfTI-1 image, gzip-compressed or not.
// Voxel values are rounded to integer labels after scl_slope/scl_inter scaling.
func DecodeNIfTI(r io.Reader) (*models.LabelVolume, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, roierr.New(roierr.MalformedInput, "atlas.DecodeNIfTI", "bad gzip stream", err)
		}
		defer gz.Close()
		br = bufio.NewReader(gz)
	}

	data, err := io.ReadAll(br)
	if err != nil {
		return nil, roierr.New(roierr.MalformedInput, "atlas.DecodeNIfTI", "read image", err)
	}
	if len(data) < niftiHeaderSize {
		return nil, roierr.Newf(roierr.MalformedInput, "atlas.DecodeNIfTI", "file too short for a NIfTI-1 header (%d bytes)", len(data))
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(data) == niftiHeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(data) == niftiHeaderSize:
		order = binary.BigEndian
	default:
		return nil, roierr.Newf(roierr.MalformedInput, "atlas.DecodeNIfTI", "not a NIfTI-1 file")
	}

	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(data[:niftiHeaderSize]), order, &hdr); err != nil {
		return nil, roierr.New(roierr.MalformedInput, "atlas.DecodeNIfTI", "decode header", err)
	}
	if hdr.Magic[0] != 'n' || hdr.Magic[2] != '1' {
		return nil, roierr.Newf(roierr.MalformedInput, "atlas.DecodeNIfTI", "bad magic %q", hdr.Magic[:3])
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 7 {
		return nil, roierr.Newf(roierr.MalformedInput, "atlas.DecodeNIfTI", "unsupported dimensionality %d", ndim)
	}
	for d := 4; d <= ndim; d++ {
		if hdr.Dim[d] > 1 {
			return nil, roierr.Newf(roierr.MalformedInput, "atlas.DecodeNIfTI", "expected a 3-D volume, dim[%d]=%d", d, hdr.Dim[d])
		}
	}

	grid := models.Grid{
		Width:  int(hdr.Dim[1]),
		Height: int(hdr.Dim[2]),
		Depth:  int(hdr.Dim[3]),
		Affine: hdr.affine(),
	}
	if grid.Len() <= 0 {
		return nil, roierr.Newf(roierr.MalformedInput, "atlas.DecodeNIfTI", "empty grid %s", grid)
	}

	size, err := voxelSize(hdr.DataType)
	if err != nil {
		return nil, err
	}
	offset := int(hdr.VoxOffset)
	if offset < niftiHeaderSize {
		offset = niftiHeaderSize
	}
	need := offset + grid.Len()*size
	if len(data) < need {
		return nil, roierr.Newf(roierr.MalformedInput, "atlas.DecodeNIfTI", "truncated image data: have %d bytes, need %d", len(data), need)
	}

	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	if slope == 0 {
		slope, inter = 1, 0
	}

	raw := data[offset:need]
	labels := make([]int32, grid.Len())
	for i := range labels {
		v := readVoxel(raw[i*size:], hdr.DataType, order)
		labels[i] = int32(math.Round(v*slope + inter))
	}

	vol := &models.LabelVolume{Grid: grid, Data: labels}
	vol.NumParcels = vol.MaxLabel()
	return vol, nil
}

func voxelSize(dt int16) (int, error) {
	switch dt {
	case dtUint8, dtInt8:
		return 1, nil
	case dtInt16, dtUint16:
		return 2, nil
	case dtInt32, dtUint32, dtFloat32:
		return 4, nil
	case dtFloat64:
		return 8, nil
	}
	return 0, roierr.Newf(roierr.MalformedInput, "atlas.DecodeNIfTI", "unsupported datatype %d", dt)
}

func readVoxel(b []byte, dt int16, order binary.ByteOrder) float64 {
	switch dt {
	case dtUint8:
		return float64(b[0])
	case dtInt8:
		return float64(int8(b[0]))
	case dtInt16:
		return float64(int16(order.Uint16(b)))
	case dtUint16:
		return float64(order.Uint16(b))
	case dtInt32:
		return float64(int32(order.Uint32(b)))
	case dtUint32:
		return float64(order.Uint32(b))
	case dtFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case dtFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

// affine returns the voxel-to-world matrix: sform when set, then the qform
// quaternion, then plain pixdim scaling.
func (h *niftiHeader) affine() models.Matrix34 {
	switch {
	case h.SFormCode > 0:
		var m models.Matrix34
		for j := 0; j < 4; j++ {
			m[0][j] = float64(h.SRowX[j])
			m[1][j] = float64(h.SRowY[j])
			m[2][j] = float64(h.SRowZ[j])
		}
		return m
	case h.QFormCode > 0:
		return h.qformAffine()
	default:
		return models.Matrix34{
			{float64(h.PixDim[1]), 0, 0, 0},
			{0, float64(h.PixDim[2]), 0, 0},
			{0, 0, float64(h.PixDim[3]), 0},
		}
	}
}

func (h *niftiHeader) qformAffine() models.Matrix34 {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Rotation by 180 degrees: renormalize b, c, d.
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		a, b, c, d = 0, b*n, c*n, d*n
	} else {
		a = math.Sqrt(a)
	}

	dx, dy, dz := float64(h.PixDim[1]), float64(h.PixDim[2]), float64(h.PixDim[3])
	if dx <= 0 {
		dx = 1
	}
	if dy <= 0 {
		dy = 1
	}
	if dz <= 0 {
		dz = 1
	}
	if h.PixDim[0] < 0 {
		dz = -dz
	}

	return models.Matrix34{
		{(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX)},
		{2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY)},
		{2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ)},
	}
}
