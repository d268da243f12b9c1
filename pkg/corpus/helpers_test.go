package corpus

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"testing"

	"roidecode/internal/models"
)

// testGrid is a 4x4x2 grid of 1 mm voxels; voxel (i, j, k) sits at (i-2, j-2, k).
var testGrid = models.Grid{
	Width: 4, Height: 4, Depth: 2,
	Affine: models.Matrix34{{1, 0, 0, -2}, {0, 1, 0, -2}, {0, 0, 1, 0}},
}

const (
	termMemory   = TermPrefix + "memory"
	termVision   = TermPrefix + "vision"
	termLanguage = TermPrefix + "language"
)

// testStudies places one study per corner of the bottom slice plus one on top.
func testStudies() []Study {
	return []Study{
		{ID: "s4", Foci: []models.Coordinate{{1, -2, 0}}, Features: map[string]float64{termLanguage: 0.3}},
		{ID: "s1", Foci: []models.Coordinate{{-2, -2, 0}, {-2, -2, 0}}, Features: map[string]float64{termMemory: 0.5}},
		{ID: "s3", Foci: []models.Coordinate{{-1, -1, 1}, {100, 100, 100}}, Features: map[string]float64{termMemory: 0.2, termVision: 0.1}},
		{ID: "s2", Foci: []models.Coordinate{{1, 1, 0}}, Features: map[string]float64{termVision: 0.4}},
	}
}

func testCorpus(t *testing.T) *Corpus {
	t.Helper()
	c, err := New(testGrid, []string{termMemory, termVision, termLanguage}, testStudies())
	if err != nil {
		t.Fatalf("Failed to build corpus: %v", err)
	}
	return c
}

func maskOf(grid models.Grid, voxels ...[3]int) *models.RegionMask {
	m := &models.RegionMask{Grid: grid, Index: 1, Data: make([]uint8, grid.Len())}
	for _, v := range voxels {
		m.Data[grid.Offset(v[0], v[1], v[2])] = 1
		m.Count++
	}
	return m
}

const testDatabase = "id\tdoi\tx\ty\tz\tspace\n" +
	"101\t10.1/a\t-2\t-2\t0\tMNI\n" +
	"102\t10.1/b\t1\t1\t0\tMNI\n" +
	"101\t10.1/a\t-1\t-1\t1\tMNI\n" +
	"103\t10.1/c\t10\t20\t30\tTAL\n"

const testFeatures = "pmid\tmemory\tvision\n" +
	"101\t0.5\t0\n" +
	"102\t0\t0.4\n" +
	"103\t0.1\t0.1\n" +
	"104\t0.9\t0.9\n"

func testTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		hdr := &tar.Header{Name: "current_data/" + name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("Failed to write tar entry: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("Failed to close gzip: %v", err)
	}
	return buf.Bytes()
}
