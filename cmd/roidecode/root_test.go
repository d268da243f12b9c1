package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roidecode/internal/models"
	"roidecode/pkg/atlas"
	"roidecode/pkg/config"
	"roidecode/pkg/corpus"
)

var testGrid = models.Grid{
	Width: 4, Height: 4, Depth: 2,
	Affine: models.Matrix34{{1, 0, 0, -2}, {0, 1, 0, -2}, {0, 0, 1, 0}},
}

// writeNIfTI stores a uint8 single-file NIfTI-1 image with an sform.
func writeNIfTI(t *testing.T, path string, grid models.Grid, labels []uint8) {
	t.Helper()
	hdr := make([]byte, 352)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], 348)
	for i, d := range []int{3, grid.Width, grid.Height, grid.Depth, 1, 1, 1, 1} {
		le.PutUint16(hdr[40+2*i:], uint16(d))
	}
	le.PutUint16(hdr[70:], 2) // uint8
	le.PutUint16(hdr[72:], 8)
	for i := 0; i < 8; i++ {
		le.PutUint32(hdr[76+4*i:], math.Float32bits(1))
	}
	le.PutUint32(hdr[108:], math.Float32bits(352))
	le.PutUint16(hdr[254:], 4)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			le.PutUint32(hdr[280+16*r+4*c:], math.Float32bits(float32(grid.Affine[r][c])))
		}
	}
	copy(hdr[344:], "n+1\x00")

	require.NoError(t, os.WriteFile(path, append(hdr, labels...), 0644))
}

// seedWorkspace places a 100-parcel atlas and a corpus cache in dir so that
// a run needs no network access.
func seedWorkspace(t *testing.T, dir string) {
	t.Helper()
	stem := atlas.FileStem(100, 7, 1)

	var table strings.Builder
	table.WriteString("ROI Label,ROI Name,R,A,S\n")
	for i := 1; i <= 100; i++ {
		fmt.Fprintf(&table, "%d,7Networks_LH_Vis_%d,%d,-10,5\n", i, i, -i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".Centroid_RAS.csv"), []byte(table.String()), 0644))

	labels := make([]uint8, testGrid.Len())
	for j := 0; j < 4; j++ {
		for i := 0; i < 4; i++ {
			labels[testGrid.Offset(i, j, 0)] = 1
			if i >= 2 {
				labels[testGrid.Offset(i, j, 0)] = 2
			}
		}
	}
	writeNIfTI(t, filepath.Join(dir, stem+".nii.gz"), testGrid, labels)

	c, err := corpus.New(testGrid, []string{corpus.TermPrefix + "memory", corpus.TermPrefix + "vision"}, []corpus.Study{
		{ID: "1", Foci: []models.Coordinate{{-2, -2, 0}}, Features: map[string]float64{corpus.TermPrefix + "memory": 0.5}},
		{ID: "2", Foci: []models.Coordinate{{1, 1, 0}}, Features: map[string]float64{corpus.TermPrefix + "vision": 0.5}},
	})
	require.NoError(t, err)
	require.NoError(t, corpus.Save(c, filepath.Join(dir, config.CorpusFileName)))
}

func TestExecuteOffline(t *testing.T) {
	dir := t.TempDir()
	seedWorkspace(t, dir)
	out := filepath.Join(dir, "labels")
	metricsFile := filepath.Join(dir, "metrics.prom")

	var stdout, stderr bytes.Buffer
	code := execute([]string{
		"--rois", "2,1,9999", "--dir", dir, "--method", "brainmap", "--labels", "2",
		"--output", out, "--metrics-file", metricsFile, "--log-level", "error",
	}, &stdout, &stderr)
	assert.Equal(t, exitPartial, code, stderr.String())

	data, err := os.ReadFile(out + ".csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "2,7Networks_LH_Vis_2,Vis,LH_Vis_2,"), lines[1])
	assert.Contains(t, lines[1], "vision:1.0000|memory:0.0000")
	assert.Contains(t, lines[2], "memory:1.0000")
	assert.Contains(t, lines[3], "ERROR")

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `roidecode_rois_total{outcome="error"} 1`)
	assert.Contains(t, string(prom), `roidecode_corpus_loads_total{source="cache"} 1`)
	assert.Contains(t, stdout.String(), "failed: 1")
}

func TestExecuteRejectsUnknownMethod(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute([]string{"--rois", "1", "--dir", t.TempDir(), "--method", "foo"}, &stdout, &stderr)
	assert.Equal(t, exitAborted, code)
	assert.Contains(t, stderr.String(), "unsupported method")
}

func TestExecuteFlagErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"rois and all", []string{"--rois", "1", "--all"}},
		{"neither rois nor all", []string{"--method", "chi"}},
		{"too many labels", []string{"--all", "--labels", "6"}},
		{"bad network count", []string{"--all", "--networks", "9"}},
		{"bad parcel count", []string{"--all", "--parcels", "150"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			args := append(tt.args, "--dir", t.TempDir())
			assert.Equal(t, exitAborted, execute(args, &stdout, &stderr))
			assert.NotEmpty(t, stderr.String())
		})
	}
}

func TestExecuteVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitOK, execute([]string{"--version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), version)
}
