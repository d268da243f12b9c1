package corpus

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roidecode/internal/models"
)

func TestNewSortsAndIndexes(t *testing.T) {
	c := testCorpus(t)

	ids := make([]string, c.Len())
	for i, s := range c.Studies {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, ids)

	// duplicate foci collapse, out-of-grid foci are not indexed
	assert.Equal(t, []int{testGrid.Offset(0, 0, 0)}, c.StudyVoxels(0))
	assert.Equal(t, []int{testGrid.Offset(1, 1, 1)}, c.StudyVoxels(2))
	assert.Len(t, c.Studies[2].Foci, 2)
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	studies := append(testStudies(), Study{ID: "s2"})
	_, err := New(testGrid, nil, studies)
	assert.Error(t, err)
}

func TestQueryByMask(t *testing.T) {
	c := testCorpus(t)

	tests := []struct {
		name string
		mask *models.RegionMask
		want []string
	}{
		{"left bottom", maskOf(testGrid, [3]int{0, 0, 0}, [3]int{1, 0, 0}, [3]int{0, 1, 0}, [3]int{1, 1, 0}), []string{"s1"}},
		{"right bottom", maskOf(testGrid, [3]int{3, 0, 0}, [3]int{3, 3, 0}), []string{"s2", "s4"}},
		{"top voxel", maskOf(testGrid, [3]int{1, 1, 1}), []string{"s3"}},
		{"empty corner", maskOf(testGrid, [3]int{0, 3, 1}), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.QueryByMask(tt.mask)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryByMaskResamplesForeignGrid(t *testing.T) {
	c := testCorpus(t)

	shifted := testGrid
	shifted.Affine = models.Matrix34{{1, 0, 0, -1}, {0, 1, 0, -2}, {0, 0, 1, 0}}
	// (0, 1, 1) on the shifted grid is (-1, -1, 1), which is (1, 1, 1) on the corpus grid
	got, err := c.QueryByMask(maskOf(shifted, [3]int{0, 1, 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, got)
}

func TestQueryAllAndWeight(t *testing.T) {
	c := testCorpus(t)
	assert.Same(t, c, c.QueryAll())
	assert.Equal(t, 0.5, c.Weight(0, termMemory))
	assert.Zero(t, c.Weight(0, termVision))
}

func TestArchiveRoundTrip(t *testing.T) {
	c := testCorpus(t)
	path := filepath.Join(t.TempDir(), "cache", "corpus.gob.gz")
	require.NoError(t, Save(c, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.Terms, loaded.Terms)
	assert.Equal(t, c.Grid, loaded.Grid)
	assert.Equal(t, c.Len(), loaded.Len())

	mask := maskOf(testGrid, [3]int{1, 1, 1}, [3]int{3, 3, 0})
	want, err := c.QueryByMask(mask)
	require.NoError(t, err)
	got, err := loaded.QueryByMask(mask)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeRejectsOtherVersion(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	require.NoError(t, gob.NewEncoder(gz).Encode(&archive{Version: archiveVersion + 1, Grid: testGrid}))
	require.NoError(t, gz.Close())

	_, err := Decode(&buf)
	assert.ErrorContains(t, err, "version")
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "memory", Label(termMemory))
	assert.Equal(t, "working memory", Label("terms__working memory"))
	assert.Equal(t, "plain", Label("plain"))
}
