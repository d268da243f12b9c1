package atlas

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roidecode/internal/models"
	"roidecode/internal/roierr"
)

const schaeferCSV = `ROI Label,ROI Name,R,A,S
1,7Networks_LH_Vis_1,-33,-42,-21
2,7Networks_LH_SomMot_2,-47,-12,45
3,7Networks_RH_Default_PFCm_3,7,52,2
`

func TestReadTable(t *testing.T) {
	table, err := ReadTable(strings.NewReader(schaeferCSV), 7)
	require.NoError(t, err)
	require.Equal(t, 3, table.Len())

	e, err := table.Lookup(3)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Label)
	assert.Equal(t, "7Networks_RH_Default_PFCm_3", e.Name)
	assert.Equal(t, "Default", e.Network)
	assert.Equal(t, "RH_Default_PFCm_3", e.Parcel)
	assert.Equal(t, models.Coordinate{7, 52, 2}, e.Native)
}

func TestReadTableColumnOrderIndependent(t *testing.T) {
	csv := "R,A,S,ROI Name,ROI Label\n1.5,2.5,3.5,17Networks_LH_VisCent_ExStr_1,1\n"
	table, err := ReadTable(strings.NewReader(csv), 17)
	require.NoError(t, err)
	assert.Equal(t, models.Coordinate{1.5, 2.5, 3.5}, table.Entries[0].Native)
	assert.Equal(t, "VisCent", table.Entries[0].Network)
}

func TestReadTableMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "ROI Label,ROI Name,R,A,S\n",
		"missing column": "ROI Label,ROI Name,R,A\n1,7Networks_LH_Vis_1,1,2\n",
		"out of order":   "ROI Label,ROI Name,R,A,S\n2,7Networks_LH_Vis_1,1,2,3\n",
		"bad coordinate": "ROI Label,ROI Name,R,A,S\n1,7Networks_LH_Vis_1,x,2,3\n",
		"wrong networks": "ROI Label,ROI Name,R,A,S\n1,17Networks_LH_Vis_1,1,2,3\n",
	}
	for name, csv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadTable(strings.NewReader(csv), 7)
			assert.True(t, errors.Is(err, roierr.ErrMalformedInput), "got %v", err)
		})
	}
}

func TestLookupOutOfRange(t *testing.T) {
	table, err := ReadTable(strings.NewReader(schaeferCSV), 7)
	require.NoError(t, err)

	for _, idx := range []int{0, -1, 4, 9999} {
		_, err := table.Lookup(idx)
		assert.ErrorIs(t, err, roierr.ErrInvalidRegion, "index %d", idx)
	}
}

func TestSplitName(t *testing.T) {
	network, parcel, err := SplitName("7Networks_LH_Vis_1", 7)
	require.NoError(t, err)
	assert.Equal(t, "Vis", network)
	assert.Equal(t, "LH_Vis_1", parcel)

	network, parcel, err = SplitName("17Networks_Limbic", 17)
	require.NoError(t, err)
	assert.Equal(t, "Limbic", network)
	assert.Equal(t, "Limbic", parcel)

	_, _, err = SplitName("7Networks_", 7)
	assert.Error(t, err)
}
