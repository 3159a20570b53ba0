package annotation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkerSet_PreservesOrder(t *testing.T) {
	raw := `{"NK": ["GNLY", "NKG7"], "T-cell": ["CD3D"], "B-cell": ["CD79A", "MS4A1"]}`

	set, err := ParseMarkerSet([]byte(raw))
	require.NoError(t, err)
	require.Len(t, set, 3)
	assert.Equal(t, "NK", set[0].CellType)
	assert.Equal(t, "T-cell", set[1].CellType)
	assert.Equal(t, "B-cell", set[2].CellType)
	assert.Equal(t, []string{"GNLY", "NKG7", "CD3D", "CD79A", "MS4A1"}, set.Genes())
}

func TestParseMarkerSet_Errors(t *testing.T) {
	cases := map[string]string{
		"notObject": `["NK"]`,
		"badGenes":  `{"NK": "GNLY"}`,
		"duplicate": `{"NK": ["GNLY"], "NK": ["NKG7"]}`,
		"emptyKey":  `{"": ["GNLY"]}`,
		"truncated": `{"NK": ["GNLY"]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMarkerSet([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestMarkerSet_JSONRoundTripKeepsOrder(t *testing.T) {
	set := PBMCMarkers()
	data, err := json.Marshal(set)
	require.NoError(t, err)

	var back MarkerSet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, set, back)
}

func TestMarkerSet_GenesDeduplicated(t *testing.T) {
	// MS4A1 appears under both B-cell and Monocytes.
	genes := PBMCMarkers().Genes()
	count := 0
	for _, g := range genes {
		if g == "MS4A1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMarkerSet_Validate(t *testing.T) {
	set := MarkerSet{{CellType: "NK", Genes: []string{"GNLY", "NKG7"}}}

	assert.NoError(t, set.Validate(map[string]int{"GNLY": 0, "NKG7": 1}))

	err := set.Validate(map[string]int{"GNLY": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NKG7")
	assert.Equal(t, []string{"NKG7"}, set.MissingGenes(map[string]int{"GNLY": 0}))
}

func TestParseMapping(t *testing.T) {
	m, err := ParseMapping([]byte(`{"0": "Monocyte", "1": "Dendritic"}`))
	require.NoError(t, err)
	assert.Equal(t, Mapping{"0": "Monocyte", "1": "Dendritic"}, m)

	_, err = ParseMapping([]byte(`{}`))
	assert.Error(t, err)
	_, err = ParseMapping([]byte(`{"0": 1}`))
	assert.Error(t, err)
}
