package annotation

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotate_Example(t *testing.T) {
	labels := []string{"0", "1", "2", "0"}
	m := Mapping{"0": "Monocyte", "1": "Dendritic", "2": "T-cell"}

	got, err := Annotate(labels, m)
	require.NoError(t, err)

	want := []string{"Monocyte", "Dendritic", "T-cell", "Monocyte"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Annotate mismatch (-want +got):\n%s", diff)
	}
}

func TestAnnotate_UnmappedLabel(t *testing.T) {
	got, err := Annotate([]string{"0", "5"}, Mapping{"0": "Monocyte"})
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, ErrUnmappedLabel))

	var ue *UnmappedLabelError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, []string{"5"}, ue.Labels)
	assert.Contains(t, err.Error(), `"5"`)
}

func TestAnnotate_ReportsAllMissingLabelsSorted(t *testing.T) {
	_, err := Annotate([]string{"10", "0", "2", "10", "x"}, Mapping{"0": "Monocyte"})

	var ue *UnmappedLabelError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, []string{"2", "10", "x"}, ue.Labels)
}

func TestAnnotate_Empty(t *testing.T) {
	_, err := Annotate(nil, Mapping{"0": "Monocyte"})
	assert.ErrorIs(t, err, ErrEmptyLabels)
}

func TestAnnotate_ExtraMappingKeysAllowed(t *testing.T) {
	got, err := Annotate([]string{"3"}, PBMCClusterMapping())
	require.NoError(t, err)
	assert.Equal(t, []string{"NK"}, got)
}

func TestAnnotate_DoesNotMutateInputs(t *testing.T) {
	labels := []string{"1", "0"}
	m := Mapping{"0": "a", "1": "b"}
	mCopy := m.Clone()

	_, err := Annotate(labels, m)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "0"}, labels)
	assert.Equal(t, mCopy, m)
}

func TestAnnotate_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := PBMCClusterMapping()

	for iter := 0; iter < 50; iter++ {
		n := 1 + rng.Intn(200)
		labels := make([]string, n)
		for i := range labels {
			labels[i] = strconv.Itoa(rng.Intn(14))
		}

		first, err := Annotate(labels, m)
		require.NoError(t, err)
		require.Len(t, first, n)
		for i := range labels {
			require.Equal(t, m[labels[i]], first[i], "cell %d", i)
		}

		second, err := Annotate(labels, m)
		require.NoError(t, err)
		require.Equal(t, first, second)
	}
}

func TestMapping_Image(t *testing.T) {
	m := PBMCClusterMapping()
	got := m.Image([]string{"0", "4", "2", "99"})
	assert.Equal(t, []string{"Monocyte", "T-cell"}, got)
}

func TestMapping_Keys(t *testing.T) {
	m := Mapping{"10": "a", "2": "b", "x": "c", "0": "d"}
	assert.Equal(t, []string{"0", "2", "10", "x"}, m.Keys())
}

func TestAnnotateColumn(t *testing.T) {
	col := FromLabels([]string{"0", "1", "2", "0", "4"})
	require.Equal(t, []string{"0", "1", "2", "4"}, col.Values)

	out, err := AnnotateColumn(col, PBMCClusterMapping())
	require.NoError(t, err)

	assert.Equal(t, []string{"Dendritic", "Monocyte", "T-cell"}, out.Values)
	assert.Equal(t, []string{"Monocyte", "Dendritic", "T-cell", "Monocyte", "T-cell"}, out.Labels())
	assert.Equal(t, []int{1, 2, 2}, out.Counts())
}

func TestAnnotateColumn_UnusedCategoryNeedsNoEntry(t *testing.T) {
	// "7" is declared but no cell carries it.
	col := Categorical{Values: []string{"0", "7"}, Codes: []int32{0, 0}}

	out, err := AnnotateColumn(col, Mapping{"0": "Monocyte"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Monocyte"}, out.Values)
	assert.Equal(t, []int32{0, 0}, out.Codes)
}

func TestAnnotateColumn_Unmapped(t *testing.T) {
	col := FromLabels([]string{"0", "5"})
	_, err := AnnotateColumn(col, Mapping{"0": "Monocyte"})

	var ue *UnmappedLabelError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{"5"}, ue.Labels)
}

func TestAnnotateColumn_BadCode(t *testing.T) {
	col := Categorical{Values: []string{"0"}, Codes: []int32{0, -1}}
	_, err := AnnotateColumn(col, Mapping{"0": "Monocyte"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnmappedLabel)
}

func TestAnnotateColumn_MatchesAnnotate(t *testing.T) {
	labels := []string{"13", "12", "0", "8", "10", "3"}
	m := PBMCClusterMapping()

	flat, err := Annotate(labels, m)
	require.NoError(t, err)
	col, err := AnnotateColumn(FromLabels(labels), m)
	require.NoError(t, err)

	if diff := cmp.Diff(flat, col.Labels()); diff != "" {
		t.Fatalf("column and flat annotation differ (-flat +col):\n%s", diff)
	}
}

func TestSortLabels(t *testing.T) {
	labels := []string{"b", "10", "2", "a", "0", "1"}
	SortLabels(labels)
	assert.Equal(t, []string{"0", "1", "2", "10", "a", "b"}, labels)
}
