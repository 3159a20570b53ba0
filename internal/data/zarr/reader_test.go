package zarr

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/atlasmap-sc/annotator/internal/annotation"
)

// newTestStore creates a 5-cell, 3-gene store with small chunks so that every
// read crosses chunk boundaries.
func newTestStore(t *testing.T) (string, *Writer) {
	t.Helper()

	base := filepath.Join(t.TempDir(), "cells.zarr")
	w, err := Create(base, StoreMetadata{
		DatasetName: "test",
		NCells:      5,
		Genes:       []string{"CD3D", "CST3", "NKG7"},
		CellIDs:     []string{"AAAC-1", "AAAG-1", "AACT-1", "AAGA-1", "ACGT-1"},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	w.VectorChunk = 2
	w.RowChunk = 2
	w.ColChunk = 2
	return base, w
}

func openTestReader(t *testing.T, base string) *Reader {
	t.Helper()
	r, err := NewReader(base)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestReader_CategoricalRoundTrip(t *testing.T) {
	base, w := newTestStore(t)

	col := annotation.FromLabels([]string{"0", "1", "10", "0", "2"})
	if err := w.WriteCategorical("clusters", col); err != nil {
		t.Fatalf("WriteCategorical error: %v", err)
	}

	r := openTestReader(t, base)
	got, err := r.CategoricalColumn("clusters")
	if err != nil {
		t.Fatalf("CategoricalColumn error: %v", err)
	}
	if !reflect.DeepEqual(got.Values, []string{"0", "1", "2", "10"}) {
		t.Fatalf("unexpected categories: %v", got.Values)
	}
	want := []string{"0", "1", "10", "0", "2"}
	if !reflect.DeepEqual(got.Labels(), want) {
		t.Fatalf("expected %v, got %v", want, got.Labels())
	}
	if cols := r.CategoricalColumns(); !reflect.DeepEqual(cols, []string{"clusters"}) {
		t.Fatalf("unexpected categorical columns: %v", cols)
	}
}

func TestReader_ColumnNameWithSpace(t *testing.T) {
	base, w := newTestStore(t)

	col := annotation.FromLabels([]string{"NK", "B-cell", "NK", "T-cell", "T-cell"})
	if err := w.WriteCategorical("cell type", col); err != nil {
		t.Fatalf("WriteCategorical error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "obs", "cell%20type", "zarr.json")); err != nil {
		t.Fatalf("expected escaped column directory: %v", err)
	}

	r := openTestReader(t, base)
	got, err := r.CategoricalColumn("cell type")
	if err != nil {
		t.Fatalf("CategoricalColumn error: %v", err)
	}
	if !reflect.DeepEqual(got.Labels(), []string{"NK", "B-cell", "NK", "T-cell", "T-cell"}) {
		t.Fatalf("unexpected labels: %v", got.Labels())
	}
}

func TestReader_NumericColumn(t *testing.T) {
	base, w := newTestStore(t)

	want := []float32{0.01, 0.02, 0.5, 0, 1.25}
	if err := w.WriteNumeric("percent_mito", want); err != nil {
		t.Fatalf("WriteNumeric error: %v", err)
	}

	r := openTestReader(t, base)
	got, err := r.NumericColumn("percent_mito")
	if err != nil {
		t.Fatalf("NumericColumn error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if _, err := r.CategoricalColumn("percent_mito"); err == nil {
		t.Fatalf("expected kind mismatch error")
	}
}

func TestReader_GeneExpression_MultiChunk(t *testing.T) {
	base, w := newTestStore(t)

	rows := [][]float32{
		{1, 0, 0.5},
		{0, 2, 0},
		{3, 0, 0},
		{0, 0, 4},
		{5, 6, 7},
	}
	if err := w.WriteMatrix("", rows); err != nil {
		t.Fatalf("WriteMatrix error: %v", err)
	}
	if err := w.WriteMatrix("scaled", rows); err != nil {
		t.Fatalf("WriteMatrix(scaled) error: %v", err)
	}

	r := openTestReader(t, base)
	for gi, gene := range []string{"CD3D", "CST3", "NKG7"} {
		for _, layer := range []string{"", "scaled"} {
			got, err := r.GeneExpression(gene, layer)
			if err != nil {
				t.Fatalf("GeneExpression(%q,%q) error: %v", gene, layer, err)
			}
			for ci := range rows {
				if got[ci] != rows[ci][gi] {
					t.Fatalf("GeneExpression(%q,%q)[%d] = %v, want %v", gene, layer, ci, got[ci], rows[ci][gi])
				}
			}
		}
	}

	if _, err := r.GeneExpression("MS4A1", ""); !errors.Is(err, ErrGeneNotFound) {
		t.Fatalf("expected ErrGeneNotFound, got %v", err)
	}
	if _, err := r.GeneExpression("CD3D", "raw"); !errors.Is(err, ErrLayerNotFound) {
		t.Fatalf("expected ErrLayerNotFound, got %v", err)
	}
}

func TestReader_MissingChunkUsesFillValue(t *testing.T) {
	base, w := newTestStore(t)

	rows := [][]float32{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}, {1, 1, 1}, {1, 1, 1}}
	if err := w.WriteMatrix("", rows); err != nil {
		t.Fatalf("WriteMatrix error: %v", err)
	}
	// Drop the chunk holding cells 2-3 of genes 0-1.
	if err := os.Remove(filepath.Join(base, "X", "c", "1", "0")); err != nil {
		t.Fatalf("failed to remove chunk: %v", err)
	}

	r := openTestReader(t, base)
	got, err := r.GeneExpression("CD3D", "")
	if err != nil {
		t.Fatalf("GeneExpression error: %v", err)
	}
	want := []float32{1, 1, 0, 0, 1}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestReader_MissingCellValue(t *testing.T) {
	base, w := newTestStore(t)

	col := annotation.FromLabels([]string{"0", "0", "0", "0", "0"})
	if err := w.WriteCategorical("clusters", col); err != nil {
		t.Fatalf("WriteCategorical error: %v", err)
	}
	// Second chunk (cells 2-3) missing -> fill value -1.
	if err := os.Remove(filepath.Join(base, "obs", "clusters", "c", "1")); err != nil {
		t.Fatalf("failed to remove chunk: %v", err)
	}

	r := openTestReader(t, base)
	if _, err := r.CategoricalColumn("clusters"); err == nil {
		t.Fatalf("expected error for cell without a value")
	}
}

func TestReader_UnknownColumn(t *testing.T) {
	base, _ := newTestStore(t)
	r := openTestReader(t, base)

	if _, err := r.CategoricalColumn("louvain"); !errors.Is(err, ErrColumnNotFound) {
		t.Fatalf("expected ErrColumnNotFound, got %v", err)
	}
}

func TestReader_ReloadSeesNewColumns(t *testing.T) {
	base, w := newTestStore(t)
	r := openTestReader(t, base)

	if r.HasColumn("clusters") {
		t.Fatalf("column should not exist yet")
	}
	if err := w.WriteCategorical("clusters", annotation.FromLabels([]string{"0", "1", "0", "1", "0"})); err != nil {
		t.Fatalf("WriteCategorical error: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	if !r.HasColumn("clusters") {
		t.Fatalf("expected column after reload")
	}
}

func TestWriter_RejectsLengthMismatch(t *testing.T) {
	_, w := newTestStore(t)

	if err := w.WriteCategorical("clusters", annotation.FromLabels([]string{"0"})); err == nil {
		t.Fatalf("expected length mismatch error")
	}
	if err := w.WriteMatrix("", [][]float32{{1, 2, 3}}); err == nil {
		t.Fatalf("expected row count mismatch error")
	}
}

func TestWriter_ReplaceColumnNeverMixesCodesAndCategories(t *testing.T) {
	base, w := newTestStore(t)

	first := annotation.FromLabels([]string{"Monocyte", "Dendritic", "T-cell", "Monocyte", "T-cell"})
	if err := w.WriteCategorical("cell type", first); err != nil {
		t.Fatalf("WriteCategorical error: %v", err)
	}
	stale := openTestReader(t, base)

	second := annotation.FromLabels([]string{"Z", "Z", "A", "Z", "Z"})
	if err := w.WriteCategorical("cell type", second); err != nil {
		t.Fatalf("WriteCategorical (replace) error: %v", err)
	}

	// The stale reader still has the old categories; it must not decode the new codes with them.
	if got, err := stale.CategoricalColumn("cell type"); err == nil {
		if !reflect.DeepEqual(got.Labels(), first.Labels()) {
			t.Fatalf("stale reader mixed old categories with new codes: %v", got.Labels())
		}
	}

	if err := stale.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	got, err := stale.CategoricalColumn("cell type")
	if err != nil {
		t.Fatalf("CategoricalColumn error: %v", err)
	}
	if !reflect.DeepEqual(got.Labels(), second.Labels()) {
		t.Fatalf("expected %v, got %v", second.Labels(), got.Labels())
	}

	if _, err := os.Stat(filepath.Join(base, "obs", "cell%20type")); !os.IsNotExist(err) {
		t.Fatalf("expected replaced array to be removed, stat err: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "obs", "cell%20type#1", "zarr.json")); err != nil {
		t.Fatalf("expected new array directory: %v", err)
	}
	if md := w.Metadata(); md.Obs["cell type"].Version != 1 {
		t.Fatalf("expected version 1, got %d", md.Obs["cell type"].Version)
	}
}

func TestWriter_ReplaceTwice(t *testing.T) {
	base, w := newTestStore(t)

	for i, labels := range [][]string{
		{"a", "a", "a", "a", "a"},
		{"b", "b", "a", "a", "b"},
		{"c", "a", "b", "c", "c"},
	} {
		if err := w.WriteCategorical("clusters", annotation.FromLabels(labels)); err != nil {
			t.Fatalf("write %d error: %v", i, err)
		}
	}

	r := openTestReader(t, base)
	got, err := r.CategoricalColumn("clusters")
	if err != nil {
		t.Fatalf("CategoricalColumn error: %v", err)
	}
	if want := []string{"c", "a", "b", "c", "c"}; !reflect.DeepEqual(got.Labels(), want) {
		t.Fatalf("expected %v, got %v", want, got.Labels())
	}
	entries, err := os.ReadDir(filepath.Join(base, "obs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "clusters#2" {
		t.Fatalf("expected only clusters#2 under obs/, got %v", entries)
	}
}
