package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlasmap-sc/annotator/internal/annostore"
	"github.com/atlasmap-sc/annotator/internal/annotation"
	"github.com/atlasmap-sc/annotator/internal/cache"
	"github.com/atlasmap-sc/annotator/internal/data/zarr"
	"github.com/atlasmap-sc/annotator/internal/service"
)

// setupTestRouter builds a single "pbmc" dataset with six cells in leiden
// clusters 0,1,2 and returns a router serving it.
func setupTestRouter(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "cells.zarr")

	w, err := zarr.Create(base, zarr.StoreMetadata{
		DatasetName: "pbmc-test",
		NCells:      6,
		Genes:       []string{"CST3", "CD3D", "FCER1A"},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	if err := w.WriteCategorical("leiden", annotation.FromLabels([]string{"0", "1", "2", "0", "1", "2"})); err != nil {
		t.Fatalf("WriteCategorical error: %v", err)
	}
	if err := w.WriteMatrix("", [][]float32{
		{2, 0, 0},
		{4, 0, 1},
		{0, 3, 0},
		{0, 0, 0},
		{2, 0, 3},
		{0, 1, 0},
	}); err != nil {
		t.Fatalf("WriteMatrix error: %v", err)
	}

	r, err := zarr.NewReader(base)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	t.Cleanup(r.Close)

	store, err := annostore.NewStore(filepath.Join(dir, "annotator.sqlite"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cm, err := cache.NewManager(cache.Config{ResponseCacheSizeMB: 16, ResponseTTL: time.Minute, ColumnCacheSize: 8})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	svc := service.NewAnnotationService(service.AnnotationServiceConfig{
		DatasetID:     "pbmc",
		ClusterColumn: "leiden",
		ZarrReader:    r,
		ZarrWriter:    w,
		Store:         store,
		Cache:         cm,
	})

	registry := NewDatasetRegistry("pbmc", []string{"pbmc"}, "")
	registry.Register("pbmc", svc)
	return NewRouter(RouterConfig{Registry: registry, CORSOrigins: []string{"*"}})
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatalf("failed to encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := setupTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	h := setupTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/api/datasets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Default  string                `json:"default"`
		Title    string                `json:"title"`
		Datasets []service.DatasetInfo `json:"datasets"`
	}
	decodeBody(t, rec, &resp)
	if resp.Default != "pbmc" {
		t.Errorf("expected default pbmc, got %q", resp.Default)
	}
	if resp.Title == "" {
		t.Errorf("expected a default title")
	}
	if len(resp.Datasets) != 1 || resp.Datasets[0].NCells != 6 || !resp.Datasets[0].Writable {
		t.Errorf("unexpected datasets: %+v", resp.Datasets)
	}
}

func TestUnknownDataset(t *testing.T) {
	h := setupTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/d/missing/api/info", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPalettesEndpoint(t *testing.T) {
	h := setupTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/api/palettes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Default  string              `json:"default"`
		Names    []string            `json:"names"`
		Palettes map[string][]string `json:"palettes"`
	}
	decodeBody(t, rec, &resp)
	if resp.Default != "default" {
		t.Errorf("expected default palette, got %q", resp.Default)
	}
	if len(resp.Palettes["default"]) == 0 {
		t.Errorf("expected colors for the default palette")
	}
}

func TestObsValuesEndpoint(t *testing.T) {
	h := setupTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/d/pbmc/api/obs/leiden/values", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Values []string `json:"values"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Values) != 3 || resp.Values[0] != "0" || resp.Values[2] != "2" {
		t.Fatalf("unexpected values: %v", resp.Values)
	}

	rec = doRequest(t, h, http.MethodGet, "/d/pbmc/api/obs/louvain/values", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown column, got %d", rec.Code)
	}
}

func TestAnnotateEndpoint_WritesColumn(t *testing.T) {
	h := setupTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/d/pbmc/api/annotate", map[string]interface{}{
		"mapping": map[string]string{"0": "Monocyte", "1": "Dendritic", "2": "T-cell"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res service.AnnotateResult
	decodeBody(t, rec, &res)
	if res.RunID == "" || res.TargetColumn != "cell type" || res.NCells != 6 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The new column is served with its name escaped in the path.
	rec = doRequest(t, h, http.MethodGet, "/d/pbmc/api/obs/cell%20type/legend", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var legend struct {
		Legend []service.LegendItem `json:"legend"`
	}
	decodeBody(t, rec, &legend)
	if len(legend.Legend) != 3 || legend.Legend[0].Value != "Dendritic" || legend.Legend[0].CellCount != 2 {
		t.Fatalf("unexpected legend: %+v", legend.Legend)
	}

	rec = doRequest(t, h, http.MethodGet, "/d/pbmc/api/runs/"+res.RunID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for run, got %d", rec.Code)
	}
	var run annostore.Run
	decodeBody(t, rec, &run)
	if run.Status != annostore.RunStatusSucceeded {
		t.Fatalf("unexpected run status %q", run.Status)
	}
}

func TestAnnotateEndpoint_DryRun(t *testing.T) {
	h := setupTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/d/pbmc/api/annotate", map[string]interface{}{
		"mapping": map[string]string{"0": "Monocyte", "1": "Dendritic", "2": "T-cell"},
		"dry_run": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/d/pbmc/api/obs/cell%20type/values", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("dry run must not write the column, got %d", rec.Code)
	}
}

func TestAnnotateEndpoint_UnmappedLabels(t *testing.T) {
	h := setupTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/d/pbmc/api/annotate", map[string]interface{}{
		"mapping": map[string]string{"0": "Monocyte"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Error          string   `json:"error"`
		UnmappedLabels []string `json:"unmapped_labels"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.UnmappedLabels) != 2 || resp.UnmappedLabels[0] != "1" || resp.UnmappedLabels[1] != "2" {
		t.Fatalf("unexpected unmapped labels: %v", resp.UnmappedLabels)
	}
}

func TestAnnotateEndpoint_BadRequests(t *testing.T) {
	h := setupTestRouter(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"malformed", `{"mapping":`, http.StatusBadRequest},
		{"noMapping", map[string]interface{}{}, http.StatusBadRequest},
		{"overwriteSource", map[string]interface{}{
			"target_column": "leiden",
			"mapping":       map[string]string{"0": "a", "1": "b", "2": "c"},
		}, http.StatusBadRequest},
		{"unknownMappingName", map[string]interface{}{"mapping_name": "nope"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, "/d/pbmc/api/annotate", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMappingsCRUD(t *testing.T) {
	h := setupTestRouter(t)

	rec := doRequest(t, h, http.MethodPut, "/d/pbmc/api/mappings/pbmc3k", map[string]string{
		"0": "Monocyte", "1": "Dendritic", "2": "T-cell",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/d/pbmc/api/mappings", nil)
	var list struct {
		Mappings []annostore.MappingRecord `json:"mappings"`
	}
	decodeBody(t, rec, &list)
	if len(list.Mappings) != 1 || list.Mappings[0].Name != "pbmc3k" {
		t.Fatalf("unexpected mappings: %+v", list.Mappings)
	}

	rec = doRequest(t, h, http.MethodPost, "/d/pbmc/api/annotate", map[string]interface{}{
		"mapping_name":  "pbmc3k",
		"target_column": "celltype",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 annotating with stored mapping, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodDelete, "/d/pbmc/api/mappings/pbmc3k", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/d/pbmc/api/mappings/pbmc3k", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPut, "/d/pbmc/api/mappings/empty", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty mapping, got %d", rec.Code)
	}
}

func TestMarkerSetAndSummary(t *testing.T) {
	h := setupTestRouter(t)

	rec := doRequest(t, h, http.MethodPut, "/d/pbmc/api/markers/pbmc", `{"Monocyte": ["CST3"], "T-cell": ["CD3D"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPut, "/d/pbmc/api/markers/bad", `{"B-cell": ["MS4A1"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown genes, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/d/pbmc/api/markers/pbmc/summary?groupby=leiden", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary service.MarkerSummary
	decodeBody(t, rec, &summary)
	if len(summary.Groups) != 3 || len(summary.Genes) != 2 {
		t.Fatalf("unexpected summary shape: groups=%v genes=%v", summary.Groups, summary.Genes)
	}
	// Cluster 0 holds cells with CST3 = 2 and 0.
	if summary.Mean[0][0] != 1 || summary.FractionExpressing[0][0] != 0.5 {
		t.Fatalf("unexpected cluster 0 CST3 stats: mean=%v frac=%v", summary.Mean[0][0], summary.FractionExpressing[0][0])
	}

	rec = doRequest(t, h, http.MethodGet, "/d/pbmc/api/markers/pbmc/summary?groupby=leiden&layer=raw", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown layer, got %d", rec.Code)
	}
}

func TestInlineMarkerSummary(t *testing.T) {
	h := setupTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/d/pbmc/api/markers/summary",
		`{"groupby": "leiden", "markers": {"Dendritic": ["FCER1A"]}, "standard_scale": "var", "colormap": "viridis"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary service.MarkerSummary
	decodeBody(t, rec, &summary)
	if len(summary.Colors) != 3 || len(summary.Colors[0]) != 1 {
		t.Fatalf("expected one color per mean value, got %v", summary.Colors)
	}

	rec = doRequest(t, h, http.MethodPost, "/d/pbmc/api/markers/summary", `{"groupby": "leiden"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without markers, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	h := setupTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/d/pbmc/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats map[string]interface{}
	decodeBody(t, rec, &stats)
	if stats["cluster_column"] != "leiden" || stats["writable"] != true {
		t.Fatalf("unexpected stats: %v", stats)
	}
	if _, ok := stats["cache"]; !ok {
		t.Fatalf("expected cache stats")
	}
}

func TestMarkerSummary_NoExpressionMatrix(t *testing.T) {
	registry := NewDatasetRegistry("soma", []string{"soma"}, "")
	registry.Register("soma", service.NewAnnotationService(service.AnnotationServiceConfig{DatasetID: "soma"}))
	h := NewRouter(RouterConfig{Registry: registry})

	rec := doRequest(t, h, http.MethodPost, "/d/soma/api/markers/summary",
		`{"groupby": "clusters", "markers": {"Dendritic": ["FCER1A"]}}`)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d: %s", rec.Code, rec.Body.String())
	}
}
