// Package api provides HTTP handlers for the annotation server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/annotator/internal/annostore"
	"github.com/atlasmap-sc/annotator/internal/annotation"
	"github.com/atlasmap-sc/annotator/internal/data/soma"
	"github.com/atlasmap-sc/annotator/internal/data/zarr"
	"github.com/atlasmap-sc/annotator/internal/service"
	"github.com/atlasmap-sc/annotator/pkg/colormap"
)

// maxBodyBytes bounds request bodies (mappings, marker sets, annotate requests).
const maxBodyBytes = 4 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry       *DatasetRegistry
	CORSOrigins    []string
	DefaultPalette string
	Logger         *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/palettes", palettesHandler(cfg.DefaultPalette))

	// Dataset-scoped routes: /d/{dataset}/api/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/info", datasetInfoHandler)
			r.Get("/stats", datasetStatsHandler)

			r.Get("/obs", datasetObsColumnsHandler)
			r.Get("/obs/{column}/values", datasetObsValuesHandler)
			r.Get("/obs/{column}/legend", datasetObsLegendHandler)

			r.Get("/mappings", datasetMappingsHandler)
			r.Get("/mappings/{name}", datasetMappingGetHandler)
			r.Put("/mappings/{name}", datasetMappingPutHandler)
			r.Delete("/mappings/{name}", datasetMappingDeleteHandler)

			r.Get("/markers", datasetMarkerSetsHandler)
			r.Post("/markers/summary", datasetInlineMarkerSummaryHandler)
			r.Get("/markers/{name}", datasetMarkerSetGetHandler)
			r.Put("/markers/{name}", datasetMarkerSetPutHandler)
			r.Get("/markers/{name}/summary", datasetMarkerSummaryHandler)

			r.Post("/annotate", annotateHandler(logger))

			r.Get("/runs", datasetRunsHandler)
			r.Get("/runs/{run_id}", datasetRunHandler)
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects its service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				writeErrorMessage(w, http.StatusNotFound, "dataset not found: "+datasetID)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.AnnotationService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.AnnotationService); ok {
		return svc
	}
	return nil
}

// urlParam returns a decoded path parameter. chi matches on the raw path when
// the request escapes a '/', so names like "a%2Fb" arrive still encoded.
func urlParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if dec, err := url.PathUnescape(v); err == nil {
		return dec
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var ue *annotation.UnmappedLabelError
	if errors.As(err, &ue) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":           err.Error(),
			"unmapped_labels": ue.Labels,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrColumnNotFound),
		errors.Is(err, annostore.ErrNotFound),
		errors.Is(err, zarr.ErrColumnNotFound),
		errors.Is(err, zarr.ErrGeneNotFound),
		errors.Is(err, zarr.ErrLayerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrSourceOverwrite),
		errors.Is(err, service.ErrNoMapping),
		errors.Is(err, service.ErrUnknownGenes),
		errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, annotation.ErrEmptyLabels):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrReadOnly):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNoStore),
		errors.Is(err, service.ErrNoExpression),
		errors.Is(err, soma.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	}
	writeErrorMessage(w, status, err.Error())
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return nil, false
	}
	return body, true
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

// palettesHandler lists the categorical palettes usable for legends.
func palettesHandler(defaultPalette string) http.HandlerFunc {
	if defaultPalette == "" {
		defaultPalette = "default"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		names := colormap.PaletteNames()
		palettes := make(map[string][]string, len(names))
		for _, name := range names {
			p, err := colormap.Palette(name)
			if err != nil {
				continue
			}
			palettes[name] = p.Colors(p.Len())
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  defaultPalette,
			"names":    names,
			"palettes": palettes,
		})
	}
}

// Dataset-scoped handlers (get service from context)

func datasetInfoHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	writeJSON(w, http.StatusOK, svc.Info())
}

func datasetStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	writeJSON(w, http.StatusOK, svc.Stats())
}

func datasetObsColumnsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	cols, err := svc.ObsColumns()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"columns": cols})
}

func datasetObsValuesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	column := urlParam(r, "column")
	values, err := svc.ColumnValues(column)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"column": column,
		"values": values,
	})
}

func datasetObsLegendHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	column := urlParam(r, "column")
	palette := strings.TrimSpace(r.URL.Query().Get("palette"))
	legend, err := svc.Legend(column, palette)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"column": column,
		"legend": legend,
	})
}

func datasetMappingsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	list, err := svc.ListMappings()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*annostore.MappingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mappings": list})
}

func datasetMappingGetHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	rec, err := svc.GetMapping(urlParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func datasetMappingPutHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	m, err := annotation.ParseMapping(body)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid mapping: "+err.Error())
		return
	}
	name := urlParam(r, "name")
	if err := svc.PutMapping(name, m); err != nil {
		writeError(w, err)
		return
	}
	rec, err := svc.GetMapping(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func datasetMappingDeleteHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	if err := svc.DeleteMapping(urlParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func datasetMarkerSetsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	list, err := svc.ListMarkerSets()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*annostore.MarkerSetRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"marker_sets": list})
}

func datasetMarkerSetGetHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	rec, err := svc.GetMarkerSet(urlParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func datasetMarkerSetPutHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	set, err := annotation.ParseMarkerSet(body)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid marker set: "+err.Error())
		return
	}
	name := urlParam(r, "name")
	if err := svc.PutMarkerSet(name, set); err != nil {
		writeError(w, err)
		return
	}
	rec, err := svc.GetMarkerSet(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func summaryRequestFromQuery(q url.Values) service.MarkerSummaryRequest {
	return service.MarkerSummaryRequest{
		GroupBy:       strings.TrimSpace(q.Get("groupby")),
		Layer:         strings.TrimSpace(q.Get("layer")),
		StandardScale: strings.TrimSpace(q.Get("standard_scale")),
		Colormap:      strings.TrimSpace(q.Get("colormap")),
	}
}

func datasetMarkerSummaryHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	req := summaryRequestFromQuery(r.URL.Query())
	req.MarkerSetName = urlParam(r, "name")
	summary, err := svc.MarkerSummary(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// inlineSummaryBody is the body of POST markers/summary.
type inlineSummaryBody struct {
	GroupBy       string               `json:"groupby"`
	Markers       annotation.MarkerSet `json:"markers"`
	Layer         string               `json:"layer"`
	StandardScale string               `json:"standard_scale"`
	Colormap      string               `json:"colormap"`
}

func datasetInlineMarkerSummaryHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in inlineSummaryBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(in.Markers) == 0 {
		writeErrorMessage(w, http.StatusBadRequest, "markers is required")
		return
	}
	summary, err := svc.MarkerSummary(r.Context(), service.MarkerSummaryRequest{
		GroupBy:       in.GroupBy,
		Markers:       in.Markers,
		Layer:         in.Layer,
		StandardScale: in.StandardScale,
		Colormap:      in.Colormap,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// annotateHandler runs (or previews, with dry_run) an annotation.
func annotateHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if svc == nil {
			writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		var req service.AnnotateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		res, err := svc.Annotate(r.Context(), req)
		if err != nil {
			var ue *annotation.UnmappedLabelError
			if !errors.As(err, &ue) {
				logger.Warn("annotate request failed",
					zap.String("dataset", svc.DatasetID()),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Error(err))
			}
			writeError(w, err)
			return
		}
		status := http.StatusCreated
		if res.DryRun {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

func datasetRunsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	runs, err := svc.Runs()
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*annostore.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func datasetRunHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		writeErrorMessage(w, http.StatusInternalServerError, "dataset service not found")
		return
	}
	run, err := svc.Run(urlParam(r, "run_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
