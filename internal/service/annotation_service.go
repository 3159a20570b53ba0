// Package service provides the business logic of the annotation server.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/annotator/internal/annostore"
	"github.com/atlasmap-sc/annotator/internal/annotation"
	"github.com/atlasmap-sc/annotator/internal/cache"
	"github.com/atlasmap-sc/annotator/internal/data/soma"
	"github.com/atlasmap-sc/annotator/internal/data/zarr"
	"github.com/atlasmap-sc/annotator/pkg/colormap"
)

var (
	// ErrColumnNotFound is returned when an obs column exists in neither the Zarr store nor SOMA.
	ErrColumnNotFound = errors.New("obs column not found")
	// ErrSourceOverwrite is returned when the target column is the source column or the
	// dataset's cluster column.
	ErrSourceOverwrite = errors.New("target column would overwrite cluster labels")
	// ErrNoMapping is returned when a request names neither an inline nor a stored mapping.
	ErrNoMapping = errors.New("mapping or mapping_name is required")
	// ErrReadOnly is returned when annotating a dataset without a writable Zarr store.
	ErrReadOnly = errors.New("dataset has no writable zarr store")
	// ErrNoExpression is returned by marker summaries on datasets without a Zarr store.
	ErrNoExpression = errors.New("dataset has no expression matrix")
	// ErrNoStore is returned by operations that need SQLite when none is configured.
	ErrNoStore = errors.New("annotation store is not configured")
	// ErrUnknownGenes is returned when marker genes are missing from the expression matrix.
	ErrUnknownGenes = errors.New("unknown marker genes")
	// ErrInvalidArgument marks malformed request parameters.
	ErrInvalidArgument = errors.New("invalid argument")
)

// AnnotationServiceConfig contains annotation service configuration.
type AnnotationServiceConfig struct {
	DatasetID           string
	ClusterColumn       string
	DefaultTargetColumn string
	DefaultPalette      string
	ZarrReader          *zarr.Reader
	ZarrWriter          *zarr.Writer
	SomaReader          *soma.Reader
	Store               *annostore.Store
	Cache               *cache.Manager
	Logger              *zap.Logger
}

// AnnotationService annotates one dataset.
type AnnotationService struct {
	datasetID     string
	clusterColumn string
	targetColumn  string
	palette       string

	zarr   *zarr.Reader
	writer *zarr.Writer
	soma   *soma.Reader
	store  *annostore.Store
	cache  *cache.Manager
	logger *zap.Logger

	// dataMu is held for writing across a column write, reader reload and cache
	// invalidation, and for reading while a column is loaded and cached.
	dataMu sync.RWMutex
}

// NewAnnotationService creates a new annotation service.
func NewAnnotationService(cfg AnnotationServiceConfig) *AnnotationService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	target := cfg.DefaultTargetColumn
	if target == "" {
		target = "cell type"
	}
	cluster := cfg.ClusterColumn
	if cluster == "" {
		cluster = "clusters"
	}

	return &AnnotationService{
		datasetID:     datasetID,
		clusterColumn: cluster,
		targetColumn:  target,
		palette:       cfg.DefaultPalette,
		zarr:          cfg.ZarrReader,
		writer:        cfg.ZarrWriter,
		soma:          cfg.SomaReader,
		store:         cfg.Store,
		cache:         cfg.Cache,
		logger:        logger.With(zap.String("dataset", datasetID)),
	}
}

// DatasetID returns the dataset this service annotates.
func (s *AnnotationService) DatasetID() string { return s.datasetID }

// ClusterColumn returns the default source column.
func (s *AnnotationService) ClusterColumn() string { return s.clusterColumn }

// Stats reports the data sources and cache occupancy behind the service.
func (s *AnnotationService) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"dataset":        s.datasetID,
		"cluster_column": s.ClusterColumn(),
		"writable":       s.writer != nil,
	}
	if s.zarr != nil {
		stats["zarr_path"] = s.zarr.BasePath()
		stats["n_obs_columns"] = len(s.zarr.ObsColumns())
	}
	if s.soma != nil {
		stats["soma_uri"] = s.soma.ExperimentURI()
	}
	if s.cache != nil {
		stats["cache"] = s.cache.Stats()
	}
	return stats
}

// DatasetInfo summarises a dataset.
type DatasetInfo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	NCells        int      `json:"n_cells"`
	NGenes        int      `json:"n_genes"`
	Layers        []string `json:"layers"`
	ClusterColumn string   `json:"cluster_column"`
	TargetColumn  string   `json:"target_column"`
	Writable      bool     `json:"writable"`
	HasSoma       bool     `json:"has_soma"`
}

// Info returns dataset information.
func (s *AnnotationService) Info() DatasetInfo {
	info := DatasetInfo{
		ID:            s.datasetID,
		Name:          s.datasetID,
		ClusterColumn: s.clusterColumn,
		TargetColumn:  s.targetColumn,
		Writable:      s.writer != nil,
		HasSoma:       s.soma != nil && s.soma.Supported(),
		Layers:        []string{},
	}
	if s.zarr != nil {
		md := s.zarr.Metadata()
		if md.DatasetName != "" {
			info.Name = md.DatasetName
		}
		info.NCells = md.NCells
		info.NGenes = len(md.Genes)
		if md.Layers != nil {
			info.Layers = md.Layers
		}
	}
	return info
}

// ObsColumnInfo describes an obs column.
type ObsColumnInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	NCategories int    `json:"n_categories,omitempty"`
	Source      string `json:"source"`
}

// ObsColumns lists obs columns from the Zarr store, followed by SOMA-only columns.
func (s *AnnotationService) ObsColumns() ([]ObsColumnInfo, error) {
	var out []ObsColumnInfo
	seen := make(map[string]bool)
	if s.zarr != nil {
		md := s.zarr.Metadata()
		for _, name := range s.zarr.ObsColumns() {
			col := md.Obs[name]
			out = append(out, ObsColumnInfo{Name: name, Kind: col.Kind, NCategories: len(col.Values), Source: "zarr"})
			seen[name] = true
		}
	}
	if s.soma != nil && s.soma.Supported() {
		cols, err := s.soma.ObsColumns()
		if err != nil {
			return nil, fmt.Errorf("failed to list soma obs columns: %w", err)
		}
		for _, name := range cols {
			if !seen[name] {
				out = append(out, ObsColumnInfo{Name: name, Kind: zarr.KindCategorical, Source: "soma"})
			}
		}
	}
	if out == nil {
		out = []ObsColumnInfo{}
	}
	return out, nil
}

// Column loads a categorical obs column, preferring the Zarr store and falling back to SOMA.
// The returned column is shared with the cache and must not be modified.
func (s *AnnotationService) Column(name string) (annotation.Categorical, error) {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()

	var gen uint64
	if s.cache != nil {
		gen = s.cache.Generation(s.datasetID)
		if col, ok := s.cache.GetColumn(s.datasetID, name); ok {
			return col, nil
		}
	}

	col, err := s.loadColumn(name)
	if err != nil {
		return annotation.Categorical{}, err
	}
	if s.cache != nil {
		s.cache.SetColumn(s.datasetID, name, gen, col)
	}
	return col, nil
}

func (s *AnnotationService) loadColumn(name string) (annotation.Categorical, error) {
	if s.zarr != nil && s.zarr.HasColumn(name) {
		return s.zarr.CategoricalColumn(name)
	}
	if s.soma == nil || !s.soma.Supported() {
		return annotation.Categorical{}, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}

	labels, err := s.soma.ObsLabels(name)
	if errors.Is(err, soma.ErrColumnNotFound) {
		return annotation.Categorical{}, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}
	if err != nil {
		return annotation.Categorical{}, fmt.Errorf("failed to read soma obs column %s: %w", name, err)
	}
	if s.zarr != nil && len(labels) != s.zarr.Metadata().NCells {
		return annotation.Categorical{}, fmt.Errorf("soma obs column %s has %d cells, zarr store has %d", name, len(labels), s.zarr.Metadata().NCells)
	}
	s.logger.Debug("obs column loaded from soma", zap.String("column", name), zap.Int("n_cells", len(labels)))
	return annotation.FromLabels(labels), nil
}

// ColumnValues returns the categories of an obs column that at least one cell carries.
func (s *AnnotationService) ColumnValues(name string) ([]string, error) {
	if (s.zarr == nil || !s.zarr.HasColumn(name)) && s.soma != nil && s.soma.Supported() {
		values, err := s.soma.ObsColumnValues(name)
		if errors.Is(err, soma.ErrColumnNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
		}
		return values, err
	}
	col, err := s.Column(name)
	if err != nil {
		return nil, err
	}
	return col.PresentValues(), nil
}

// AnnotateRequest describes one annotation.
type AnnotateRequest struct {
	SourceColumn string             `json:"source_column"`
	TargetColumn string             `json:"target_column"`
	MappingName  string             `json:"mapping_name,omitempty"`
	Mapping      annotation.Mapping `json:"mapping,omitempty"`
	DryRun       bool               `json:"dry_run,omitempty"`
}

// CategoryCount is the number of cells assigned one category.
type CategoryCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// AnnotateResult summarises an annotation.
type AnnotateResult struct {
	RunID        string          `json:"run_id,omitempty"`
	DatasetID    string          `json:"dataset_id"`
	SourceColumn string          `json:"source_column"`
	TargetColumn string          `json:"target_column"`
	NCells       int             `json:"n_cells"`
	Categories   []CategoryCount `json:"categories"`
	DryRun       bool            `json:"dry_run"`
}

// Preview runs an annotation without writing the target column or recording a run.
func (s *AnnotationService) Preview(ctx context.Context, req AnnotateRequest) (*AnnotateResult, error) {
	req.DryRun = true
	return s.Annotate(ctx, req)
}

// Annotate maps the source column through a cluster mapping and writes the result as
// the target column. Every source label must have a mapping entry; otherwise nothing is
// written and the returned error wraps *annotation.UnmappedLabelError.
func (s *AnnotationService) Annotate(ctx context.Context, req AnnotateRequest) (*AnnotateResult, error) {
	if req.SourceColumn == "" {
		req.SourceColumn = s.clusterColumn
	}
	if req.TargetColumn == "" {
		req.TargetColumn = s.targetColumn
	}
	if req.TargetColumn == req.SourceColumn {
		return nil, fmt.Errorf("%w: %s", ErrSourceOverwrite, req.SourceColumn)
	}
	if req.TargetColumn == s.clusterColumn {
		return nil, fmt.Errorf("%w: %s is the cluster column", ErrSourceOverwrite, req.TargetColumn)
	}
	if err := s.checkTarget(req.TargetColumn); err != nil {
		return nil, err
	}
	if !req.DryRun && s.writer == nil {
		return nil, ErrReadOnly
	}

	m, err := s.resolveMapping(req)
	if err != nil {
		return nil, err
	}

	col, err := s.Column(req.SourceColumn)
	if err != nil {
		return nil, err
	}

	out, err := annotation.AnnotateColumn(col, m)
	if err != nil {
		var ue *annotation.UnmappedLabelError
		if errors.As(err, &ue) && !req.DryRun {
			s.recordRun(req, annostore.RunStatusFailed, err, col.Len(), 0, ue.Labels)
		}
		s.logger.Warn("annotation rejected",
			zap.String("source", req.SourceColumn),
			zap.String("target", req.TargetColumn),
			zap.Error(err))
		return nil, err
	}

	result := &AnnotateResult{
		DatasetID:    s.datasetID,
		SourceColumn: req.SourceColumn,
		TargetColumn: req.TargetColumn,
		NCells:       out.Len(),
		Categories:   categoryCounts(out),
		DryRun:       req.DryRun,
	}
	if req.DryRun {
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.writeColumn(req.TargetColumn, out); err != nil {
		s.recordRun(req, annostore.RunStatusFailed, err, out.Len(), len(out.Values), nil)
		return nil, err
	}

	result.RunID = s.recordRun(req, annostore.RunStatusSucceeded, nil, out.Len(), len(out.Values), nil)
	s.logger.Info("annotation written",
		zap.String("run_id", result.RunID),
		zap.String("source", req.SourceColumn),
		zap.String("target", req.TargetColumn),
		zap.Int("n_cells", result.NCells),
		zap.Int("n_categories", len(out.Values)))
	return result, nil
}

func (s *AnnotationService) resolveMapping(req AnnotateRequest) (annotation.Mapping, error) {
	if len(req.Mapping) > 0 {
		return req.Mapping, nil
	}
	if req.MappingName == "" {
		return nil, ErrNoMapping
	}
	rec, err := s.GetMapping(req.MappingName)
	if err != nil {
		return nil, err
	}
	return rec.Entries, nil
}

// checkTarget rejects targets that exist as non-categorical obs columns.
func (s *AnnotationService) checkTarget(name string) error {
	if s.zarr == nil {
		return nil
	}
	if info, ok := s.zarr.Metadata().Obs[name]; ok && info.Kind != zarr.KindCategorical {
		return fmt.Errorf("%w: target column %s is %s, not categorical", ErrInvalidArgument, name, info.Kind)
	}
	return nil
}

func (s *AnnotationService) writeColumn(name string, col annotation.Categorical) error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if err := s.checkTarget(name); err != nil {
		return err
	}

	if err := s.writer.WriteCategorical(name, col); err != nil {
		return fmt.Errorf("failed to write obs column %s: %w", name, err)
	}
	if s.zarr != nil {
		if err := s.zarr.Reload(); err != nil {
			return fmt.Errorf("failed to reload zarr metadata: %w", err)
		}
	}
	if s.cache != nil {
		s.cache.Invalidate(s.datasetID)
	}
	return nil
}

// recordRun stores a run and returns its id. Store failures are logged, not returned.
func (s *AnnotationService) recordRun(req AnnotateRequest, status annostore.RunStatus, runErr error, nCells, nCategories int, missing []string) string {
	id := uuid.NewString()
	if s.store == nil {
		return id
	}
	run := &annostore.Run{
		ID:           id,
		DatasetID:    s.datasetID,
		SourceColumn: req.SourceColumn,
		TargetColumn: req.TargetColumn,
		MappingName:  req.MappingName,
		Status:       status,
		NCells:       nCells,
		NCategories:  nCategories,
		Missing:      missing,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.store.RecordRun(run); err != nil {
		s.logger.Error("failed to record annotation run", zap.String("run_id", id), zap.Error(err))
	}
	return id
}

func categoryCounts(col annotation.Categorical) []CategoryCount {
	counts := col.Counts()
	out := make([]CategoryCount, 0, len(col.Values))
	for i, v := range col.Values {
		if counts[i] > 0 {
			out = append(out, CategoryCount{Value: v, Count: counts[i]})
		}
	}
	return out
}

// LegendItem is one legend entry of a categorical column.
type LegendItem struct {
	Value     string `json:"value"`
	Color     string `json:"color"`
	Index     int    `json:"index"`
	CellCount int    `json:"cell_count"`
}

// Legend returns per-category cell counts and palette colors for an obs column.
func (s *AnnotationService) Legend(column, palette string) ([]LegendItem, error) {
	if palette == "" {
		palette = s.palette
	}
	p, err := colormap.Palette(palette)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var key string
	if s.cache != nil {
		key = s.cache.Key(s.datasetID, "legend", column, palette)
		if data, ok := s.cache.GetResponse(key); ok {
			var items []LegendItem
			if err := json.Unmarshal(data, &items); err == nil {
				return items, nil
			}
		}
	}

	col, err := s.Column(column)
	if err != nil {
		return nil, err
	}
	counts := col.Counts()
	colors := p.Colors(len(col.Values))

	legend := make([]LegendItem, len(col.Values))
	for i, value := range col.Values {
		legend[i] = LegendItem{
			Value:     value,
			Color:     colors[i],
			Index:     i,
			CellCount: counts[i],
		}
	}

	if s.cache != nil {
		s.cacheResponse(key, legend)
	}
	return legend, nil
}

func (s *AnnotationService) cacheResponse(key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.SetResponse(key, data); err != nil {
		s.logger.Debug("response not cached", zap.String("key", key), zap.Error(err))
	}
}
