package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlasmap-sc/annotator/internal/annostore"
	"github.com/atlasmap-sc/annotator/internal/cache"
	"github.com/atlasmap-sc/annotator/internal/config"
	"github.com/atlasmap-sc/annotator/internal/data/soma"
	"github.com/atlasmap-sc/annotator/internal/data/zarr"
	"github.com/atlasmap-sc/annotator/internal/service"
)

// datasetHandles owns the readers and writer behind one AnnotationService.
type datasetHandles struct {
	reader *zarr.Reader
	writer *zarr.Writer
	soma   *soma.Reader
}

func (h *datasetHandles) Close() {
	if h.writer != nil {
		h.writer.Close()
	}
	if h.reader != nil {
		h.reader.Close()
	}
	if h.soma != nil {
		h.soma.Close()
	}
}

// openDataset opens the Zarr store (and SOMA experiment, if configured) of one dataset
// and wraps them in an AnnotationService. store and cm may be nil.
func openDataset(cfg *config.Config, datasetID string, ds config.DatasetConfig, store *annostore.Store, cm *cache.Manager, writable bool) (*service.AnnotationService, *datasetHandles, error) {
	h := &datasetHandles{}

	if ds.ZarrPath != "" {
		r, err := zarr.NewReader(ds.ZarrPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Zarr reader for dataset %q: %w", datasetID, err)
		}
		h.reader = r
		md := r.Metadata()
		logger.Info("dataset loaded",
			zap.String("dataset", datasetID),
			zap.String("zarr_path", ds.ZarrPath),
			zap.Int("n_cells", md.NCells),
			zap.Int("n_genes", len(md.Genes)))

		if writable {
			w, err := zarr.OpenWriter(ds.ZarrPath)
			if err != nil {
				h.Close()
				return nil, nil, fmt.Errorf("failed to open Zarr store of dataset %q for writing: %w", datasetID, err)
			}
			h.writer = w
		}
	}

	if ds.SomaPath != "" {
		r, err := soma.NewReader(ds.SomaPath)
		if err != nil {
			logger.Warn("SOMA not initialized", zap.String("dataset", datasetID), zap.Error(err))
		} else {
			h.soma = r
			logger.Info("SOMA experiment",
				zap.String("dataset", datasetID),
				zap.String("uri", r.ExperimentURI()),
				zap.Bool("supported", r.Supported()))
		}
	}

	if h.reader == nil && h.soma == nil {
		return nil, nil, fmt.Errorf("dataset %q has no readable data source", datasetID)
	}

	svc := service.NewAnnotationService(service.AnnotationServiceConfig{
		DatasetID:           datasetID,
		ClusterColumn:       ds.ClusterColumn,
		DefaultTargetColumn: cfg.Annotation.DefaultTargetColumn,
		DefaultPalette:      cfg.Annotation.DefaultPalette,
		ZarrReader:          h.reader,
		ZarrWriter:          h.writer,
		SomaReader:          h.soma,
		Store:               store,
		Cache:               cm,
		Logger:              logger,
	})
	return svc, h, nil
}

// resolveDataset returns the id and config of the requested (or default) dataset.
func resolveDataset(cfg *config.Config, datasetID string) (string, config.DatasetConfig, error) {
	if datasetID == "" {
		datasetID = cfg.Data.DefaultDataset
	}
	ds, ok := cfg.Data.Datasets[datasetID]
	if !ok {
		return "", config.DatasetConfig{}, fmt.Errorf("unknown dataset %q", datasetID)
	}
	return datasetID, ds, nil
}

func newCacheManager(cfg *config.Config) (*cache.Manager, error) {
	return cache.NewManager(cache.Config{
		ResponseCacheSizeMB: cfg.Cache.ResponseSizeMB,
		ResponseTTL:         time.Duration(cfg.Cache.ResponseTTLMinutes) * time.Minute,
		ColumnCacheSize:     cfg.Cache.ColumnCacheSize,
	})
}
