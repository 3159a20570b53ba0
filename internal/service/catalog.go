package service

import (
	"fmt"
	"strings"

	"github.com/atlasmap-sc/annotator/internal/annostore"
	"github.com/atlasmap-sc/annotator/internal/annotation"
)

// PutMapping stores a named mapping for this dataset.
func (s *AnnotationService) PutMapping(name string, m annotation.Mapping) error {
	if s.store == nil {
		return ErrNoStore
	}
	return s.store.PutMapping(s.datasetID, name, m)
}

// GetMapping returns a stored mapping.
func (s *AnnotationService) GetMapping(name string) (*annostore.MappingRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.GetMapping(s.datasetID, name)
}

// ListMappings returns the stored mappings of this dataset.
func (s *AnnotationService) ListMappings() ([]*annostore.MappingRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListMappings(s.datasetID)
}

// DeleteMapping removes a stored mapping.
func (s *AnnotationService) DeleteMapping(name string) error {
	if s.store == nil {
		return ErrNoStore
	}
	return s.store.DeleteMapping(s.datasetID, name)
}

// PutMarkerSet stores a named marker set after checking its genes against the expression matrix.
func (s *AnnotationService) PutMarkerSet(name string, set annotation.MarkerSet) error {
	if s.store == nil {
		return ErrNoStore
	}
	if err := s.validateMarkers(set); err != nil {
		return err
	}
	return s.store.PutMarkerSet(s.datasetID, name, set)
}

// GetMarkerSet returns a stored marker set.
func (s *AnnotationService) GetMarkerSet(name string) (*annostore.MarkerSetRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.GetMarkerSet(s.datasetID, name)
}

// ListMarkerSets returns the stored marker sets of this dataset.
func (s *AnnotationService) ListMarkerSets() ([]*annostore.MarkerSetRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListMarkerSets(s.datasetID)
}

// Runs returns the annotation runs of this dataset, newest first.
func (s *AnnotationService) Runs() ([]*annostore.Run, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListRuns(s.datasetID)
}

// Run returns one annotation run of this dataset.
func (s *AnnotationService) Run(runID string) (*annostore.Run, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.DatasetID != s.datasetID {
		return nil, fmt.Errorf("run %s: %w", runID, annostore.ErrNotFound)
	}
	return run, nil
}

func (s *AnnotationService) validateMarkers(set annotation.MarkerSet) error {
	if s.zarr == nil {
		return nil
	}
	if missing := set.MissingGenes(s.zarr.Metadata().GeneIndex); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownGenes, strings.Join(missing, ", "))
	}
	return nil
}
