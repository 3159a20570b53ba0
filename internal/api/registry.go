package api

import (
	"github.com/atlasmap-sc/annotator/internal/service"
)

// DatasetRegistry holds annotation services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.AnnotationService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.AnnotationService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds the annotation service of a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.AnnotationService) {
	if _, ok := r.services[datasetID]; !ok && !contains(r.datasetOrder, datasetID) {
		r.datasetOrder = append(r.datasetOrder, datasetID)
	}
	r.services[datasetID] = svc
}

// Get returns the annotation service of a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.AnnotationService {
	return r.services[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Cell-type annotator"
}

// Datasets returns information on all registered datasets, in config order.
func (r *DatasetRegistry) Datasets() []service.DatasetInfo {
	infos := make([]service.DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		info := svc.Info()
		info.ID = id
		infos = append(infos, info)
	}
	return infos
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
