package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/annotator/internal/annostore"
	"github.com/atlasmap-sc/annotator/internal/annotation"
)

func TestCatalog_ScopedToDataset(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.svc.PutMapping("v1", testMapping))

	res, err := f.svc.Annotate(context.Background(), AnnotateRequest{MappingName: "v1"})
	require.NoError(t, err)

	// Same store, another dataset id.
	other := NewAnnotationService(AnnotationServiceConfig{
		DatasetID:  "other",
		ZarrReader: f.reader,
		Store:      f.store,
	})
	_, err = other.GetMapping("v1")
	assert.ErrorIs(t, err, annostore.ErrNotFound)
	_, err = other.Run(res.RunID)
	assert.ErrorIs(t, err, annostore.ErrNotFound)

	runs, err := other.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCatalog_MappingLifecycle(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.svc.PutMapping("v1", annotation.Mapping{"0": "a"}))
	require.NoError(t, f.svc.PutMapping("v1", testMapping))

	list, err := f.svc.ListMappings()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, testMapping, list[0].Entries)

	require.NoError(t, f.svc.DeleteMapping("v1"))
	assert.ErrorIs(t, f.svc.DeleteMapping("v1"), annostore.ErrNotFound)
}

func TestCatalog_NoStore(t *testing.T) {
	svc := NewAnnotationService(AnnotationServiceConfig{DatasetID: "bare"})

	assert.ErrorIs(t, svc.PutMapping("v1", testMapping), ErrNoStore)
	_, err := svc.ListMarkerSets()
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = svc.Runs()
	assert.ErrorIs(t, err, ErrNoStore)
}
