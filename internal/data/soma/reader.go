// Package soma reads obs label columns from a TileDB-SOMA experiment.
//
// Only the obs DataFrame is used: a string column is returned as one label per
// cell, ordered by soma_joinid. TileDB support requires the "soma" build tag.
package soma

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")
	// ErrColumnNotFound is returned for obs columns missing from the experiment.
	ErrColumnNotFound = errors.New("obs column not found in soma experiment")
)

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

// distinctLabels returns the distinct non-empty labels in first-seen order.
func distinctLabels(labels []string) []string {
	seen := make(map[string]struct{}, 16)
	var out []string
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
