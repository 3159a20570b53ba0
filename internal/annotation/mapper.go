// Package annotation maps per-cell cluster labels to human-curated cell-type names.
//
// The mapping is validated eagerly: every distinct label present in the input must have
// an entry, otherwise the whole call fails and nothing is produced.
package annotation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnmappedLabel is matched by every *UnmappedLabelError.
	ErrUnmappedLabel = errors.New("unmapped cluster label")
	// ErrEmptyLabels is returned when there are no cells to annotate.
	ErrEmptyLabels = errors.New("empty cluster label sequence")
)

// UnmappedLabelError lists the observed labels that have no entry in the mapping.
type UnmappedLabelError struct {
	Labels []string // sorted, distinct
}

func (e *UnmappedLabelError) Error() string {
	quoted := make([]string, len(e.Labels))
	for i, l := range e.Labels {
		quoted[i] = fmt.Sprintf("%q", l)
	}
	return fmt.Sprintf("%s: no cell type for %s", ErrUnmappedLabel, strings.Join(quoted, ", "))
}

func (e *UnmappedLabelError) Unwrap() error { return ErrUnmappedLabel }

// Mapping assigns a cell-type name to each cluster label.
type Mapping map[string]string

// Keys returns the mapping keys in natural cluster order.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	SortLabels(keys)
	return keys
}

// Missing returns the distinct labels that have no entry in m, sorted.
func (m Mapping) Missing(labels []string) []string {
	seen := make(map[string]struct{})
	var missing []string
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		if _, ok := m[l]; !ok {
			missing = append(missing, l)
		}
	}
	SortLabels(missing)
	return missing
}

// Validate returns an *UnmappedLabelError if any label lacks a mapping entry.
func (m Mapping) Validate(labels []string) error {
	if missing := m.Missing(labels); len(missing) > 0 {
		return &UnmappedLabelError{Labels: missing}
	}
	return nil
}

// Image returns the sorted distinct cell types that the given labels map to.
// Labels without an entry are ignored.
func (m Mapping) Image(labels []string) []string {
	set := make(map[string]struct{})
	for _, l := range labels {
		if v, ok := m[l]; ok {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of m.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Annotate returns the cell type of every cell, in input order.
// It fails without producing output if labels is empty or any label is unmapped.
func Annotate(labels []string, m Mapping) ([]string, error) {
	if len(labels) == 0 {
		return nil, ErrEmptyLabels
	}
	if err := m.Validate(labels); err != nil {
		return nil, err
	}

	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = m[l]
	}
	return out, nil
}

// AnnotateColumn applies m to a dictionary-encoded column.
// Only categories referenced by at least one cell need a mapping entry; unused
// categories are dropped from the result. Output categories are sorted.
func AnnotateColumn(col Categorical, m Mapping) (Categorical, error) {
	if len(col.Codes) == 0 {
		return Categorical{}, ErrEmptyLabels
	}
	if err := col.check(); err != nil {
		return Categorical{}, err
	}

	present := col.PresentValues()
	if err := m.Validate(present); err != nil {
		return Categorical{}, err
	}

	values := m.Image(present)
	index := make(map[string]int32, len(values))
	for i, v := range values {
		index[v] = int32(i)
	}

	// old code -> new code
	remap := make([]int32, len(col.Values))
	for i, v := range col.Values {
		remap[i] = -1
		if ct, ok := m[v]; ok {
			remap[i] = index[ct]
		}
	}

	codes := make([]int32, len(col.Codes))
	for i, c := range col.Codes {
		codes[i] = remap[c]
	}
	return Categorical{Values: values, Codes: codes}, nil
}
