package annotation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Marker lists genes diagnostic for one cell type.
type Marker struct {
	CellType string   `json:"cell_type"`
	Genes    []string `json:"genes"`
}

// MarkerSet is an ordered list of markers with unique cell types.
type MarkerSet []Marker

// NewMarkerSet validates that cell types are unique and non-empty.
func NewMarkerSet(markers ...Marker) (MarkerSet, error) {
	seen := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		if strings.TrimSpace(m.CellType) == "" {
			return nil, errors.New("marker set: empty cell type")
		}
		if _, ok := seen[m.CellType]; ok {
			return nil, fmt.Errorf("marker set: duplicate cell type %q", m.CellType)
		}
		seen[m.CellType] = struct{}{}
	}
	return MarkerSet(markers), nil
}

// Genes returns all marker genes in declaration order without duplicates.
func (s MarkerSet) Genes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range s {
		for _, g := range m.Genes {
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

// MissingGenes returns marker genes absent from geneIndex, in declaration order.
func (s MarkerSet) MissingGenes(geneIndex map[string]int) []string {
	var missing []string
	for _, g := range s.Genes() {
		if _, ok := geneIndex[g]; !ok {
			missing = append(missing, g)
		}
	}
	return missing
}

// Validate fails if any marker gene is not a column of the expression matrix.
func (s MarkerSet) Validate(geneIndex map[string]int) error {
	if missing := s.MissingGenes(geneIndex); len(missing) > 0 {
		return fmt.Errorf("marker genes not in expression matrix: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MarshalJSON encodes the set as a JSON object keyed by cell type, in order.
func (s MarkerSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(m.CellType)
		if err != nil {
			return nil, err
		}
		genes := m.Genes
		if genes == nil {
			genes = []string{}
		}
		v, err := json.Marshal(genes)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of cell type -> genes, preserving key order.
func (s *MarkerSet) UnmarshalJSON(data []byte) error {
	set, err := ParseMarkerSet(data)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// ParseMarkerSet decodes {"NK": ["GNLY","NKG7"], ...} keeping the key order of the document.
func ParseMarkerSet(data []byte) (MarkerSet, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("marker set: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("marker set: expected JSON object")
	}

	var markers []Marker
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("marker set: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("marker set: unexpected token %v", tok)
		}
		var genes []string
		if err := dec.Decode(&genes); err != nil {
			return nil, fmt.Errorf("marker set: genes for %q: %w", key, err)
		}
		markers = append(markers, Marker{CellType: key, Genes: genes})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("marker set: %w", err)
	}
	return NewMarkerSet(markers...)
}

// ParseMapping decodes a JSON object of cluster label -> cell type.
func ParseMapping(data []byte) (Mapping, error) {
	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("mapping: %w", err)
	}
	if len(m) == 0 {
		return nil, errors.New("mapping: no entries")
	}
	return m, nil
}
