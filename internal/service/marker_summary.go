package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasmap-sc/annotator/internal/annotation"
	"github.com/atlasmap-sc/annotator/internal/data/zarr"
	"github.com/atlasmap-sc/annotator/pkg/colormap"
)

// Standard scale modes.
const (
	ScaleNone  = ""
	ScaleVar   = "var"
	ScaleGroup = "group"
)

// expressionReaders bounds concurrent gene reads of one marker summary.
const expressionReaders = 4

// MarkerSummaryRequest selects the marker genes and grouping of a summary.
type MarkerSummaryRequest struct {
	GroupBy       string
	MarkerSetName string
	Markers       annotation.MarkerSet
	Layer         string
	StandardScale string
	// Colormap, when set, adds one color per mean value.
	Colormap string
}

// MarkerGroupSpan is the [Start, End] gene range (inclusive) of one cell type's markers.
type MarkerGroupSpan struct {
	CellType string `json:"cell_type"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// MarkerSummary holds per-group marker statistics, laid out groups x genes.
type MarkerSummary struct {
	GroupBy            string            `json:"groupby"`
	Layer              string            `json:"layer"`
	StandardScale      string            `json:"standard_scale,omitempty"`
	Groups             []string          `json:"groups"`
	GroupSizes         []int             `json:"group_sizes"`
	Genes              []string          `json:"genes"`
	MarkerGroups       []MarkerGroupSpan `json:"marker_groups"`
	Mean               [][]float64       `json:"mean"`
	FractionExpressing [][]float64       `json:"fraction_expressing"`
	Colors             [][]string        `json:"colors,omitempty"`
}

// MarkerSummary computes, for every group of the groupby column and every marker gene,
// the mean expression over all cells of the group and the fraction of cells with
// expression above zero.
func (s *AnnotationService) MarkerSummary(ctx context.Context, req MarkerSummaryRequest) (*MarkerSummary, error) {
	if s.zarr == nil {
		return nil, ErrNoExpression
	}
	if req.GroupBy == "" {
		req.GroupBy = s.clusterColumn
	}
	switch req.StandardScale {
	case ScaleNone, ScaleVar, ScaleGroup:
	default:
		return nil, fmt.Errorf("%w: standard_scale %q (expected var or group)", ErrInvalidArgument, req.StandardScale)
	}
	var cmap colormap.LinearColormap
	if req.Colormap != "" {
		c, ok := colormap.Sequential(req.Colormap)
		if !ok {
			return nil, fmt.Errorf("%w: unknown colormap %s", ErrInvalidArgument, req.Colormap)
		}
		cmap = c
	}

	markers := req.Markers
	if len(markers) == 0 {
		if req.MarkerSetName == "" {
			return nil, fmt.Errorf("%w: marker set name or markers are required", ErrInvalidArgument)
		}
		rec, err := s.GetMarkerSet(req.MarkerSetName)
		if err != nil {
			return nil, err
		}
		markers = rec.Markers
	}
	if err := s.validateMarkers(markers); err != nil {
		return nil, err
	}
	if !s.zarr.HasLayer(req.Layer) {
		return nil, fmt.Errorf("%w: %s", zarr.ErrLayerNotFound, req.Layer)
	}

	markersJSON, err := json.Marshal(markers)
	if err != nil {
		return nil, err
	}
	var key string
	if s.cache != nil {
		key = s.cache.Key(s.datasetID, "summary", req.GroupBy, string(markersJSON), req.Layer, req.StandardScale, req.Colormap)
		if data, ok := s.cache.GetResponse(key); ok {
			var cached MarkerSummary
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	col, err := s.Column(req.GroupBy)
	if err != nil {
		return nil, err
	}

	counts := col.Counts()
	groupRow := make([]int, len(col.Values)) // category code -> summary row, -1 if empty
	var groups []string
	var sizes []int
	for i, v := range col.Values {
		groupRow[i] = -1
		if counts[i] > 0 {
			groupRow[i] = len(groups)
			groups = append(groups, v)
			sizes = append(sizes, counts[i])
		}
	}

	genes := markers.Genes()
	geneCol := make(map[string]int, len(genes))
	for j, g := range genes {
		geneCol[g] = j
	}
	spans := make([]MarkerGroupSpan, 0, len(markers))
	for _, m := range markers {
		if len(m.Genes) == 0 {
			continue
		}
		start, end := len(genes), -1
		for _, g := range m.Genes {
			j := geneCol[g]
			start = min(start, j)
			end = max(end, j)
		}
		spans = append(spans, MarkerGroupSpan{CellType: m.CellType, Start: start, End: end})
	}

	exprs := make([][]float32, len(genes))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(expressionReaders)
	for j, gene := range genes {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			expr, err := s.zarr.GeneExpression(gene, req.Layer)
			if err != nil {
				return fmt.Errorf("failed to read expression for %s: %w", gene, err)
			}
			if len(expr) != col.Len() {
				return fmt.Errorf("expression for %s has %d cells, %s has %d", gene, len(expr), req.GroupBy, col.Len())
			}
			exprs[j] = expr
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	mean := newMatrix(len(groups), len(genes))
	frac := newMatrix(len(groups), len(genes))
	for j, expr := range exprs {
		for i, v := range expr {
			row := groupRow[col.Codes[i]]
			mean[row][j] += float64(v)
			if v > 0 {
				frac[row][j]++
			}
		}
		for row := range groups {
			mean[row][j] /= float64(sizes[row])
			frac[row][j] /= float64(sizes[row])
		}
	}

	switch req.StandardScale {
	case ScaleVar:
		scaleColumns(mean)
	case ScaleGroup:
		scaleRows(mean)
	}

	out := &MarkerSummary{
		GroupBy:            req.GroupBy,
		Layer:              req.Layer,
		StandardScale:      req.StandardScale,
		Groups:             groups,
		GroupSizes:         sizes,
		Genes:              genes,
		MarkerGroups:       spans,
		Mean:               mean,
		FractionExpressing: frac,
	}
	if req.Colormap != "" {
		out.Colors = colorize(mean, cmap)
	}

	s.logger.Debug("marker summary computed",
		zap.String("groupby", req.GroupBy),
		zap.Int("groups", len(groups)),
		zap.Int("genes", len(genes)))
	if s.cache != nil {
		s.cacheResponse(key, out)
	}
	return out, nil
}

func newMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

// scaleColumns maps every column to [0, 1]: subtract the minimum, divide by the new maximum.
// A constant column becomes all zeros.
func scaleColumns(m [][]float64) {
	if len(m) == 0 {
		return
	}
	for j := range m[0] {
		lo, hi := m[0][j], m[0][j]
		for i := range m {
			lo = min(lo, m[i][j])
			hi = max(hi, m[i][j])
		}
		for i := range m {
			if hi > lo {
				m[i][j] = (m[i][j] - lo) / (hi - lo)
			} else {
				m[i][j] = 0
			}
		}
	}
}

// scaleRows maps every row to [0, 1] in the same way.
func scaleRows(m [][]float64) {
	for i := range m {
		if len(m[i]) == 0 {
			continue
		}
		lo, hi := m[i][0], m[i][0]
		for _, v := range m[i] {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		for j, v := range m[i] {
			if hi > lo {
				m[i][j] = (v - lo) / (hi - lo)
			} else {
				m[i][j] = 0
			}
		}
	}
}

// colorize maps values onto cmap. Unscaled values are normalised by the global range.
func colorize(m [][]float64, cmap colormap.LinearColormap) [][]string {
	lo, hi := 0.0, 0.0
	first := true
	for _, row := range m {
		for _, v := range row {
			if first {
				lo, hi = v, v
				first = false
			}
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	out := make([][]string, len(m))
	for i, row := range m {
		out[i] = make([]string, len(row))
		for j, v := range row {
			t := 0.0
			if hi > lo {
				t = (v - lo) / (hi - lo)
			}
			out[i][j] = colormap.Hex(cmap.At(t))
		}
	}
	return out
}
