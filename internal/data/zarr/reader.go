// Package zarr provides a reader and writer for per-cell Zarr v3 stores.
//
// A store directory (e.g. cells.zarr) holds one array per obs column under obs/<name>,
// the expression matrix under X and optional parallel layers under layers/<name>.
// Dataset-level metadata lives in metadata.json next to the store directory.
package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/atlasmap-sc/annotator/internal/annotation"
)

const (
	KindCategorical = "categorical"
	KindNumeric     = "numeric"

	FormatVersion = "cells-v1"
)

var (
	// ErrColumnNotFound is returned for unknown obs columns.
	ErrColumnNotFound = errors.New("obs column not found")
	// ErrGeneNotFound is returned for genes that are not columns of the expression matrix.
	ErrGeneNotFound = errors.New("gene not found")
	// ErrLayerNotFound is returned for unknown expression layers.
	ErrLayerNotFound = errors.New("layer not found")
)

// Reader provides access to a per-cell store.
type Reader struct {
	basePath string
	mu       sync.RWMutex
	metadata *StoreMetadata
	decoder  *zstd.Decoder
}

// StoreMetadata describes a per-cell store.
type StoreMetadata struct {
	FormatVersion string               `json:"format_version"`
	DatasetName   string               `json:"dataset_name"`
	NCells        int                  `json:"n_cells"`
	Genes         []string             `json:"genes"`
	GeneIndex     map[string]int       `json:"gene_index,omitempty"`
	CellIDs       []string             `json:"cell_ids,omitempty"`
	Obs           map[string]ObsColumn `json:"obs"`
	Layers        []string             `json:"layers,omitempty"`
}

// ObsColumn describes one per-cell observation column.
type ObsColumn struct {
	Kind   string   `json:"kind"`
	Values []string `json:"values,omitempty"`
	// Array is the directory under obs/ holding the column; empty means the escaped name.
	Array string `json:"array,omitempty"`
	// Version counts replacements of the column.
	Version int `json:"version,omitempty"`
}

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// NewReader opens the store at basePath.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
	}
	if err := r.Reload(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

// BasePath returns the store directory.
func (r *Reader) BasePath() string { return r.basePath }

// Metadata returns the store metadata. The returned value must not be modified.
func (r *Reader) Metadata() *StoreMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata
}

// Reload re-reads metadata.json, picking up columns written since the reader was opened.
func (r *Reader) Reload() error {
	md, err := readMetadata(r.basePath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.metadata = md
	r.mu.Unlock()
	return nil
}

func metadataPath(basePath string) string {
	return filepath.Join(basePath, "..", "metadata.json")
}

func readMetadata(basePath string) (*StoreMetadata, error) {
	data, err := os.ReadFile(metadataPath(basePath))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var md StoreMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if md.NCells < 0 {
		return nil, fmt.Errorf("invalid n_cells: %d", md.NCells)
	}
	if md.CellIDs != nil && len(md.CellIDs) != md.NCells {
		return nil, fmt.Errorf("cell_ids has %d entries, n_cells is %d", len(md.CellIDs), md.NCells)
	}

	// Build gene index from gene list if not present
	if md.GeneIndex == nil {
		md.GeneIndex = make(map[string]int, len(md.Genes))
		for i, gene := range md.Genes {
			md.GeneIndex[gene] = i
		}
	}
	if md.Obs == nil {
		md.Obs = make(map[string]ObsColumn)
	}
	return &md, nil
}

// ObsColumns returns all obs column names, sorted.
func (r *Reader) ObsColumns() []string {
	md := r.Metadata()
	cols := make([]string, 0, len(md.Obs))
	for name := range md.Obs {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

// CategoricalColumns returns the names of categorical obs columns, sorted.
func (r *Reader) CategoricalColumns() []string {
	md := r.Metadata()
	var cols []string
	for name, col := range md.Obs {
		if col.Kind == KindCategorical {
			cols = append(cols, name)
		}
	}
	sort.Strings(cols)
	return cols
}

// HasColumn reports whether an obs column exists.
func (r *Reader) HasColumn(name string) bool {
	_, ok := r.Metadata().Obs[name]
	return ok
}

// CategoricalColumn reads a categorical obs column.
// Every cell must carry a value; a missing (-1) code is an error.
func (r *Reader) CategoricalColumn(name string) (annotation.Categorical, error) {
	md := r.Metadata()
	info, ok := md.Obs[name]
	if !ok {
		return annotation.Categorical{}, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}
	if info.Kind != KindCategorical {
		return annotation.Categorical{}, fmt.Errorf("obs column %s is %s, not categorical", name, info.Kind)
	}

	data, err := r.readVector(r.obsPath(name, info), "int32", md.NCells)
	if err != nil {
		return annotation.Categorical{}, fmt.Errorf("failed to read obs column %s: %w", name, err)
	}

	codes := make([]int32, md.NCells)
	for i := range codes {
		codes[i] = int32(le32(data, i*4))
		if codes[i] == -1 {
			return annotation.Categorical{}, fmt.Errorf("obs column %s: cell %d has no value", name, i)
		}
		if codes[i] < 0 || int(codes[i]) >= len(info.Values) {
			return annotation.Categorical{}, fmt.Errorf("obs column %s: cell %d code %d out of range (%d categories)", name, i, codes[i], len(info.Values))
		}
	}

	values := make([]string, len(info.Values))
	copy(values, info.Values)
	return annotation.Categorical{Values: values, Codes: codes}, nil
}

// NumericColumn reads a numeric obs column.
func (r *Reader) NumericColumn(name string) ([]float32, error) {
	md := r.Metadata()
	info, ok := md.Obs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}
	if info.Kind != KindNumeric {
		return nil, fmt.Errorf("obs column %s is %s, not numeric", name, info.Kind)
	}

	data, err := r.readVector(r.obsPath(name, info), "float32", md.NCells)
	if err != nil {
		return nil, fmt.Errorf("failed to read obs column %s: %w", name, err)
	}
	out := make([]float32, md.NCells)
	for i := range out {
		out[i] = math.Float32frombits(le32(data, i*4))
	}
	return out, nil
}

// HasLayer reports whether a named expression layer exists. The empty name is X.
func (r *Reader) HasLayer(layer string) bool {
	if layer == "" {
		return true
	}
	for _, l := range r.Metadata().Layers {
		if l == layer {
			return true
		}
	}
	return false
}

// GeneExpression returns one value per cell for gene, from X or the named layer.
func (r *Reader) GeneExpression(gene, layer string) ([]float32, error) {
	md := r.Metadata()
	geneIdx, ok := md.GeneIndex[gene]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGeneNotFound, gene)
	}
	if !r.HasLayer(layer) {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, layer)
	}

	exprPath := r.matrixPath(layer)
	exprMeta, err := r.loadArrayMeta(exprPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load expression metadata: %w", err)
	}

	// Expression is stored as [N_cells, N_genes]
	if len(exprMeta.Shape) != 2 {
		return nil, fmt.Errorf("unexpected expression shape: %v", exprMeta.Shape)
	}
	if exprMeta.DataType != "float32" {
		return nil, fmt.Errorf("unexpected expression data_type: %s", exprMeta.DataType)
	}
	nCells := exprMeta.Shape[0]
	nGenes := exprMeta.Shape[1]
	if nCells != md.NCells {
		return nil, fmt.Errorf("expression has %d rows, n_cells is %d", nCells, md.NCells)
	}
	if geneIdx < 0 || geneIdx >= nGenes {
		return nil, fmt.Errorf("gene index out of range: %d (n_genes=%d)", geneIdx, nGenes)
	}
	if len(exprMeta.ChunkGrid.Configuration.ChunkShape) != 2 {
		return nil, fmt.Errorf("unexpected expression chunk shape: %v", exprMeta.ChunkGrid.Configuration.ChunkShape)
	}

	rowChunk := exprMeta.ChunkGrid.Configuration.ChunkShape[0]
	colChunk := exprMeta.ChunkGrid.Configuration.ChunkShape[1]
	if rowChunk <= 0 || colChunk <= 0 {
		return nil, fmt.Errorf("invalid expression chunk shape: %v", exprMeta.ChunkGrid.Configuration.ChunkShape)
	}

	nRowChunks := ceilDiv(nCells, rowChunk)
	geneColChunk := geneIdx / colChunk
	geneOffset := geneIdx % colChunk

	geneExpr := make([]float32, nCells)
	for rChunk := 0; rChunk < nRowChunks; rChunk++ {
		rowStart := rChunk * rowChunk
		rowLen := min(rowChunk, nCells-rowStart)

		chunkData, err := r.readChunkAt(exprPath, exprMeta, []int{rChunk, geneColChunk})
		if err != nil {
			return nil, fmt.Errorf("failed to load expression chunk %d/%d: %w", rChunk, geneColChunk, err)
		}
		// Chunks are stored at full chunk shape, including edge chunks.
		if len(chunkData) < rowChunk*colChunk*4 {
			return nil, fmt.Errorf("expression chunk %d/%d too short: got %d bytes, expected %d", rChunk, geneColChunk, len(chunkData), rowChunk*colChunk*4)
		}

		for i := 0; i < rowLen; i++ {
			off := (i*colChunk + geneOffset) * 4
			geneExpr[rowStart+i] = math.Float32frombits(le32(chunkData, off))
		}
	}

	return geneExpr, nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func (r *Reader) obsPath(name string, info ObsColumn) string {
	return filepath.Join(r.basePath, "obs", info.arrayDir(name))
}

func (c ObsColumn) arrayDir(name string) string {
	if c.Array != "" {
		return c.Array
	}
	return columnDir(name)
}

func (r *Reader) matrixPath(layer string) string {
	if layer == "" {
		return filepath.Join(r.basePath, "X")
	}
	return filepath.Join(r.basePath, "layers", columnDir(layer))
}

// columnDir makes obs column names such as "cell type" safe as directory names.
// The result never contains '#', which marks replaced obs arrays.
func columnDir(name string) string {
	return url.PathEscape(name)
}

// readVector reads a complete 1-D array of 4-byte elements.
func (r *Reader) readVector(arrayPath, dataType string, n int) ([]byte, error) {
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load array metadata: %w", err)
	}
	if len(meta.Shape) != 1 || meta.Shape[0] != n {
		return nil, fmt.Errorf("unexpected shape: %v (expected [%d])", meta.Shape, n)
	}
	if meta.DataType != dataType {
		return nil, fmt.Errorf("unexpected data_type: %s (expected %s)", meta.DataType, dataType)
	}
	if len(meta.ChunkGrid.Configuration.ChunkShape) != 1 {
		return nil, fmt.Errorf("unexpected chunk shape: %v", meta.ChunkGrid.Configuration.ChunkShape)
	}

	chunkLen := meta.ChunkGrid.Configuration.ChunkShape[0]
	if chunkLen <= 0 {
		return nil, fmt.Errorf("invalid chunk shape: %v", meta.ChunkGrid.Configuration.ChunkShape)
	}

	out := make([]byte, n*4)
	for chunk := 0; chunk < ceilDiv(n, chunkLen); chunk++ {
		start := chunk * chunkLen
		length := min(chunkLen, n-start)

		chunkData, err := r.readChunkAt(arrayPath, meta, []int{chunk})
		if err != nil {
			return nil, fmt.Errorf("failed to load chunk %d: %w", chunk, err)
		}
		if len(chunkData) < length*4 {
			return nil, fmt.Errorf("chunk %d too short: got %d bytes, expected %d", chunk, len(chunkData), length*4)
		}
		copy(out[start*4:(start+length)*4], chunkData[:length*4])
	}
	return out, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// readChunk reads and decompresses a chunk from Zarr v3 format.
func (r *Reader) readChunk(arrayPath string, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	compressedData, err := os.ReadFile(filepath.Join(arrayPath, "c", chunkKey))
	if err != nil {
		return nil, err
	}

	decompressed, err := r.decoder.DecodeAll(compressedData, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

func encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	key := strings.Join(parts, sep)
	if sep == "/" {
		key = filepath.FromSlash(key)
	}
	return key
}

func checkChunkIndices(meta *ZarrV3ArrayMeta, chunkIndices []int) error {
	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	if len(meta.Shape) == 0 || len(chunkShape) == 0 {
		return fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(meta.Shape) != len(chunkShape) {
		return fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(meta.Shape), len(chunkShape))
	}
	if len(chunkIndices) != len(meta.Shape) {
		return fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}
	for d := range meta.Shape {
		if chunkShape[d] <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, chunkShape[d])
		}
		start := chunkIndices[d] * chunkShape[d]
		if start < 0 || start >= meta.Shape[d] {
			return fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
	}
	return nil
}

func (r *Reader) readChunkAt(arrayPath string, meta *ZarrV3ArrayMeta, chunkIndices []int) ([]byte, error) {
	if err := checkChunkIndices(meta, chunkIndices); err != nil {
		return nil, err
	}

	data, err := r.readChunk(arrayPath, encodeChunkKey(meta, chunkIndices))
	if err == nil {
		return data, nil
	}

	// If the chunk is not present on disk, it represents an all-fill-value chunk.
	if os.IsNotExist(err) {
		fill, fillErr := fillValueBytes(meta)
		if fillErr != nil {
			return nil, fillErr
		}
		return repeatFillBytes(fill, product(meta.ChunkGrid.Configuration.ChunkShape)), nil
	}
	return nil, err
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32":
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func fillValueBytes(meta *ZarrV3ArrayMeta) ([]byte, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	if meta.FillValue == nil {
		return make([]byte, size), nil
	}

	// encoding/json decodes every JSON number into float64.
	f, ok := meta.FillValue.(float64)
	if !ok {
		return nil, fmt.Errorf("unsupported fill_value type for %s: %T", meta.DataType, meta.FillValue)
	}

	var bits uint32
	switch meta.DataType {
	case "float32":
		bits = math.Float32bits(float32(f))
	case "int32":
		bits = uint32(int32(f))
	}
	b := make([]byte, 4)
	putLE32(b, 0, bits)
	return b, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	for _, b := range fill {
		if b != 0 {
			for i := 0; i < n; i++ {
				copy(out[i*len(fill):], fill)
			}
			return out
		}
	}
	// All-zero fill: make() already zero-initializes.
	return out
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func putLE32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
