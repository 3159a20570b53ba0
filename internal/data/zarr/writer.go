package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/atlasmap-sc/annotator/internal/annotation"
)

const (
	defaultVectorChunk = 65536
	defaultRowChunk    = 4096
	defaultColChunk    = 64
)

// Writer adds arrays to a per-cell store and keeps metadata.json in sync.
type Writer struct {
	basePath string
	encoder  *zstd.Encoder

	mu       sync.Mutex
	metadata *StoreMetadata

	// Chunk sizes; zero means default.
	VectorChunk int
	RowChunk    int
	ColChunk    int
}

// Create initialises an empty store at basePath with the given metadata.
// Obs columns and layers listed in md are cleared; they are added as arrays are written.
func Create(basePath string, md StoreMetadata) (*Writer, error) {
	if md.NCells <= 0 {
		return nil, fmt.Errorf("invalid n_cells: %d", md.NCells)
	}
	if md.CellIDs != nil && len(md.CellIDs) != md.NCells {
		return nil, fmt.Errorf("cell_ids has %d entries, n_cells is %d", len(md.CellIDs), md.NCells)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	md.FormatVersion = FormatVersion
	md.Obs = make(map[string]ObsColumn)
	md.Layers = nil
	md.GeneIndex = nil

	w, err := newWriter(basePath, &md)
	if err != nil {
		return nil, err
	}
	if err := w.saveMetadata(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// OpenWriter opens an existing store for writing.
func OpenWriter(basePath string) (*Writer, error) {
	md, err := readMetadata(basePath)
	if err != nil {
		return nil, err
	}
	return newWriter(basePath, md)
}

func newWriter(basePath string, md *StoreMetadata) (*Writer, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{basePath: basePath, encoder: encoder, metadata: md}, nil
}

// WriteCategorical writes (or replaces) a categorical obs column.
func (w *Writer) WriteCategorical(name string, col annotation.Categorical) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if name == "" {
		return fmt.Errorf("empty obs column name")
	}
	if col.Len() != w.metadata.NCells {
		return fmt.Errorf("obs column %s has %d cells, n_cells is %d", name, col.Len(), w.metadata.NCells)
	}
	if err := col.Check(); err != nil {
		return fmt.Errorf("obs column %s: %w", name, err)
	}

	data := make([]byte, col.Len()*4)
	for i, code := range col.Codes {
		putLE32(data, i*4, uint32(code))
	}
	values := make([]string, len(col.Values))
	copy(values, col.Values)
	return w.replaceObsColumn(name, ObsColumn{Kind: KindCategorical, Values: values}, "int32", -1, data)
}

// WriteNumeric writes (or replaces) a numeric obs column.
func (w *Writer) WriteNumeric(name string, values []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(values) != w.metadata.NCells {
		return fmt.Errorf("obs column %s has %d cells, n_cells is %d", name, len(values), w.metadata.NCells)
	}

	data := make([]byte, len(values)*4)
	for i, v := range values {
		putLE32(data, i*4, math.Float32bits(v))
	}
	return w.replaceObsColumn(name, ObsColumn{Kind: KindNumeric}, "float32", 0, data)
}

// replaceObsColumn writes an obs array into a directory no metadata refers to yet, then
// switches metadata.json to it and removes the previous array. A reader holding the old
// metadata reads the old array or fails; it never pairs new codes with old categories.
func (w *Writer) replaceObsColumn(name string, col ObsColumn, dataType string, fill float64, data []byte) error {
	prev, existed := w.metadata.Obs[name]
	col.Array = columnDir(name)
	if existed {
		col.Version = prev.Version + 1
		col.Array = fmt.Sprintf("%s#%d", columnDir(name), col.Version)
	}

	n := w.metadata.NCells
	arrayPath := filepath.Join(w.basePath, "obs", col.Array)
	chunk := orDefault(w.VectorChunk, defaultVectorChunk)
	if err := w.writeArray(arrayPath, dataType, fill, []int{n}, []int{chunk}, data); err != nil {
		os.RemoveAll(arrayPath)
		return fmt.Errorf("failed to write obs column %s: %w", name, err)
	}

	w.metadata.Obs[name] = col
	if err := w.saveMetadata(); err != nil {
		if existed {
			w.metadata.Obs[name] = prev
		} else {
			delete(w.metadata.Obs, name)
		}
		os.RemoveAll(arrayPath)
		return err
	}

	if existed {
		if old := prev.arrayDir(name); old != col.Array {
			// Unreferenced now; a failed removal only leaves garbage behind.
			_ = os.RemoveAll(filepath.Join(w.basePath, "obs", old))
		}
	}
	return nil
}

// WriteMatrix writes a cells x genes matrix as X (layer "") or as a named layer.
func (w *Writer) WriteMatrix(layer string, rows [][]float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	nCells := w.metadata.NCells
	nGenes := len(w.metadata.Genes)
	if len(rows) != nCells {
		return fmt.Errorf("matrix has %d rows, n_cells is %d", len(rows), nCells)
	}
	if nGenes == 0 {
		return fmt.Errorf("store has no genes")
	}

	data := make([]byte, nCells*nGenes*4)
	for i, row := range rows {
		if len(row) != nGenes {
			return fmt.Errorf("matrix row %d has %d values, n_genes is %d", i, len(row), nGenes)
		}
		for j, v := range row {
			putLE32(data, (i*nGenes+j)*4, math.Float32bits(v))
		}
	}

	path := filepath.Join(w.basePath, "X")
	if layer != "" {
		path = filepath.Join(w.basePath, "layers", columnDir(layer))
	}
	shape := []int{nCells, nGenes}
	chunks := []int{orDefault(w.RowChunk, defaultRowChunk), orDefault(w.ColChunk, defaultColChunk)}
	if err := w.writeArray(path, "float32", 0, shape, chunks, data); err != nil {
		return fmt.Errorf("failed to write matrix %q: %w", layer, err)
	}

	if layer != "" && !containsString(w.metadata.Layers, layer) {
		w.metadata.Layers = append(w.metadata.Layers, layer)
	}
	return w.saveMetadata()
}

// Metadata returns a copy of the metadata as last written.
func (w *Writer) Metadata() StoreMetadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.metadata
}

// Close releases the encoder.
func (w *Writer) Close() error {
	return w.encoder.Close()
}

// writeArray writes a row-major array as zstd-compressed chunks. Edge chunks are
// padded to the full chunk shape with the fill value.
func (w *Writer) writeArray(arrayPath, dataType string, fill float64, shape, chunkShape []int, data []byte) error {
	for d := range chunkShape {
		if chunkShape[d] > shape[d] {
			chunkShape[d] = shape[d]
		}
		if chunkShape[d] <= 0 {
			return fmt.Errorf("invalid chunk shape %v for shape %v", chunkShape, shape)
		}
	}

	// Replace any previous version of the array.
	if err := os.RemoveAll(arrayPath); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0755); err != nil {
		return err
	}

	meta := arrayMetaJSON(dataType, fill, shape, chunkShape)
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), metaBytes, 0644); err != nil {
		return err
	}

	var fillBits uint32
	if dataType == "int32" {
		fillBits = uint32(int32(fill))
	} else {
		fillBits = math.Float32bits(float32(fill))
	}

	switch len(shape) {
	case 1:
		n, cn := shape[0], chunkShape[0]
		for c := 0; c < ceilDiv(n, cn); c++ {
			buf := make([]byte, cn*4)
			start := c * cn
			length := min(cn, n-start)
			copy(buf, data[start*4:(start+length)*4])
			for i := length; i < cn; i++ {
				putLE32(buf, i*4, fillBits)
			}
			if err := w.writeChunk(arrayPath, []int{c}, buf); err != nil {
				return err
			}
		}
	case 2:
		rows, cols := shape[0], shape[1]
		rc, cc := chunkShape[0], chunkShape[1]
		for ri := 0; ri < ceilDiv(rows, rc); ri++ {
			for ci := 0; ci < ceilDiv(cols, cc); ci++ {
				buf := make([]byte, rc*cc*4)
				for i := 0; i < rc; i++ {
					row := ri*rc + i
					for j := 0; j < cc; j++ {
						col := ci*cc + j
						v := fillBits
						if row < rows && col < cols {
							v = le32(data, (row*cols+col)*4)
						}
						putLE32(buf, (i*cc+j)*4, v)
					}
				}
				if err := w.writeChunk(arrayPath, []int{ri, ci}, buf); err != nil {
					return err
				}
			}
		}
	default:
		return fmt.Errorf("unsupported array rank: %d", len(shape))
	}
	return nil
}

func (w *Writer) writeChunk(arrayPath string, indices []int, raw []byte) error {
	meta := &ZarrV3ArrayMeta{}
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	chunkPath := filepath.Join(arrayPath, "c", encodeChunkKey(meta, indices))
	if err := os.MkdirAll(filepath.Dir(chunkPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(chunkPath, w.encoder.EncodeAll(raw, nil), 0644)
}

// saveMetadata writes metadata.json through a temp file so readers never see a partial file.
func (w *Writer) saveMetadata() error {
	data, err := json.MarshalIndent(w.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	path := metadataPath(w.basePath)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func arrayMetaJSON(dataType string, fill float64, shape, chunkShape []int) map[string]interface{} {
	return map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       shape,
		"data_type":   dataType,
		"chunk_grid": map[string]interface{}{
			"name":          "regular",
			"configuration": map[string]interface{}{"chunk_shape": chunkShape},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name":          "default",
			"configuration": map[string]interface{}{"separator": "/"},
		},
		"fill_value": fill,
		"codecs": []map[string]interface{}{
			{"name": "bytes", "configuration": map[string]interface{}{"endian": "little"}},
			{"name": "zstd", "configuration": map[string]interface{}{"level": 3, "checksum": false}},
		},
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func containsString(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
