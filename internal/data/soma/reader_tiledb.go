//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/atlasmap-sc/annotator/internal/annotation"
)

// Reader provides obs reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	labelsMu    sync.Mutex
	labelsCache map[string][]string // column -> label per cell
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
		labelsCache:   make(map[string][]string),
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Close frees the TileDB context.
func (r *Reader) Close() {
	if r.ctx != nil {
		r.ctx.Free()
	}
}

func (r *Reader) openObs() (*tiledb.Array, error) {
	obsURI := r.experimentURI + "/obs"
	arr, err := tiledb.NewArray(r.ctx, obsURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open obs array: %w", err)
	}
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, fmt.Errorf("failed to open obs array for read: %w", err)
	}
	return arr, nil
}

// ObsColumns returns the attribute names of the obs DataFrame, sorted.
func (r *Reader) ObsColumns() ([]string, error) {
	arr, err := r.openObs()
	if err != nil {
		return nil, err
	}
	defer arr.Free()
	defer arr.Close()

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get obs schema: %w", err)
	}
	defer schema.Free()

	nattrs, err := schema.AttributeNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get attribute count: %w", err)
	}

	var columns []string
	for i := uint(0); i < nattrs; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			continue
		}
		name, err := attr.Name()
		attr.Free()
		if err != nil {
			continue
		}
		if name == "soma_joinid" {
			continue
		}
		columns = append(columns, name)
	}
	sort.Strings(columns)
	return columns, nil
}

// ObsColumnValues returns the distinct values of a string obs column.
func (r *Reader) ObsColumnValues(column string) ([]string, error) {
	labels, err := r.ObsLabels(column)
	if err != nil {
		return nil, err
	}
	values := distinctLabels(labels)
	annotation.SortLabels(values)
	return values, nil
}

// ObsLabels returns one label per cell for a string obs column, ordered by soma_joinid.
// Results are cached per column.
func (r *Reader) ObsLabels(column string) ([]string, error) {
	r.labelsMu.Lock()
	defer r.labelsMu.Unlock()

	if cached, ok := r.labelsCache[column]; ok {
		return cached, nil
	}
	labels, err := r.loadObsLabels(column)
	if err != nil {
		return nil, err
	}
	r.labelsCache[column] = labels
	return labels, nil
}

func (r *Reader) loadObsLabels(column string) ([]string, error) {
	arr, err := r.openObs()
	if err != nil {
		return nil, err
	}
	defer arr.Free()
	defer arr.Close()

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get obs schema: %w", err)
	}
	defer schema.Free()

	attr, err := schema.AttributeFromName(column)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, column)
	}
	attr.Free()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return nil, fmt.Errorf("failed to get obs non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return []string{}, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse obs non-empty domain: %w", err)
	}
	if maxID < minID {
		return []string{}, nil
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create obs subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set obs range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create obs query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set obs subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set obs query layout: %w", err)
	}

	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	colNullable, _ := attributeNullable(arr, column)
	var validity []uint8
	if colNullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	n := int(maxID - minID + 1)
	labels := make([]string, n)
	seen := make([]bool, n)
	for {
		// Buffer sizes are in/out params; reset them before every submit.
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return nil, fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if colNullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("obs query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("obs query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("obs query ResultBufferElements failed: %w", err)
		}

		usedJoin := min(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := min(int(elems[column][0]), len(offsets))
		usedBytes := min(int(elems[column][1]), len(dataBytes))
		usedValid := 0
		if colNullable {
			usedValid = min(int(elems[column][2]), len(validity))
		}

		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return nil, fmt.Errorf("obs query buffers too small for column %s", column)
		}

		off := offsets[:usedOffsets]
		data := dataBytes[:usedBytes]
		lim := min(usedJoin, usedOffsets)
		for i := 0; i < lim; i++ {
			pos := int(joinIDs[i] - minID)
			if pos < 0 || pos >= n {
				continue
			}
			if colNullable && i < usedValid && validity[i] == 0 {
				return nil, fmt.Errorf("obs column %s: cell %d has no value", column, joinIDs[i])
			}
			start := int(off[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(off[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				return nil, fmt.Errorf("obs column %s: corrupt offsets at cell %d", column, joinIDs[i])
			}
			labels[pos] = string(data[start:end])
			seen[pos] = true
		}

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status for obs: %v", status)
		}
	}

	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("obs column %s: cell %d has no value", column, minID+int64(i))
		}
	}
	return labels, nil
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
