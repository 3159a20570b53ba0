// Package cache provides caching for encoded API responses and decoded obs columns.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atlasmap-sc/annotator/internal/annotation"
)

// Config contains cache configuration.
type Config struct {
	ResponseCacheSizeMB int
	ResponseTTL         time.Duration
	ColumnCacheSize     int
}

// Manager manages the response and column caches.
//
// bigcache cannot delete by prefix, so response keys carry a per-dataset generation
// that Invalidate bumps; stale entries age out with the TTL.
type Manager struct {
	responses *bigcache.BigCache
	columns   *lru.Cache[string, annotation.Categorical]

	mu          sync.Mutex
	generations map[string]uint64
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	ttl := cfg.ResponseTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	responseConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       16 * 1024,
		HardMaxCacheSize:   cfg.ResponseCacheSizeMB,
		Verbose:            false,
	}

	responses, err := bigcache.New(context.Background(), responseConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	size := cfg.ColumnCacheSize
	if size <= 0 {
		size = 64
	}
	columns, err := lru.New[string, annotation.Categorical](size)
	if err != nil {
		responses.Close()
		return nil, fmt.Errorf("failed to create column cache: %w", err)
	}

	return &Manager{
		responses:   responses,
		columns:     columns,
		generations: make(map[string]uint64),
	}, nil
}

// Key builds a response cache key scoped to the dataset's current generation.
func (m *Manager) Key(dataset, kind string, parts ...string) string {
	m.mu.Lock()
	gen := m.generations[dataset]
	m.mu.Unlock()

	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return dataset + "@" + strconv.FormatUint(gen, 10) + ":" + kind + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// GetResponse retrieves an encoded response.
func (m *Manager) GetResponse(key string) ([]byte, bool) {
	data, err := m.responses.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResponse stores an encoded response.
func (m *Manager) SetResponse(key string, data []byte) error {
	return m.responses.Set(key, data)
}

func columnKey(dataset string, gen uint64, column string) string {
	return dataset + "\x00" + strconv.FormatUint(gen, 10) + "\x00" + column
}

// Generation returns the dataset's current generation. Callers that load a column
// pass it back to SetColumn so a load that raced an Invalidate is not cached.
func (m *Manager) Generation(dataset string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generations[dataset]
}

// GetColumn retrieves a decoded categorical column. The result must not be modified.
func (m *Manager) GetColumn(dataset, column string) (annotation.Categorical, bool) {
	return m.columns.Get(columnKey(dataset, m.Generation(dataset), column))
}

// SetColumn stores a column loaded during generation gen. It is dropped if the dataset
// was invalidated since.
func (m *Manager) SetColumn(dataset, column string, gen uint64, col annotation.Categorical) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generations[dataset] != gen {
		return false
	}
	m.columns.Add(columnKey(dataset, gen, column), col)
	return true
}

// Invalidate drops everything cached for a dataset.
func (m *Manager) Invalidate(dataset string) {
	m.mu.Lock()
	m.generations[dataset]++
	m.mu.Unlock()

	prefix := dataset + "\x00"
	for _, k := range m.columns.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.columns.Remove(k)
		}
	}
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"response_cache_len": m.responses.Len(),
		"response_cache_cap": m.responses.Capacity(),
		"column_cache_len":   m.columns.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.responses.Close()
}
