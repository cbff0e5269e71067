// Package cache provides caching for analysis payloads and result queries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ResultCacheSizeMB int
	ResultTTL         time.Duration
	QueryCacheSize    int
}

// Manager manages the result and query caches.
type Manager struct {
	resultCache *bigcache.BigCache
	queryCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	// Phase payloads are large and few.
	resultCacheConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 256,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.ResultCacheSizeMB,
		Verbose:            false,
	}

	resultCache, err := bigcache.New(context.Background(), resultCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		resultCache: resultCache,
		queryCache:  queryCache,
	}, nil
}

// GetResult retrieves an analysis payload from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	data, err := m.resultCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores an analysis payload in cache.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.resultCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// InvalidateQueries drops every cached query whose key starts with prefix.
func (m *Manager) InvalidateQueries(prefix string) int {
	n := 0
	for _, k := range m.queryCache.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.queryCache.Remove(k)
			n++
		}
	}
	return n
}

// PhaseKey generates a cache key for a phase assignment of a dataset under
// the given parameters. Parameter order does not matter.
func PhaseKey(dataset string, params map[string]string) string {
	base := "phase:" + dataset
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%s;", k, params[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// JobQueryPrefix is the key prefix shared by all result pages of a job.
func JobQueryPrefix(jobID string) string {
	return "cvjob:" + jobID + ":"
}

// ResultPageKey generates a cache key for one page of job results.
func ResultPageKey(jobID, orderBy string, offset, limit int) string {
	return fmt.Sprintf("%s%s:%d:%d", JobQueryPrefix(jobID), orderBy, offset, limit)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"result_cache_len": m.resultCache.Len(),
		"result_cache_cap": m.resultCache.Capacity(),
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.resultCache.Close()
}
