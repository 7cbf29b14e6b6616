// Package cached fronts a CatalogStore with an in-process freecache.
package cached

import (
	"context"
	"strconv"
	"time"

	"github.com/coocood/freecache"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

const minCacheBytes = 512 * 1024

// Config sizes the cache.
type Config struct {
	SizeMB int
	TTL    time.Duration
}

// CatalogStore reads subjects through the cache and clears it on every flush.
type CatalogStore struct {
	next   collector.CatalogStore
	cache  *freecache.Cache
	ttl    int
	logger *zap.Logger
}

// NewCatalogStore wraps next.
func NewCatalogStore(next collector.CatalogStore, cfg Config, logger *zap.Logger) *CatalogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.SizeMB * 1024 * 1024
	if size < minCacheBytes {
		size = minCacheBytes
	}
	ttl := int(cfg.TTL.Seconds())
	if ttl < 0 {
		ttl = 0
	}
	return &CatalogStore{
		next:   next,
		cache:  freecache.NewCache(size),
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(id collector.SubjectID) []byte {
	return strconv.AppendInt([]byte("subject:"), int64(id), 10)
}

// FindBySubjects serves cached items and loads the rest from the wrapped store.
func (s *CatalogStore) FindBySubjects(ctx context.Context, ids []collector.SubjectID) (collector.Catalog, error) {
	out := make(collector.Catalog, len(ids))
	var misses []collector.SubjectID
	for _, id := range ids {
		raw, err := s.cache.Get(cacheKey(id))
		if err != nil {
			misses = append(misses, id)
			continue
		}
		var item collector.CatalogItem
		if err := json.Unmarshal(raw, &item); err != nil {
			s.logger.Warn("dropping undecodable cache entry", zap.Int64("subject", int64(id)), zap.Error(err))
			s.cache.Del(cacheKey(id))
			misses = append(misses, id)
			continue
		}
		out[id] = item
	}
	if len(misses) == 0 {
		return out, nil
	}

	loaded, err := s.next.FindBySubjects(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, item := range loaded {
		out[id] = item
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if err := s.cache.Set(cacheKey(id), raw, s.ttl); err != nil {
			s.logger.Debug("catalog cache set failed", zap.Int64("subject", int64(id)), zap.Error(err))
		}
	}
	return out, nil
}

// Flush writes through and drops every cached item once the write commits.
func (s *CatalogStore) Flush(ctx context.Context, checkpoint collector.Checkpoint, items collector.Catalog) error {
	if err := s.next.Flush(ctx, checkpoint, items); err != nil {
		return err
	}
	s.cache.Clear()
	return nil
}

// Len reports how many items are cached.
func (s *CatalogStore) Len() int64 {
	return s.cache.EntryCount()
}

var _ collector.CatalogStore = (*CatalogStore)(nil)
