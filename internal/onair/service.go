// Package onair mirrors the bangumi-data on-air catalog.
//
// A refresh downloads the upstream payload and hashes it. When the hash
// matches the stored checkpoint nothing is written. Otherwise every item is
// upserted together with the new checkpoint in one transaction.
package onair

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/collector"
	"github.com/JakeFAU/bgm-collector/internal/metrics"
	"github.com/JakeFAU/bgm-collector/internal/telemetry"
)

const (
	// DefaultMirror serves the bundled bangumi-data dataset.
	DefaultMirror = "https://github.com/bangumi-data/bangumi-data/raw/refs/heads/master/dist/data.json"
	// EventRefreshed is published after a changed catalog commits.
	EventRefreshed = "catalog.refreshed"

	archivePrefix = "onair"
)

// Config points the service at its upstream.
type Config struct {
	Mirror string
}

// Deps are the collaborators a Service drives. Archive and Publisher may be nil.
type Deps struct {
	Fetcher   collector.Fetcher
	Parser    collector.CatalogParser
	Catalog   collector.CatalogStore
	KV        collector.KVStore
	Hasher    collector.Hasher
	Clock     collector.Clock
	Archive   collector.BlobStore
	Publisher collector.Publisher
}

// Result describes one refresh.
type Result struct {
	Hash    string
	Changed bool
	Items   int
}

// RefreshedEvent is the payload of EventRefreshed.
type RefreshedEvent struct {
	Hash     string    `json:"hash"`
	Items    int       `json:"items"`
	UpdateAt time.Time `json:"update_at"`
	Archive  string    `json:"archive,omitempty"`
}

// Service refreshes and serves the catalog.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	mu     sync.Mutex
}

// NewService wires a Service.
func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if cfg.Mirror == "" {
		cfg.Mirror = DefaultMirror
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger}
}

// Refresh syncs the stored catalog with the mirror. Calls are serialized.
func (s *Service) Refresh(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := telemetry.Start(ctx, "onair.refresh", attribute.String("mirror", s.cfg.Mirror))
	res, err := s.refresh(ctx)
	span.SetAttributes(attribute.Bool("changed", res.Changed), attribute.Int("items", res.Items))
	telemetry.End(span, err)
	if err != nil {
		metrics.ObserveCatalogRefresh("failed", 0)
		return Result{}, err
	}
	if !res.Changed {
		metrics.ObserveCatalogRefresh("unchanged", 0)
		return res, nil
	}
	metrics.ObserveCatalogRefresh("flushed", res.Items)
	return res, nil
}

func (s *Service) refresh(ctx context.Context) (Result, error) {
	resp, err := s.deps.Fetcher.Fetch(ctx, collector.FetchRequest{URL: s.cfg.Mirror})
	if err != nil {
		return Result{}, &collector.FetchError{URL: s.cfg.Mirror, Err: err}
	}
	if !resp.OK() {
		return Result{}, &collector.FetchError{URL: s.cfg.Mirror, StatusCode: resp.StatusCode}
	}
	hash, err := s.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("hash catalog: %w", err)
	}

	checkpoint, err := collector.LoadCheckpoint(ctx, s.deps.KV)
	if err != nil {
		return Result{}, &collector.PersistenceError{Op: "load checkpoint", Err: err}
	}
	if !checkpoint.Changed(hash) {
		s.logger.Debug("catalog unchanged", zap.String("hash", hash))
		return Result{Hash: hash}, nil
	}

	items, err := s.deps.Parser.ParseCatalog(resp.Body)
	if err != nil {
		return Result{}, &collector.ParseError{What: "catalog", Err: err}
	}
	next := collector.Checkpoint{Hash: hash, UpdateAt: s.deps.Clock.Now()}
	if err := s.deps.Catalog.Flush(ctx, next, items); err != nil {
		return Result{}, err
	}
	s.logger.Info("catalog refreshed",
		zap.String("hash", hash),
		zap.String("previous", checkpoint.Hash),
		zap.Int("items", len(items)),
	)

	event := RefreshedEvent{Hash: hash, Items: len(items), UpdateAt: next.UpdateAt}
	event.Archive = s.archive(ctx, hash, resp.Body)
	s.publish(ctx, event)
	return Result{Hash: hash, Changed: true, Items: len(items)}, nil
}

func (s *Service) archive(ctx context.Context, hash string, payload []byte) string {
	if s.deps.Archive == nil {
		return ""
	}
	path := fmt.Sprintf("%s/%s.json", archivePrefix, hash)
	uri, err := s.deps.Archive.PutObject(ctx, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("catalog archive failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (s *Service) publish(ctx context.Context, event RefreshedEvent) {
	if s.deps.Publisher == nil {
		return
	}
	if _, err := s.deps.Publisher.Publish(ctx, EventRefreshed, event); err != nil {
		s.logger.Warn("catalog event publish failed", zap.String("hash", event.Hash), zap.Error(err))
	}
}

// Query returns the stored items for ids. Unknown ids are absent from the result.
func (s *Service) Query(ctx context.Context, ids []collector.SubjectID) (collector.Catalog, error) {
	if len(ids) == 0 {
		return collector.Catalog{}, nil
	}
	return s.deps.Catalog.FindBySubjects(ctx, ids)
}
