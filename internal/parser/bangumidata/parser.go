// Package bangumidata decodes the bangumi-data on-air dataset.
package bangumidata

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

// TrackingSite is the site whose id keys the catalog.
const TrackingSite = "bangumi"

type payload struct {
	SiteMeta map[string]json.RawMessage `json:"siteMeta"`
	Items    []collector.CatalogItem     `json:"items"`
}

// Parser implements collector.CatalogParser.
type Parser struct {
	logger *zap.Logger
}

// New returns a Parser that logs skipped items through logger.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// ParseCatalog decodes the dataset and keys every item by its tracking-site
// subject id. Items without a usable id are skipped.
func (p *Parser) ParseCatalog(data []byte) (collector.Catalog, error) {
	var doc payload
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if doc.Items == nil {
		return nil, fmt.Errorf("decode catalog: missing items")
	}

	catalog := make(collector.Catalog, len(doc.Items))
	var skipped int
	for _, item := range doc.Items {
		id, ok := p.subjectID(item)
		if !ok {
			skipped++
			continue
		}
		catalog[id] = item
	}
	p.logger.Debug("catalog decoded",
		zap.Int("items", len(doc.Items)),
		zap.Int("kept", len(catalog)),
		zap.Int("skipped", skipped),
	)
	return catalog, nil
}

func (p *Parser) subjectID(item collector.CatalogItem) (collector.SubjectID, bool) {
	for _, site := range item.Sites {
		if site.Site != TrackingSite {
			continue
		}
		if site.ID == "" {
			p.logger.Warn("catalog item has empty subject id", zap.String("title", item.Title))
			return 0, false
		}
		id, err := strconv.ParseInt(site.ID, 10, 64)
		if err != nil {
			p.logger.Warn("catalog item has invalid subject id",
				zap.String("title", item.Title),
				zap.String("id", site.ID),
				zap.Error(err),
			)
			return 0, false
		}
		return collector.SubjectID(id), true
	}
	p.logger.Debug("catalog item not tracked", zap.String("title", item.Title))
	return 0, false
}

var _ collector.CatalogParser = (*Parser)(nil)
