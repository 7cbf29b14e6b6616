package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/collector"
	"github.com/JakeFAU/bgm-collector/internal/metrics"
)

const (
	defaultMaxPages     = 200
	defaultMaxRedirects = 3
)

var (
	// ErrTooManyPages aborts a walk that never reaches its stop condition.
	ErrTooManyPages = errors.New("timeline walk exceeded page limit")
	// ErrTooManyRedirects aborts a walk whose identity keeps changing.
	ErrTooManyRedirects = errors.New("timeline walk exceeded redirect limit")
	errLeftUserPages    = errors.New("redirected away from user pages")
)

// WalkerConfig bounds a timeline walk.
type WalkerConfig struct {
	MaxPages     int
	MaxRedirects int
}

// Walker pages backwards through a user's status timeline collecting the
// names they announced.
type Walker struct {
	fetcher collector.Fetcher
	parser  collector.PageParser
	compass *Compass
	clock   collector.Clock
	cfg     WalkerConfig
	logger  *zap.Logger
}

// NewWalker creates a Walker. Zero limits take their defaults.
func NewWalker(
	fetcher collector.Fetcher,
	parser collector.PageParser,
	compass *Compass,
	clock collector.Clock,
	cfg WalkerConfig,
	logger *zap.Logger,
) *Walker {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{fetcher: fetcher, parser: parser, compass: compass, clock: clock, cfg: cfg, logger: logger}
}

// Walk reads timeline pages for uid from the newest until one reaches
// storedKeyPoint or the timeline runs out. It returns the accumulated update
// and the identity the site finally answered under. Nothing is persisted.
func (w *Walker) Walk(ctx context.Context, uid collector.UID, storedKeyPoint time.Time) (collector.NamesUpdate, collector.UID, error) {
	var (
		names     = collector.NameSet{}
		keyPoint  time.Time
		redirects int
		fetched   int
	)
	page := 1
	for {
		if page > w.cfg.MaxPages {
			return collector.NamesUpdate{}, uid, fmt.Errorf("%w: %d pages for %s", ErrTooManyPages, w.cfg.MaxPages, uid)
		}
		tl, err := w.fetchPage(ctx, uid, page)
		fetched++
		var redirect *collector.IdentityRedirect
		if errors.As(err, &redirect) {
			redirects++
			if redirects > w.cfg.MaxRedirects {
				return collector.NamesUpdate{}, uid, fmt.Errorf("%w: last %s", ErrTooManyRedirects, redirect)
			}
			w.logger.Info("timeline identity changed, retrying page",
				zap.String("from", redirect.From.String()),
				zap.String("to", redirect.To.String()),
				zap.Int("page", page),
			)
			uid = redirect.To
			continue
		}
		if err != nil {
			return collector.NamesUpdate{}, uid, err
		}

		if tl == nil {
			if keyPoint.IsZero() {
				keyPoint = w.clock.Now()
			}
			break
		}
		if keyPoint.IsZero() {
			keyPoint = tl.KeyPoint
		}
		names.Union(tl.Names)
		if !tl.KeyPoint.After(storedKeyPoint) {
			break
		}
		page++
	}
	metrics.ObserveWalkPages(fetched)
	w.logger.Debug("timeline walk finished",
		zap.String("uid", uid.String()),
		zap.Int("pages", page),
		zap.Int("names", len(names)),
		zap.Time("key_point", keyPoint),
	)
	return collector.NamesUpdate{KeyPoint: keyPoint, Names: names}, uid, nil
}

func (w *Walker) fetchPage(ctx context.Context, uid collector.UID, page int) (*collector.TimelinePage, error) {
	target := w.compass.Timeline(uid, page)
	resp, err := w.fetcher.Fetch(ctx, collector.FetchRequest{URL: target})
	if err != nil {
		return nil, &collector.FetchError{URL: target, Err: err}
	}
	if resp.URL != "" && resp.URL != target {
		landed, ok := UserToken(resp.URL)
		if !ok {
			return nil, &collector.FetchError{URL: resp.URL, StatusCode: resp.StatusCode, Err: errLeftUserPages}
		}
		if landed != uid {
			return nil, &collector.IdentityRedirect{From: uid, To: landed}
		}
	}
	if !resp.OK() {
		return nil, &collector.FetchError{URL: target, StatusCode: resp.StatusCode}
	}
	tl, err := w.parser.ParseTimeline(resp.Body)
	if err != nil {
		return nil, &collector.ParseError{What: fmt.Sprintf("timeline page %d of %s", page, uid), Err: err}
	}
	return tl, nil
}
