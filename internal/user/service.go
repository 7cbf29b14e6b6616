package user

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/coalesce"
	"github.com/JakeFAU/bgm-collector/internal/collector"
	"github.com/JakeFAU/bgm-collector/internal/metrics"
	"github.com/JakeFAU/bgm-collector/internal/telemetry"
)

// ErrInvalidUID is returned for an empty identity.
var ErrInvalidUID = errors.New("invalid uid")

const defaultPermits = 10

// Config tunes the service.
type Config struct {
	Policy         Policy
	ProfilePermits int
	NamePermits    int
	// CallTimeout bounds each coalesced fetch. Zero leaves it unbounded.
	CallTimeout    time.Duration
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Users   collector.UserStore
	Fetcher collector.Fetcher
	Parser  collector.PageParser
	Compass *Compass
	Walker  *Walker
	Spawner collector.Spawner
	Clock   collector.Clock
}

// Service answers user queries and schedules refreshes.
type Service struct {
	deps     Deps
	policy   Policy
	profiles *coalesce.Group[collector.User]
	names    *coalesce.Group[collector.User]
	logger   *zap.Logger
}

// NewService wires a Service.
func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProfilePermits <= 0 {
		cfg.ProfilePermits = defaultPermits
	}
	if cfg.NamePermits <= 0 {
		cfg.NamePermits = defaultPermits
	}
	bound := coalesce.WithTimeout(cfg.CallTimeout)
	return &Service{
		deps:     deps,
		policy:   cfg.Policy,
		profiles: coalesce.New[collector.User]("profile", cfg.ProfilePermits, logger.Named("coalesce.profile"), bound),
		names:    coalesce.New[collector.User]("names", cfg.NamePermits, logger.Named("coalesce.names"), bound),
		logger:   logger,
	}
}

// Query returns the stored record for uid, fetching it first if it was never
// seen. Stale parts are refreshed in the background after the record is
// returned.
func (s *Service) Query(ctx context.Context, uid collector.UID) (collector.User, error) {
	if uid.IsZero() {
		return collector.User{}, ErrInvalidUID
	}
	u, err := s.deps.Users.FindByUID(ctx, uid)
	switch {
	case errors.Is(err, collector.ErrNotFound):
		u, err = s.firstFetch(ctx, uid)
		if err != nil {
			return collector.User{}, err
		}
	case err != nil:
		return collector.User{}, err
	}
	s.scheduleRefresh(uid, u)
	return u, nil
}

func (s *Service) firstFetch(ctx context.Context, uid collector.UID) (collector.User, error) {
	u, err := s.profiles.Do(ctx, uid.Key(), func(ctx context.Context) (collector.User, error) {
		rec, err := s.fetchProfile(ctx, uid)
		if err != nil {
			return collector.User{}, err
		}
		// The profile may name a user already stored under its other
		// identifier; UpsertProfile matches on either and merges into it.
		return s.deps.Users.UpsertProfile(ctx, rec)
	})
	if err != nil {
		metrics.ObserveUserRefresh("first_fetch", outcome(err))
		return collector.User{}, err
	}
	metrics.ObserveUserRefresh("first_fetch", "ok")
	return u, nil
}

func (s *Service) scheduleRefresh(uid collector.UID, u collector.User) {
	now := s.deps.Clock.Now()
	profileStale := s.policy.ProfileStale(u, now)
	if !profileStale && !s.policy.NamesStale(u, now) {
		return
	}
	s.deps.Spawner.Go("user.refresh", func(ctx context.Context) {
		s.refresh(ctx, uid, u, profileStale)
	})
}

func (s *Service) refresh(ctx context.Context, uid collector.UID, u collector.User, profileStale bool) {
	ctx, span := telemetry.Start(ctx, "user.refresh",
		attribute.String("uid", uid.String()),
		attribute.Bool("profile_stale", profileStale),
	)
	var err error
	defer func() { telemetry.End(span, err) }()

	logger := s.logger.With(zap.String("uid", uid.String()), zap.String("id", u.ID))
	if profileStale {
		var fresh collector.User
		fresh, err = s.RefreshProfile(ctx, uid)
		if err != nil {
			logger.Warn("background profile refresh failed", zap.Error(err))
			return
		}
		u = fresh
	}
	if !s.policy.NamesStale(u, s.deps.Clock.Now()) {
		return
	}
	if _, err = s.RefreshNames(ctx, u); err != nil {
		logger.Warn("background name history refresh failed", zap.Error(err))
	}
}

// RefreshProfile refetches uid's profile page and upserts it.
func (s *Service) RefreshProfile(ctx context.Context, uid collector.UID) (collector.User, error) {
	u, err := s.profiles.Do(ctx, uid.Key(), func(ctx context.Context) (collector.User, error) {
		rec, err := s.fetchProfile(ctx, uid)
		if err != nil {
			return collector.User{}, err
		}
		return s.deps.Users.UpsertProfile(ctx, rec)
	})
	if err != nil {
		metrics.ObserveUserRefresh("profile", outcome(err))
		return collector.User{}, err
	}
	metrics.ObserveUserRefresh("profile", "ok")
	return u, nil
}

// RefreshNames walks u's timeline back to its stored key point and merges the
// names found. A failed walk leaves the stored history untouched.
func (s *Service) RefreshNames(ctx context.Context, u collector.User) (collector.User, error) {
	uid := u.UID()
	if uid.IsZero() {
		return collector.User{}, ErrInvalidUID
	}
	out, err := s.names.Do(ctx, "user:"+u.ID, func(ctx context.Context) (collector.User, error) {
		var stored time.Time
		if u.Extra.NameHistory != nil {
			stored = u.Extra.NameHistory.KeyPoint
		}
		update, landed, err := s.deps.Walker.Walk(ctx, uid, stored)
		if err != nil {
			return collector.User{}, err
		}
		if landed != uid {
			s.logger.Info("user answered under a new identity",
				zap.String("uid", uid.String()),
				zap.String("landed", landed.String()),
			)
		}
		return s.deps.Users.MergeNameHistory(ctx, u.ID, update)
	})
	if err != nil {
		metrics.ObserveUserRefresh("names", outcome(err))
		return collector.User{}, err
	}
	metrics.ObserveUserRefresh("names", "ok")
	return out, nil
}

func (s *Service) fetchProfile(ctx context.Context, uid collector.UID) (collector.ProfileRecord, error) {
	target := s.deps.Compass.Home(uid)
	resp, err := s.deps.Fetcher.Fetch(ctx, collector.FetchRequest{URL: target})
	if err != nil {
		return collector.ProfileRecord{}, &collector.FetchError{URL: target, Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return collector.ProfileRecord{}, fmt.Errorf("user %s: %w", uid, collector.ErrNotFound)
	}
	if !resp.OK() {
		return collector.ProfileRecord{}, &collector.FetchError{URL: target, StatusCode: resp.StatusCode}
	}
	rec, err := s.deps.Parser.ParseProfile(resp.Body)
	if errors.Is(err, collector.ErrNotFound) {
		return collector.ProfileRecord{}, fmt.Errorf("user %s: %w", uid, err)
	}
	if err != nil {
		return collector.ProfileRecord{}, &collector.ParseError{What: "profile of " + uid.String(), Err: err}
	}
	if landed, ok := UserToken(resp.URL); ok && landed != uid {
		rec.Fill(landed)
	}
	rec.Fill(uid)
	return rec, nil
}

func outcome(err error) string {
	var (
		fetchErr *collector.FetchError
		parseErr *collector.ParseError
	)
	switch {
	case errors.Is(err, collector.ErrNotFound):
		return "not_found"
	case errors.As(err, &fetchErr):
		return "fetch_error"
	case errors.As(err, &parseErr):
		return "parse_error"
	default:
		return "failed"
	}
}
