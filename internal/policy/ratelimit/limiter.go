// Package ratelimit paces outbound requests per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bgm-collector/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained request rate per host; zero or less means unlimited.
	RPS   float64
	Burst int
}

type hostState struct {
	limiter  *rate.Limiter
	coolDown time.Time
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	rate  rate.Limit
	burst int
	now   func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts: make(map[string]*hostState),
		rate:  r,
		burst: burst,
		now:   time.Now,
	}
}

func (l *Limiter) state(rawURL string) (string, *hostState) {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.hosts[host]
	if !ok {
		st = &hostState{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.hosts[host] = st
	}
	return host, st
}

// Wait blocks until a request to rawURL's host may proceed.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host, st := l.state(rawURL)
	start := time.Now()

	l.mu.Lock()
	pause := st.coolDown.Sub(l.now())
	l.mu.Unlock()
	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit cool down: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if err := st.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Backoff holds every request to rawURL's host for d, typically after the
// host answered 429 or 503.
func (l *Limiter) Backoff(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	_, st := l.state(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := l.now().Add(d); until.After(st.coolDown) {
		st.coolDown = until
	}
}
