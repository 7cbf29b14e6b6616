package user

import (
	"time"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

const day = 24 * time.Hour

// Policy is the per-state freshness table. A negative TTL never expires.
type Policy struct {
	Active    time.Duration
	Abandoned time.Duration
	Dropped   time.Duration
	Banned    time.Duration
}

// DefaultPolicy refreshes active users daily, abandoned ones monthly and
// effectively never touches dropped or banned accounts again.
func DefaultPolicy() Policy {
	return Policy{
		Active:    day,
		Abandoned: 30 * day,
		Dropped:   36500 * day,
		Banned:    36500 * day,
	}
}

// TTL returns how long data for a user in state stays fresh.
func (p Policy) TTL(state collector.UserState) time.Duration {
	switch state {
	case collector.StateActive:
		return p.Active
	case collector.StateAbandoned:
		return p.Abandoned
	case collector.StateDropped:
		return p.Dropped
	case collector.StateBanned:
		return p.Banned
	default:
		return p.Active
	}
}

// Stale reports whether data written at updateAt has outlived the TTL for state.
func (p Policy) Stale(updateAt time.Time, state collector.UserState, now time.Time) bool {
	ttl := p.TTL(state)
	if ttl < 0 {
		return false
	}
	return updateAt.Before(now.Add(-ttl))
}

// ProfileStale reports whether u's profile needs a refetch.
func (p Policy) ProfileStale(u collector.User, now time.Time) bool {
	return p.Stale(u.UpdateAt, u.State, now)
}

// NamesStale reports whether u's name history needs a walk. Users that were
// never walked are always stale.
func (p Policy) NamesStale(u collector.User, now time.Time) bool {
	if u.Extra.NameHistory == nil {
		return true
	}
	return p.Stale(u.Extra.NameHistory.UpdateAt, u.State, now)
}
