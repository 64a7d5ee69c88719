// Package oauth keeps a fleet of per-user OAuth credentials valid: it tracks
// token state, serializes refreshes per user, backs off after failures, and
// hands every durable change to the store queue.
package oauth

import (
	"sync"
	"time"
)

// State describes a token's freshness.
type State int

const (
	StateFresh State = iota
	StateStale
	StateRefreshing
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// record is one user's in-memory credential state. Field mutation happens only
// while holding mu, which also guarantees at most one in-flight refresh per user.
type record struct {
	mu sync.Mutex

	username     string
	accessToken  string
	refreshToken string
	clientID     string
	clientSecret string

	// expiry zero means unknown: assume fresh until proven otherwise.
	expiry time.Time
	state  State

	refreshAttempts     int
	lastRefreshAttempt  time.Time
	lastValidation      time.Time
	consecutiveFailures int
	cooldownUntil       time.Time
}

// DetermineState derives a token state from its expiry alone. It is pure, so
// any code path may recompute it at any time.
func DetermineState(expiry, now time.Time, threshold time.Duration) State {
	if expiry.IsZero() {
		return StateFresh
	}
	if !now.Before(expiry) {
		return StateExpired
	}
	if expiry.Sub(now) <= threshold {
		return StateStale
	}
	return StateFresh
}

// isFresh reports whether the cached state is Fresh and recomputing from expiry
// agrees, which catches a clock that advanced past a cached Fresh. Caller holds mu.
func (r *record) isFresh(now time.Time, threshold time.Duration) bool {
	return r.state == StateFresh && DetermineState(r.expiry, now, threshold) == StateFresh
}

// Info is a read-only snapshot of a record for status reporting. Tokens are
// deliberately absent.
type Info struct {
	Username            string    `json:"username"`
	State               string    `json:"state"`
	Expiry              time.Time `json:"expiry,omitzero"`
	RefreshAttempts     int       `json:"refresh_attempts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	LastValidation      time.Time `json:"last_validation,omitzero"`
}

func (r *record) snapshot() Info {
	return Info{
		Username:            r.username,
		State:               r.state.String(),
		Expiry:              r.expiry,
		RefreshAttempts:     r.refreshAttempts,
		ConsecutiveFailures: r.consecutiveFailures,
		CooldownUntil:       r.cooldownUntil,
		LastValidation:      r.lastValidation,
	}
}
