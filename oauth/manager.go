package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/cred-tender/oauthapi"
	"github.com/onnwee/cred-tender/store"
	"github.com/onnwee/cred-tender/telemetry"
)

// Outcome reports what EnsureFresh did.
type Outcome int

const (
	OutcomeValid Outcome = iota
	OutcomeRefreshed
	OutcomeFailed
)

const (
	defaultThreshold    = time.Hour
	defaultSafetyBuffer = 5 * time.Minute
	defaultBaseInterval = 60 * time.Second
	defaultBackoffBase  = 30 * time.Second
	defaultBackoffMax   = 30 * time.Minute
	defaultHTTPTimeout  = 30 * time.Second

	// cooldown applied when a refresh is cancelled mid-flight, so the record
	// lands in Failed briefly instead of being stuck in Refreshing.
	cancelCooldown = 10 * time.Second

	scanConcurrency = 8
)

// Manager is the credential lifecycle coordinator: an in-memory registry of
// per-user token records plus the logic that keeps them fresh. Construct one
// at startup and pass it by reference to every consumer.
type Manager struct {
	api   *oauthapi.Client
	queue *store.Queue

	threshold    time.Duration
	safetyBuffer time.Duration
	baseInterval time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	httpTimeout  time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	records map[string]*record

	onRotate func(username, accessToken string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithThreshold sets how close to expiry a token counts as stale.
func WithThreshold(d time.Duration) ManagerOption {
	return func(m *Manager) { m.threshold = d }
}

// WithSafetyBuffer sets the slack subtracted from expires_in.
func WithSafetyBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) { m.safetyBuffer = d }
}

// WithScanInterval sets the background scan cadence.
func WithScanInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.baseInterval = d }
}

// WithBackoff sets the failure cooldown growth bounds.
func WithBackoff(base, max time.Duration) ManagerOption {
	return func(m *Manager) { m.backoffBase, m.backoffMax = base, max }
}

// WithManagerClock overrides the time source, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over the given OAuth client and store queue.
func NewManager(api *oauthapi.Client, queue *store.Queue, opts ...ManagerOption) *Manager {
	m := &Manager{
		api:          api,
		queue:        queue,
		threshold:    defaultThreshold,
		safetyBuffer: defaultSafetyBuffer,
		baseInterval: defaultBaseInterval,
		backoffBase:  defaultBackoffBase,
		backoffMax:   defaultBackoffMax,
		httpTimeout:  defaultHTTPTimeout,
		now:          time.Now,
		records:      make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnRotation registers a hook invoked after a successful refresh rotates a
// user's access token. Set it before Run; the hook runs on its own goroutine.
func (m *Manager) OnRotation(fn func(username, accessToken string)) {
	m.onRotate = fn
}

// RegisterUser inserts or overwrites a user's credential record, computing the
// initial state from expiry. Idempotent.
func (m *Manager) RegisterUser(username, accessToken, refreshToken, clientID, clientSecret string, expiry time.Time) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return
	}
	m.mu.Lock()
	rec, ok := m.records[username]
	if !ok {
		rec = &record{username: username}
		m.records[username] = rec
	}
	m.mu.Unlock()

	rec.mu.Lock()
	rec.accessToken = accessToken
	rec.refreshToken = refreshToken
	rec.clientID = clientID
	rec.clientSecret = clientSecret
	rec.expiry = expiry
	rec.state = DetermineState(expiry, m.now(), m.threshold)
	rec.mu.Unlock()
}

// GetFreshToken returns a usable access token for the user, refreshing first
// if needed. ok is false when the user is unknown or no fresh token could be
// obtained; callers degrade (skip the action) rather than crash.
func (m *Manager) GetFreshToken(ctx context.Context, username string) (string, bool) {
	rec := m.lookup(username)
	if rec == nil {
		return "", false
	}
	rec.mu.Lock()
	if rec.isFresh(m.now(), m.threshold) {
		tok := rec.accessToken
		rec.mu.Unlock()
		return tok, true
	}
	rec.mu.Unlock()

	if m.EnsureFresh(ctx, username, false) == OutcomeFailed {
		return "", false
	}
	rec.mu.Lock()
	tok := rec.accessToken
	rec.mu.Unlock()
	return tok, tok != ""
}

// EnsureFresh makes the user's token fresh if possible. It re-checks freshness
// under the per-user lock so concurrent callers produce a single refresh, tries
// cheap remote validation first (validation never rotates the refresh token),
// and escalates to the token endpoint only when validation fails, the token is
// stale, or force is set.
func (m *Manager) EnsureFresh(ctx context.Context, username string, force bool) Outcome {
	rec := m.lookup(username)
	if rec == nil {
		return OutcomeFailed
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !force {
		if rec.isFresh(m.now(), m.threshold) {
			return OutcomeValid
		}
		if m.validate(ctx, rec) == OutcomeValid {
			return OutcomeValid
		}
	}
	return m.performRefresh(ctx, rec)
}

// ForceRefresh bypasses validation and goes straight to the token endpoint,
// still serialized by the per-user lock.
func (m *Manager) ForceRefresh(ctx context.Context, username string) bool {
	return m.EnsureFresh(ctx, username, true) == OutcomeRefreshed
}

// GetInfo returns a redacted snapshot of a user's credential state.
func (m *Manager) GetInfo(username string) (Info, bool) {
	rec := m.lookup(username)
	if rec == nil {
		return Info{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(), true
}

// Usernames lists all registered users, sorted order not guaranteed.
func (m *Manager) Usernames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records))
	for u := range m.records {
		out = append(out, u)
	}
	return out
}

// Run drives the proactive scan loop: every baseInterval (jittered 0.8-1.2x)
// it refreshes all stale or expired records that are not cooling down. It
// blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initial := time.Duration(rand.Int63n(int64(m.baseInterval/2) + 1))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initial):
	}
	for {
		m.scanOnce(ctx)
		sleep := time.Duration(float64(m.baseInterval) * jitter(0.8, 1.2))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// scanOnce fans out EnsureFresh over every record that needs work, then joins.
func (m *Manager) scanOnce(ctx context.Context) {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	counts := make(map[string]int, 5)
	var g errgroup.Group
	g.SetLimit(scanConcurrency)
	now := m.now()
	for _, rec := range recs {
		rec.mu.Lock()
		state := DetermineState(rec.expiry, now, m.threshold)
		if rec.state != StateRefreshing && rec.state != StateFailed {
			rec.state = state
		}
		counts[rec.state.String()]++
		inCooldown := now.Before(rec.cooldownUntil)
		username := rec.username
		rec.mu.Unlock()

		if state != StateStale && state != StateExpired {
			continue
		}
		if inCooldown {
			continue
		}
		g.Go(func() error {
			if out := m.EnsureFresh(ctx, username, false); out == OutcomeFailed {
				slog.Debug("proactive refresh failed", slog.String("user", username))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range []State{StateFresh, StateStale, StateRefreshing, StateFailed, StateExpired} {
		telemetry.SetTokenState(s.String(), counts[s.String()])
	}
}

// validate asks the provider whether the current access token is still good,
// throttled implicitly by EnsureFresh's fast path. Caller holds rec.mu.
func (m *Manager) validate(ctx context.Context, rec *record) Outcome {
	if rec.accessToken == "" {
		return OutcomeFailed
	}
	telemetry.ObserveValidation()
	vctx, cancel := context.WithTimeout(ctx, m.httpTimeout)
	res, err := m.api.Validate(vctx, rec.accessToken)
	cancel()
	now := m.now()
	if err != nil {
		if errors.Is(err, oauthapi.ErrMalformedResponse) {
			// Ambiguous introspection payloads retain the token rather than
			// risking a false invalidation.
			slog.Warn("validation response malformed, retaining token", slog.String("user", rec.username), slog.Any("err", err))
			rec.lastValidation = now
			return OutcomeValid
		}
		slog.Debug("validation failed", slog.String("user", rec.username), slog.Any("err", err))
		return OutcomeFailed
	}
	rec.lastValidation = now
	if res.ExpiresIn > 0 {
		rec.expiry = oauthapi.ComputeExpiry(now, res.ExpiresIn, m.safetyBuffer)
	}
	rec.state = DetermineState(rec.expiry, now, m.threshold)
	if rec.state == StateFresh {
		return OutcomeValid
	}
	return OutcomeFailed
}

// performRefresh runs the refresh state machine for one record. Caller holds rec.mu.
func (m *Manager) performRefresh(ctx context.Context, rec *record) Outcome {
	now := m.now()
	if now.Before(rec.cooldownUntil) {
		// Cooling down: no network call at all.
		return OutcomeFailed
	}
	if rec.refreshToken == "" {
		rec.state = StateFailed
		rec.consecutiveFailures++
		rec.cooldownUntil = now.Add(m.cooldown(rec.consecutiveFailures))
		slog.Warn("no refresh token; re-authorization required", slog.String("user", rec.username))
		return OutcomeFailed
	}

	sctx, span := telemetry.StartSpan(ctx, "oauth", "manager.refresh")
	defer span.End()

	rec.state = StateRefreshing
	rec.refreshAttempts++
	rec.lastRefreshAttempt = now
	telemetry.ObserveRefreshAttempt()

	rctx, cancel := context.WithTimeout(sctx, m.httpTimeout)
	start := time.Now()
	res, err := m.api.Refresh(rctx, rec.clientID, rec.clientSecret, rec.refreshToken)
	cancel()
	if telemetry.RefreshDuration != nil {
		telemetry.RefreshDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		telemetry.ObserveRefreshFailure()
		telemetry.RecordError(span, err)
		if ctx.Err() != nil {
			// Cancelled mid-refresh: short cooldown, never stuck in Refreshing.
			rec.state = StateFailed
			rec.cooldownUntil = m.now().Add(cancelCooldown)
			return OutcomeFailed
		}
		rec.consecutiveFailures++
		rec.state = StateFailed
		rec.cooldownUntil = m.now().Add(m.cooldown(rec.consecutiveFailures))
		logFn := slog.Warn
		if errors.Is(err, oauthapi.ErrAuthInvalid) {
			// A rejected grant will not heal by retrying; the operator must
			// re-run the device flow for this user.
			logFn = slog.Error
		}
		logFn("token refresh failed",
			slog.String("user", rec.username),
			slog.Int("consecutive_failures", rec.consecutiveFailures),
			slog.Time("cooldown_until", rec.cooldownUntil),
			slog.Any("err", err))
		return OutcomeFailed
	}

	rec.accessToken = res.AccessToken
	if res.RefreshToken != "" {
		rec.refreshToken = res.RefreshToken
	}
	rec.expiry = oauthapi.ComputeExpiry(m.now(), res.ExpiresIn, m.safetyBuffer)
	rec.state = StateFresh
	rec.consecutiveFailures = 0
	rec.cooldownUntil = time.Time{}
	telemetry.ObserveRefreshSuccess()

	m.queue.QueueUpdate(store.UserUpdate{
		Username:     rec.username,
		AccessToken:  store.Ptr(rec.accessToken),
		RefreshToken: store.Ptr(rec.refreshToken),
	})
	slog.Info("token refreshed", slog.String("user", rec.username), slog.Time("expiry", rec.expiry))

	if m.onRotate != nil {
		go m.onRotate(rec.username, rec.accessToken)
	}
	return OutcomeRefreshed
}

// cooldown computes min(base * 2^failures, max) * jitter(0.5, 1.5).
func (m *Manager) cooldown(failures int) time.Duration {
	d := m.backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= m.backoffMax {
			d = m.backoffMax
			break
		}
	}
	if d > m.backoffMax {
		d = m.backoffMax
	}
	return time.Duration(float64(d) * jitter(0.5, 1.5))
}

func (m *Manager) lookup(username string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[strings.ToLower(strings.TrimSpace(username))]
}

//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
func jitter(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}
