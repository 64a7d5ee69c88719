package oauth

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/cred-tender/oauthapi"
	"github.com/onnwee/cred-tender/store"
	"github.com/onnwee/cred-tender/testutil"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv   *testutil.MockOAuthServer
	repo  *store.Repository
	queue *store.Queue
	mgr   *Manager
	clock *fakeClock
}

func newTestEnv(t *testing.T, opts ...ManagerOption) *testEnv {
	t.Helper()
	srv := testutil.NewMockOAuthServer(t)
	repo := store.NewRepository(filepath.Join(t.TempDir(), "users.json"))
	queue := store.NewQueue(repo, store.WithDebounce(10*time.Millisecond))
	clock := newFakeClock()
	api := &oauthapi.Client{
		TokenURL:    srv.URL + "/oauth2/token",
		ValidateURL: srv.URL + "/oauth2/validate",
		DeviceURL:   srv.URL + "/oauth2/device",
	}
	mgr := NewManager(api, queue, append([]ManagerOption{WithManagerClock(clock.Now)}, opts...)...)
	return &testEnv{srv: srv, repo: repo, queue: queue, mgr: mgr, clock: clock}
}

// registerStale registers a user whose token expires within the staleness threshold.
func (e *testEnv) registerStale(username string) {
	e.mgr.RegisterUser(username, "old-at", "old-rt", "cid", "csecret", e.clock.Now().Add(30*time.Second))
}

func TestDetermineState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	threshold := time.Hour
	cases := []struct {
		name   string
		expiry time.Time
		want   State
	}{
		{"unknown expiry assumed fresh", time.Time{}, StateFresh},
		{"well before expiry", now.Add(4 * time.Hour), StateFresh},
		{"inside threshold", now.Add(30 * time.Minute), StateStale},
		{"exactly threshold", now.Add(time.Hour), StateStale},
		{"exactly expired", now, StateExpired},
		{"past expiry", now.Add(-time.Minute), StateExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetermineState(tc.expiry, now, threshold); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRegisterUserNormalizesAndOverwrites(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.RegisterUser(" Alice ", "at", "rt", "cid", "cs", time.Time{})

	info, ok := env.mgr.GetInfo("alice")
	if !ok {
		t.Fatal("user not found under lowercased name")
	}
	if info.Username != "alice" || info.State != "fresh" {
		t.Errorf("info = %+v", info)
	}

	env.mgr.RegisterUser("alice", "at2", "rt2", "cid", "cs", env.clock.Now().Add(-time.Minute))
	info, _ = env.mgr.GetInfo("alice")
	if info.State != "expired" {
		t.Errorf("re-register should recompute state, got %s", info.State)
	}
	if got := env.mgr.Usernames(); len(got) != 1 {
		t.Errorf("usernames = %v, want one entry", got)
	}
}

func TestGetFreshTokenFastPath(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.RegisterUser("alice", "at", "rt", "cid", "cs", env.clock.Now().Add(4*time.Hour))

	tok, ok := env.mgr.GetFreshToken(context.Background(), "alice")
	if !ok || tok != "at" {
		t.Errorf("got %q/%v", tok, ok)
	}
	if n := env.srv.Calls("/oauth2/token") + env.srv.Calls("/oauth2/validate"); n != 0 {
		t.Errorf("fresh token made %d network calls", n)
	}

	if _, ok := env.mgr.GetFreshToken(context.Background(), "nobody"); ok {
		t.Error("unknown user should not yield a token")
	}
}

func TestEnsureFreshValidationAvoidsRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.registerStale("alice")
	env.srv.MockValidateResponse(14400, []string{"chat:read"})

	if out := env.mgr.EnsureFresh(context.Background(), "alice", false); out != OutcomeValid {
		t.Fatalf("outcome = %v, want OutcomeValid", out)
	}
	if n := env.srv.Calls("/oauth2/token"); n != 0 {
		t.Errorf("validation success should skip the token endpoint, calls = %d", n)
	}
	info, _ := env.mgr.GetInfo("alice")
	if info.State != "fresh" {
		t.Errorf("state = %s, want fresh (expiry extended by introspection)", info.State)
	}
}

func TestEnsureFreshRefreshesWhenValidationRejects(t *testing.T) {
	env := newTestEnv(t)
	env.registerStale("alice")
	env.srv.MockValidateUnauthorized()
	env.srv.MockRefreshResponse("new-at", "new-rt", 14400)

	if out := env.mgr.EnsureFresh(context.Background(), "alice", false); out != OutcomeRefreshed {
		t.Fatalf("outcome = %v, want OutcomeRefreshed", out)
	}
	tok, ok := env.mgr.GetFreshToken(context.Background(), "alice")
	if !ok || tok != "new-at" {
		t.Errorf("token = %q/%v, want new-at", tok, ok)
	}
}

func TestEnsureFreshMalformedValidationRetainsToken(t *testing.T) {
	env := newTestEnv(t)
	env.registerStale("alice")
	env.srv.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}

	if out := env.mgr.EnsureFresh(context.Background(), "alice", false); out != OutcomeValid {
		t.Fatalf("outcome = %v, want OutcomeValid", out)
	}
	if n := env.srv.Calls("/oauth2/token"); n != 0 {
		t.Errorf("malformed introspection must not trigger a refresh, calls = %d", n)
	}
	tok, _ := env.mgr.GetFreshToken(context.Background(), "alice")
	if tok != "old-at" {
		t.Errorf("token = %q, want the retained old-at", tok)
	}
}

func TestEnsureFreshSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	env.registerStale("alice")
	env.srv.MockValidateUnauthorized()
	env.srv.MockRefreshResponse("new-at", "new-rt", 14400)

	const callers = 10
	var wg sync.WaitGroup
	outcomes := make([]Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = env.mgr.EnsureFresh(context.Background(), "alice", false)
		}(i)
	}
	wg.Wait()

	if n := env.srv.Calls("/oauth2/token"); n != 1 {
		t.Errorf("token endpoint calls = %d, want exactly 1", n)
	}
	refreshed := 0
	for _, out := range outcomes {
		switch out {
		case OutcomeRefreshed:
			refreshed++
		case OutcomeFailed:
			t.Error("no caller should fail")
		}
	}
	if refreshed != 1 {
		t.Errorf("refreshed outcomes = %d, want 1; the rest ride the winner's result", refreshed)
	}
}

func TestForceRefreshBypassesValidation(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.RegisterUser("alice", "at", "rt", "cid", "cs", env.clock.Now().Add(4*time.Hour))
	env.srv.MockRefreshResponse("new-at", "new-rt", 14400)

	if !env.mgr.ForceRefresh(context.Background(), "alice") {
		t.Fatal("ForceRefresh should succeed")
	}
	if n := env.srv.Calls("/oauth2/validate"); n != 0 {
		t.Errorf("force path hit validation %d times", n)
	}
	if n := env.srv.Calls("/oauth2/token"); n != 1 {
		t.Errorf("token endpoint calls = %d, want 1", n)
	}
}

func TestRefreshFailureBackoff(t *testing.T) {
	base, max := time.Second, 4*time.Second
	env := newTestEnv(t, WithBackoff(base, max))
	env.registerStale("alice")
	env.srv.MockRefreshError(http.StatusInternalServerError, "boom")
	ctx := context.Background()

	assertCooldown := func(t *testing.T, failures int, expected time.Duration) {
		t.Helper()
		info, _ := env.mgr.GetInfo("alice")
		if info.State != "failed" {
			t.Errorf("state = %s, want failed", info.State)
		}
		if info.ConsecutiveFailures != failures {
			t.Errorf("consecutive failures = %d, want %d", info.ConsecutiveFailures, failures)
		}
		got := info.CooldownUntil.Sub(env.clock.Now())
		lo := time.Duration(float64(expected) * 0.5)
		hi := time.Duration(float64(expected) * 1.5)
		if got < lo || got > hi {
			t.Errorf("cooldown after %d failures = %v, want within [%v, %v]", failures, got, lo, hi)
		}
	}

	if env.mgr.ForceRefresh(ctx, "alice") {
		t.Fatal("refresh against failing endpoint should not succeed")
	}
	assertCooldown(t, 1, base)

	// Still cooling down: the next attempt fails without touching the network.
	before := env.srv.Calls("/oauth2/token")
	if env.mgr.ForceRefresh(ctx, "alice") {
		t.Fatal("refresh during cooldown should fail")
	}
	if after := env.srv.Calls("/oauth2/token"); after != before {
		t.Errorf("cooldown attempt hit the network: %d -> %d calls", before, after)
	}

	env.clock.Advance(10 * time.Second)
	env.mgr.ForceRefresh(ctx, "alice")
	assertCooldown(t, 2, 2*base)

	env.clock.Advance(10 * time.Second)
	env.mgr.ForceRefresh(ctx, "alice")
	assertCooldown(t, 3, max) // capped

	// Recovery resets the failure streak.
	env.clock.Advance(10 * time.Second)
	env.srv.MockRefreshResponse("new-at", "new-rt", 14400)
	if !env.mgr.ForceRefresh(ctx, "alice") {
		t.Fatal("recovery refresh should succeed")
	}
	info, _ := env.mgr.GetInfo("alice")
	if info.ConsecutiveFailures != 0 || info.State != "fresh" {
		t.Errorf("post-recovery info = %+v", info)
	}
}

func TestRefreshWithoutRefreshTokenFailsWithoutNetwork(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.RegisterUser("alice", "old-at", "", "cid", "cs", env.clock.Now().Add(30*time.Second))

	if env.mgr.ForceRefresh(context.Background(), "alice") {
		t.Fatal("refresh without a refresh token cannot succeed")
	}
	if n := env.srv.Calls("/oauth2/token"); n != 0 {
		t.Errorf("token endpoint calls = %d, want 0", n)
	}
	info, _ := env.mgr.GetInfo("alice")
	if info.State != "failed" {
		t.Errorf("state = %s, want failed until re-provisioned", info.State)
	}
}

func TestRefreshCancellationLeavesFailedState(t *testing.T) {
	env := newTestEnv(t)
	env.registerStale("alice")
	env.srv.MockRefreshResponse("new-at", "new-rt", 14400)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if env.mgr.ForceRefresh(ctx, "alice") {
		t.Fatal("cancelled refresh should not report success")
	}
	info, _ := env.mgr.GetInfo("alice")
	if info.State == "refreshing" {
		t.Error("record stuck in refreshing after cancellation")
	}
	if info.State != "failed" {
		t.Errorf("state = %s, want failed", info.State)
	}
	// Cancellation gets a short fixed cooldown, not the failure backoff.
	if got := info.CooldownUntil.Sub(env.clock.Now()); got != cancelCooldown {
		t.Errorf("cooldown = %v, want %v", got, cancelCooldown)
	}
	if info.ConsecutiveFailures != 0 {
		t.Errorf("cancellation should not count as a provider failure, got %d", info.ConsecutiveFailures)
	}
}

func TestScanRefreshesStaleAndPersists(t *testing.T) {
	env := newTestEnv(t)
	env.registerStale("alice")
	env.mgr.RegisterUser("bob", "bob-at", "bob-rt", "cid", "cs", env.clock.Now().Add(4*time.Hour))
	env.srv.MockValidateUnauthorized()
	env.srv.MockRefreshResponse("new-at", "new-rt", 14400)
	ctx := context.Background()

	env.mgr.scanOnce(ctx)

	info, _ := env.mgr.GetInfo("alice")
	if info.State != "fresh" {
		t.Errorf("alice state = %s, want fresh after scan", info.State)
	}
	if n := env.srv.Calls("/oauth2/token"); n != 1 {
		t.Errorf("token endpoint calls = %d, want 1 (bob is fresh, only alice refreshes)", n)
	}

	// The rotation must land on disk through the queue.
	if err := env.queue.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	records := env.repo.Load(ctx)
	if len(records) != 1 {
		t.Fatalf("persisted records = %v", records)
	}
	if records[0].AccessToken != "new-at" || records[0].RefreshToken != "new-rt" {
		t.Errorf("persisted tokens = %q/%q", records[0].AccessToken, records[0].RefreshToken)
	}
}

func TestScanSkipsCooldown(t *testing.T) {
	env := newTestEnv(t, WithBackoff(time.Minute, time.Hour))
	env.registerStale("alice")
	env.srv.MockValidateUnauthorized()
	env.srv.MockRefreshError(http.StatusInternalServerError, "boom")
	ctx := context.Background()

	env.mgr.scanOnce(ctx)
	calls := env.srv.Calls("/oauth2/token")
	if calls != 1 {
		t.Fatalf("first scan calls = %d, want 1", calls)
	}

	// Second scan inside the cooldown window must not retry.
	env.mgr.scanOnce(ctx)
	if n := env.srv.Calls("/oauth2/token"); n != calls {
		t.Errorf("scan during cooldown retried: %d -> %d calls", calls, n)
	}
}

func TestOnRotationHook(t *testing.T) {
	env := newTestEnv(t)
	env.registerStale("alice")
	env.srv.MockRefreshResponse("new-at", "new-rt", 14400)

	type rotation struct{ user, token string }
	got := make(chan rotation, 1)
	env.mgr.OnRotation(func(username, accessToken string) {
		got <- rotation{username, accessToken}
	})

	if !env.mgr.ForceRefresh(context.Background(), "alice") {
		t.Fatal("refresh failed")
	}
	select {
	case r := <-got:
		if r.user != "alice" || r.token != "new-at" {
			t.Errorf("rotation = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("rotation hook never fired")
	}
}
