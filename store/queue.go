package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/cred-tender/telemetry"
)

const (
	defaultDebounce  = 250 * time.Millisecond
	userLockTTL      = 24 * time.Hour
	saveAttempts     = 3
	saveRetryBackoff = 100 * time.Millisecond
)

// pendingEntry is one user's merged pending update.
type pendingEntry struct {
	update UserUpdate
	queued time.Time
}

// userLock serializes persistence for one username. lastUsed drives TTL pruning
// so a long-lived process with a rotating user set doesn't grow without bound.
type userLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// Queue coalesces bursts of credential updates and funnels them through the
// Repository. Updates for the same user within the debounce window collapse
// into one write; distinct users never block each other beyond file-level
// serialization inside the Repository.
type Queue struct {
	repo     *Repository
	debounce time.Duration
	lockTTL  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingEntry
	timer   *time.Timer
	locks   map[string]*userLock
	closed  bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithDebounce overrides the flush delay.
func WithDebounce(d time.Duration) QueueOption {
	return func(q *Queue) { q.debounce = d }
}

// WithLockTTL overrides how long an idle per-user lock survives.
func WithLockTTL(d time.Duration) QueueOption {
	return func(q *Queue) { q.lockTTL = d }
}

// WithQueueClock overrides the time source, for tests.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a Queue over the given repository.
func NewQueue(repo *Repository, opts ...QueueOption) *Queue {
	q := &Queue{
		repo:     repo,
		debounce: defaultDebounce,
		lockTTL:  userLockTTL,
		now:      time.Now,
		pending:  make(map[string]*pendingEntry),
		locks:    make(map[string]*userLock),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QueueUpdate merges an update into the pending entry for its username and
// schedules a flush after the debounce delay if none is pending.
func (q *Queue) QueueUpdate(update UserUpdate) {
	if update.Username == "" {
		slog.Warn("dropping queued update without username")
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		slog.Warn("dropping queued update after close", slog.String("user", update.Username))
		return
	}
	if entry, ok := q.pending[update.Username]; ok {
		entry.update.merge(update)
	} else {
		q.pending[update.Username] = &pendingEntry{update: update, queued: q.now()}
	}
	telemetry.SetPendingUpdates(len(q.pending))
	if q.timer == nil {
		q.timer = time.AfterFunc(q.debounce, func() {
			if err := q.Flush(context.Background()); err != nil {
				slog.Error("scheduled flush failed", slog.Any("err", err))
			}
		})
	}
}

// Flush persists all pending entries. A failure on one entry is logged and
// counted but does not abort the batch. The returned error summarizes how many
// entries failed, for callers that force a flush and want to know.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	batch := q.pending
	q.pending = make(map[string]*pendingEntry)
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.pruneLocksLocked()
	telemetry.SetPendingUpdates(0)
	q.mu.Unlock()

	failed := 0
	for username, entry := range batch {
		if err := q.persistOne(ctx, entry.update); err != nil {
			failed++
			slog.Error("persist failed, update dropped",
				slog.String("user", username),
				slog.Duration("queued_for", q.now().Sub(entry.queued)),
				slog.Any("err", err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("flush: %d of %d entries failed", failed, len(batch))
	}
	return nil
}

// AsyncUpdate is the immediate path: it persists the update under the same
// per-user lock as queued flushes and reports the outcome synchronously. Any
// pending queued entry for the user is absorbed into this write, so a later
// debounced flush cannot resurrect its older field values.
func (q *Queue) AsyncUpdate(ctx context.Context, update UserUpdate) error {
	if update.Username == "" {
		return fmt.Errorf("update without username")
	}
	q.mu.Lock()
	if entry, ok := q.pending[update.Username]; ok {
		delete(q.pending, update.Username)
		telemetry.SetPendingUpdates(len(q.pending))
		merged := entry.update
		merged.merge(update)
		update = merged
	}
	q.mu.Unlock()
	return q.persistOne(ctx, update)
}

// Close stops the debounce timer and performs a final flush.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Flush(ctx)
}

// persistOne applies an update to the current record set and saves, retrying
// persistence errors with linear backoff before giving up.
func (q *Queue) persistOne(ctx context.Context, update UserUpdate) error {
	lock := q.lockFor(update.Username)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * saveRetryBackoff):
			}
		}
		records := q.repo.Load(ctx)
		idx := -1
		for i := range records {
			if records[i].Username == update.Username {
				idx = i
				break
			}
		}
		if idx < 0 {
			records = append(records, UserRecord{Username: update.Username, Enabled: true})
			idx = len(records) - 1
		}
		update.apply(&records[idx])

		if _, err := q.repo.SaveUsers(ctx, records); err != nil {
			lastErr = err
			slog.Warn("save attempt failed",
				slog.String("user", update.Username),
				slog.Int("attempt", attempt),
				slog.Any("err", err))
			continue
		}
		return nil
	}
	return lastErr
}

// lockFor returns the persistence lock for a username, creating it lazily.
func (q *Queue) lockFor(username string) *userLock {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.locks[username]; ok {
		l.lastUsed = q.now()
		return l
	}
	l := &userLock{lastUsed: q.now()}
	q.locks[username] = l
	return l
}

// pruneLocksLocked evicts per-user locks untouched for lockTTL. Caller holds q.mu.
func (q *Queue) pruneLocksLocked() {
	cutoff := q.now().Add(-q.lockTTL)
	for username, l := range q.locks {
		if l.lastUsed.Before(cutoff) {
			delete(q.locks, username)
		}
	}
}
