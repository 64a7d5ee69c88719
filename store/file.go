package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/onnwee/cred-tender/crypto"
	"github.com/onnwee/cred-tender/telemetry"
)

const backupKeep = 3

// fileEnvelope is the on-disk top-level shape.
type fileEnvelope struct {
	Users []UserRecord `json:"users"`
}

// Repository owns the credential file. All reads and writes go through it;
// writes are atomic (temp file + rename) and guarded by an advisory lock file
// so concurrent processes cannot interleave partial writes.
type Repository struct {
	path   string
	cipher crypto.FieldCipher // nil disables encryption at rest
	now    func() time.Time

	mu           sync.Mutex
	cacheMtime   time.Time
	cacheSize    int64
	cache        []UserRecord
	lastChecksum string
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithCipher enables encryption of token and secret fields at rest.
func WithCipher(c crypto.FieldCipher) RepositoryOption {
	return func(r *Repository) { r.cipher = c }
}

// WithClock overrides the time source (backup timestamps), for tests.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a Repository for the given file path.
func NewRepository(path string, opts ...RepositoryOption) *Repository {
	r := &Repository{path: path, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the credential file path.
func (r *Repository) Path() string { return r.path }

// Load returns all persisted user records. A missing or unreadable file is a
// valid startup state and yields an empty list, never an error. Repeated calls
// return a cached copy while (mtime, size) are unchanged.
func (r *Repository) Load(ctx context.Context) []UserRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx)
}

func (r *Repository) loadLocked(ctx context.Context) []UserRecord {
	info, err := os.Stat(r.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("credential file stat failed", slog.String("path", r.path), slog.Any("err", err))
		}
		return nil
	}
	if r.cache != nil && info.ModTime().Equal(r.cacheMtime) && info.Size() == r.cacheSize {
		return copyRecords(r.cache)
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		slog.Warn("credential file read failed", slog.String("path", r.path), slog.Any("err", err))
		return nil
	}
	users, err := decodeRecords(data)
	if err != nil {
		slog.Warn("credential file parse failed", slog.String("path", r.path), slog.Any("err", err))
		return nil
	}
	if r.cipher != nil {
		for i := range users {
			if err := r.unwrapRecord(&users[i]); err != nil {
				slog.Warn("credential decrypt failed", slog.String("user", users[i].Username), slog.Any("err", err))
			}
		}
	}
	r.cache = copyRecords(users)
	r.cacheMtime = info.ModTime()
	r.cacheSize = info.Size()
	return users
}

// decodeRecords accepts the envelope shape plus two legacy shapes: a bare
// array of records and a single bare record.
func decodeRecords(data []byte) ([]UserRecord, error) {
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Users != nil {
		return env.Users, nil
	}
	var list []UserRecord
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one UserRecord
	if err := json.Unmarshal(data, &one); err == nil && one.Username != "" {
		return []UserRecord{one}, nil
	}
	return nil, fmt.Errorf("unrecognized credential file shape")
}

// SaveUsers persists the full record set. It returns wrote=false when the
// checksum of the (normalized) set matches the last successful save, making
// repeated flushes of unchanged data free. The write itself is crash-safe:
// backup, temp file, fsync, chmod 0600, atomic rename, all under the lock file.
func (r *Repository) SaveUsers(ctx context.Context, records []UserRecord) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "store", "repository.save_users")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	preSum, err := checksum(records)
	if err != nil {
		return false, fmt.Errorf("checksum: %w", err)
	}
	records = copyRecords(records)
	normChanged := false
	for i := range records {
		if records[i].Normalize() {
			normChanged = true
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Username < records[j].Username })

	sum, err := checksum(records)
	if err != nil {
		return false, fmt.Errorf("checksum: %w", err)
	}
	// Normalization must never be silently dropped by the dedupe check: if the
	// pre-normalization content is what we last wrote, the cached checksum is stale.
	if normChanged && preSum == r.lastChecksum {
		r.lastChecksum = ""
	}
	if sum == r.lastChecksum {
		telemetry.ObservePersistSkip()
		return false, nil
	}

	if err := r.writeLocked(ctx, records); err != nil {
		telemetry.ObservePersistFailure()
		telemetry.RecordError(span, err)
		return false, err
	}
	r.lastChecksum = sum
	telemetry.ObservePersistWrite()
	r.verifyReadbackLocked(ctx)
	return true, nil
}

func (r *Repository) writeLocked(ctx context.Context, records []UserRecord) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	lock := flock.New(r.lockPath())
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire file lock: not acquired")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("release file lock failed", slog.Any("err", err))
		}
	}()

	if err := r.backupLocked(); err != nil {
		// A failed backup is not worth losing the write over.
		slog.Warn("credential backup failed", slog.Any("err", err))
	}

	out := copyRecords(records)
	if r.cipher != nil {
		for i := range out {
			if err := r.wrapRecord(&out[i]); err != nil {
				return fmt.Errorf("encrypt record %q: %w", out[i].Username, err)
			}
		}
	}
	data, err := json.MarshalIndent(fileEnvelope{Users: out}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if info, err := os.Stat(r.path); err == nil {
		r.cache = copyRecords(records)
		r.cacheMtime = info.ModTime()
		r.cacheSize = info.Size()
	}
	return nil
}

// backupLocked copies the current file to <path>.bak.<unixnano> and prunes all
// but the newest backupKeep backups. Nanosecond stamps can still collide under
// a coarse clock, so the name is bumped until free: two saves in the same tick
// must never share a backup.
func (r *Repository) backupLocked() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	ts := r.now().UnixNano()
	bak := fmt.Sprintf("%s.bak.%d", r.path, ts)
	for {
		if _, err := os.Stat(bak); errors.Is(err, os.ErrNotExist) {
			break
		}
		ts++
		bak = fmt.Sprintf("%s.bak.%d", r.path, ts)
	}
	if err := os.WriteFile(bak, data, 0o600); err != nil {
		return err
	}

	matches, err := filepath.Glob(r.path + ".bak.*")
	if err != nil {
		return err
	}
	type stamped struct {
		path string
		ts   int64
	}
	var backups []stamped
	for _, m := range matches {
		raw := strings.TrimPrefix(m, r.path+".bak.")
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		backups = append(backups, stamped{path: m, ts: ts})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].ts > backups[j].ts })
	for _, old := range backups[min(len(backups), backupKeep):] {
		if err := os.Remove(old.path); err != nil {
			slog.Warn("prune backup failed", slog.String("path", old.path), slog.Any("err", err))
		}
	}
	return nil
}

// VerifyReadback re-reads the file after a save and logs the resulting user
// count. Diagnostic only; failures are logged, never raised.
func (r *Repository) VerifyReadback(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyReadbackLocked(ctx)
}

func (r *Repository) verifyReadbackLocked(ctx context.Context) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		slog.Warn("readback failed", slog.String("path", r.path), slog.Any("err", err))
		return
	}
	users, err := decodeRecords(data)
	if err != nil {
		slog.Warn("readback parse failed", slog.String("path", r.path), slog.Any("err", err))
		return
	}
	slog.Debug("readback ok", slog.String("path", r.path), slog.Int("users", len(users)))
}

// lockPath replaces the file's extension with .lock (users.json -> users.lock).
func (r *Repository) lockPath() string {
	ext := filepath.Ext(r.path)
	return strings.TrimSuffix(r.path, ext) + ".lock"
}

func (r *Repository) wrapRecord(rec *UserRecord) error {
	var err error
	if rec.AccessToken, err = r.cipher.Wrap(rec.AccessToken); err != nil {
		return err
	}
	if rec.RefreshToken, err = r.cipher.Wrap(rec.RefreshToken); err != nil {
		return err
	}
	rec.ClientSecret, err = r.cipher.Wrap(rec.ClientSecret)
	return err
}

func (r *Repository) unwrapRecord(rec *UserRecord) error {
	var err error
	if rec.AccessToken, err = r.cipher.Unwrap(rec.AccessToken); err != nil {
		return err
	}
	if rec.RefreshToken, err = r.cipher.Unwrap(rec.RefreshToken); err != nil {
		return err
	}
	rec.ClientSecret, err = r.cipher.Unwrap(rec.ClientSecret)
	return err
}

// checksum is a stable hash of the record set: struct field order is fixed,
// so marshaling yields key-stable JSON.
func checksum(records []UserRecord) (string, error) {
	sorted := copyRecords(records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Username < sorted[j].Username })
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func copyRecords(records []UserRecord) []UserRecord {
	out := make([]UserRecord, len(records))
	copy(out, records)
	for i := range out {
		out[i].Channels = append([]string(nil), out[i].Channels...)
	}
	return out
}
