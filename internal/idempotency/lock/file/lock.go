// Package file provides a Locker backed by the local filesystem, for
// single-host deployments with no Redis available. Two acquisition
// strategies are supported: an advisory flock per key, and an
// atomic-rename scheme that works even on filesystems where flock
// semantics are unreliable (e.g. some network mounts). Both self-expire
// by ttl rather than relying solely on process exit to free a key.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/nordkit/idemguard/internal/idempotency/lock"
)

// Mode selects which on-disk locking strategy a Locker uses.
type Mode int

const (
	// ModeFlock takes an advisory exclusive flock on a per-key file.
	ModeFlock Mode = iota
	// ModeRename atomically publishes a per-key file via a no-replace
	// rename, reclaiming it once its embedded expiry has passed.
	ModeRename
)

// ParseMode maps a config string to a Mode. The empty string defaults
// to ModeFlock.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "flock":
		return ModeFlock, nil
	case "rename":
		return ModeRename, nil
	default:
		return 0, fmt.Errorf("unknown file lock mode %q", s)
	}
}

// defaultPollInterval matches the spin-wait cadence a non-blocking
// advisory lock is expected to retry at.
const defaultPollInterval = time.Millisecond

type entry struct {
	token       lock.Token
	expiresAt   time.Time
	timer       *time.Timer
	flockHandle *flock.Flock // set in ModeFlock, nil in ModeRename
	path        string       // set in ModeRename, used to remove the lock file on release
}

// Locker takes one lock per key, named after the key under dir. MaxWait
// bounds how long Acquire spins before giving up; pollInterval bounds
// how often it retests. Locks self-expire: a time.AfterFunc releases
// each one ttl after acquisition so a holder that never calls Release
// (e.g. a crashed goroutine) doesn't wedge the key forever.
type Locker struct {
	dir          string
	maxWait      time.Duration
	pollInterval time.Duration
	mode         Mode

	mu      sync.Mutex
	entries map[string]entry
}

// NewLocker creates a file-backed Locker rooted at dir, creating dir if
// it does not already exist. pollInterval <= 0 uses defaultPollInterval.
func NewLocker(dir string, maxWait, pollInterval time.Duration, mode Mode) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create lock dir: %v", lock.ErrBackend, err)
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Locker{
		dir:          dir,
		maxWait:      maxWait,
		pollInterval: pollInterval,
		mode:         mode,
		entries:      make(map[string]entry),
	}, nil
}

func (l *Locker) path(key string) string {
	return filepath.Join(l.dir, key+".lock")
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Token, error) {
	if l.mode == ModeRename {
		return l.acquireRename(ctx, key, ttl)
	}
	return l.acquireFlock(ctx, key, ttl)
}

// acquireFlock takes an advisory exclusive lock via gofrs/flock. The
// lock's expiry is written into the file for diagnostics only: the OS
// does not enforce it, so a self-expiry timer is what actually frees
// the key if Release is never called.
func (l *Locker) acquireFlock(ctx context.Context, key string, ttl time.Duration) (lock.Token, error) {
	path := l.path(key)
	fl := flock.New(path)

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	locked, err := fl.TryLockContext(waitCtx, l.pollInterval)
	if err != nil {
		if waitCtx.Err() != nil {
			return "", lock.ErrHeld
		}
		return "", fmt.Errorf("%w: acquire file lock: %v", lock.ErrBackend, err)
	}
	if !locked {
		return "", lock.ErrHeld
	}

	token := lock.Token(uuid.NewString())
	expiresAt := time.Now().Add(ttl)

	if err := os.WriteFile(path, []byte(diagnosticContent(token, expiresAt)), 0o644); err != nil {
		_ = fl.Unlock()
		return "", fmt.Errorf("%w: write lock diagnostics: %v", lock.ErrBackend, err)
	}

	l.track(key, entry{
		token:       token,
		expiresAt:   expiresAt,
		flockHandle: fl,
		timer:       time.AfterFunc(ttl, func() { l.expire(key, token) }),
	})

	return token, nil
}

// acquireRename publishes a lock file via a no-replace rename, which is
// atomic: it fails with EEXIST if the destination already exists. A
// destination whose embedded expiry has passed is reclaimed by removing
// it, after which the caller's next poll retries the rename.
func (l *Locker) acquireRename(ctx context.Context, key string, ttl time.Duration) (lock.Token, error) {
	path := l.path(key)
	token := lock.Token(uuid.NewString())

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	for {
		expiresAt := time.Now().Add(ttl)
		claimed, err := claimRename(path, token, expiresAt)
		if err != nil {
			return "", fmt.Errorf("%w: acquire rename lock: %v", lock.ErrBackend, err)
		}
		if claimed {
			l.track(key, entry{
				token:     token,
				expiresAt: expiresAt,
				path:      path,
				timer:     time.AfterFunc(ttl, func() { l.expire(key, token) }),
			})
			return token, nil
		}

		select {
		case <-time.After(l.pollInterval):
		case <-waitCtx.Done():
			return "", lock.ErrHeld
		}
	}
}

// claimRename attempts to publish path via a no-replace rename of a
// freshly written temp file. It returns false, nil both when path is
// held by a live lock and when a stale one was just reclaimed; either
// way the caller should retry after reclaiming.
func claimRename(path string, token lock.Token, expiresAt time.Time) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below has succeeded

	if _, err := tmp.WriteString(diagnosticContent(token, expiresAt)); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	err = unix.Renameat2(unix.AT_FDCWD, tmpPath, unix.AT_FDCWD, path, unix.RENAME_NOREPLACE)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return false, err
	}

	if _, err := reclaimIfExpired(path); err != nil {
		return false, err
	}
	return false, nil
}

// reclaimIfExpired removes path if it holds a lock whose embedded
// expiry has passed (or whose content can't be parsed at all, which
// only happens for a lock file left behind by a crash mid-write).
func reclaimIfExpired(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}

	expiresAt, ok := parseExpiry(raw)
	if ok && time.Now().Before(expiresAt) {
		return false, nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

func diagnosticContent(token lock.Token, expiresAt time.Time) string {
	return fmt.Sprintf("token=%s\nexpires_at=%d\n", token, expiresAt.Unix())
}

func parseExpiry(raw []byte) (time.Time, bool) {
	for _, line := range strings.Split(string(raw), "\n") {
		rest, ok := strings.CutPrefix(line, "expires_at=")
		if !ok {
			continue
		}
		sec, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}

func (l *Locker) track(key string, e entry) {
	l.mu.Lock()
	l.entries[key] = e
	l.mu.Unlock()
}

// expire fires ttl after Acquire if Release was never called, so a
// lock that's outlived its ttl always becomes acquirable again.
func (l *Locker) expire(key string, token lock.Token) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok || e.token != token {
		l.mu.Unlock()
		return
	}
	delete(l.entries, key)
	l.mu.Unlock()

	if e.flockHandle != nil {
		_ = e.flockHandle.Unlock()
		return
	}
	_ = os.Remove(e.path)
}

// IsLocked is an observational check: the result may be stale by the
// time the caller acts on it.
func (l *Locker) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok, nil
}

func (l *Locker) Release(_ context.Context, key string, token lock.Token) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok || e.token != token {
		l.mu.Unlock()
		return lock.ErrNotOwner
	}
	delete(l.entries, key)
	l.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}

	if e.flockHandle != nil {
		if err := e.flockHandle.Unlock(); err != nil {
			return fmt.Errorf("%w: release file lock: %v", lock.ErrBackend, err)
		}
		return nil
	}

	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: release rename lock: %v", lock.ErrBackend, err)
	}
	return nil
}
