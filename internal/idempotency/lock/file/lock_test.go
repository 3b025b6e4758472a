package file_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nordkit/idemguard/internal/idempotency/lock"
	"github.com/nordkit/idemguard/internal/idempotency/lock/file"
)

func newLocker(t *testing.T, mode file.Mode) *file.Locker {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "locks")
	l, err := file.NewLocker(dir, 200*time.Millisecond, time.Millisecond, mode)
	if err != nil {
		t.Fatalf("NewLocker: %v", err)
	}
	return l
}

func TestAcquireThenRelease(t *testing.T) {
	for _, mode := range []file.Mode{file.ModeFlock, file.ModeRename} {
		l := newLocker(t, mode)
		ctx := context.Background()

		token, err := l.Acquire(ctx, "order-1", time.Minute)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := l.Release(ctx, "order-1", token); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if _, err := l.Acquire(ctx, "order-1", time.Minute); err != nil {
			t.Fatalf("Acquire after release: %v", err)
		}
	}
}

func TestAcquireConflict(t *testing.T) {
	for _, mode := range []file.Mode{file.ModeFlock, file.ModeRename} {
		l := newLocker(t, mode)
		ctx := context.Background()

		if _, err := l.Acquire(ctx, "order-2", time.Minute); err != nil {
			t.Fatalf("first Acquire: %v", err)
		}
		if _, err := l.Acquire(ctx, "order-2", time.Minute); !errors.Is(err, lock.ErrHeld) {
			t.Errorf("second Acquire err = %v, want ErrHeld", err)
		}
	}
}

func TestReleaseWithWrongTokenFails(t *testing.T) {
	l := newLocker(t, file.ModeFlock)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "order-3", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(ctx, "order-3", lock.Token("wrong")); !errors.Is(err, lock.ErrNotOwner) {
		t.Errorf("Release with wrong token err = %v, want ErrNotOwner", err)
	}
}

func TestReleaseUnknownKeyFails(t *testing.T) {
	l := newLocker(t, file.ModeFlock)
	if err := l.Release(context.Background(), "never-acquired", lock.Token("x")); !errors.Is(err, lock.ErrNotOwner) {
		t.Errorf("Release err = %v, want ErrNotOwner", err)
	}
}

func TestIsLocked(t *testing.T) {
	l := newLocker(t, file.ModeFlock)
	ctx := context.Background()

	ok, err := l.IsLocked(ctx, "order-5")
	if err != nil || ok {
		t.Fatalf("IsLocked before Acquire = %v, %v, want false, nil", ok, err)
	}

	token, err := l.Acquire(ctx, "order-5", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ok, err = l.IsLocked(ctx, "order-5")
	if err != nil || !ok {
		t.Fatalf("IsLocked after Acquire = %v, %v, want true, nil", ok, err)
	}

	if err := l.Release(ctx, "order-5", token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = l.IsLocked(ctx, "order-5")
	if err != nil || ok {
		t.Errorf("IsLocked after Release = %v, %v, want false, nil", ok, err)
	}
}

func TestAcquireAllRollsBackOnPartialFailure(t *testing.T) {
	l := newLocker(t, file.ModeFlock)
	ctx := context.Background()

	// pre-hold "b" so the all-or-nothing acquisition over [a, b, c] fails
	if _, err := l.Acquire(ctx, "b", time.Minute); err != nil {
		t.Fatalf("pre-Acquire b: %v", err)
	}

	_, err := lock.AcquireAll(ctx, l, []string{"a", "b", "c"}, time.Minute)
	if !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("AcquireAll err = %v, want ErrHeld", err)
	}

	// "a" must have been rolled back since "b" failed
	ok, err := l.IsLocked(ctx, "a")
	if err != nil || ok {
		t.Errorf("IsLocked(a) after rollback = %v, %v, want false, nil", ok, err)
	}
}

func TestDifferentKeysDoNotConflict(t *testing.T) {
	l := newLocker(t, file.ModeFlock)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "a", time.Minute); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if _, err := l.Acquire(ctx, "b", time.Minute); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
}

func TestAcquireSelfExpiresAfterTTL(t *testing.T) {
	for _, mode := range []file.Mode{file.ModeFlock, file.ModeRename} {
		l := newLocker(t, mode)
		ctx := context.Background()

		if _, err := l.Acquire(ctx, "order-6", 30*time.Millisecond); err != nil {
			t.Fatalf("Acquire: %v", err)
		}

		// without a Release, a crashed holder's lock must still free up
		// once its ttl elapses
		deadline := time.Now().Add(time.Second)
		for {
			if ok, _ := l.IsLocked(ctx, "order-6"); !ok {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("mode %v: lock never self-expired", mode)
			}
			time.Sleep(5 * time.Millisecond)
		}

		if _, err := l.Acquire(ctx, "order-6", time.Minute); err != nil {
			t.Fatalf("Acquire after self-expiry: %v", err)
		}
	}
}

func TestReleaseStopsSelfExpiryTimer(t *testing.T) {
	l := newLocker(t, file.ModeFlock)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "order-7", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(ctx, "order-7", token); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := l.Acquire(ctx, "order-7", time.Minute)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	// give the first lock's expiry timer a chance to fire; it must not
	// steal the second holder's lock
	time.Sleep(50 * time.Millisecond)
	ok, err := l.IsLocked(ctx, "order-7")
	if err != nil || !ok {
		t.Fatalf("IsLocked after stale timer window = %v, %v, want true, nil", ok, err)
	}
	if err := l.Release(ctx, "order-7", second); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestRenameModeReclaimsStaleLockFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	ctx := context.Background()

	// simulate a crashed holder: a lock file left behind whose embedded
	// expiry is already in the past, written directly rather than via a
	// live Locker so no in-process self-expiry timer is involved.
	stale := fmt.Sprintf("token=from-a-dead-process\nexpires_at=%d\n", time.Now().Add(-time.Minute).Unix())
	if err := os.WriteFile(filepath.Join(dir, "order-8.lock"), []byte(stale), 0o644); err != nil {
		t.Fatalf("write stale lock file: %v", err)
	}

	l, err := file.NewLocker(dir, 200*time.Millisecond, time.Millisecond, file.ModeRename)
	if err != nil {
		t.Fatalf("NewLocker: %v", err)
	}
	if _, err := l.Acquire(ctx, "order-8", time.Minute); err != nil {
		t.Fatalf("Acquire of stale lock: %v", err)
	}
}
