// Package lock implements the cross-process rebuild lock of a build directory.
//
// The lock is an advisory OS file lock (flock on unix, LockFileEx on
// windows). It is released by the kernel when the holding process exits, so
// a crashed rebuild never wedges later ones.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/wheelforge/wheelforge/internal/cache"
	"github.com/wheelforge/wheelforge/internal/config"
)

// FileName is the lock file inside the build directory's state directory
const FileName = "rebuild.lock"

// RetryDelay is the polling interval while waiting for the lock
var RetryDelay = 50 * time.Millisecond

// ErrLockTimeout is returned when a bounded wait expires
var ErrLockTimeout = errors.New("timed out waiting for rebuild lock")

// Policy decides what happens when the lock is already held
type Policy struct {
	// Mode is config.PolicyBlock or config.PolicySkipIfLocked
	Mode string
	// Timeout bounds a blocking wait, zero waits forever
	Timeout time.Duration
}

// Lock guards one build directory
type Lock struct {
	path string
}

// New returns the lock scoped to buildDir
func New(buildDir string) *Lock {
	return &Lock{path: filepath.Join(buildDir, cache.StateDir, FileName)}
}

// Path returns the lock file location
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock according to policy.
// acquired is false only under the skip policy when another process holds the lock.
// When acquired, release must be called on every exit path; it is safe to call more than once.
func (l *Lock) Acquire(ctx context.Context, policy Policy) (acquired bool, release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(l.path)

	switch policy.Mode {
	case config.PolicySkipIfLocked:
		ok, err := fl.TryLock()
		if err != nil {
			return false, nil, fmt.Errorf("failed to lock %s: %w", l.path, err)
		}

		if !ok {
			return false, func() {}, nil
		}
	case config.PolicyBlock, "":
		waitCtx := ctx
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}

		ok, err := fl.TryLockContext(waitCtx, RetryDelay)
		if !ok || err != nil {
			if ctx.Err() != nil {
				return false, nil, ctx.Err()
			}

			if errors.Is(err, context.DeadlineExceeded) {
				return false, nil, fmt.Errorf("%w after %s: %s", ErrLockTimeout, policy.Timeout, l.path)
			}

			return false, nil, fmt.Errorf("failed to lock %s: %w", l.path, err)
		}
	default:
		return false, nil, fmt.Errorf("unknown lock policy %q", policy.Mode)
	}

	var once sync.Once

	return true, func() {
		once.Do(func() { _ = fl.Close() })
	}, nil
}
