// Package locking implements the per-username lockout guard: a failed
// attempt counter with a threshold and a sliding window measured from the
// last attempt. The lockout is per identity, not per source address, so
// credential stuffing against a known username is throttled regardless of
// where it comes from.
package locking

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage"
)

// seam for tests
var timeNow = time.Now

const (
	DefaultThreshold = 5
	DefaultWindow    = 15 * time.Minute
)

// Guard decides whether a username is locked out. State lives in the
// persistence capability passed to each call; the guard itself is
// stateless and safe for concurrent use.
type Guard struct {
	threshold int64
	window    time.Duration
}

func NewGuard(threshold int, window time.Duration) *Guard {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{threshold: int64(threshold), window: window}
}

// CountAttempt records one authentication failure: the counter is
// incremented (created at 1 if absent) and lastAttempt is refreshed.
func (g *Guard) CountAttempt(ctx context.Context, db storage.Database, username string) error {
	return db.CountLoginAttempt(ctx, username)
}

// HandleLocking reports whether the username is currently locked. A locked
// name gets its lastAttempt refreshed without incrementing the counter, so
// an account under continued attack stays locked. Once the window since
// lastAttempt has elapsed the name is treated as unlocked again; the stale
// counter is left in place and the next failure re-arms the lock.
func (g *Guard) HandleLocking(ctx context.Context, db storage.Database, username string) (bool, error) {
	attempts, err := db.GetLoginAttempts(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return false, nil
		}
		return false, err
	}

	if attempts.Attempts < g.threshold {
		return false, nil
	}
	if timeNow().Sub(attempts.LastAttempt) >= g.window {
		return false, nil
	}

	if err := db.UpdateLastLoginAttempt(ctx, username); err != nil {
		return false, err
	}
	return true, nil
}

// ResetAttempts removes the record entirely after a successful
// authentication.
func (g *Guard) ResetAttempts(ctx context.Context, db storage.Database, username string) error {
	return db.RemoveLoginAttempts(ctx, username)
}
