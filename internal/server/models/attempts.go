package models

import "time"

// FailedLoginAttempts is the per-username brute-force counter. LastAttempt
// may be refreshed without touching Attempts to extend an active lock.
// The record is removed entirely on a successful authentication.
type FailedLoginAttempts struct {
	Username    string
	Attempts    int64
	LastAttempt time.Time
}
