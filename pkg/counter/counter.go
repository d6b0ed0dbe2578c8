// Package counter tracks per-tenant span counts in fixed hourly windows and
// answers admission checks against a tenant's rate limit.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps failures talking to the counter backend. Callers fail
// open on it.
var ErrUnavailable = errors.New("counter store unavailable")

// windowMillis is the admission window. Counts reset on the hour boundary.
const windowMillis = int64(time.Hour / time.Millisecond)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Remaining is the number of spans still admissible in this window,
	// never negative.
	Remaining int64
	// ResetAt is the epoch-milliseconds start of the next window.
	ResetAt int64
}

// Store counts ingested spans per tenant per window.
type Store interface {
	// Check consumes one admission slot and reports whether the tenant is
	// within limit for the current window.
	Check(ctx context.Context, tenant string, limit int) (*Decision, error)

	// Record adds n spans to the tenant's usage tally for the current
	// window. Usage is bookkeeping only and never blocks admission.
	Record(ctx context.Context, tenant string, n int64) error
}

func bucket(now time.Time) int64 {
	return now.UnixMilli() / windowMillis
}

func resetAt(now time.Time) int64 {
	return (bucket(now) + 1) * windowMillis
}
