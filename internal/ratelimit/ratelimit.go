// Package ratelimit implements fixed-window request admission control.
//
// Windows are wall-clock epoch seconds integer-divided by 60. A request in a
// new window resets the count; within a window a request is admitted while
// count <= limit + max(burst, 0). Bursts straddling a window boundary can
// admit up to twice the allowance, which is accepted.
package ratelimit

import (
	"context"
	"time"
)

const windowSeconds = 60

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int // seconds until the current window closes; 0 when allowed
}

type Limiter interface {
	Allow(ctx context.Context, key string, limitPerMinute, burst int) (Decision, error)
}

func maxAllowed(limitPerMinute, burst int) int {
	if burst < 0 {
		burst = 0
	}
	return limitPerMinute + burst
}

func window(now time.Time) int64 {
	return now.Unix() / windowSeconds
}

func retryAfter(now time.Time) int {
	return windowSeconds - int(now.Unix()%windowSeconds)
}

func decide(count int64, now time.Time, limitPerMinute, burst int) Decision {
	allowed := maxAllowed(limitPerMinute, burst)
	d := Decision{Limit: allowed}
	// the first request of a window is always admitted
	if count <= int64(allowed) || count == 1 {
		d.Allowed = true
		if rem := allowed - int(count); rem > 0 {
			d.Remaining = rem
		}
		return d
	}
	d.RetryAfter = retryAfter(now)
	return d
}
