package calsync

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffSchedule yields Base * 2^(attempt-1), capped at Max, without jitter so
// consecutive retries are spaced strictly further apart until the cap.
type BackoffSchedule struct {
	Base time.Duration
	Max  time.Duration
}

func (s BackoffSchedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.Base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = s.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
