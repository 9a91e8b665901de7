package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	window int64
	count  int64
}

// MemoryLimiter keeps counters in process. It under-counts when several
// instances serve the same clients; use RedisLimiter for shared counters.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	lastGC   int64

	Now func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*counter),
		Now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limitPerMinute, burst int) (Decision, error) {
	now := l.Now()
	w := window(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	if w != l.lastGC {
		// drop counters left over from earlier windows
		for k, c := range l.counters {
			if c.window < w {
				delete(l.counters, k)
			}
		}
		l.lastGC = w
	}

	c, ok := l.counters[key]
	if !ok || c.window != w {
		l.counters[key] = &counter{window: w, count: 1}
		return decide(1, now, limitPerMinute, burst), nil
	}

	if c.count >= int64(maxAllowed(limitPerMinute, burst)) {
		return decide(c.count+1, now, limitPerMinute, burst), nil
	}
	c.count++
	return decide(c.count, now, limitPerMinute, burst), nil
}
