package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// limiter enforces a minimum interval between request starts and a ceiling
// on requests per run. State is per client instance.
type limiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	maxRequests int
	last        time.Time
	count       int
	waited      time.Duration
}

func newLimiter(minInterval time.Duration, maxRequests int) *limiter {
	return &limiter{minInterval: minInterval, maxRequests: maxRequests}
}

// wait blocks until minInterval has passed since the previous request and
// reserves a slot. It fails with errCeiling once maxRequests slots are used.
// The slot is reserved under the lock and the sleep happens outside it, so
// usage never waits on a throttled request.
func (l *limiter) wait(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	if l.maxRequests > 0 && l.count >= l.maxRequests {
		l.mu.Unlock()
		return 0, errCeiling
	}
	now := time.Now()
	start := now
	if !l.last.IsZero() {
		// l.last carries a monotonic reading, so the comparison ignores wall-clock jumps.
		if next := l.last.Add(l.minInterval); next.After(now) {
			start = next
		}
	}
	delay := start.Sub(now)
	l.last = start
	l.count++
	l.waited += delay
	l.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		l.mu.Lock()
		l.count--
		l.waited -= delay
		l.mu.Unlock()
		return 0, err
	}
	return delay, nil
}

func (l *limiter) usage() (int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count, l.waited
}

func (l *limiter) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count = 0
	l.waited = 0
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff returns min(2^attempt * base, cap) for a zero-based attempt.
func backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return cap
	}
	d := base << uint(attempt)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// ParseRetryAfter reads a Retry-After header given either as delay seconds
// or as an HTTP date. It returns 0 when the header is absent or unreadable.
func ParseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var errCeiling = errors.New("request ceiling reached")
