package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/pkg/metrics"
)

// DefaultMaxWait bounds a single acquisition. Minute and hour windows always
// roll over within it; an exhausted day window fails fast instead.
const DefaultMaxWait = 65 * time.Minute

// window is one fixed wall-clock counter (minute, hour or day).
// Each window owns its own lock.
type window struct {
	mu    sync.Mutex
	name  string
	limit int
	start time.Time
	count int
	align func(now time.Time) time.Time
	next  func(start time.Time) time.Time
}

// roll resets the counter when now has crossed into a new window.
// Caller holds w.mu.
func (w *window) roll(now time.Time) {
	if start := w.align(now); !start.Equal(w.start) {
		w.start = start
		w.count = 0
	}
}

// Acquirer hands out permits for one external call
type Acquirer interface {
	Acquire(ctx context.Context) (*Permit, error)
}

// Limiter enforces minute/hour/day call quotas plus a concurrency cap
// ⭐ SSOT: 외부 API 호출 쿼터는 여기서만
type Limiter struct {
	policy  contracts.RateLimitPolicy
	windows []*window // lock order: minute → hour → day
	sem     chan struct{}

	maxWait time.Duration
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	track   bool
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithClock injects the time source and the sleeper used while waiting
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// WithMaxWait bounds how long Acquire waits for a window boundary
func WithMaxWait(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.maxWait = d
		}
	}
}

// WithMetrics publishes waits and in-flight permits to prometheus
func WithMetrics() Option {
	return func(l *Limiter) { l.track = true }
}

// New creates a limiter for the policy. Day windows reset at midnight in loc.
func New(policy contracts.RateLimitPolicy, loc *time.Location, opts ...Option) (*Limiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	l := &Limiter{
		policy:  policy,
		sem:     make(chan struct{}, policy.Concurrent),
		maxWait: DefaultMaxWait,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.windows = []*window{
		{
			name:  "minute",
			limit: policy.MaxPerMinute,
			align: func(t time.Time) time.Time { return t.Truncate(time.Minute) },
			next:  func(s time.Time) time.Time { return s.Add(time.Minute) },
		},
		{
			name:  "hour",
			limit: policy.MaxPerHour,
			align: func(t time.Time) time.Time { return t.Truncate(time.Hour) },
			next:  func(s time.Time) time.Time { return s.Add(time.Hour) },
		},
		{
			name:  "day",
			limit: policy.MaxPerDay,
			align: func(t time.Time) time.Time {
				t = t.In(loc)
				return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
			},
			next: func(s time.Time) time.Time { return s.AddDate(0, 0, 1) },
		},
	}

	return l, nil
}

// Policy returns the immutable policy
func (l *Limiter) Policy() contracts.RateLimitPolicy {
	return l.policy
}

// Acquire blocks until every window has headroom and a concurrency slot
// is free. The returned permit must be released on every exit path.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	var waited time.Duration

	for {
		wait, ok := l.reserve()
		if ok {
			break
		}
		if waited+wait > l.maxWait {
			return nil, fmt.Errorf("%w: next window opens in %s", contracts.ErrQuotaExhausted, wait.Round(time.Second))
		}
		if err := l.sleep(ctx, wait); err != nil {
			return nil, err
		}
		waited += wait
	}

	if l.track && waited > 0 {
		metrics.RateLimitWait.Observe(waited.Seconds())
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if l.track {
		metrics.RateLimitInFlight.Inc()
	}
	return newPermit(func() {
		<-l.sem
		if l.track {
			metrics.RateLimitInFlight.Dec()
		}
	}), nil
}

// Do runs fn while holding a permit
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	p, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release()
	return fn()
}

// reserve counts one call against all windows if each has headroom.
// Otherwise it returns how long until the furthest exhausted window rolls.
func (l *Limiter) reserve() (time.Duration, bool) {
	now := l.now()

	for _, w := range l.windows {
		w.mu.Lock()
	}
	defer func() {
		for i := len(l.windows) - 1; i >= 0; i-- {
			l.windows[i].mu.Unlock()
		}
	}()

	var wait time.Duration
	for _, w := range l.windows {
		w.roll(now)
		if w.count >= w.limit {
			if d := w.next(w.start).Sub(now); d > wait {
				wait = d
			}
		}
	}
	if wait > 0 {
		return wait, false
	}

	for _, w := range l.windows {
		w.count++
	}
	return 0, true
}

// Usage reports the calls counted in the current minute, hour and day
func (l *Limiter) Usage() (minute, hour, day int) {
	now := l.now()
	counts := make([]int, len(l.windows))
	for i, w := range l.windows {
		w.mu.Lock()
		w.roll(now)
		counts[i] = w.count
		w.mu.Unlock()
	}
	return counts[0], counts[1], counts[2]
}

// InFlight returns the number of permits currently held
func (l *Limiter) InFlight() int {
	return len(l.sem)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
