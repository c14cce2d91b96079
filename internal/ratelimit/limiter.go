// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/metrics"
)

// ErrRateLimited is returned when admission would take longer than MaxWait.
var ErrRateLimited = errors.New("rate limited")

// Category groups calls that share a budget.
type Category string

const (
	CategoryQuote Category = "quote"
	CategoryChain Category = "chain"
)

// Window is a fixed budget of MaxCalls per Length. MaxCalls <= 0 disables it.
type Window struct {
	Length   time.Duration
	MaxCalls int
}

// Config describes the budgets of every category.
type Config struct {
	Windows     map[Category][]Window
	MaxWait     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig matches the aggregator's free tier: 8 quotes per minute and
// 80 per hour; chain calls are paced at 20 per second.
func DefaultConfig() Config {
	return Config{
		Windows: map[Category][]Window{
			CategoryQuote: {
				{Length: time.Minute, MaxCalls: 8},
				{Length: time.Hour, MaxCalls: 80},
			},
			CategoryChain: {
				{Length: time.Second, MaxCalls: 20},
			},
		},
		MaxWait:     2 * time.Minute,
		BackoffBase: 2 * time.Second,
		BackoffMax:  time.Minute,
	}
}

// budget is the RateBudget of one window.
type budget struct {
	window      Window
	windowStart time.Time
	calls       int
}

type categoryState struct {
	budgets     []*budget
	failures    int
	lastFailure time.Time
}

// Limiter paces outbound calls per category. Over-budget calls block until
// the window resets instead of being dropped.
type Limiter struct {
	mu      sync.Mutex
	cats    map[Category]*categoryState
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now and the sleeper, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = c }
}

// New creates a limiter.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Limiter {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}

	l := &Limiter{
		cats:   make(map[Category]*categoryState, len(cfg.Windows)),
		cfg:    cfg,
		logger: logger.Named("ratelimit"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for cat, windows := range cfg.Windows {
		state := &categoryState{}
		for _, w := range windows {
			if w.MaxCalls > 0 && w.Length > 0 {
				state.budgets = append(state.budgets, &budget{window: w})
			}
		}
		l.cats[cat] = state
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit blocks until cat has budget in every window and consumes one call.
// It fails with ErrRateLimited if the required wait exceeds MaxWait.
// Waiters are not queued: when a window frees, whichever caller re-checks
// first takes the slot, so admission order is not FIFO.
func (l *Limiter) Admit(ctx context.Context, cat Category) error {
	start := l.now()
	deadline := start.Add(l.cfg.MaxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := l.now()
		l.mu.Lock()
		wait := l.reserveLocked(cat, now)
		l.mu.Unlock()

		if wait == 0 {
			l.metrics.RecordRateLimitWait(string(cat), now.Sub(start))
			return nil
		}
		if l.cfg.MaxWait > 0 && now.Add(wait).After(deadline) {
			l.metrics.RecordRateLimitDenied(string(cat))
			return fmt.Errorf("%w: %s budget frees in %s", ErrRateLimited, cat, wait.Round(time.Millisecond))
		}

		l.logger.Debug("Rate limit reached, waiting",
			zap.String("category", string(cat)),
			zap.Duration("wait", wait))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Allow consumes one call if cat has budget right now, without waiting.
func (l *Limiter) Allow(cat Category) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserveLocked(cat, l.now()) == 0
}

// reserveLocked returns how long the caller must wait, or zero after
// consuming one call from every window.
func (l *Limiter) reserveLocked(cat Category, now time.Time) time.Duration {
	state, ok := l.cats[cat]
	if !ok {
		state = &categoryState{}
		l.cats[cat] = state
	}

	var wait time.Duration
	if state.failures > 0 {
		if until := state.lastFailure.Add(l.failureBackoff(state.failures)); now.Before(until) {
			wait = until.Sub(now)
		}
	}

	for _, b := range state.budgets {
		if now.Sub(b.windowStart) >= b.window.Length {
			b.windowStart = now
			b.calls = 0
		}
		if b.calls >= b.window.MaxCalls {
			if w := b.windowStart.Add(b.window.Length).Sub(now); w > wait {
				wait = w
			}
		}
	}
	if wait > 0 {
		return wait
	}

	for _, b := range state.budgets {
		b.calls++
	}
	return 0
}

// failureBackoff is min(base * 2^(n-1), max); with the defaults 2s, 4s, 8s ... 60s.
func (l *Limiter) failureBackoff(n int) time.Duration {
	d := l.cfg.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	return d
}

// RecordFailure notes a throttled or failed call; following admissions wait
// an exponentially growing delay from now.
func (l *Limiter) RecordFailure(cat Category) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.cats[cat]
	if !ok {
		state = &categoryState{}
		l.cats[cat] = state
	}
	state.failures++
	state.lastFailure = l.now()

	l.logger.Debug("Provider failure recorded",
		zap.String("category", string(cat)),
		zap.Int("consecutive", state.failures),
		zap.Duration("backoff", l.failureBackoff(state.failures)))
}

// RecordSuccess clears the failure backoff of cat.
func (l *Limiter) RecordSuccess(cat Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.cats[cat]; ok {
		state.failures = 0
	}
}

// WindowStats is the usage of one window.
type WindowStats struct {
	Length  time.Duration
	Used    int
	Limit   int
	ResetIn time.Duration
}

// Stats reports current usage of cat.
func (l *Limiter) Stats(cat Category) []WindowStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.cats[cat]
	if !ok {
		return nil
	}
	now := l.now()
	out := make([]WindowStats, 0, len(state.budgets))
	for _, b := range state.budgets {
		s := WindowStats{Length: b.window.Length, Limit: b.window.MaxCalls}
		if now.Sub(b.windowStart) < b.window.Length {
			s.Used = b.calls
			s.ResetIn = b.windowStart.Add(b.window.Length).Sub(now)
		}
		out = append(out, s)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
