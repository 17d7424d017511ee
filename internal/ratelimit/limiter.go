// Package ratelimit throttles calls to the external worker. It combines
// preemptive sliding-window admission with reactive exponential backoff on
// rate-limit errors.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/config"
	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/logging"
)

// Window is the length of the sliding admission window.
const Window = time.Minute

// maxJitter bounds the random component added to computed backoff delays.
const maxJitter = time.Second

// Config holds limiter settings.
type Config struct {
	RequestsPerMinute int
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	PreemptiveRatio   float64
	EventLogSize      int
}

// DefaultConfig returns the default limiter settings.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 50,
		MaxRetries:        5,
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		PreemptiveRatio:   0.8,
		EventLogSize:      100,
	}
}

// FromConfig converts the rate_limit config section.
func FromConfig(c config.RateLimitConfig) Config {
	return Config{
		RequestsPerMinute: c.RequestsPerMinute,
		MaxRetries:        c.MaxRetries,
		BaseDelay:         c.BaseDelay(),
		MaxDelay:          c.MaxDelay(),
		PreemptiveRatio:   c.PreemptiveRatio,
		EventLogSize:      c.EventLogSize,
	}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Limiter wraps external calls with throttling and retry.
// A Limiter is safe for concurrent use.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	sleep  Sleeper
	jitter func() time.Duration
	logger *logging.Logger

	mu     sync.Mutex
	window []time.Time
	events *ring
	stats  Stats
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleeper overrides how the limiter waits.
func WithSleeper(s Sleeper) Option {
	return func(l *Limiter) { l.sleep = s }
}

// WithJitter overrides the random backoff component. The returned value is
// clamped to [0, 1s).
func WithJitter(j func() time.Duration) Option {
	return func(l *Limiter) { l.jitter = j }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Limiter. Zero-valued settings fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.PreemptiveRatio <= 0 || cfg.PreemptiveRatio > 1 {
		cfg.PreemptiveRatio = def.PreemptiveRatio
	}
	if cfg.EventLogSize <= 0 {
		cfg.EventLogSize = def.EventLogSize
	}

	l := &Limiter{
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
		jitter: func() time.Duration { return rand.N(maxJitter) },
		logger: logging.NopLogger(),
		events: newRing(cfg.EventLogSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective settings.
func (l *Limiter) Config() Config { return l.cfg }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExecuteWithRetry runs fn with preemptive throttling and up to MaxRetries
// retries on rate-limit errors. Other errors are returned immediately.
func (l *Limiter) ExecuteWithRetry(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is the value-returning form of Limiter.ExecuteWithRetry.
func Do[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := l.cfg.MaxRetries + 1
	var lastErr error
	var lastDelay time.Duration

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := l.admit(ctx); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			l.record(LogEntry{Kind: KindSuccess, Attempt: attempt})
			return result, nil
		}
		if !IsRateLimitError(err) {
			l.record(LogEntry{Kind: KindError, Attempt: attempt, Error: err.Error()})
			return zero, err
		}

		lastErr = err
		l.mu.Lock()
		l.stats.RateLimited++
		l.mu.Unlock()
		l.record(LogEntry{Kind: KindRateLimited, Attempt: attempt, Error: err.Error()})

		if attempt == attempts {
			break
		}

		lastDelay = l.Delay(attempt, err)
		l.record(LogEntry{Kind: KindBackoff, Attempt: attempt, Delay: lastDelay})
		l.logger.Warn("rate limited, backing off",
			"attempt", attempt, "delay_ms", lastDelay.Milliseconds(), "error", err.Error())

		l.mu.Lock()
		l.stats.Retries++
		l.stats.TotalWait += lastDelay
		l.mu.Unlock()
		if err := l.sleep(ctx, lastDelay); err != nil {
			return zero, err
		}
	}

	l.record(LogEntry{Kind: KindExhausted, Attempt: attempts, Error: lastErr.Error()})
	l.logger.Error("rate limit retries exhausted", "attempts", attempts)
	return zero, errors.NewRateLimitError(attempts, lastDelay, lastErr)
}

// Delay computes the backoff before retrying after the given 1-based attempt.
// A positive retry hint on err is used as-is; otherwise the delay is
// BaseDelay·2^(attempt-1) plus jitter. The result never exceeds MaxDelay.
func (l *Limiter) Delay(attempt int, err error) time.Duration {
	if hint, ok := RetryAfterHint(err); ok {
		return min(hint, l.cfg.MaxDelay)
	}
	if attempt < 1 {
		attempt = 1
	}

	backoff := l.cfg.MaxDelay
	if shift := attempt - 1; shift < 62 {
		if scaled := l.cfg.BaseDelay << shift; scaled > 0 && scaled>>shift == l.cfg.BaseDelay {
			backoff = scaled
		}
	}

	j := l.jitter()
	if j < 0 {
		j = 0
	}
	if j >= maxJitter {
		j = maxJitter - 1
	}
	if backoff >= l.cfg.MaxDelay {
		return l.cfg.MaxDelay
	}
	return min(backoff+j, l.cfg.MaxDelay)
}

// admit blocks while the sliding window is at or above the preemptive
// threshold, then records the call.
func (l *Limiter) admit(ctx context.Context) error {
	threshold := l.cfg.PreemptiveRatio * float64(l.cfg.RequestsPerMinute)
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if float64(len(l.window)) < threshold {
			l.window = append(l.window, now)
			l.stats.Calls++
			l.mu.Unlock()
			return nil
		}
		wait := l.window[0].Add(Window).Sub(now)
		l.stats.Throttles++
		l.stats.TotalWait += wait
		l.mu.Unlock()

		l.record(LogEntry{Kind: KindThrottle, Delay: wait})
		l.logger.Debug("preemptive throttle", "wait_ms", wait.Milliseconds())
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops timestamps that left the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

func (l *Limiter) record(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	l.events.push(e)
}

// Events returns the retained log entries, oldest first.
func (l *Limiter) Events() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events.items()
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	s := l.stats
	s.WindowCount = len(l.window)
	return s
}
