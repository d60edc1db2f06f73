// Package retry runs remote operations with bounded retries and exponential
// backoff. Only errors classified as transient are retried; validation,
// permission, rate-limit, conflict, not-found and unauthenticated failures
// surface after the first attempt.
//
// The executor does not deduplicate: operations passed to Do must be safe
// to invoke more than once.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/logging"
)

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keepsake_retry_attempts_total",
			Help: "Invocations of remote operations made by the retry executor.",
		},
		[]string{"operation"},
	)
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keepsake_retry_outcomes_total",
			Help: "Final outcome of remote operations run by the retry executor.",
		},
		[]string{"operation", "outcome"},
	)
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 10 * time.Second
)

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor holds the retry budget shared by every call it runs. It is safe
// for concurrent use; per-call state lives on the stack of Do.
type Executor struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the maximum fraction (0-1) a delay is randomly shifted by.
	Jitter float64
	Sleep  Sleeper
}

// NewExecutor returns an Executor with default budget.
func NewExecutor() *Executor {
	return &Executor{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Jitter:     0.2,
	}
}

// State describes an in-flight call. It is reported to state hooks before
// every wait and once more when the call finishes.
type State struct {
	IsRetrying   bool
	AttemptCount int
	NextRetryIn  time.Duration
	LastError    error
}

type callOptions struct {
	shouldRetry func(error) bool
	onState     func(State)
	maxRetries  int
}

// Option customises a single call.
type Option func(*callOptions)

// WithShouldRetry replaces the default classification entirely.
func WithShouldRetry(fn func(error) bool) Option {
	return func(o *callOptions) {
		if fn != nil {
			o.shouldRetry = fn
		}
	}
}

// WithStateHook observes retry progress.
func WithStateHook(fn func(State)) Option {
	return func(o *callOptions) { o.onState = fn }
}

// WithMaxRetries overrides the executor's retry budget for one call.
func WithMaxRetries(n int) Option {
	return func(o *callOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// IsRetryable is the default classification: true only for transient
// failures (unavailable, deadline-exceeded, internal, aborted,
// resource-exhausted and network failures).
func IsRetryable(err error) bool {
	return apperr.Retryable(err)
}

// Do invokes op and retries it while it fails with a retryable error.
// After the budget is exhausted the last error is returned, classified.
func Do[T any](ctx context.Context, e *Executor, name string, op func(context.Context) (T, error), opts ...Option) (T, error) {
	if e == nil {
		e = NewExecutor()
	}
	o := callOptions{shouldRetry: IsRetryable, maxRetries: e.MaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.FromContext(ctx).With(slog.String("operation", name))
	var zero T

	for attempt := 0; ; attempt++ {
		attemptsTotal.WithLabelValues(name).Inc()
		value, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", slog.Int("attempts", attempt+1))
			}
			o.report(State{AttemptCount: attempt + 1})
			outcomesTotal.WithLabelValues(name, "success").Inc()
			return value, nil
		}

		if !o.shouldRetry(err) {
			logger.Debug("operation failed permanently", slog.Int("attempts", attempt+1), slog.Any("error", err))
			o.report(State{AttemptCount: attempt + 1, LastError: err})
			outcomesTotal.WithLabelValues(name, "permanent").Inc()
			return zero, classify(err)
		}

		if attempt >= o.maxRetries {
			logger.Warn("operation failed after retries", slog.Int("attempts", attempt+1), slog.Any("error", err))
			o.report(State{AttemptCount: attempt + 1, LastError: err})
			outcomesTotal.WithLabelValues(name, "exhausted").Inc()
			return zero, classify(err)
		}

		delay := e.delay(attempt)
		logger.Info("retrying operation",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		o.report(State{IsRetrying: true, AttemptCount: attempt + 1, NextRetryIn: delay, LastError: err})

		if waitErr := e.sleep(ctx, delay); waitErr != nil {
			outcomesTotal.WithLabelValues(name, "cancelled").Inc()
			return zero, apperr.FromRemote(waitErr)
		}
	}
}

// Run is Do for operations without a result.
func (e *Executor) Run(ctx context.Context, name string, op func(context.Context) error, opts ...Option) error {
	_, err := Do(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// delay returns BaseDelay * 2^attempt capped at MaxDelay (DefaultMaxDelay
// when unset), jittered.
func (e *Executor) delay(attempt int) time.Duration {
	base := e.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := e.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	if e.Jitter > 0 {
		shift := (rand.Float64()*2 - 1) * e.Jitter
		d = time.Duration(float64(d) * (1 + shift))
	}
	return d
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d without holding any lock, returning early with
// the context error when ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o callOptions) report(s State) {
	if o.onState != nil {
		o.onState(s)
	}
}

func classify(err error) error {
	return apperr.FromRemote(err)
}
