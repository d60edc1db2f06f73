// Package social runs the user-facing operations. Every mutation follows the
// same path: payload validation, then rate-limit admission, then the remote
// call under the retry executor (where the store evaluates the access
// rules), and quota is recorded only once the call succeeded. Failures come
// back as *apperr.Error values.
package social

import (
	"context"
	"log/slog"
	"time"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/directory"
	"github.com/keepsake/backend/internal/docstore"
	"github.com/keepsake/backend/internal/logging"
	"github.com/keepsake/backend/internal/policy"
	"github.com/keepsake/backend/internal/ratelimit"
	"github.com/keepsake/backend/internal/retry"
	"github.com/keepsake/backend/internal/scheduled"
	"github.com/keepsake/backend/internal/storage"
	"github.com/keepsake/backend/internal/validation"
)

// DefaultMaxAttachmentBytes caps attachment uploads when Config leaves it unset.
const DefaultMaxAttachmentBytes = 5 << 20

// Config carries the thresholds the service enforces before calling the store.
type Config struct {
	Policies           ratelimit.Policies
	Rules              scheduled.Rules
	MaxAttachmentBytes int64
}

// Service implements the account, friend, folder, message and directory
// operations on top of an authoritative store.
type Service struct {
	store    docstore.Store
	gate     *validation.Gate
	exec     *retry.Executor
	policies ratelimit.Policies
	rules    scheduled.Rules
	search   *directory.CachingSearcher
	blobs    storage.Blobs
	maxBlob  int64
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithSearcher replaces the default directory cache.
func WithSearcher(search *directory.CachingSearcher) Option {
	return func(s *Service) {
		if search != nil {
			s.search = search
		}
	}
}

// WithBlobs enables folder item attachments.
func WithBlobs(blobs storage.Blobs) Option {
	return func(s *Service) { s.blobs = blobs }
}

// WithNowFunc overrides the clock used for client-side checks.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Service. A nil limiter disables rate limiting and a nil
// executor uses the default retry budget.
func New(store docstore.Store, limiter *ratelimit.Limiter, exec *retry.Executor, cfg Config, opts ...Option) *Service {
	if exec == nil {
		exec = retry.NewExecutor()
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	s := &Service{
		store:    store,
		gate:     validation.NewGate(limiter),
		exec:     exec,
		policies: cfg.Policies,
		rules:    cfg.Rules,
		maxBlob:  cfg.MaxAttachmentBytes,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.search == nil {
		s.search = directory.NewCachingSearcher(store, 0, 0)
	}
	return s
}

// Rules returns the scheduled message thresholds in force.
func (s *Service) Rules() scheduled.Rules { return s.rules }

func caller(uid string) (policy.Caller, error) {
	if uid == "" {
		return policy.Caller{}, apperr.Unauthenticated()
	}
	return policy.User(uid), nil
}

// call runs op under the retry executor inside a span named after the
// operation.
func call[T any](ctx context.Context, s *Service, name string, op func(context.Context) (T, error), opts ...retry.Option) (T, error) {
	ctx, span := logging.StartSpan(ctx, name)
	v, err := retry.Do(ctx, s.exec, name, op, opts...)
	span.End(err)
	return v, err
}

func run(ctx context.Context, s *Service, name string, op func(context.Context) error, opts ...retry.Option) error {
	_, err := call(ctx, s, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// noDuplicateRetry retries transient failures except those reporting that
// the document already exists, so a create whose first attempt committed
// is not repeated.
func noDuplicateRetry(err error) bool {
	return !apperr.Is(err, apperr.KindConflict) && retry.IsRetryable(err)
}

// admit checks every policy before consuming any, so a rejection leaves all
// quotas untouched.
func (s *Service) admit(uid string, ps ...ratelimit.Policy) error {
	for _, p := range ps {
		if err := s.gate.Admit(uid, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) record(uid string, ps ...ratelimit.Policy) {
	for _, p := range ps {
		s.gate.Record(uid, p)
	}
}

func logFailure(ctx context.Context, msg string, err error, attrs ...any) {
	logging.FromContext(ctx).Warn(msg, append(attrs, slog.Any("error", err))...)
}

// Outcome is the eventual result of an operation started with Go.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Go runs fn in its own goroutine and delivers exactly one Outcome on the
// returned channel.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)
	go func() {
		defer close(ch)
		v, err := fn(ctx)
		ch <- Outcome[T]{Value: v, Err: err}
	}()
	return ch
}
