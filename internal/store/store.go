package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"procodus.dev/telemetry-broker/pkg/metrics"
)

// DefaultRetryWindow bounds how long an operation keeps retrying after
// connection errors.
const DefaultRetryWindow = 30 * time.Second

// Store runs every logical operation in its own transaction and retries
// the whole operation while the database is unreachable.
type Store struct {
	db          *gorm.DB
	logger      *slog.Logger
	metrics     *metrics.StoreMetrics
	retryWindow time.Duration
	now         func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithRetryWindow overrides DefaultRetryWindow. Zero disables retries.
func WithRetryWindow(d time.Duration) Option {
	return func(s *Store) { s.retryWindow = d }
}

// WithClock overrides the time source used for mapping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics attaches store metrics.
func WithMetrics(m *metrics.StoreMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New wraps an open database.
func New(db *gorm.DB, logger *slog.Logger, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	s := &Store{
		db:          db,
		logger:      logger,
		retryWindow: DefaultRetryWindow,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// run executes fn with connection-error retries. fn must be safe to repeat,
// which holds when it does all of its writes inside one transaction.
func (s *Store) run(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	start := time.Now()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = s.retryWindow

	var b backoff.BackOff = eb
	if s.retryWindow <= 0 {
		b = &backoff.StopBackOff{}
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 && s.metrics != nil {
			s.metrics.Retries.WithLabelValues(op).Inc()
		}

		err := translate(fn(s.db.WithContext(ctx)))
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			s.logger.Warn("database unavailable, retrying", "operation", op, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))

	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.Operations.WithLabelValues(op, status).Inc()
		s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return err
}

// jsonEqual compares two JSON-able values by their encoding, so that an int
// and the float64 read back from jsonb compare equal.
func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

func locationEqual(a, b *Location) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
