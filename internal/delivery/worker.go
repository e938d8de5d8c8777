package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/telemetry-broker/pkg/metrics"
	"procodus.dev/telemetry-broker/pkg/mq"
)

// WorkerConfig holds the configuration for a Worker.
type WorkerConfig struct {
	Logger  *slog.Logger
	Client  mq.Consumer
	Handler Handler
	Metrics *metrics.WorkerMetrics
	Name    string
	// RetryDelay is waited before a Retry verdict requeues a message.
	RetryDelay time.Duration
	// ConsumeBackoff paces attempts to start consuming after a failure.
	ConsumeBackoff mq.LinearBackoff
}

// Worker runs a single blocking consume loop against one queue. It holds at
// most one unacknowledged message, reconnects after the channel is lost and
// stops taking new work once Stop is called or its context ends.
type Worker struct {
	logger         *slog.Logger
	client         mq.Consumer
	handler        Handler
	metrics        *metrics.WorkerMetrics
	name           string
	retryDelay     time.Duration
	consumeBackoff mq.LinearBackoff

	keepRunning atomic.Bool
	m           sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewWorker creates a Worker.
func NewWorker(cfg *WorkerConfig) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("worker config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if cfg.Name == "" {
		return nil, errors.New("worker name cannot be empty")
	}

	backoff := cfg.ConsumeBackoff
	if backoff == (mq.LinearBackoff{}) {
		backoff = mq.DefaultReconnectBackoff
	}

	w := &Worker{
		logger:         cfg.Logger.With("worker", cfg.Name),
		client:         cfg.Client,
		handler:        cfg.Handler,
		metrics:        cfg.Metrics,
		name:           cfg.Name,
		retryDelay:     cfg.RetryDelay,
		consumeBackoff: backoff,
		done:           make(chan struct{}),
	}
	w.keepRunning.Store(true)
	return w, nil
}

// RetryDelay returns the wait before a Retry verdict requeues a message.
func (w *Worker) RetryDelay() time.Duration {
	return w.retryDelay
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stop asks the worker to finish the in-flight message and exit. Messages
// that arrive after Stop are rejected with requeue.
func (w *Worker) Stop() {
	w.keepRunning.Store(false)

	w.m.Lock()
	cancel := w.cancel
	w.m.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run consumes until Stop is called or ctx ends, then closes the client.
// Handlers run with a context that is not canceled by shutdown, so an
// in-flight database write is allowed to complete.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.m.Lock()
	w.cancel = cancel
	w.m.Unlock()

	if w.metrics != nil {
		w.metrics.ActiveWorkers.Inc()
		defer w.metrics.ActiveWorkers.Dec()
	}

	handlerCtx := context.WithoutCancel(runCtx)
	w.logger.Info("worker started")

	failures := 0
	for w.keepRunning.Load() {
		if err := w.client.Reconnect(runCtx); err != nil {
			if runCtx.Err() != nil || errors.Is(err, mq.ErrShutdown) {
				break
			}
			return fmt.Errorf("worker %s: reconnect: %w", w.name, err)
		}

		deliveries, err := w.client.Consume()
		if err != nil {
			delay := w.consumeBackoff.Delay(failures)
			failures++
			w.logger.Error("failed to start consuming", "error", err, "delay", delay)
			if !w.sleep(runCtx, delay) {
				break
			}
			continue
		}
		failures = 0

		w.logger.Info("consuming")
		w.consume(runCtx, handlerCtx, deliveries)
	}

	w.keepRunning.Store(false)
	if err := w.client.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
		w.logger.Warn("failed to close mq client", "error", err)
	}
	w.logger.Info("worker stopped")
	return nil
}

// consume handles deliveries until the channel closes or the worker stops.
func (w *Worker) consume(runCtx, handlerCtx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-runCtx.Done():
			w.keepRunning.Store(false)
			w.rejectPending(deliveries)
			return

		case d, ok := <-deliveries:
			if !ok {
				if w.keepRunning.Load() {
					w.logger.Warn("delivery channel closed, reconnecting")
				}
				return
			}

			if !w.keepRunning.Load() {
				w.reject(d)
				continue
			}

			w.handle(runCtx, handlerCtx, d)
		}
	}
}

// rejectPending requeues whatever was already prefetched.
func (w *Worker) rejectPending(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.reject(d)
		default:
			return
		}
	}
}

func (w *Worker) reject(d amqp.Delivery) {
	if err := d.Reject(true); err != nil {
		w.logger.Error("failed to reject message", "error", err)
	}
	if w.metrics != nil {
		w.metrics.Rejected.WithLabelValues(w.name).Inc()
	}
}

func (w *Worker) handle(runCtx, handlerCtx context.Context, d amqp.Delivery) {
	start := time.Now()
	verdict, panicked := w.invoke(handlerCtx, d)

	var err error
	label := verdict.String()
	switch {
	case panicked:
		// A message that crashes its handler is dropped instead of being
		// redelivered forever.
		label = "panic"
		err = d.Ack(false)
	case verdict == OK:
		err = d.Ack(false)
	case verdict == Retry:
		if w.retryDelay > 0 {
			w.sleep(runCtx, w.retryDelay)
		}
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		w.logger.Error("failed to settle message", "verdict", label, "error", err)
	}

	if w.metrics != nil {
		w.metrics.Messages.WithLabelValues(w.name, label).Inc()
		w.metrics.ProcessingDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
		if panicked {
			w.metrics.Panics.WithLabelValues(w.name).Inc()
		}
	}
}

func (w *Worker) invoke(ctx context.Context, d amqp.Delivery) (verdict Verdict, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked, dropping message",
				"panic", fmt.Sprint(r),
				"raw", string(d.Body),
				"stack", string(debug.Stack()))
			verdict, panicked = OK, true
		}
	}()

	return w.handler.Handle(ctx, Message{Body: d.Body, Redelivered: d.Redelivered}), false
}

// sleep waits for d and reports false if ctx ended first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
