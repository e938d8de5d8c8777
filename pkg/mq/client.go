// Package mq provides a RabbitMQ client for fanout exchanges with durable,
// named consumer queues. Connection management is explicit: callers drive
// Connect/Reconnect from their own loop instead of reacting to callbacks.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/telemetry-broker/pkg/metrics"
)

const (
	// Initial backoff delay for Push retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Push retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	defaultExchangeKind = amqp.ExchangeFanout
	defaultPrefetch     = 1
)

var (
	ErrNotConnected       = errors.New("not connected to a server")
	ErrAlreadyClosed      = errors.New("already closed: not connected to the server")
	ErrShutdown           = errors.New("client is shutting down")
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	ErrNoQueue            = errors.New("no queue configured for consuming")
)

// LinearBackoff grows the reconnect delay by Step after every failed attempt,
// starting at Initial and never exceeding Max.
type LinearBackoff struct {
	Initial time.Duration
	Step    time.Duration
	Max     time.Duration
}

// DefaultReconnectBackoff waits 10s, 20s, 30s ... up to a minute between
// connection attempts.
var DefaultReconnectBackoff = LinearBackoff{
	Initial: 10 * time.Second,
	Step:    10 * time.Second,
	Max:     60 * time.Second,
}

// Delay returns the wait before attempt number attempt (zero based).
func (b LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Initial + time.Duration(attempt)*b.Step
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Config describes the broker topology a client works against.
type Config struct {
	URL string
	// Exchange is declared durable on every connect. Messages are published to it.
	Exchange string
	// ExchangeKind defaults to fanout.
	ExchangeKind string
	// Queue, when set, is declared durable and bound to Exchange. Required for Consume.
	Queue string
	// Prefetch is the number of unacknowledged deliveries a consumer may hold.
	Prefetch int
	// Reconnect controls the delay between failed connection attempts.
	Reconnect LinearBackoff
}

// Client is a RabbitMQ client bound to a single exchange and, optionally,
// a single consumer queue.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	cfg             Config
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	closed          bool
	isReady         bool
	metrics         *metrics.MQMetrics // Optional metrics
}

// New creates a client. It does not connect; call Connect or Reconnect.
func New(cfg Config, l *slog.Logger) (*Client, error) {
	if l == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("exchange name cannot be empty")
	}
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = defaultExchangeKind
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.Reconnect == (LinearBackoff{}) {
		cfg.Reconnect = DefaultReconnectBackoff
	}

	return &Client{
		m:      &sync.Mutex{},
		logger: l.With("exchange", cfg.Exchange, "queue", cfg.Queue),
		cfg:    cfg,
		done:   make(chan struct{}),
	}, nil
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics = m
}

// Exchange returns the exchange this client publishes to.
func (client *Client) Exchange() string {
	return client.cfg.Exchange
}

// Queue returns the consumer queue name, if any.
func (client *Client) Queue() string {
	return client.cfg.Queue
}

// IsReady reports whether the client holds an initialized channel.
func (client *Client) IsReady() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// Connect makes a single attempt to dial the broker, open a confirm-mode
// channel and declare the topology. Any previous connection is discarded.
func (client *Client) Connect(_ context.Context) error {
	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		return ErrShutdown
	}
	client.teardownLocked()

	conn, err := amqp.Dial(client.cfg.URL)
	if err != nil {
		client.setConnectionStatus(0)
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := client.init(conn)
	if err != nil {
		_ = conn.Close()
		client.setConnectionStatus(0)
		return err
	}

	notifyConnClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	notifyChanClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	go client.watch(ch, notifyConnClose, notifyChanClose)

	client.connection = conn
	client.channel = ch
	client.isReady = true
	client.setConnectionStatus(1)
	client.logger.Info("connected")
	return nil
}

// watch marks the client not ready once ch or its connection closes, so the
// next Push reconnects and consumers see IsReady turn false.
func (client *Client) watch(ch *amqp.Channel, connClose, chanClose <-chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connClose:
	case reason = <-chanClose:
	}

	client.m.Lock()
	current := client.channel == ch
	if current {
		client.isReady = false
	}
	client.m.Unlock()
	if !current {
		return
	}

	client.setConnectionStatus(0)
	if reason != nil {
		client.logger.Warn("connection lost", "error", reason)
	}
}

// init opens a channel and declares the exchange and, when configured,
// the durable consumer queue bound to it.
func (client *Client) init(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	if err := ch.ExchangeDeclare(
		client.cfg.Exchange,
		client.cfg.ExchangeKind,
		true,  // Durable
		false, // Auto-delete
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", client.cfg.Exchange, err)
	}

	if client.cfg.Queue == "" {
		return ch, nil
	}

	if _, err := ch.QueueDeclare(
		client.cfg.Queue,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", client.cfg.Queue, err)
	}

	if err := ch.QueueBind(client.cfg.Queue, "", client.cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s: %w", client.cfg.Queue, err)
	}

	if err := ch.Qos(client.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return ch, nil
}

// Reconnect calls Connect until it succeeds, waiting a linearly growing
// delay between attempts. It returns early when ctx is done or the client
// is closed.
func (client *Client) Reconnect(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		err := client.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrShutdown) {
			return err
		}

		delay := client.cfg.Reconnect.Delay(attempt)
		client.logger.Error("failed to connect, retrying", "error", err, "attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return ErrShutdown
		case <-time.After(delay):
		}
	}
}

// Push publishes data to the exchange and waits for the broker to confirm it.
// Every publish waits on its own confirmation, so concurrent callers never
// see each other's acks and an abandoned confirmation blocks nobody.
// When the client is not connected it reconnects, retrying with exponential
// backoff. After maxRetryAttempts failed attempts, returns ErrMaxRetriesExceeded.
func (client *Client) Push(ctx context.Context, data []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PublishDuration.WithLabelValues(client.cfg.Exchange))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for retryCount := 0; ; retryCount++ {
		if retryCount >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "retry_count", retryCount)
			client.publishFailed("max_retries_exceeded")
			return ErrMaxRetriesExceeded
		}

		if retryCount > 0 {
			select {
			case <-ctx.Done():
				client.publishFailed("context_canceled")
				return ctx.Err()
			case <-client.done:
				return ErrShutdown
			case <-time.After(backoff):
			}
			backoff *= backoffMultiplier
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if !client.IsReady() {
			if err := client.Connect(ctx); err != nil {
				if errors.Is(err, ErrShutdown) {
					return err
				}
				client.logger.Warn("not connected, retrying publish", "error", err, "retry_count", retryCount)
				continue
			}
		}

		confirmed, err := client.publishAndConfirm(ctx, data)
		if err != nil {
			if ctx.Err() != nil {
				client.publishFailed("context_canceled")
				return ctx.Err()
			}
			client.logger.Error("publish failed, retrying", "error", err, "retry_count", retryCount)
			continue
		}
		if !confirmed {
			client.logger.Warn("publish not acknowledged, retrying", "retry_count", retryCount)
			continue
		}

		if client.metrics != nil {
			client.metrics.MessagesPublished.WithLabelValues(client.cfg.Exchange).Inc()
		}
		client.logger.Debug("publish confirmed", "retry_count", retryCount)
		return nil
	}
}

func (client *Client) publishAndConfirm(ctx context.Context, data []byte) (bool, error) {
	confirm, err := client.publish(ctx, data)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrNotConnected) {
			client.markNotReady()
		}
		return false, err
	}
	if confirm == nil {
		return true, nil
	}

	// A closing channel releases every outstanding confirmation as a nack.
	return confirm.WaitContext(ctx)
}

// UnsafePush publishes to the exchange without waiting for a confirmation.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	_, err := client.publish(ctx, data)
	return err
}

func (client *Client) publish(ctx context.Context, data []byte) (*amqp.DeferredConfirmation, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithDeferredConfirmWithContext(
		ctx,
		client.cfg.Exchange,
		"",    // Routing key, ignored by fanout exchanges
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         data,
		},
	)
}

// Consume starts delivering messages from the configured queue. Auto-ack is
// off: every delivery must be acked, nacked or rejected by the caller. The
// returned channel is closed when the underlying channel or connection closes.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	if client.cfg.Queue == "" {
		return nil, ErrNoQueue
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	deliveries, err := ch.Consume(
		client.cfg.Queue,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		client.markNotReady()
		return nil, fmt.Errorf("consume %s: %w", client.cfg.Queue, err)
	}
	return deliveries, nil
}

// Close shuts down the channel and connection. Further Connect calls fail
// with ErrShutdown.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		return ErrAlreadyClosed
	}
	client.closed = true
	close(client.done)

	if !client.isReady && client.connection == nil {
		return ErrAlreadyClosed
	}

	var closeErr error
	if client.channel != nil {
		if err := client.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = err
		}
	}
	if client.connection != nil {
		if err := client.connection.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = errors.Join(closeErr, err)
		}
	}
	client.channel = nil
	client.connection = nil
	client.isReady = false
	client.setConnectionStatus(0)
	client.logger.Info("connection closed")

	return closeErr
}

func (client *Client) markNotReady() {
	client.m.Lock()
	client.isReady = false
	client.m.Unlock()
	client.setConnectionStatus(0)
}

// teardownLocked drops a previous connection before reconnecting.
func (client *Client) teardownLocked() {
	if client.connection != nil && !client.connection.IsClosed() {
		_ = client.connection.Close()
	}
	client.connection = nil
	client.channel = nil
	client.isReady = false
}

func (client *Client) setConnectionStatus(v float64) {
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(v)
	}
}

func (client *Client) publishFailed(reason string) {
	if client.metrics != nil {
		client.metrics.PublishFailures.WithLabelValues(client.cfg.Exchange, reason).Inc()
	}
}
