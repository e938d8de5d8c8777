package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes envelopes to an exchange.
type Publisher interface {
	// Push publishes data and waits for the broker to confirm it.
	// The context is used for cancellation and timeout.
	Push(ctx context.Context, data []byte) error
}

// Consumer is the receive side used by delivery workers. Reconnect blocks
// until a connection is established, the context ends or the client is closed.
type Consumer interface {
	Reconnect(ctx context.Context) error

	// Consume delivers messages from the bound queue. The channel closes when
	// the broker channel or connection is lost.
	Consume() (<-chan amqp.Delivery, error)

	Close() error
}

// ClientInterface is the full client surface.
type ClientInterface interface {
	Publisher
	Consumer

	// Connect makes a single connection attempt.
	Connect(ctx context.Context) error

	// UnsafePush publishes without waiting for a confirmation.
	UnsafePush(ctx context.Context, data []byte) error
}

var _ ClientInterface = (*Client)(nil)
