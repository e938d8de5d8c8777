// Package delivery implements the consume/ack discipline shared by every
// queue consumer, and the delivery writers for logical timeseries.
package delivery

import (
	"context"
	"errors"

	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/mq"
)

// Verdict is a handler's decision about one message.
type Verdict int

const (
	// OK acknowledges the message.
	OK Verdict = iota
	// Retry negatively acknowledges the message and requeues it.
	Retry
	// Fail negatively acknowledges the message without requeueing it.
	Fail
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Message is one delivery as seen by a handler.
type Message struct {
	Body        []byte
	Redelivered bool
}

// Handler decides what happens to each message taken from a queue.
type Handler interface {
	Handle(ctx context.Context, msg Message) Verdict
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) Verdict

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) Verdict {
	return f(ctx, msg)
}

// Classify turns a processing error into a verdict: transient database and
// broker failures are retried, everything else is dropped.
func Classify(err error) Verdict {
	switch {
	case err == nil:
		return OK
	case envelope.IsDecodeError(err):
		return Fail
	case store.IsTransient(err),
		errors.Is(err, mq.ErrMaxRetriesExceeded),
		errors.Is(err, mq.ErrNotConnected),
		errors.Is(err, mq.ErrShutdown):
		return Retry
	}
	return Fail
}
