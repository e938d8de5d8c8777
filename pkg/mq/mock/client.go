// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/telemetry-broker/pkg/mq"
)

// MockClient is a mock implementation of mq.ClientInterface.
// It records calls and returns configured values.
type MockClient struct {
	mu sync.Mutex

	// PushFunc is called when Push is invoked. If nil, returns PushError.
	PushFunc func(ctx context.Context, data []byte) error
	// PushError is returned by Push if PushFunc is nil.
	PushError error
	// Pushed holds the payload of every Push call.
	Pushed [][]byte

	// UnsafePushError is returned by UnsafePush.
	UnsafePushError error
	// UnsafePushed holds the payload of every UnsafePush call.
	UnsafePushed [][]byte

	// ConnectError is returned by Connect.
	ConnectError error
	// ConnectCalls tracks the number of times Connect was called.
	ConnectCalls int

	// ReconnectFunc is called when Reconnect is invoked. If nil, returns ReconnectError.
	ReconnectFunc func(ctx context.Context) error
	// ReconnectError is returned by Reconnect if ReconnectFunc is nil.
	ReconnectError error
	// ReconnectCalls tracks the number of times Reconnect was called.
	ReconnectCalls int

	// ConsumeFunc is called when Consume is invoked. If nil, returns ConsumeChannel and ConsumeError.
	ConsumeFunc func() (<-chan amqp.Delivery, error)
	// ConsumeChannel is returned by Consume if ConsumeFunc is nil.
	ConsumeChannel <-chan amqp.Delivery
	// ConsumeError is returned by Consume if ConsumeFunc is nil.
	ConsumeError error
	// ConsumeCalls tracks the number of times Consume was called.
	ConsumeCalls int

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// NewMockClient creates a new MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		ConsumeChannel: make(chan amqp.Delivery),
	}
}

// Push implements mq.Publisher.
func (m *MockClient) Push(ctx context.Context, data []byte) error {
	m.mu.Lock()
	fn, err := m.PushFunc, m.PushError
	m.mu.Unlock()

	if fn != nil {
		err = fn(ctx, data)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.Pushed = append(m.Pushed, append([]byte(nil), data...))
	m.mu.Unlock()
	return nil
}

// UnsafePush implements mq.ClientInterface.
func (m *MockClient) UnsafePush(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UnsafePushError != nil {
		return m.UnsafePushError
	}
	m.UnsafePushed = append(m.UnsafePushed, append([]byte(nil), data...))
	return nil
}

// Connect implements mq.ClientInterface.
func (m *MockClient) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConnectCalls++
	return m.ConnectError
}

// Reconnect implements mq.Consumer.
func (m *MockClient) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.ReconnectCalls++
	fn, err := m.ReconnectFunc, m.ReconnectError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return err
}

// Consume implements mq.Consumer.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	m.ConsumeCalls++
	fn, ch, err := m.ConsumeFunc, m.ConsumeChannel, m.ConsumeError
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return ch, err
}

// Close implements mq.Consumer.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Published returns a copy of the payloads pushed so far.
func (m *MockClient) Published() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, len(m.Pushed))
	copy(out, m.Pushed)
	return out
}

// Counts returns the Reconnect, Consume and Close call counts.
func (m *MockClient) Counts() (reconnects, consumes, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReconnectCalls, m.ConsumeCalls, m.CloseCalls
}

// Reset clears all tracked calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Pushed = nil
	m.UnsafePushed = nil
	m.ConnectCalls = 0
	m.ReconnectCalls = 0
	m.ConsumeCalls = 0
	m.CloseCalls = 0
}

var _ mq.ClientInterface = (*MockClient)(nil)
