package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"procodus.dev/telemetry-broker/internal/delivery"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/logger"
)

// RawExchange returns the fanout exchange push receivers publish a source's
// wrapped payloads to.
func RawExchange(source string) string {
	return source + "_raw"
}

// RawQueue returns the durable queue the ingest worker for source consumes.
func RawQueue(source string) string {
	return source + "_raw_msg_queue"
}

// Wrap builds the raw-exchange message for payload. payload must be JSON.
func Wrap(correlationID string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, envelope.NewDecodeError("payload is not JSON", nil)
	}
	return json.Marshal(map[string]any{
		envelope.KeyCorrelationID: correlationID,
		envelope.KeyRawMessage:    json.RawMessage(payload),
	})
}

// Unwrap splits a raw-exchange message into its correlation id and payload.
func Unwrap(body []byte) (string, []byte, error) {
	var wrapped struct {
		CorrelationID string          `json:"broker_correlation_id"`
		Raw           json.RawMessage `json:"raw_msg"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return "", nil, envelope.NewDecodeError("raw message is not JSON", err)
	}
	if wrapped.CorrelationID == "" {
		return "", nil, envelope.NewDecodeError("raw message has no correlation id", nil)
	}
	if len(wrapped.Raw) == 0 {
		return "", nil, envelope.NewDecodeError("raw message has no payload", nil)
	}
	return wrapped.CorrelationID, wrapped.Raw, nil
}

// RawHandler is the delivery.Handler for a source's raw queue.
type RawHandler struct {
	logger   *slog.Logger
	ingestor *Ingestor
	decoder  Decoder
}

// NewRawHandler creates a handler feeding dec's raw queue into ingestor.
func NewRawHandler(l *slog.Logger, ingestor *Ingestor, dec Decoder) (*RawHandler, error) {
	if l == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}
	if dec == nil {
		return nil, errors.New("decoder cannot be nil")
	}
	return &RawHandler{
		logger:   logger.WithComponent(l, "raw-"+dec.Source()),
		ingestor: ingestor,
		decoder:  dec,
	}, nil
}

// Handle implements delivery.Handler.
func (h *RawHandler) Handle(ctx context.Context, msg delivery.Message) delivery.Verdict {
	cid, payload, err := Unwrap(msg.Body)
	if err != nil {
		h.logger.Error("dropping malformed raw message", "error", err, "raw", string(msg.Body))
		return delivery.Fail
	}

	if _, err := h.ingestor.Ingest(ctx, h.decoder, Inbound{CorrelationID: cid, Payload: payload}); err != nil {
		verdict := delivery.Classify(err)
		logger.WithCorrelationID(h.logger, cid).Error("ingest failed",
			"error", err, "verdict", verdict.String(), "redelivered", msg.Redelivered)
		return verdict
	}
	return delivery.OK
}
