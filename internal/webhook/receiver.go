// Package webhook receives push uplinks over HTTP and forwards each one,
// stamped with a fresh correlation id, to its source's raw exchange.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"procodus.dev/telemetry-broker/internal/ingest"
	"procodus.dev/telemetry-broker/pkg/logger"
	"procodus.dev/telemetry-broker/pkg/metrics"
	"procodus.dev/telemetry-broker/pkg/mq"
)

// DefaultMaxBodyBytes limits the size of an uplink.
const DefaultMaxBodyBytes = 1 << 20

// HeaderCorrelationID carries the assigned correlation id in responses.
const HeaderCorrelationID = "X-Correlation-Id"

// Config holds the configuration for a Receiver.
type Config struct {
	Logger *slog.Logger
	// Publishers maps a source name to a publisher bound to its raw exchange.
	Publishers   map[string]mq.Publisher
	MaxBodyBytes int64
	// PublishTimeout bounds the confirmed publish of one uplink.
	PublishTimeout time.Duration
	Metrics        *metrics.IngestMetrics
	// NewID generates correlation ids; nil means uuid.NewString.
	NewID func() string
}

// Receiver handles POST /{source}/webhook/up.
type Receiver struct {
	logger         *slog.Logger
	publishers     map[string]mq.Publisher
	maxBodyBytes   int64
	publishTimeout time.Duration
	metrics        *metrics.IngestMetrics
	newID          func() string
}

// New creates a Receiver.
func New(cfg *Config) (*Receiver, error) {
	if cfg == nil {
		return nil, errors.New("webhook config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if len(cfg.Publishers) == 0 {
		return nil, errors.New("at least one source publisher is required")
	}

	r := &Receiver{
		logger:         logger.WithComponent(cfg.Logger, "webhook"),
		publishers:     cfg.Publishers,
		maxBodyBytes:   cfg.MaxBodyBytes,
		publishTimeout: cfg.PublishTimeout,
		metrics:        cfg.Metrics,
		newID:          cfg.NewID,
	}
	if r.maxBodyBytes <= 0 {
		r.maxBodyBytes = DefaultMaxBodyBytes
	}
	if r.publishTimeout <= 0 {
		r.publishTimeout = 10 * time.Second
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r, nil
}

// Routes registers the receiver's routes on router.
func (r *Receiver) Routes(router *mux.Router) {
	router.HandleFunc("/{source}/webhook/up", r.handleUplink).Methods(http.MethodPost)
}

func (r *Receiver) handleUplink(w http.ResponseWriter, req *http.Request) {
	source := mux.Vars(req)["source"]
	pub, ok := r.publishers[source]
	if !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	cid := r.newID()
	log := logger.WithCorrelationID(r.logger, cid).With(logger.KeySource, source)

	wrapped, err := ingest.Wrap(cid, body)
	if err != nil {
		log.Warn("rejecting uplink", "error", err)
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.publishTimeout)
	defer cancel()
	if err := pub.Push(ctx, wrapped); err != nil {
		log.Error("failed to queue uplink", "error", err, "raw", string(body))
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	if r.metrics != nil {
		r.metrics.MessagesReceived.WithLabelValues(source).Inc()
	}
	log.Debug("uplink queued")
	w.Header().Set(HeaderCorrelationID, cid)
	w.WriteHeader(http.StatusNoContent)
}
