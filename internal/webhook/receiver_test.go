package webhook_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/gorilla/mux"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/telemetry-broker/internal/ingest"
	"procodus.dev/telemetry-broker/internal/webhook"
	"procodus.dev/telemetry-broker/pkg/mq"
	"procodus.dev/telemetry-broker/pkg/mq/mock"
)

var _ = Describe("Receiver", func() {
	var (
		logger    *slog.Logger
		publisher *mock.MockClient
		router    *mux.Router
	)

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError + 4,
		}))
		publisher = mock.NewMockClient()

		r, err := webhook.New(&webhook.Config{
			Logger:       logger,
			Publishers:   map[string]mq.Publisher{"ttn": publisher},
			MaxBodyBytes: 64,
			NewID:        func() string { return "cid-fixed" },
		})
		Expect(err).NotTo(HaveOccurred())
		router = mux.NewRouter()
		r.Routes(router)
	})

	It("should validate its configuration", func() {
		_, err := webhook.New(nil)
		Expect(err).To(HaveOccurred())
		_, err = webhook.New(&webhook.Config{Publishers: map[string]mq.Publisher{"ttn": publisher}})
		Expect(err).To(MatchError(ContainSubstring("logger")))
		_, err = webhook.New(&webhook.Config{Logger: logger})
		Expect(err).To(MatchError(ContainSubstring("publisher")))
	})

	It("should queue the uplink with a correlation id", func() {
		rec := post("/ttn/webhook/up", `{"end_device_ids":{}}`)
		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(rec.Header().Get(webhook.HeaderCorrelationID)).To(Equal("cid-fixed"))

		published := publisher.Published()
		Expect(published).To(HaveLen(1))
		cid, payload, err := ingest.Unwrap(published[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(cid).To(Equal("cid-fixed"))
		Expect(payload).To(MatchJSON(`{"end_device_ids":{}}`))
	})

	It("should reject unknown sources, bad bodies and other methods", func() {
		Expect(post("/other/webhook/up", `{}`).Code).To(Equal(http.StatusNotFound))
		Expect(post("/ttn/webhook/up", `not json`).Code).To(Equal(http.StatusBadRequest))
		Expect(post("/ttn/webhook/up", `{"pad":"`+strings.Repeat("x", 100)+`"}`).Code).
			To(Equal(http.StatusRequestEntityTooLarge))

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ttn/webhook/up", nil))
		Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))

		Expect(publisher.Published()).To(BeEmpty())
	})

	It("should report an unavailable queue", func() {
		publisher.PushError = mq.ErrMaxRetriesExceeded
		Expect(post("/ttn/webhook/up", `{}`).Code).To(Equal(http.StatusServiceUnavailable))
	})
})
