package mapper_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/telemetry-broker/internal/delivery"
	"procodus.dev/telemetry-broker/internal/mapper"
	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/mq"
	"procodus.dev/telemetry-broker/pkg/mq/mock"
)

var _ = Describe("Mapper", func() {
	var (
		ctx       context.Context
		logger    *slog.Logger
		db        *memStore
		publisher *mock.MockClient
		ts        time.Time
	)

	newMapper := func(autoCreate bool) *mapper.Mapper {
		m, err := mapper.New(&mapper.Config{
			Logger:            logger,
			Store:             db,
			Publisher:         publisher,
			AutoCreateLogical: autoCreate,
		})
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	reading := func(puid int64, cid string) delivery.Message {
		env := &envelope.Physical{
			CorrelationID: cid,
			PhysicalUID:   puid,
			Timestamp:     ts,
			Timeseries:    []envelope.Point{{Name: "temp", Value: 20.5}},
		}
		body, err := env.Encode()
		Expect(err).NotTo(HaveOccurred())
		return delivery.Message{Body: body}
	}

	published := func() []*envelope.Logical {
		var out []*envelope.Logical
		for _, body := range publisher.Published() {
			l, err := envelope.DecodeLogical(body)
			Expect(err).NotTo(HaveOccurred())
			out = append(out, l)
		}
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError + 4,
		}))
		db = newMemStore()
		publisher = mock.NewMockClient()
		ts = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

		db.physical[1] = &store.PhysicalDevice{UID: 1, Name: "p1", SourceName: "X",
			Location: &store.Location{Lat: -27.5, Long: 153.0}}
		db.logical[10] = &store.LogicalDevice{UID: 10, Name: "l1"}
	})

	Describe("New", func() {
		It("should validate its configuration", func() {
			_, err := mapper.New(nil)
			Expect(err).To(HaveOccurred())
			_, err = mapper.New(&mapper.Config{Store: db, Publisher: publisher})
			Expect(err).To(MatchError(ContainSubstring("logger")))
			_, err = mapper.New(&mapper.Config{Logger: logger, Publisher: publisher})
			Expect(err).To(MatchError(ContainSubstring("store")))
			_, err = mapper.New(&mapper.Config{Logger: logger, Store: db})
			Expect(err).To(MatchError(ContainSubstring("publisher")))
		})
	})

	It("should follow a device through map, unmap", func() {
		m := newMapper(false)

		By("dropping readings from an unmapped device")
		Expect(m.Handle(ctx, reading(1, "c-1"))).To(Equal(delivery.OK))
		Expect(published()).To(BeEmpty())

		By("forwarding once an operator maps the device")
		Expect(db.InsertMapping(ctx, &store.Mapping{PhysicalUID: 1, LogicalUID: 10})).To(Succeed())
		Expect(m.Handle(ctx, reading(1, "c-2"))).To(Equal(delivery.OK))
		out := published()
		Expect(out).To(HaveLen(1))
		Expect(out[0].LogicalUID).To(Equal(int64(10)))
		Expect(out[0].PhysicalUID).To(Equal(int64(1)))
		Expect(out[0].CorrelationID).To(Equal("c-2"))
		Expect(out[0].Timeseries).To(Equal([]envelope.Point{{Name: "temp", Value: 20.5}}))
		Expect(db.touched).To(HaveKeyWithValue(int64(10), ts))

		By("dropping readings again after the mapping ends")
		db.endMapping(1)
		Expect(m.Handle(ctx, reading(1, "c-3"))).To(Equal(delivery.OK))
		Expect(published()).To(HaveLen(1))
	})

	It("should drop envelopes that fail validation", func() {
		m := newMapper(false)
		Expect(m.Handle(ctx, delivery.Message{Body: []byte(`{"p_uid":"one"}`)})).To(Equal(delivery.Fail))
		Expect(m.Handle(ctx, delivery.Message{Body: []byte(`{`)})).To(Equal(delivery.Fail))
	})

	It("should retry when the database is unreachable", func() {
		db.currentErr = fmt.Errorf("current mapping: %w", store.ErrConnection)
		Expect(newMapper(false).Handle(ctx, reading(1, "c-1"))).To(Equal(delivery.Retry))
	})

	It("should retry when publishing fails", func() {
		Expect(db.InsertMapping(ctx, &store.Mapping{PhysicalUID: 1, LogicalUID: 10})).To(Succeed())
		publisher.PushError = fmt.Errorf("push: %w", mq.ErrMaxRetriesExceeded)
		Expect(newMapper(false).Handle(ctx, reading(1, "c-1"))).To(Equal(delivery.Retry))
	})

	Describe("auto-creating logical devices", func() {
		It("should create and map a logical device for a never-mapped device", func() {
			m := newMapper(true)
			Expect(m.Handle(ctx, reading(1, "c-new"))).To(Equal(delivery.OK))

			out := published()
			Expect(out).To(HaveLen(1))
			ld := db.logical[out[0].LogicalUID]
			Expect(ld).NotTo(BeNil())
			Expect(ld.Name).To(Equal("p1"))
			Expect(ld.Location).To(Equal(db.physical[1].Location))
			Expect(ld.Properties).To(HaveKeyWithValue(store.PropCreationCorrelationID, "c-new"))

			current, err := db.CurrentMapping(ctx, store.ByPhysical(1))
			Expect(err).NotTo(HaveOccurred())
			Expect(current.LogicalUID).To(Equal(ld.UID))

			By("reusing the mapping for later readings")
			Expect(m.Handle(ctx, reading(1, "c-next"))).To(Equal(delivery.OK))
			Expect(db.logical).To(HaveLen(2))
			Expect(published()).To(HaveLen(2))
		})

		It("should leave a deliberately unmapped device unmapped", func() {
			Expect(db.InsertMapping(ctx, &store.Mapping{PhysicalUID: 1, LogicalUID: 10})).To(Succeed())
			db.endMapping(1)

			Expect(newMapper(true).Handle(ctx, reading(1, "c-1"))).To(Equal(delivery.OK))
			Expect(published()).To(BeEmpty())
			Expect(db.logical).To(HaveLen(1))
		})

		It("should drop readings for unknown physical devices", func() {
			Expect(newMapper(true).Handle(ctx, reading(42, "c-1"))).To(Equal(delivery.Fail))
		})

		It("should retry when another mapper mapped the device first", func() {
			db.insertErr = fmt.Errorf("insert: %w", store.ErrAlreadyMapped)
			Expect(newMapper(true).Handle(ctx, reading(1, "c-1"))).To(Equal(delivery.Retry))
			Expect(published()).To(BeEmpty())
		})
	})

	It("should not hide unexpected errors as retries", func() {
		db.currentErr = errors.New("syntax error")
		Expect(newMapper(false).Handle(ctx, reading(1, "c-1"))).To(Equal(delivery.Fail))
	})
})
