package ingest_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/telemetry-broker/internal/ingest"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/generator"
	"procodus.dev/telemetry-broker/pkg/mq/mock"
)

var _ = Describe("SimulatorDecoder", func() {
	It("should decode a generated frame", func() {
		d := generator.NewDatalogger()
		t := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)
		body, err := d.Frame(t).Encode()
		Expect(err).NotTo(HaveOccurred())

		out, err := ingest.NewSimulatorDecoder(nil).Decode(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out[0].SourceIDs).To(Equal(map[string]any{ingest.SimulatorSerial: d.Serial}))
		Expect(out[0].Name).To(Equal(d.Name))
		Expect(out[0].Timestamp).To(Equal(t))
		Expect(out[0].Location).NotTo(BeNil())
		Expect(out[0].Timeseries).To(HaveLen(4))
		Expect(out[0].Timeseries[0].Name).To(Equal(generator.ReadingBattery))
	})

	It("should reject frames without a serial", func() {
		body, _ := json.Marshal(map[string]any{"readings": map[string]float64{"a": 1}})
		_, err := ingest.NewSimulatorDecoder(nil).Decode(body)
		Expect(envelope.IsDecodeError(err)).To(BeTrue())
	})
})

var _ = Describe("Simulator", func() {
	var (
		db        *memStore
		publisher *mock.MockClient
		ingestor  *ingest.Ingestor
	)

	BeforeEach(func() {
		db = newMemStore()
		publisher = mock.NewMockClient()
		var err error
		ingestor, err = ingest.NewIngestor(&ingest.Config{Logger: testLogger(), Store: db, Publisher: publisher})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should validate its configuration", func() {
		_, err := ingest.NewSimulator(&ingest.SimulatorConfig{Logger: testLogger(), Ingestor: ingestor, Interval: time.Second})
		Expect(err).To(MatchError(ContainSubstring("device count")))
		_, err = ingest.NewSimulator(&ingest.SimulatorConfig{Logger: testLogger(), Ingestor: ingestor, Devices: 1})
		Expect(err).To(MatchError(ContainSubstring("interval")))
		_, err = ingest.NewSimulator(&ingest.SimulatorConfig{Logger: testLogger(), Devices: 1, Interval: time.Second})
		Expect(err).To(MatchError(ContainSubstring("ingestor")))
	})

	It("should ingest a frame per tick until stopped", func() {
		sim, err := ingest.NewSimulator(&ingest.SimulatorConfig{
			Logger:   testLogger(),
			Ingestor: ingestor,
			Devices:  2,
			Interval: 10 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sim.Devices()).To(HaveLen(2))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- sim.Run(ctx) }()

		Eventually(func() int { return len(publisher.Published()) }).Should(BeNumerically(">=", 3))
		cancel()
		Eventually(done).Should(Receive(BeNil()))

		body := publisher.Published()[0]
		env, err := envelope.DecodePhysical(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Timeseries).To(HaveLen(4))

		db.mu.Lock()
		defer db.mu.Unlock()
		Expect(len(db.devices)).To(BeNumerically("<=", 2))
	})
})
