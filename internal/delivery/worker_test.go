package delivery_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/telemetry-broker/internal/delivery"
	"procodus.dev/telemetry-broker/pkg/mq"
	"procodus.dev/telemetry-broker/pkg/mq/mock"
)

var _ = Describe("Worker", func() {
	var (
		logger     *slog.Logger
		client     *mock.MockClient
		ack        *recorder
		deliveries chan amqp.Delivery
		verdicts   map[string]delivery.Verdict
		worker     *delivery.Worker
		result     chan error
		started    bool
	)

	newWorker := func(h delivery.Handler) *delivery.Worker {
		w, err := delivery.NewWorker(&delivery.WorkerConfig{
			Logger:         logger,
			Client:         client,
			Handler:        h,
			Name:           "test",
			ConsumeBackoff: mq.LinearBackoff{Initial: 10 * time.Millisecond, Step: 10 * time.Millisecond, Max: 20 * time.Millisecond},
		})
		Expect(err).NotTo(HaveOccurred())
		return w
	}

	start := func(w *delivery.Worker) {
		started = true
		result = make(chan error, 1)
		go func() { result <- w.Run(context.Background()) }()
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError + 4,
		}))
		started = false
		ack = &recorder{}
		deliveries = make(chan amqp.Delivery, 4)
		client = mock.NewMockClient()
		client.ConsumeChannel = deliveries
		verdicts = map[string]delivery.Verdict{
			"ok":    delivery.OK,
			"retry": delivery.Retry,
			"fail":  delivery.Fail,
		}
		worker = newWorker(delivery.HandlerFunc(func(_ context.Context, msg delivery.Message) delivery.Verdict {
			if string(msg.Body) == "panic" {
				panic("boom")
			}
			return verdicts[string(msg.Body)]
		}))
	})

	AfterEach(func() {
		if !started {
			return
		}
		worker.Stop()
		Eventually(worker.Done()).Should(BeClosed())
	})

	Describe("NewWorker", func() {
		It("should validate its configuration", func() {
			_, err := delivery.NewWorker(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))

			_, err = delivery.NewWorker(&delivery.WorkerConfig{Client: client, Handler: delivery.HandlerFunc(nil), Name: "x"})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))

			_, err = delivery.NewWorker(&delivery.WorkerConfig{Logger: logger, Handler: delivery.HandlerFunc(nil), Name: "x"})
			Expect(err).To(MatchError(ContainSubstring("mq client cannot be nil")))

			_, err = delivery.NewWorker(&delivery.WorkerConfig{Logger: logger, Client: client, Name: "x"})
			Expect(err).To(MatchError(ContainSubstring("handler cannot be nil")))

			_, err = delivery.NewWorker(&delivery.WorkerConfig{Logger: logger, Client: client, Handler: delivery.HandlerFunc(nil)})
			Expect(err).To(MatchError(ContainSubstring("name cannot be empty")))
		})
	})

	Describe("retry delay", func() {
		It("should wait before requeueing a Retry verdict", func() {
			w, err := delivery.NewWorker(&delivery.WorkerConfig{
				Logger:     logger,
				Client:     client,
				Handler:    delivery.HandlerFunc(func(context.Context, delivery.Message) delivery.Verdict { return delivery.Retry }),
				Name:       "delayed",
				RetryDelay: 300 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(w.RetryDelay()).To(Equal(300 * time.Millisecond))
			worker = w
			start(worker)

			deliveries <- ack.delivery(1, "retry")
			Consistently(ack.Settled, 150*time.Millisecond).Should(BeEmpty())
			Eventually(ack.Settled).Should(ConsistOf(settlement{Tag: 1, Action: "nack", Requeue: true}))
		})
	})

	Describe("verdicts", func() {
		BeforeEach(func() {
			start(worker)
		})

		It("should ack on OK", func() {
			deliveries <- ack.delivery(1, "ok")
			Eventually(ack.Settled).Should(ConsistOf(settlement{Tag: 1, Action: "ack"}))
		})

		It("should requeue on Retry", func() {
			deliveries <- ack.delivery(2, "retry")
			Eventually(ack.Settled).Should(ConsistOf(settlement{Tag: 2, Action: "nack", Requeue: true}))
		})

		It("should drop on Fail", func() {
			deliveries <- ack.delivery(3, "fail")
			Eventually(ack.Settled).Should(ConsistOf(settlement{Tag: 3, Action: "nack", Requeue: false}))
		})

		It("should ack and drop a message whose handler panics", func() {
			deliveries <- ack.delivery(4, "panic")
			deliveries <- ack.delivery(5, "ok")
			Eventually(ack.Settled).Should(Equal([]settlement{
				{Tag: 4, Action: "ack"},
				{Tag: 5, Action: "ack"},
			}))
		})

		It("should settle messages in delivery order", func() {
			deliveries <- ack.delivery(1, "ok")
			deliveries <- ack.delivery(2, "fail")
			deliveries <- ack.delivery(3, "retry")
			Eventually(ack.Settled).Should(Equal([]settlement{
				{Tag: 1, Action: "ack"},
				{Tag: 2, Action: "nack"},
				{Tag: 3, Action: "nack", Requeue: true},
			}))
		})
	})

	Describe("shutdown", func() {
		It("should finish the in-flight message and requeue the rest", func() {
			entered := make(chan struct{})
			release := make(chan struct{})
			var handlerCtx context.Context
			worker = newWorker(delivery.HandlerFunc(func(ctx context.Context, msg delivery.Message) delivery.Verdict {
				if string(msg.Body) == "slow" {
					handlerCtx = ctx
					close(entered)
					<-release
				}
				return delivery.OK
			}))
			start(worker)

			deliveries <- ack.delivery(1, "slow")
			Eventually(entered).Should(BeClosed())
			deliveries <- ack.delivery(2, "ok")

			worker.Stop()
			Expect(handlerCtx.Err()).NotTo(HaveOccurred())
			close(release)

			Eventually(result).Should(Receive(BeNil()))
			Expect(ack.Settled()).To(Equal([]settlement{
				{Tag: 1, Action: "ack"},
				{Tag: 2, Action: "reject", Requeue: true},
			}))
			_, _, closes := client.Counts()
			Expect(closes).To(Equal(1))
		})

		It("should stop when its context is canceled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			started = true
			result = make(chan error, 1)
			go func() { result <- worker.Run(ctx) }()

			Eventually(func() int { _, consumes, _ := client.Counts(); return consumes }).Should(Equal(1))
			cancel()
			Eventually(result).Should(Receive(BeNil()))
		})

		It("should not start when stopped before running", func() {
			worker.Stop()
			start(worker)
			Eventually(result).Should(Receive(BeNil()))
			reconnects, consumes, _ := client.Counts()
			Expect(reconnects).To(BeZero())
			Expect(consumes).To(BeZero())
		})
	})

	Describe("connection lifecycle", func() {
		It("should reconnect and resume after the delivery channel closes", func() {
			second := make(chan amqp.Delivery, 1)
			calls := 0
			client.ConsumeFunc = func() (<-chan amqp.Delivery, error) {
				calls++
				if calls == 1 {
					return deliveries, nil
				}
				return second, nil
			}
			start(worker)

			close(deliveries)
			second <- ack.delivery(7, "ok")

			Eventually(ack.Settled).Should(ConsistOf(settlement{Tag: 7, Action: "ack"}))
			reconnects, _, _ := client.Counts()
			Expect(reconnects).To(BeNumerically(">=", 2))
		})

		It("should back off and retry when consuming fails", func() {
			calls := 0
			client.ConsumeFunc = func() (<-chan amqp.Delivery, error) {
				calls++
				if calls < 3 {
					return nil, errors.New("queue not found")
				}
				return deliveries, nil
			}
			start(worker)

			deliveries <- ack.delivery(9, "ok")
			Eventually(ack.Settled).Should(ConsistOf(settlement{Tag: 9, Action: "ack"}))
			_, consumes, _ := client.Counts()
			Expect(consumes).To(Equal(3))
		})

		It("should exit when the client reports shutdown", func() {
			client.ReconnectError = mq.ErrShutdown
			start(worker)
			Eventually(result).Should(Receive(BeNil()))
		})
	})
})

var _ = Describe("Classify", func() {
	It("should map errors to verdicts", func() {
		Expect(delivery.Classify(nil)).To(Equal(delivery.OK))
		Expect(delivery.Classify(mq.ErrMaxRetriesExceeded)).To(Equal(delivery.Retry))
		Expect(delivery.Classify(errors.New("unexpected"))).To(Equal(delivery.Fail))
	})

	It("should name verdicts", func() {
		Expect(delivery.OK.String()).To(Equal("ok"))
		Expect(delivery.Retry.String()).To(Equal("retry"))
		Expect(delivery.Fail.String()).To(Equal("fail"))
	})
})
