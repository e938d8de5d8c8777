package delivery_test

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// settlement records how a delivery was finished.
type settlement struct {
	Tag     uint64
	Action  string // ack, nack, reject
	Requeue bool
}

// recorder is an amqp.Acknowledger that remembers every settlement.
type recorder struct {
	mu      sync.Mutex
	settled []settlement
}

func (r *recorder) add(s settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, s)
	return nil
}

func (r *recorder) Ack(tag uint64, _ bool) error {
	return r.add(settlement{Tag: tag, Action: "ack"})
}

func (r *recorder) Nack(tag uint64, _ bool, requeue bool) error {
	return r.add(settlement{Tag: tag, Action: "nack", Requeue: requeue})
}

func (r *recorder) Reject(tag uint64, requeue bool) error {
	return r.add(settlement{Tag: tag, Action: "reject", Requeue: requeue})
}

func (r *recorder) Settled() []settlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]settlement(nil), r.settled...)
}

func (r *recorder) delivery(tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: r, DeliveryTag: tag, Body: []byte(body)}
}
