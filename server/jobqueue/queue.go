// Package jobqueue is the durable, at-least-once channel that carries
// replication jobs from the producer to the worker pool.
//
// A received delivery stays leased until it is acked. If the worker dies or
// the lease (visibility timeout) runs out, RequeueExpired hands the message
// back to pending so another worker picks it up. Consumers must therefore be
// idempotent.
package jobqueue

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseExpired is returned by Ack and Release when the delivery's lease
// ran out and the message was handed back to the queue. The current holder,
// if any, owns the message.
var ErrLeaseExpired = errors.New("lease expired")

// Delivery is one received message.
type Delivery struct {
	ID         string
	Body       []byte
	EnqueuedAt time.Time
	// Deliveries counts how many times the message has been received,
	// including this one.
	Deliveries int

	// ref is the lease token. It changes on every delivery, so a holder
	// whose lease expired cannot settle the message for the next one.
	ref string
}

// Stats is a snapshot of queue depth.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

// Queue is implemented by the redis and disk drivers.
type Queue interface {
	// Publish appends body to the queue.
	Publish(ctx context.Context, body []byte) error
	// Receive leases the oldest pending message, or returns nil, nil when
	// the queue is empty.
	Receive(ctx context.Context) (*Delivery, error)
	// Ack removes a leased message permanently. It returns ErrLeaseExpired
	// when d no longer holds the lease.
	Ack(ctx context.Context, d *Delivery) error
	// Release returns a leased message to the head of the queue. It returns
	// ErrLeaseExpired when d no longer holds the lease.
	Release(ctx context.Context, d *Delivery) error
	// RequeueExpired returns messages whose lease has run out.
	RequeueExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// envelope is the stored form of a message.
type envelope struct {
	ID         string    `json:"id"`
	Body       []byte    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Deliveries int       `json:"deliveries,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`
}

// DepthReporter adapts a Queue to the metrics collector.
type DepthReporter struct {
	Queue Queue
}

func (r DepthReporter) Depth(ctx context.Context) (int64, int64, error) {
	s, err := r.Queue.Stats(ctx)
	if err != nil {
		return 0, 0, err
	}
	return s.Pending, s.Processing, nil
}
