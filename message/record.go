package message

import (
	"context"
	"time"
)

// Record is a keyed payload addressed to a topic. A nil Value is a valid
// record and is delivered as such.
type Record struct {
	Topic     string
	Key       string
	Value     Payload
	Timestamp time.Time
}

// Delivery is a record handed out by a Source together with its settlement
// callbacks.
type Delivery struct {
	Record Record

	ack      func(ctx context.Context) error
	nak      func(ctx context.Context, delay time.Duration) error
	progress func(ctx context.Context) error
}

// NewDelivery wraps a record with its settlement callbacks. Nil callbacks
// make the corresponding operation a no-op.
func NewDelivery(rec Record, ack func(context.Context) error, nak func(context.Context, time.Duration) error) Delivery {
	return Delivery{Record: rec, ack: ack, nak: nak}
}

// WithProgress returns a copy of d whose InProgress calls fn
func (d Delivery) WithProgress(fn func(context.Context) error) Delivery {
	d.progress = fn
	return d
}

// InProgress tells the source the record is still being worked on, pushing
// back its redelivery. Sources without a redelivery deadline ignore it.
func (d Delivery) InProgress(ctx context.Context) error {
	if d.progress == nil {
		return nil
	}
	return d.progress(ctx)
}

// Ack settles the delivery as processed
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nak asks the source to redeliver the record after delay
func (d Delivery) Nak(ctx context.Context, delay time.Duration) error {
	if d.nak == nil {
		return nil
	}
	return d.nak(ctx, delay)
}

// Source is a pollable stream of deliveries
type Source interface {
	// Poll returns between 1 and max deliveries, blocking until at least one
	// is available or ctx ends.
	Poll(ctx context.Context, max int) ([]Delivery, error)
}

// Sink publishes records and returns once every record is accepted
type Sink interface {
	Publish(ctx context.Context, records ...Record) error
}
