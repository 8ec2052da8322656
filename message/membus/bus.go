// Package membus is an in-process topic bus implementing message.Source and
// message.Sink. It backs single-node deployments and tests.
//
// Each topic is a FIFO queue shared by all sources subscribed to it, so two
// sources on the same topic compete for records. Nak re-enqueues the record
// at the tail of its topic after the requested delay.
package membus

import (
	"context"
	"sync"
	"time"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/message"
)

// Bus is an in-memory set of topic queues
type Bus struct {
	mu      sync.Mutex
	queues  map[string][]message.Record
	signal  chan struct{}
	closed  bool
	clock   func() time.Time
	acked   int64
	nakked  int64
	publish int64
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		queues: make(map[string][]message.Record),
		signal: make(chan struct{}),
		clock:  time.Now,
	}
}

// Publish appends records to their topics. Records without a topic are
// rejected.
func (b *Bus) Publish(_ context.Context, records ...message.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.WrapTransient(errors.ErrShuttingDown, "Bus", "Publish", "publish to closed bus")
	}
	for _, rec := range records {
		if rec.Topic == "" {
			return errors.WrapInvalid(errors.ErrInvalidData, "Bus", "Publish", "record without topic")
		}
	}

	for _, rec := range records {
		if rec.Timestamp.IsZero() {
			rec.Timestamp = b.clock()
		}
		b.queues[rec.Topic] = append(b.queues[rec.Topic], rec)
		b.publish++
	}
	b.notifyLocked()
	return nil
}

// Source returns a message.Source polling the given topics in order
func (b *Bus) Source(topics ...string) *Source {
	return &Source{bus: b, topics: append([]string(nil), topics...)}
}

// Len returns the number of queued records on a topic
func (b *Bus) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[topic])
}

// Drain removes and returns all queued records on a topic
func (b *Bus) Drain(topic string) []message.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queues[topic]
	delete(b.queues, topic)
	return out
}

// Stats returns the number of published, acknowledged and nacked records
func (b *Bus) Stats() (published, acked, nakked int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publish, b.acked, b.nakked
}

// Close wakes all pollers and rejects further publishes
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.signal)
}

// notifyLocked wakes every waiting poller. Caller holds b.mu.
func (b *Bus) notifyLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *Bus) requeue(rec message.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nakked++
	if b.closed {
		return
	}
	b.queues[rec.Topic] = append(b.queues[rec.Topic], rec)
	b.notifyLocked()
}

func (b *Bus) ack() {
	b.mu.Lock()
	b.acked++
	b.mu.Unlock()
}

// Source polls a fixed set of topics on a Bus
type Source struct {
	bus    *Bus
	topics []string
}

var _ message.Source = (*Source)(nil)

// Poll takes up to max records across the source's topics, blocking until at
// least one is available, the bus closes or ctx ends.
func (s *Source) Poll(ctx context.Context, max int) ([]message.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	for {
		s.bus.mu.Lock()
		if s.bus.closed {
			s.bus.mu.Unlock()
			return nil, errors.WrapTransient(errors.ErrShuttingDown, "Source", "Poll", "poll closed bus")
		}

		var out []message.Delivery
		for _, topic := range s.topics {
			queue := s.bus.queues[topic]
			n := max - len(out)
			if n > len(queue) {
				n = len(queue)
			}
			for _, rec := range queue[:n] {
				out = append(out, s.delivery(rec))
			}
			s.bus.queues[topic] = queue[n:]
			if len(out) == max {
				break
			}
		}
		signal := s.bus.signal
		s.bus.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}

func (s *Source) delivery(rec message.Record) message.Delivery {
	var once sync.Once
	ack := func(context.Context) error {
		once.Do(s.bus.ack)
		return nil
	}
	nak := func(ctx context.Context, delay time.Duration) error {
		once.Do(func() {
			if delay <= 0 {
				s.bus.requeue(rec)
				return
			}
			time.AfterFunc(delay, func() { s.bus.requeue(rec) })
		})
		return nil
	}
	return message.NewDelivery(rec, ack, nak)
}
