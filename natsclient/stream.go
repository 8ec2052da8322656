package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/message"
)

// StreamSink publishes records to JetStream, one subject per record topic
type StreamSink struct {
	client *Client
	codec  *message.Codec
}

var _ message.Sink = (*StreamSink)(nil)

// NewStreamSink creates a sink publishing through client
func NewStreamSink(client *Client, codec *message.Codec) *StreamSink {
	return &StreamSink{client: client, codec: codec}
}

// Publish sends all records asynchronously and waits for every ack
func (s *StreamSink) Publish(ctx context.Context, records ...message.Record) error {
	js, err := s.client.ready()
	if err != nil {
		return errors.WrapTransient(err, "StreamSink", "Publish", "check connection")
	}

	futures := make([]jetstream.PubAckFuture, 0, len(records))
	for _, rec := range records {
		data, err := s.codec.Encode(rec)
		if err != nil {
			return err
		}
		fut, err := js.PublishAsync(rec.Topic, data)
		if err != nil {
			s.client.recordFailure()
			return errors.WrapTransient(err, "StreamSink", "Publish", fmt.Sprintf("publish to %s", rec.Topic))
		}
		futures = append(futures, fut)
	}

	for _, fut := range futures {
		select {
		case <-fut.Ok():
		case err := <-fut.Err():
			s.client.recordFailure()
			return errors.WrapTransient(err, "StreamSink", "Publish",
				fmt.Sprintf("await ack from %s", fut.Msg().Subject))
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "StreamSink", "Publish", "await acks")
		}
	}

	s.client.resetCircuit()
	return nil
}

// SourceConfig configures a durable pull consumer
type SourceConfig struct {
	Stream        string
	Durable       string
	Subjects      []string
	AckWait       time.Duration
	MaxAckPending int
	PollWait      time.Duration
}

// StreamSource polls a durable JetStream pull consumer
type StreamSource struct {
	consumer jetstream.Consumer
	codec    *message.Codec
	pollWait time.Duration
	logger   *slog.Logger
}

var _ message.Source = (*StreamSource)(nil)

// NewStreamSource creates or updates the durable consumer described by cfg
func NewStreamSource(ctx context.Context, client *Client, codec *message.Codec, cfg SourceConfig) (*StreamSource, error) {
	js, err := client.ready()
	if err != nil {
		return nil, err
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = time.Second
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:        cfg.Durable,
		FilterSubjects: cfg.Subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        cfg.AckWait,
		MaxAckPending:  cfg.MaxAckPending,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		client.recordFailure()
		return nil, errors.WrapTransient(err, "StreamSource", "NewStreamSource",
			fmt.Sprintf("create consumer %s on %s", cfg.Durable, cfg.Stream))
	}

	return &StreamSource{
		consumer: consumer,
		codec:    codec,
		pollWait: cfg.PollWait,
		logger:   client.logger.With("stream", cfg.Stream, "consumer", cfg.Durable),
	}, nil
}

// Poll fetches up to max records, waiting until at least one arrives or ctx
// ends. Records that cannot be decoded are terminated and skipped.
func (s *StreamSource) Poll(ctx context.Context, max int) ([]message.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := s.consumer.Fetch(max, jetstream.FetchMaxWait(s.pollWait))
		if err != nil {
			return nil, errors.WrapTransient(err, "StreamSource", "Poll", "fetch")
		}

		var out []message.Delivery
		for msg := range batch.Messages() {
			if d, ok := s.delivery(msg); ok {
				out = append(out, d)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
		if err := batch.Error(); err != nil && !isEmptyFetch(err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.WrapTransient(err, "StreamSource", "Poll", "read batch")
		}
	}
}

// isEmptyFetch reports whether a batch error only means nothing arrived in time
func isEmptyFetch(err error) bool {
	return stderrors.Is(err, nats.ErrTimeout) ||
		stderrors.Is(err, jetstream.ErrNoMessages) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

func (s *StreamSource) delivery(msg jetstream.Msg) (message.Delivery, bool) {
	rec, err := s.codec.Decode(msg.Data())
	if err != nil {
		s.logger.Error("Dropping undecodable record", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return message.Delivery{}, false
	}
	rec.Topic = msg.Subject()
	if rec.Timestamp.IsZero() {
		if md, err := msg.Metadata(); err == nil {
			rec.Timestamp = md.Timestamp
		}
	}

	ack := func(ctx context.Context) error {
		return msg.DoubleAck(ctx)
	}
	nak := func(_ context.Context, delay time.Duration) error {
		if delay > 0 {
			return msg.NakWithDelay(delay)
		}
		return msg.Nak()
	}
	progress := func(context.Context) error {
		return msg.InProgress()
	}
	return message.NewDelivery(rec, ack, nak).WithProgress(progress), true
}
