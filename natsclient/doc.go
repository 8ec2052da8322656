// Package natsclient manages the NATS connection of a sessionflow process and
// adapts JetStream to the message and state store contracts.
//
// Client wraps a nats.Conn with a circuit breaker: after a threshold of
// consecutive failures, operations fail fast with ErrCircuitOpen until the
// backoff elapses. Connection health changes are logged and, when a metrics
// registry is supplied, exported as gauges.
//
// KVStore adds revision-aware helpers over a jetstream.KeyValue bucket. The
// revision returned by every read is the compare-and-swap token for the next
// write, which is what statestore/natskv builds optimistic versioning on.
//
// StreamSource and StreamSink carry message.Records over a JetStream stream:
//
//	sink := natsclient.NewStreamSink(client, codec)
//	src, err := natsclient.NewStreamSource(ctx, client, codec, natsclient.SourceConfig{
//		Stream:  "SESSIONFLOW",
//		Durable: "flow-mapper",
//		Subjects: []string{"sessionflow.mapper.>"},
//	})
//
// The sink waits for every publish acknowledgement before returning. The
// source uses a durable pull consumer with explicit acks, so unacknowledged
// records are redelivered after a restart.
//
// NewTestClient starts a throwaway NATS server in a container for integration
// tests.
package natsclient
