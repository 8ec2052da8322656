//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/message"
)

type pingPayload struct {
	Text string `json:"text"`
}

var pingType = message.Type{Domain: "test", Category: "ping", Version: "v1"}

func (p *pingPayload) Schema() message.Type { return pingType }

func newPingCodec(t *testing.T) *message.Codec {
	t.Helper()
	registry := message.NewPayloadRegistry()
	require.NoError(t, registry.Register(pingType, func() message.Payload { return &pingPayload{} }))
	return message.NewCodec(registry)
}

func TestStream_PublishAndPoll(t *testing.T) {
	tc := NewTestClient(t, WithStreams(jetstream.StreamConfig{
		Name:     "TEST",
		Subjects: []string{"test.>"},
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	codec := newPingCodec(t)
	sink := NewStreamSink(tc.Client, codec)
	source, err := NewStreamSource(ctx, tc.Client, codec, SourceConfig{
		Stream:   "TEST",
		Durable:  "reader",
		Subjects: []string{"test.in"},
	})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, sink.Publish(ctx,
		message.Record{Topic: "test.in", Key: "a", Value: &pingPayload{Text: "one"}, Timestamp: now},
		message.Record{Topic: "test.in", Key: "b", Timestamp: now},
		message.Record{Topic: "test.other", Key: "c", Value: &pingPayload{Text: "skip"}},
	))

	var got []message.Delivery
	for len(got) < 2 {
		batch, err := source.Poll(ctx, 10)
		require.NoError(t, err)
		got = append(got, batch...)
	}
	require.Len(t, got, 2)

	assert.Equal(t, "test.in", got[0].Record.Topic)
	assert.Equal(t, "a", got[0].Record.Key)
	assert.Equal(t, &pingPayload{Text: "one"}, got[0].Record.Value)
	assert.True(t, now.Equal(got[0].Record.Timestamp))
	assert.Equal(t, "b", got[1].Record.Key)
	assert.Nil(t, got[1].Record.Value, "null payloads survive the round trip")

	require.NoError(t, got[0].Ack(ctx))
	require.NoError(t, got[1].Nak(ctx, 0))

	redelivered, err := source.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "b", redelivered[0].Record.Key)
	require.NoError(t, redelivered[0].Ack(ctx))
}

func TestStream_PollHonoursContext(t *testing.T) {
	tc := NewTestClient(t, WithStreams(jetstream.StreamConfig{
		Name:     "EMPTY",
		Subjects: []string{"empty.>"},
	}))

	source, err := NewStreamSource(context.Background(), tc.Client, newPingCodec(t), SourceConfig{
		Stream:   "EMPTY",
		Durable:  "idle",
		PollWait: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = source.Poll(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKVStore_Revisions(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("revisions"))
	ctx := context.Background()

	bucket, err := tc.CreateKVBucket(ctx, "revisions")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	rev, err := kv.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "k", []byte("again"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	rev2, err := kv.Update(ctx, "k", []byte("v2"), rev)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev)

	_, err = kv.Update(ctx, "k", []byte("stale"), rev)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	entry, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(entry.Value))

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	assert.ErrorIs(t, kv.Delete(ctx, "k", rev), ErrKVRevisionMismatch)
	require.NoError(t, kv.Delete(ctx, "k", rev2))

	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
