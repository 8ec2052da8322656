package membus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/message"
)

func TestBus_PublishPoll(t *testing.T) {
	bus := New()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx,
		message.Record{Topic: "a", Key: "1"},
		message.Record{Topic: "b", Key: "2"},
		message.Record{Topic: "a", Key: "3"},
	))

	src := bus.Source("a", "b")
	got, err := src.Poll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Record.Key)
	assert.Equal(t, "3", got[1].Record.Key)
	assert.False(t, got[0].Record.Timestamp.IsZero())

	got, err = src.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].Record.Key)
}

func TestBus_PollBlocksUntilPublish(t *testing.T) {
	bus := New()
	src := bus.Source("a")

	result := make(chan []message.Delivery, 1)
	go func() {
		got, err := src.Poll(context.Background(), 5)
		assert.NoError(t, err)
		result <- got
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), message.Record{Topic: "a", Key: "late"}))

	select {
	case got := <-result:
		require.Len(t, got, 1)
		assert.Equal(t, "late", got[0].Record.Key)
	case <-time.After(time.Second):
		t.Fatal("poll did not wake up after publish")
	}
}

func TestBus_PollHonoursContext(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := bus.Source("a").Poll(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_NakRequeues(t *testing.T) {
	bus := New()
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, message.Record{Topic: "a", Key: "1"}))

	src := bus.Source("a")
	got, err := src.Poll(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, got[0].Nak(ctx, 0))
	// A second settlement of the same delivery is ignored.
	require.NoError(t, got[0].Ack(ctx))

	got, err = src.Poll(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, got[0].Ack(ctx))

	published, acked, nakked := bus.Stats()
	assert.Equal(t, int64(1), published)
	assert.Equal(t, int64(1), acked)
	assert.Equal(t, int64(1), nakked)
}

func TestBus_Close(t *testing.T) {
	bus := New()
	bus.Close()

	err := bus.Publish(context.Background(), message.Record{Topic: "a"})
	assert.True(t, errors.IsTransient(err))

	_, err = bus.Source("a").Poll(context.Background(), 1)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestBus_RejectsRecordWithoutTopic(t *testing.T) {
	bus := New()
	err := bus.Publish(context.Background(), message.Record{Key: "k"})
	assert.True(t, errors.IsInvalid(err))
	assert.Zero(t, bus.Len(""))
}
