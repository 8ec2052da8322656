package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/errors"
)

var testPayloadType = Type{Domain: "test", Category: "sample", Version: "v1"}

type testPayload struct {
	Message string `json:"message"`
	Value   int    `json:"value"`
}

func (p *testPayload) Schema() Type { return testPayloadType }

func newTestRegistry(t *testing.T) *PayloadRegistry {
	t.Helper()
	r := NewPayloadRegistry()
	require.NoError(t, r.Register(testPayloadType, func() Payload { return &testPayload{} }))
	return r
}

func TestPayloadRegistry_Register(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Register(testPayloadType, func() Payload { return &testPayload{} })
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.Error(t, r.Register(Type{Domain: "test"}, func() Payload { return &testPayload{} }))
	assert.Error(t, r.Register(Type{Domain: "a", Category: "b", Version: "v1"}, nil))

	assert.Equal(t, []string{"test.sample.v1"}, r.Types())
	assert.IsType(t, &testPayload{}, r.Create(testPayloadType))
	assert.Nil(t, r.Create(Type{Domain: "x", Category: "y", Version: "v1"}))
}

func TestCodec_EncodeDecode(t *testing.T) {
	codec := NewCodec(newTestRegistry(t))
	ts := time.UnixMilli(1_700_000_000_123).UTC()

	data, err := codec.Encode(Record{
		Topic:     "ignored",
		Key:       "session-1",
		Value:     &testPayload{Message: "hello", Value: 42},
		Timestamp: ts,
	})
	require.NoError(t, err)

	rec, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "session-1", rec.Key)
	assert.Empty(t, rec.Topic)
	assert.Equal(t, ts, rec.Timestamp)
	assert.Equal(t, &testPayload{Message: "hello", Value: 42}, rec.Value)
}

func TestCodec_NilValue(t *testing.T) {
	codec := NewCodec(newTestRegistry(t))

	data, err := codec.Encode(Record{Key: "k"})
	require.NoError(t, err)

	rec, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "k", rec.Key)
	assert.Nil(t, rec.Value)
}

func TestCodec_UnknownType(t *testing.T) {
	codec := NewCodec(NewPayloadRegistry())

	_, err := codec.Decode([]byte(`{"key":"k","type":{"domain":"a","category":"b","version":"v1"},"payload":{}}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrUnknownType)

	_, err = codec.Decode([]byte(`not json`))
	assert.True(t, errors.IsInvalid(err))
}
