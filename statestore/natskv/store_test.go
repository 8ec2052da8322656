package natskv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/statestore"
)

func TestKeyEncoding(t *testing.T) {
	for _, key := range []string{"7c0f3b1e-INITIATED", "flow:a/b c", "ünïcode.key", ""} {
		encoded := encodeKey(key)
		assert.Regexp(t, `^[-_A-Za-z0-9]*$`, encoded)

		decoded, err := decodeKey(encoded)
		require.NoError(t, err)
		assert.Equal(t, key, decoded)
	}

	_, err := decodeKey("not base64!")
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := statestore.State{
		Key:      "k",
		Value:    []byte(`{"flowId":"f"}`),
		Version:  4,
		Metadata: statestore.Metadata{"flowMapperState": "OPEN", "attempts": 2},
	}

	data, err := marshal(in)
	require.NoError(t, err)

	out, err := unmarshal("k", data)
	require.NoError(t, err)
	assert.Equal(t, in.Value, out.Value)
	assert.Equal(t, 4, out.Version)
	assert.True(t, in.Metadata.Equal(out.Metadata))
}
