package redisstore

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/statestore"
)

func TestScriptReply(t *testing.T) {
	code, cur := scriptReply([]any{int64(1)})
	assert.Equal(t, int64(1), code)
	assert.Empty(t, cur)

	code, cur = scriptReply([]any{int64(0), `{"version":2}`})
	assert.Equal(t, int64(0), code)
	assert.Equal(t, `{"version":2}`, cur)

	code, _ = scriptReply(nil)
	assert.Equal(t, int64(-1), code)
}

func TestScoreBound(t *testing.T) {
	assert.Equal(t, "-inf", scoreBound(time.Time{}, "-inf"))
	ts := time.UnixMilli(1700000000123)
	assert.Equal(t, "1700000000123", scoreBound(ts, "+inf"))
}

func TestDocumentRoundTrip(t *testing.T) {
	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := encode(statestore.State{
		Key:          "k",
		Value:        []byte("v"),
		Version:      3,
		Metadata:     statestore.Metadata{"flowMapperState": "CLOSING"},
		ModifiedTime: modified,
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version":3`)

	st, err := decode("k", data)
	require.NoError(t, err)
	assert.Equal(t, "k", st.Key)
	assert.Equal(t, []byte("v"), st.Value)
	assert.Equal(t, 3, st.Version)
	assert.True(t, modified.Equal(st.ModifiedTime))

	_, err = decode("k", []byte("{"))
	assert.Error(t, err)
}

func TestNew_Options(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	s := New(client, WithPrefix("p:"), WithPrefix(""))
	assert.Equal(t, "p:state:a", s.stateKey("a"))
	assert.Equal(t, "p:modified", s.indexKey())

	s = New(client)
	assert.Equal(t, DefaultPrefix+"modified", s.indexKey())
}
