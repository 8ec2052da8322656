package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/sessionflow/errors"
)

// wireFormat is the JSON envelope of a record on a transport
type wireFormat struct {
	Key       string          `json:"key"`
	Type      *Type           `json:"type,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"ts"`
}

// Codec encodes records into JSON envelopes and decodes them back using a
// payload registry.
type Codec struct {
	registry *PayloadRegistry
}

// NewCodec creates a codec. A nil registry means DefaultRegistry.
func NewCodec(registry *PayloadRegistry) *Codec {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Codec{registry: registry}
}

// Encode serialises the record key, payload and timestamp. The topic is
// carried by the transport, not the envelope.
func (c *Codec) Encode(rec Record) ([]byte, error) {
	wire := wireFormat{
		Key:     rec.Key,
		Payload: json.RawMessage("null"),
	}
	if !rec.Timestamp.IsZero() {
		wire.Timestamp = rec.Timestamp.UnixMilli()
	}

	if rec.Value != nil {
		t := rec.Value.Schema()
		data, err := json.Marshal(rec.Value)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Codec", "Encode", fmt.Sprintf("marshal %s payload", t))
		}
		wire.Type = &t
		wire.Payload = data
	}

	return json.Marshal(wire)
}

// Decode parses an envelope produced by Encode. The returned record has no
// topic set.
func (c *Codec) Decode(data []byte) (Record, error) {
	var wire wireFormat
	if err := json.Unmarshal(data, &wire); err != nil {
		return Record{}, errors.WrapInvalid(err, "Codec", "Decode", "unmarshal envelope")
	}

	rec := Record{Key: wire.Key}
	if wire.Timestamp != 0 {
		rec.Timestamp = time.UnixMilli(wire.Timestamp).UTC()
	}

	if wire.Type == nil || len(wire.Payload) == 0 || bytes.Equal(wire.Payload, []byte("null")) {
		return rec, nil
	}

	payload := c.registry.Create(*wire.Type)
	if payload == nil {
		return Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownType, wire.Type),
			"Codec", "Decode", "payload type lookup")
	}
	if err := json.Unmarshal(wire.Payload, payload); err != nil {
		return Record{}, errors.WrapInvalid(err, "Codec", "Decode", fmt.Sprintf("unmarshal %s payload", wire.Type))
	}

	rec.Value = payload
	return rec, nil
}
