package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacorga/tracelog/internal/model"
)

func TestCBORCodec_Deterministic(t *testing.T) {
	batch := sampleBatch(2)
	batch.GlobalMetadata = map[string]any{"b": "2", "a": "1"}

	first, err := CBORCodec{}.Encode(batch)
	require.NoError(t, err)
	second, err := CBORCodec{}.Encode(batch)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var decoded model.Batch
	require.NoError(t, CBORCodec{}.Decode(first, &decoded))
	assert.Equal(t, "1", decoded.GlobalMetadata["a"])
	assert.Equal(t, batch.Events[1].Custom.Name, decoded.Events[1].Custom.Name)
}

func TestJSONCodec_EnvelopeFieldNames(t *testing.T) {
	data, err := JSONCodec{}.Encode(model.Batch{UserID: "u", SessionID: "s", Device: model.DeviceMobile})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u","sessionId":"s","device":"mobile","events":null}`, string(data))
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("cbor")
	require.NoError(t, err)
	assert.Equal(t, "application/cbor", c.ContentType())

	c, err = CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}
