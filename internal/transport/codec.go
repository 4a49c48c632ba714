package transport

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/nacorga/tracelog/internal/model"
)

// Codec encodes a batch for the wire.
type Codec interface {
	ContentType() string
	Encode(batch model.Batch) ([]byte, error)
	Decode(data []byte, batch *model.Batch) error
}

// JSONCodec is the default wire encoding.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(batch model.Batch) ([]byte, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte, batch *model.Batch) error {
	if err := json.Unmarshal(data, batch); err != nil {
		return fmt.Errorf("decode batch: %w", err)
	}
	return nil
}

// CBORCodec encodes batches with Core Deterministic Encoding (RFC 8949
// §4.2): the same batch always produces the same bytes.
type CBORCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	// Global metadata is map[string]any; decode nested maps with string
	// keys so they compare equal to what was encoded.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

func (CBORCodec) ContentType() string { return "application/cbor" }

func (CBORCodec) Encode(batch model.Batch) ([]byte, error) {
	data, err := cborEnc.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

func (CBORCodec) Decode(data []byte, batch *model.Batch) error {
	if err := cborDec.Unmarshal(data, batch); err != nil {
		return fmt.Errorf("decode batch: %w", err)
	}
	return nil
}

// CodecByName returns the codec for "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
