package newton

import (
	"encoding/json"
)

// Codec encodes event payloads and saga state.
type Codec interface {
	// Marshal encodes v.
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal decodes data into the value pointed to by v.
	Unmarshal(data []byte, v interface{}) error

	// Name identifies the codec, e.g. "json".
	Name() string
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

// NewJSONCodec creates a new JSONCodec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Marshal encodes v as JSON.
func (c *JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON into v.
func (c *JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Name returns "json".
func (c *JSONCodec) Name() string {
	return "json"
}

var _ Codec = (*JSONCodec)(nil)
