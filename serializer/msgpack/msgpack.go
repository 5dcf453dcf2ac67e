// Package msgpack provides a MessagePack Codec for newton.
//
// MessagePack produces smaller payloads than JSON with the same flexibility.
// Struct fields are named by their json tags, so events, saga state and
// command payloads keep the field names they have under the JSON codec.
//
// Basic usage:
//
//	codec := msgpack.NewCodec()
//	repo := newton.NewAggregateRepository(client, registry, newOrder, newton.WithRepositoryCodec(codec))
package msgpack

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/AshkanYarmoradi/go-newton"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec is a MessagePack implementation of newton.Codec.
type Codec struct {
	structTag   string
	compactInts bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithStructTag sets the struct tag used for field names. The default is "json".
func WithStructTag(tag string) Option {
	return func(c *Codec) {
		c.structTag = tag
	}
}

// WithCompactInts encodes integers in the smallest representation.
func WithCompactInts(enabled bool) Option {
	return func(c *Codec) {
		c.compactInts = enabled
	}
}

// NewCodec creates a new MessagePack Codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		structTag:   "json",
		compactInts: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Marshal encodes v as MessagePack.
func (c *Codec) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, &SerializationError{Type: "nil", Operation: "marshal", Err: fmt.Errorf("value cannot be nil")}
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag(c.structTag)
	enc.UseCompactInts(c.compactInts)

	if err := enc.Encode(v); err != nil {
		return nil, &SerializationError{Type: typeName(v), Operation: "marshal", Err: err}
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes MessagePack into v, which must be a non-nil pointer.
func (c *Codec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return &SerializationError{Type: typeName(v), Operation: "unmarshal", Err: fmt.Errorf("data cannot be empty")}
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag(c.structTag)

	if err := dec.Decode(v); err != nil {
		return &SerializationError{Type: typeName(v), Operation: "unmarshal", Err: err}
	}
	return nil
}

// Name returns "msgpack".
func (c *Codec) Name() string {
	return "msgpack"
}

func typeName(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// SerializationError represents an encoding or decoding error.
type SerializationError struct {
	Type      string
	Operation string // "marshal" or "unmarshal"
	Err       error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("newton/msgpack: failed to %s %s: %v", e.Operation, e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e *SerializationError) Unwrap() error {
	return e.Err
}

var _ newton.Codec = (*Codec)(nil)
