// Package protobuf provides a Protocol Buffers Codec for newton.
//
// Values that implement proto.Message are encoded with the protobuf wire
// format. Everything else, such as saga state held in plain structs, goes to
// a fallback codec, JSON by default. Event types generated by protoc can be
// registered as pointers:
//
//	newton.RegisterEvent[*pb.OrderPlaced](registry)
//	repo := newton.NewAggregateRepository(client, registry, newOrder,
//		newton.WithRepositoryCodec(protobuf.NewCodec()))
package protobuf

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	"github.com/AshkanYarmoradi/go-newton"
)

var (
	// ErrNilValue indicates an attempt to marshal a nil value.
	ErrNilValue = errors.New("newton/protobuf: cannot marshal nil value")

	// ErrEmptyData indicates an attempt to unmarshal empty data.
	ErrEmptyData = errors.New("newton/protobuf: cannot unmarshal empty data")

	// ErrNotProtoMessage indicates a strict codec was given a non-protobuf value.
	ErrNotProtoMessage = errors.New("newton/protobuf: value must implement proto.Message")
)

var messageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// SerializationError provides detailed error information for codec failures.
type SerializationError struct {
	// Type is the Go type name of the value.
	Type string

	// Operation is either "marshal" or "unmarshal".
	Operation string

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("newton/protobuf: failed to %s %s: %v", e.Operation, e.Type, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// Codec implements newton.Codec with Protocol Buffers.
type Codec struct {
	fallback      newton.Codec
	marshalOpts   proto.MarshalOptions
	unmarshalOpts proto.UnmarshalOptions
}

// Option configures a Codec.
type Option func(*Codec)

// WithFallback sets the codec used for values that are not protobuf
// messages. A nil fallback makes the codec strict.
func WithFallback(codec newton.Codec) Option {
	return func(c *Codec) {
		c.fallback = codec
	}
}

// WithDeterministic makes map field ordering stable across marshals.
func WithDeterministic() Option {
	return func(c *Codec) {
		c.marshalOpts.Deterministic = true
	}
}

// WithDiscardUnknown drops unknown fields when unmarshaling.
func WithDiscardUnknown() Option {
	return func(c *Codec) {
		c.unmarshalOpts.DiscardUnknown = true
	}
}

// NewCodec creates a protobuf Codec with a JSON fallback.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{fallback: newton.NewJSONCodec()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Marshal encodes v.
func (c *Codec) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, &SerializationError{Type: "nil", Operation: "marshal", Cause: ErrNilValue}
	}

	msg, ok := asMessage(v)
	if !ok {
		if c.fallback == nil {
			return nil, &SerializationError{Type: typeName(v), Operation: "marshal", Cause: ErrNotProtoMessage}
		}
		return c.fallback.Marshal(v)
	}

	data, err := c.marshalOpts.Marshal(msg)
	if err != nil {
		return nil, &SerializationError{Type: typeName(v), Operation: "marshal", Cause: err}
	}
	return data, nil
}

// Unmarshal decodes data into v. v may be a message pointer or a pointer to
// a message pointer, which is allocated when nil.
func (c *Codec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := target(v)
	if !ok {
		if c.fallback == nil {
			return &SerializationError{Type: typeName(v), Operation: "unmarshal", Cause: ErrNotProtoMessage}
		}
		return c.fallback.Unmarshal(data, v)
	}

	if len(data) == 0 {
		return &SerializationError{Type: typeName(v), Operation: "unmarshal", Cause: ErrEmptyData}
	}
	if err := c.unmarshalOpts.Unmarshal(data, msg); err != nil {
		return &SerializationError{Type: typeName(v), Operation: "unmarshal", Cause: err}
	}
	return nil
}

// Name returns "protobuf".
func (c *Codec) Name() string {
	return "protobuf"
}

func asMessage(v interface{}) (proto.Message, bool) {
	if msg, ok := v.(proto.Message); ok {
		return msg, true
	}
	// A message stored by value, e.g. an event type registered as pb.X.
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr && reflect.PtrTo(rv.Type()).Implements(messageType) {
		ptr := reflect.New(rv.Type())
		ptr.Elem().Set(rv)
		return ptr.Interface().(proto.Message), true
	}
	return nil, false
}

func target(v interface{}) (proto.Message, bool) {
	if msg, ok := v.(proto.Message); ok {
		return msg, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil, false
	}
	elem := rv.Elem()
	if elem.Kind() == reflect.Ptr && elem.Type().Implements(messageType) {
		if elem.IsNil() {
			elem.Set(reflect.New(elem.Type().Elem()))
		}
		return elem.Interface().(proto.Message), true
	}
	return nil, false
}

func typeName(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

var _ newton.Codec = (*Codec)(nil)
