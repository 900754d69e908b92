package codec

import (
	"context"
	"sync"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
)

// ProtoCodec maps schema names to registered protobuf prototypes and uses the
// binary protobuf encoding.
type ProtoCodec struct {
	mu         sync.RWMutex
	prototypes map[string]proto.Message
}

func NewProtoCodec() *ProtoCodec {
	return &ProtoCodec{prototypes: make(map[string]proto.Message)}
}

// Register binds ref to the message type of prototype.
func (c *ProtoCodec) Register(ref SchemaRef, prototype proto.Message) {
	if prototype == nil {
		panic("outboxflow: proto prototype cannot be nil")
	}
	c.mu.Lock()
	c.prototypes[ref.FullName()] = prototype
	c.mu.Unlock()
}

func (c *ProtoCodec) prototype(ref SchemaRef) (proto.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prototypes[ref.FullName()]
	return p, ok
}

func (c *ProtoCodec) Encode(_ context.Context, value any, ref SchemaRef) ([]byte, error) {
	prototype, ok := c.prototype(ref)
	if !ok {
		return nil, &errspkg.EncodingError{Schema: ref.FullName(), Err: errspkg.ErrUnknownSchema}
	}
	msg, ok := value.(proto.Message)
	if !ok {
		return nil, encodeErr(ref, "expected proto.Message, got %T", value)
	}
	want := prototype.ProtoReflect().Descriptor().FullName()
	if got := msg.ProtoReflect().Descriptor().FullName(); got != want {
		return nil, encodeErr(ref, "expected %s, got %s", want, got)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, &errspkg.EncodingError{Schema: ref.FullName(), Err: err}
	}
	return data, nil
}

func (c *ProtoCodec) Decode(_ context.Context, data []byte, ref SchemaRef) (any, error) {
	prototype, ok := c.prototype(ref)
	if !ok {
		return nil, &errspkg.DecodingError{Schema: ref.FullName(), Err: errspkg.ErrUnknownSchema}
	}
	msg := prototype.ProtoReflect().New().Interface()
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, &errspkg.DecodingError{Schema: ref.FullName(), Err: err}
	}
	return msg, nil
}
