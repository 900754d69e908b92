package codec

import (
	"context"
	"sync"

	"github.com/linkedin/goavro/v2"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/jsoncodec"
)

// AvroCodec encodes Avro binary bodies inside the registry wire frame. Compiled
// schemas are cached by registry id.
type AvroCodec struct {
	registry Registry

	mu       sync.RWMutex
	compiled map[int]*goavro.Codec
}

func NewAvroCodec(registry Registry) *AvroCodec {
	if registry == nil {
		panic("outboxflow: avro codec requires a schema registry")
	}
	return &AvroCodec{registry: registry, compiled: make(map[int]*goavro.Codec)}
}

func (c *AvroCodec) Encode(ctx context.Context, value any, ref SchemaRef) ([]byte, error) {
	schema, err := c.registry.Resolve(ctx, ref)
	if err != nil {
		return nil, &errspkg.EncodingError{Schema: ref.FullName(), Err: err}
	}
	avro, err := c.codecFor(schema)
	if err != nil {
		return nil, encodeErr(ref, "compiling schema %d: %w", schema.ID, err)
	}
	native, err := avroNative(value)
	if err != nil {
		return nil, encodeErr(ref, "%w", err)
	}
	body, err := avro.BinaryFromNative(nil, native)
	if err != nil {
		return nil, &errspkg.EncodingError{Schema: ref.FullName(), Err: err}
	}
	return frame(schema.ID, body), nil
}

func (c *AvroCodec) Decode(ctx context.Context, data []byte, ref SchemaRef) (any, error) {
	id, body, err := unframe(data)
	if err != nil {
		return nil, decodeErr(ref, "%w", err)
	}
	schema, err := c.registry.SchemaByID(ctx, id)
	if err != nil {
		return nil, &errspkg.DecodingError{Schema: ref.FullName(), Err: err}
	}
	avro, err := c.codecFor(schema)
	if err != nil {
		return nil, decodeErr(ref, "compiling schema %d: %w", id, err)
	}
	native, rest, err := avro.NativeFromBinary(body)
	if err != nil {
		return nil, &errspkg.DecodingError{Schema: ref.FullName(), Err: err}
	}
	if len(rest) > 0 {
		return nil, decodeErr(ref, "%d trailing bytes after avro body", len(rest))
	}
	return native, nil
}

func (c *AvroCodec) codecFor(schema Schema) (*goavro.Codec, error) {
	c.mu.RLock()
	avro, ok := c.compiled[schema.ID]
	c.mu.RUnlock()
	if ok {
		return avro, nil
	}

	avro, err := goavro.NewCodec(schema.Definition)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.compiled[schema.ID] = avro
	c.mu.Unlock()
	return avro, nil
}

// avroNative accepts maps as they are and flattens anything else through its
// JSON form so struct tags pick the field names.
func avroNative(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any, string, []byte, bool, int, int32, int64, float32, float64, nil:
		return v, nil
	}
	data, err := jsoncodec.Marshal(value)
	if err != nil {
		return nil, err
	}
	var native any
	if err := jsoncodec.Unmarshal(data, &native); err != nil {
		return nil, err
	}
	return native, nil
}
