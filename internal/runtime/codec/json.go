package codec

import (
	"context"
	"sort"
	"sync"

	"github.com/drblury/outboxflow/internal/runtime/jsoncodec"
)

// JSONCodec writes plain JSON documents. Schemas are optional: a schema that
// declares required fields has them checked on both encode and decode.
type JSONCodec struct {
	mu       sync.RWMutex
	required map[string][]string
}

func NewJSONCodec() *JSONCodec {
	return &JSONCodec{required: make(map[string][]string)}
}

// Require declares fields that must be present for ref.
func (c *JSONCodec) Require(ref SchemaRef, fields ...string) {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	c.mu.Lock()
	c.required[ref.FullName()] = sorted
	c.mu.Unlock()
}

func (c *JSONCodec) Encode(_ context.Context, value any, ref SchemaRef) ([]byte, error) {
	data, err := jsoncodec.Marshal(value)
	if err != nil {
		return nil, encodeErr(ref, "%w", err)
	}
	if missing := c.missing(ref, data); missing != "" {
		return nil, encodeErr(ref, "missing required field %q", missing)
	}
	return data, nil
}

func (c *JSONCodec) Decode(_ context.Context, data []byte, ref SchemaRef) (any, error) {
	var out any
	if err := jsoncodec.UnmarshalNumbers(data, &out); err != nil {
		return nil, decodeErr(ref, "%w", err)
	}
	if missing := c.missing(ref, data); missing != "" {
		return nil, decodeErr(ref, "missing required field %q", missing)
	}
	return out, nil
}

func (c *JSONCodec) missing(ref SchemaRef, data []byte) string {
	c.mu.RLock()
	fields := c.required[ref.FullName()]
	c.mu.RUnlock()
	if len(fields) == 0 {
		return ""
	}
	var doc map[string]any
	if err := jsoncodec.Unmarshal(data, &doc); err != nil {
		return fields[0]
	}
	for _, f := range fields {
		if v, ok := doc[f]; !ok || v == nil {
			return f
		}
	}
	return ""
}
