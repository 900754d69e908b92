// Package codec turns structured values into framed bytes for a named schema
// and back. Schema resolution goes through a Registry whose results are cached
// for the life of the process.
package codec

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
)

// SchemaRef names a schema inside a namespace.
type SchemaRef struct {
	Namespace string
	Name      string
}

// FullName returns namespace.name, or just the name when no namespace is set.
func (r SchemaRef) FullName() string {
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "." + r.Name
}

func (r SchemaRef) IsZero() bool { return r.Name == "" }

func (r SchemaRef) String() string { return r.FullName() }

// Schema is a resolved schema definition with its registry id.
type Schema struct {
	ID         int
	Ref        SchemaRef
	Definition string
}

// Registry resolves schemas by name and by id.
type Registry interface {
	Resolve(ctx context.Context, ref SchemaRef) (Schema, error)
	SchemaByID(ctx context.Context, id int) (Schema, error)
}

// Codec encodes and decodes payloads against a schema. Implementations are
// safe for concurrent use.
type Codec interface {
	// Encode fails with *errspkg.EncodingError when value does not conform.
	Encode(ctx context.Context, value any, ref SchemaRef) ([]byte, error)
	// Decode fails with *errspkg.DecodingError on malformed input or when the
	// schema cannot be resolved.
	Decode(ctx context.Context, data []byte, ref SchemaRef) (any, error)
}

func encodeErr(ref SchemaRef, format string, args ...any) error {
	return &errspkg.EncodingError{Schema: ref.FullName(), Err: fmt.Errorf(format, args...)}
}

func decodeErr(ref SchemaRef, format string, args ...any) error {
	return &errspkg.DecodingError{Schema: ref.FullName(), Err: fmt.Errorf(format, args...)}
}
