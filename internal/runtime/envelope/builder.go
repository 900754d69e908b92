package envelope

import (
	"context"
	"fmt"
	"reflect"
	"time"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/jsoncodec"
)

// Builder produces envelopes for a change. It holds only read-only settings
// and may be shared.
type Builder struct {
	Codec Encoder
	// Now stamps ProducedAt. Defaults to time.Now.
	Now              func() time.Time
	TopicPrefix      string
	DefaultNamespace string
}

// Build returns at most one envelope per binding, in binding order. Any error
// aborts the whole change.
func (b *Builder) Build(ctx context.Context, change Change, bindings []Binding) ([]Envelope, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	producedAt := now().UTC()

	out := make([]Envelope, 0, len(bindings))
	for _, binding := range bindings {
		env, ok, err := b.build(ctx, change, binding, producedAt)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, env)
		}
	}
	return out, nil
}

func (b *Builder) build(ctx context.Context, change Change, binding Binding, producedAt time.Time) (Envelope, bool, error) {
	if binding.Topic == "" {
		return Envelope{}, false, errspkg.ErrTopicRequired
	}
	state := change.After
	if change.Kind == Delete {
		state = change.Before
	}
	if binding.Include != nil && !binding.Include(state) {
		return Envelope{}, false, nil
	}
	if change.Kind == Update && !watchedFieldChanged(binding.WatchedFields, change.Before, change.After) {
		return Envelope{}, false, nil
	}

	key, err := b.key(ctx, binding, state)
	if err != nil {
		return Envelope{}, false, err
	}

	var payload Payload
	switch change.Kind {
	case Delete:
		payload = Tombstone()
		if binding.DeletionPayload != nil {
			if payload, err = binding.DeletionPayload(state); err != nil {
				return Envelope{}, false, &errspkg.EncodingError{Schema: binding.SchemaRef(b.DefaultNamespace).FullName(), Err: err}
			}
		}
	case Create, Update:
		if payload, err = b.payload(ctx, binding, state); err != nil {
			return Envelope{}, false, err
		}
	default:
		return Envelope{}, false, fmt.Errorf("outboxflow: unknown change kind %d", change.Kind)
	}

	return Envelope{
		Topic:      b.TopicPrefix + binding.Topic,
		Key:        key,
		Payload:    payload,
		ProducedAt: producedAt,
	}, true, nil
}

func (b *Builder) payload(ctx context.Context, binding Binding, state Attributes) (Payload, error) {
	ref := binding.SchemaRef(b.DefaultNamespace)
	if b.Codec == nil {
		return Payload{}, errspkg.ErrCodecRequired
	}
	var value any = map[string]any(state)
	if binding.PayloadFunc != nil {
		v, err := binding.PayloadFunc(state)
		if err != nil {
			return Payload{}, &errspkg.EncodingError{Schema: ref.FullName(), Err: err}
		}
		value = v
	}
	data, err := b.Codec.Encode(ctx, value, ref)
	if err != nil {
		return Payload{}, asEncodingError(ref.FullName(), err)
	}
	return Encoded(data), nil
}

func (b *Builder) key(ctx context.Context, binding Binding, state Attributes) ([]byte, error) {
	var value any
	switch binding.KeyField {
	case "":
		return nil, nil
	case KeyWholeRecord:
		value = map[string]any(state)
	default:
		v, ok := state[binding.KeyField]
		if !ok || v == nil {
			return nil, nil
		}
		if binding.KeySchema != "" {
			value = map[string]any{binding.KeyField: v}
		} else {
			value = v
		}
	}

	if binding.KeySchema != "" {
		if b.Codec == nil {
			return nil, errspkg.ErrCodecRequired
		}
		ref := binding.SchemaRef(b.DefaultNamespace)
		ref.Name = binding.KeySchema
		data, err := b.Codec.Encode(ctx, value, ref)
		if err != nil {
			return nil, asEncodingError(ref.FullName(), err)
		}
		return data, nil
	}

	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case map[string]any:
		data, err := jsoncodec.Marshal(v)
		if err != nil {
			return nil, &errspkg.EncodingError{Schema: "key", Err: err}
		}
		return data, nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

// watchedFieldChanged is true when no fields are watched or one of them
// differs between before and after.
func watchedFieldChanged(watched []string, before, after Attributes) bool {
	if len(watched) == 0 {
		return true
	}
	for _, field := range watched {
		if !reflect.DeepEqual(before[field], after[field]) {
			return true
		}
	}
	return false
}

func asEncodingError(schema string, err error) error {
	if errspkg.Classify(err) == errspkg.KindEncode {
		return err
	}
	return &errspkg.EncodingError{Schema: schema, Err: err}
}
