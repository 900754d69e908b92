// Package source publishes record changes. Record types opt in by
// implementing Publishable; the application calls the Hook from its
// persistence code once the change is written.
package source

import (
	"context"
	"errors"

	"github.com/drblury/outboxflow/internal/runtime/envelope"
	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/logging"
	"github.com/drblury/outboxflow/internal/runtime/outbox"
	"github.com/drblury/outboxflow/internal/runtime/publish"
)

// Publishable is implemented by record types that publish their changes.
type Publishable interface {
	ProducerBindings() []envelope.Binding
	// Attributes returns the persisted state of the record.
	Attributes() envelope.Attributes
}

// Hook builds the envelopes for a record change and submits them as one batch.
//
// With the outbox backend the hook must run inside Transactor.InTx so the rows
// commit or roll back with the record. With the direct backend a bound
// transaction defers publishing until after commit; without one the batch is
// published immediately.
type Hook struct {
	builder *envelope.Builder
	backend publish.Backend
	logger  logging.ServiceLogger
	reraise bool
}

// HookOption customises a Hook.
type HookOption func(*Hook)

func WithLogger(log logging.ServiceLogger) HookOption {
	return func(h *Hook) { h.logger = logging.OrNop(log) }
}

// WithReraiseDeliveryErrors makes direct delivery failures reach the caller.
// Off by default: failures are logged and the committed change stands.
func WithReraiseDeliveryErrors(reraise bool) HookOption {
	return func(h *Hook) { h.reraise = reraise }
}

func NewHook(builder *envelope.Builder, backend publish.Backend, opts ...HookOption) *Hook {
	if builder == nil {
		panic("outboxflow: hook requires an envelope builder")
	}
	if backend == nil {
		panic("outboxflow: hook requires a publish backend")
	}
	h := &Hook{builder: builder, backend: backend, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AfterCreate publishes the creation of rec.
func (h *Hook) AfterCreate(ctx context.Context, rec Publishable) error {
	return h.publish(ctx, rec, envelope.Change{Kind: envelope.Create, After: rec.Attributes()})
}

// AfterUpdate publishes an update; before is the state prior to the change.
func (h *Hook) AfterUpdate(ctx context.Context, before envelope.Attributes, rec Publishable) error {
	return h.publish(ctx, rec, envelope.Change{Kind: envelope.Update, Before: before, After: rec.Attributes()})
}

// AfterDelete publishes tombstones for rec. Call it with the record as it was
// before deletion.
func (h *Hook) AfterDelete(ctx context.Context, rec Publishable) error {
	return h.publish(ctx, rec, envelope.Change{Kind: envelope.Delete, Before: rec.Attributes()})
}

// AfterImport publishes a bulk insert as a single batch of create envelopes.
func (h *Hook) AfterImport(ctx context.Context, recs []Publishable) error {
	var batch []envelope.Envelope
	for _, rec := range recs {
		envs, err := h.builder.Build(ctx, envelope.Change{Kind: envelope.Create, After: rec.Attributes()}, rec.ProducerBindings())
		if err != nil {
			return err
		}
		batch = append(batch, envs...)
	}
	return h.submit(ctx, batch)
}

// Publish submits a change for bindings that do not belong to a Publishable
// record, such as derived or aggregate events.
func (h *Hook) Publish(ctx context.Context, change envelope.Change, bindings []envelope.Binding) error {
	batch, err := h.builder.Build(ctx, change, bindings)
	if err != nil {
		return err
	}
	return h.submit(ctx, batch)
}

func (h *Hook) publish(ctx context.Context, rec Publishable, change envelope.Change) error {
	return h.Publish(ctx, change, rec.ProducerBindings())
}

func (h *Hook) submit(ctx context.Context, batch []envelope.Envelope) error {
	if len(batch) == 0 {
		return nil
	}
	if h.backend.Mode() != publish.ModeDirect {
		return h.backend.Submit(ctx, batch)
	}
	if outbox.AfterCommit(ctx, func(ctx context.Context) error { return h.deliver(ctx, batch) }) {
		return nil
	}
	return h.deliver(ctx, batch)
}

func (h *Hook) deliver(ctx context.Context, batch []envelope.Envelope) error {
	err := h.backend.Submit(ctx, batch)
	if err == nil || h.reraise {
		return err
	}
	var delivery *errspkg.DeliveryError
	if !errors.As(err, &delivery) {
		return err
	}
	h.logger.Error("Failed to publish record change", err, logging.LogFields{
		"topic":     delivery.Topic,
		"envelopes": len(batch),
	})
	return nil
}
