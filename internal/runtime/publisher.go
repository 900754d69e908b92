package runtime

import (
	"context"

	"github.com/drblury/outboxflow/internal/runtime/envelope"
	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/source"
)

// Publish builds and submits the envelopes of change for bindings that are not
// attached to a record type. It follows the same backend rules as the record
// hooks: with the outbox backend ctx must carry a transaction.
func (s *Service) Publish(ctx context.Context, change envelope.Change, bindings []envelope.Binding) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return s.hook.Publish(ctx, change, bindings)
}

// InTx runs fn in a transaction the hook joins. Without a transactor fn runs
// directly.
func (s *Service) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if s.transactor == nil {
		return fn(ctx)
	}
	return s.transactor.InTx(ctx, fn)
}

// Created, Updated and Deleted forward to the record hook.
func (s *Service) Created(ctx context.Context, rec source.Publishable) error {
	return s.hook.AfterCreate(ctx, rec)
}

func (s *Service) Updated(ctx context.Context, before envelope.Attributes, rec source.Publishable) error {
	return s.hook.AfterUpdate(ctx, before, rec)
}

func (s *Service) Deleted(ctx context.Context, rec source.Publishable) error {
	return s.hook.AfterDelete(ctx, rec)
}

func (s *Service) Imported(ctx context.Context, recs []source.Publishable) error {
	return s.hook.AfterImport(ctx, recs)
}
