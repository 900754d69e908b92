// Package publish hands envelope batches either straight to the broker or to
// the transactional outbox.
package publish

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outboxflow/internal/runtime/envelope"
	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/logging"
	"github.com/drblury/outboxflow/internal/runtime/outbox"
)

// Mode identifies a backend variant.
type Mode string

const (
	ModeDirect   Mode = "direct"
	ModeOutbox   Mode = "outbox"
	ModeDisabled Mode = "disabled"
)

// Backend accepts the envelopes produced by one record change.
type Backend interface {
	Submit(ctx context.Context, batch []envelope.Envelope) error
	Mode() Mode
}

// Direct publishes through a Watermill publisher, one call per topic.
type Direct struct {
	publisher message.Publisher
	logger    logging.ServiceLogger
}

func NewDirect(publisher message.Publisher, log logging.ServiceLogger) *Direct {
	if publisher == nil {
		panic(errspkg.ErrPublisherRequired)
	}
	return &Direct{publisher: publisher, logger: logging.OrNop(log)}
}

func (d *Direct) Mode() Mode { return ModeDirect }

// Submit stops at the first topic the broker rejects and returns a
// *errors.DeliveryError for it.
func (d *Direct) Submit(ctx context.Context, batch []envelope.Envelope) error {
	topics, groups := envelope.GroupByTopic(batch)
	for _, topic := range topics {
		group := groups[topic]
		msgs := make([]*message.Message, len(group))
		for i, env := range group {
			msg := env.Message()
			msg.SetContext(ctx)
			msgs[i] = msg
		}
		if err := d.publisher.Publish(topic, msgs...); err != nil {
			return &errspkg.DeliveryError{Topic: topic, Count: len(group), Err: err}
		}
		d.logger.Debug("Published envelopes", logging.LogFields{"topic": topic, "count": len(group)})
	}
	return nil
}

// Outbox writes one row per envelope into the transaction bound to ctx.
type Outbox struct {
	store *outbox.Store
}

func NewOutbox(store *outbox.Store) *Outbox {
	if store == nil {
		panic(errspkg.ErrStoreRequired)
	}
	return &Outbox{store: store}
}

func (o *Outbox) Mode() Mode { return ModeOutbox }

// Submit panics with ErrTransactionRequired when ctx carries no transaction:
// writing outside one would break the atomicity the outbox exists for.
func (o *Outbox) Submit(ctx context.Context, batch []envelope.Envelope) error {
	tx, ok := outbox.TxFromContext(ctx)
	if !ok {
		panic(errspkg.ErrTransactionRequired)
	}
	rows := make([]outbox.Row, len(batch))
	for i, env := range batch {
		rows[i] = outbox.RowFromEnvelope(env)
	}
	return o.store.Insert(ctx, tx, rows)
}

// Disabled drops every batch.
type Disabled struct {
	logger logging.ServiceLogger
}

func NewDisabled(log logging.ServiceLogger) *Disabled {
	return &Disabled{logger: logging.OrNop(log)}
}

func (d *Disabled) Mode() Mode { return ModeDisabled }

func (d *Disabled) Submit(_ context.Context, batch []envelope.Envelope) error {
	if len(batch) > 0 {
		d.logger.Debug("Producers disabled, dropping envelopes", logging.LogFields{"count": len(batch)})
	}
	return nil
}
