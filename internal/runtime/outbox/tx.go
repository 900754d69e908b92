package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

type txKey struct{}

type txState struct {
	tx *sql.Tx

	mu          sync.Mutex
	afterCommit []func(context.Context) error
}

// Transactor runs caller code inside a database transaction and exposes that
// transaction through the context.
type Transactor struct {
	db   *sql.DB
	opts *sql.TxOptions
}

func NewTransactor(db *sql.DB) *Transactor {
	if db == nil {
		panic("outboxflow: transactor requires a database")
	}
	return &Transactor{db: db}
}

// WithTxOptions sets the options passed to BeginTx.
func (t *Transactor) WithTxOptions(opts *sql.TxOptions) *Transactor {
	return &Transactor{db: t.db, opts: opts}
}

// InTx commits when fn returns nil and rolls back when it fails or panics. A
// call made while a transaction is already bound to ctx joins it. After a
// successful commit the AfterCommit callbacks run in registration order and
// their errors are returned joined.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}

	tx, err := t.db.BeginTx(ctx, t.opts)
	if err != nil {
		return fmt.Errorf("outboxflow: begin transaction: %w", err)
	}
	state := &txState{tx: tx}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outboxflow: commit transaction: %w", err)
	}
	committed = true

	return state.runAfterCommit(ctx)
}

func (s *txState) runAfterCommit(ctx context.Context) error {
	s.mu.Lock()
	callbacks := s.afterCommit
	s.afterCommit = nil
	s.mu.Unlock()

	var errs []error
	for _, cb := range callbacks {
		if err := cb(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TxFromContext returns the transaction bound by InTx.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return nil, false
	}
	return state.tx, true
}

// AfterCommit schedules fn to run once the transaction bound to ctx commits.
// It reports false, without scheduling anything, when ctx carries no
// transaction.
func AfterCommit(ctx context.Context, fn func(ctx context.Context) error) bool {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return false
	}
	state.mu.Lock()
	state.afterCommit = append(state.afterCommit, fn)
	state.mu.Unlock()
	return true
}
