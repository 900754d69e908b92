package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/outboxflow/internal/runtime/envelope"
)

// DefaultTable is the outbox table name used when none is configured.
const DefaultTable = "outbox_messages"

const (
	insertChunk = 500
	deleteChunk = 500
)

// Row is one persisted envelope. A nil Payload is a tombstone.
type Row struct {
	ID           int64
	Topic        string
	PartitionKey []byte
	Payload      []byte
	CreatedAt    time.Time
}

// RowFromEnvelope maps an envelope onto an unsaved row.
func RowFromEnvelope(env envelope.Envelope) Row {
	return Row{
		Topic:        env.Topic,
		PartitionKey: env.Key,
		Payload:      env.Payload.Bytes(),
		CreatedAt:    env.ProducedAt,
	}
}

// Envelope rebuilds the envelope a row was stored from.
func (r Row) Envelope() envelope.Envelope {
	payload := envelope.Tombstone()
	if r.Payload != nil {
		payload = envelope.Encoded(r.Payload)
	}
	return envelope.Envelope{Topic: r.Topic, Key: r.PartitionKey, Payload: payload, ProducedAt: r.CreatedAt}
}

// Execer is satisfied by *sql.Tx and *sql.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store owns the outbox table. Writers only insert; the relay only selects and
// deletes by id. Rows are never updated.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	owned   bool
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithTable overrides the table name.
func WithTable(table string) StoreOption {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// NewStore wraps an existing connection pool. The caller keeps ownership of db.
func NewStore(db *sql.DB, dialect Dialect, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("outboxflow: outbox store requires a database")
	}
	s := &Store{db: db, dialect: dialect, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}
	if !tableNamePattern.MatchString(s.table) {
		return nil, fmt.Errorf("outboxflow: invalid outbox table name %q", s.table)
	}
	return s, nil
}

// Open connects to dsn with the dialect's driver and verifies the connection.
// Close releases the pool.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...StoreOption) (*Store, error) {
	dsn, err := dialect.normalizeDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("outboxflow: parsing %s dsn: %w", dialect, err)
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("outboxflow: opening %s outbox: %w", dialect, err)
	}
	if dialect == SQLite {
		// sqlite serialises writers; one connection keeps in-memory databases shared.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outboxflow: connecting to %s outbox: %w", dialect, err)
	}
	s, err := NewStore(db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *Store) DB() *sql.DB       { return s.db }
func (s *Store) Dialect() Dialect { return s.dialect }
func (s *Store) Table() string    { return s.table }

// Close closes the pool when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the outbox table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.createTable(s.table)); err != nil {
		return fmt.Errorf("outboxflow: creating %s: %w", s.table, err)
	}
	return nil
}

// Insert writes rows through exec, normally the caller's transaction. Rows go
// out insertChunk per statement to stay under the bind parameter limits of
// every dialect.
func (s *Store) Insert(ctx context.Context, exec Execer, rows []Row) error {
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))
		if err := s.insert(ctx, exec, rows[start:end]); err != nil {
			return fmt.Errorf("outboxflow: inserting %d outbox row(s): %w", len(rows), err)
		}
	}
	return nil
}

func (s *Store) insert(ctx context.Context, exec Execer, rows []Row) error {
	const cols = 4
	values := make([]string, len(rows))
	args := make([]any, 0, len(rows)*cols)
	for i, row := range rows {
		values[i] = "(" + s.dialect.placeholders(i*cols+1, cols) + ")"
		createdAt := row.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		args = append(args, row.Topic, nullable(row.PartitionKey), nullable(row.Payload), createdAt.UTC())
	}
	query := fmt.Sprintf("INSERT INTO %s (topic, partition_key, payload, created_at) VALUES %s",
		s.table, strings.Join(values, ", "))
	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

// SelectPending returns up to limit rows, oldest id first.
func (s *Store) SelectPending(ctx context.Context, limit int) ([]Row, error) {
	query := fmt.Sprintf("SELECT id, topic, partition_key, payload, created_at FROM %s ORDER BY id ASC LIMIT %s",
		s.table, s.dialect.placeholder(1))
	rs, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outboxflow: selecting outbox rows: %w", err)
	}
	defer rs.Close()

	var rows []Row
	for rs.Next() {
		var row Row
		if err := rs.Scan(&row.ID, &row.Topic, &row.PartitionKey, &row.Payload, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("outboxflow: scanning outbox row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("outboxflow: reading outbox rows: %w", err)
	}
	return rows, nil
}

// DeleteByIDs removes exactly the given rows and reports how many were
// deleted. Rows inserted meanwhile are never touched.
func (s *Store) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", s.table, s.dialect.placeholders(1, len(chunk)))
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return deleted, fmt.Errorf("outboxflow: deleting outbox rows: %w", err)
		}
		n, err := res.RowsAffected()
		if err == nil {
			deleted += n
		}
	}
	return deleted, nil
}

// Count returns the number of pending rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("outboxflow: counting outbox rows: %w", err)
	}
	return n, nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
