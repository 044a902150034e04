// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (partition, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Envelope fields are stored as individual columns to leverage
// native BYTEA storage for nonce and ciphertext data.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/keyward/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Put(partition, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO records (partition, record_type, record_id, ver, scheme, nonce, ciphertext)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (partition, record_type, record_id)
		 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7`,
		partition, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext)
	return err
}

func (s *Store) Get(partition, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := s.pool.QueryRow(context.Background(),
		`SELECT ver, scheme, nonce, ciphertext
		 FROM records WHERE partition = $1 AND record_type = $2 AND record_id = $3`,
		partition, recordType, recordID).Scan(
		&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(context.Background(), s.pool, partition, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) List(partition, recordType string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record_id FROM records WHERE partition = $1 AND record_type = $2`,
		partition, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(partition, recordType, recordID string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM records WHERE partition = $1 AND record_type = $2 AND record_id = $3`,
		partition, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(context.Background(), s.pool, partition, recordType, recordID)
	}
	return nil
}

func (s *Store) Batch(partition string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.Background()) //nolint:errcheck

	btx := &pgBatchTx{tx: pgTx, partition: partition}
	if err := fn(btx); err != nil {
		return err
	}
	return pgTx.Commit(context.Background())
}

type pgBatchTx struct {
	tx        pgx.Tx
	partition string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	_, err := btx.tx.Exec(context.Background(),
		`INSERT INTO records (partition, record_type, record_id, ver, scheme, nonce, ciphertext)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (partition, record_type, record_id)
		 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7`,
		btx.partition, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext)
	return err
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	tag, err := btx.tx.Exec(context.Background(),
		`DELETE FROM records WHERE partition = $1 AND record_type = $2 AND record_id = $3`,
		btx.partition, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// notFoundError determines whether a missing record is due to a missing
// partition or a missing record within an existing partition. This preserves
// the BBolt semantic of distinguishing the two.
func notFoundError(ctx context.Context, q querier, partition, recordType, recordID string) error {
	var exists bool
	_ = q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE partition = $1 LIMIT 1)`,
		partition).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", partition, storage.ErrPartitionNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
