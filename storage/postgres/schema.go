package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	partition   TEXT   NOT NULL,
	record_type TEXT   NOT NULL,
	record_id   TEXT   NOT NULL,
	ver         INT    NOT NULL,
	scheme      TEXT   NOT NULL,
	nonce       BYTEA  NOT NULL,
	ciphertext  BYTEA  NOT NULL,
	PRIMARY KEY (partition, record_type, record_id)
);
`

// EnsureSchema creates the records table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
