package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/keyward/storage"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("KEYWARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KEYWARD_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	// Clean table for test isolation.
	pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck

	return NewRepository(pool), func() {
		pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
		pool.Close()
	}
}

func TestPostgresStorage(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("cipher")}

	t.Run("PutGet", func(t *testing.T) {
		if err := s.Put("kra", "KEYRECORD", "0x01", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get("kra", "KEYRECORD", "0x01")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != env.Ver || got.Scheme != env.Scheme {
			t.Fatalf("envelope mismatch: %+v", got)
		}
	})

	t.Run("GetMissingRecord", func(t *testing.T) {
		_, err := s.Get("kra", "KEYRECORD", "0xff")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetMissingPartition", func(t *testing.T) {
		_, err := s.Get("nope", "KEYRECORD", "0x01")
		if !errors.Is(err, storage.ErrPartitionNotFound) {
			t.Fatalf("expected ErrPartitionNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		if err := s.Put("kra", "KEYRECORD", "0x02", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := s.List("kra", "KEYRECORD")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Fatalf("expected 2 ids, got %v", ids)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Batch("kra", func(tx storage.BatchTx) error {
			if err := tx.Put("KEYRECORD", "0x03", env); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.Get("kra", "KEYRECORD", "0x03"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected rollback, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.Delete("kra", "KEYRECORD", "0x01"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get("kra", "KEYRECORD", "0x01"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})
}
