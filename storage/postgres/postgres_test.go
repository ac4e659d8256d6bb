package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokerportal/sessionguard/storage"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("SESSIONGUARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SESSIONGUARD_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
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

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM slots") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM slots") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func TestPostgresStore(t *testing.T) {
	s := NewStore(newTestPool(t), "")

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(storage.SessionSlot)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		if err := s.Put(storage.SessionSlot, "first"); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Put(storage.SessionSlot, "second"); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(storage.SessionSlot)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != "second" {
			t.Errorf("expected last write to win, got %q", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.Delete(storage.SessionSlot); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(storage.SessionSlot); err != nil {
			t.Fatalf("Delete of missing slot failed: %v", err)
		}
		if _, err := s.Get(storage.SessionSlot); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestPostgresNamespacesAreIsolated(t *testing.T) {
	pool := newTestPool(t)
	a := NewStore(pool, "device-a")
	b := NewStore(pool, "device-b")

	if err := a.Put(storage.SessionSlot, "a"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := b.Get(storage.SessionSlot); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected namespace b to be empty, got %v", err)
	}
}
