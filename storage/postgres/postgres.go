// Package postgres implements storage.Store backed by PostgreSQL.
//
// Slots are keyed by (namespace, slot) so several clients can share one
// database; each Store is bound to a single namespace.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokerportal/sessionguard/storage"
)

// DefaultNamespace is used when NewStore is given an empty namespace.
const DefaultNamespace = "default"

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool      *pgxpool.Pool
	namespace string
	ownsPool  bool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store using pool. The caller keeps ownership of the pool.
func NewStore(pool *pgxpool.Pool, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{pool: pool, namespace: namespace}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a Store that closes the pool on Close.
func NewStoreFromDSN(ctx context.Context, dsn, namespace string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	s := NewStore(pool, namespace)
	s.ownsPool = true
	return s, nil
}

// Close closes the pool if the Store created it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Get(slot string) (string, error) {
	var value string
	err := s.pool.QueryRow(context.Background(),
		`SELECT value FROM slots WHERE namespace = $1 AND slot = $2`,
		s.namespace, slot).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", slot, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading slot %s: %w", slot, err)
	}
	return value, nil
}

func (s *Store) Put(slot, value string) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO slots (namespace, slot, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (namespace, slot)
		 DO UPDATE SET value = $3, updated_at = now()`,
		s.namespace, slot, value)
	if err != nil {
		return fmt.Errorf("writing slot %s: %w", slot, err)
	}
	return nil
}

func (s *Store) Delete(slot string) error {
	_, err := s.pool.Exec(context.Background(),
		`DELETE FROM slots WHERE namespace = $1 AND slot = $2`,
		s.namespace, slot)
	if err != nil {
		return fmt.Errorf("deleting slot %s: %w", slot, err)
	}
	return nil
}
