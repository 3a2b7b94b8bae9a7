package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/slotkeeper/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
//
// Writers on one resource serialize on a transaction-scoped advisory lock
// taken before the conflict scan; the exclusion constraints in the schema
// reject anything that slips past it.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
