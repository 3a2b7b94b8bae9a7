package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/idempotency"
	portidem "github.com/Strob0t/slotkeeper/internal/port/idempotency"
)

// IdempotencyStore persists idempotency records in the idempotency_records table.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

var _ portidem.Store = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates an IdempotencyStore on pool.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

const idempotencyColumns = `tenant_id, key_hash, endpoint, method, request_hash, state,
	response_status, response_headers, response_body, created_at, expires_at`

func scanIdempotency(row scannable) (*idempotency.Record, error) {
	var r idempotency.Record
	var state string
	var headers []byte
	err := row.Scan(&r.Scope.TenantID, &r.Scope.KeyHash, &r.Scope.Endpoint, &r.Scope.Method,
		&r.RequestHash, &state, &r.Response.Status, &headers, &r.Response.Body, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	r.State = idempotency.State(state)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &r.Response.Headers); err != nil {
			return nil, fmt.Errorf("decode response headers: %w", err)
		}
	}
	return &r, nil
}

// Claim implements idempotency.Store. The insert takes over a row whose
// expiry has passed; a live row makes it a no-op and the holder is returned.
func (s *IdempotencyStore) Claim(ctx context.Context, rec *idempotency.Record) (*idempotency.Record, bool, error) {
	sc := rec.Scope
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_records
		   (tenant_id, key_hash, endpoint, method, request_hash, state, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, 'in_flight', $6, $7)
		 ON CONFLICT (tenant_id, key_hash, endpoint, method) DO UPDATE
		   SET request_hash = EXCLUDED.request_hash,
		       state = 'in_flight',
		       response_status = 0,
		       response_headers = '{}',
		       response_body = NULL,
		       created_at = EXCLUDED.created_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE idempotency_records.expires_at <= EXCLUDED.created_at`,
		sc.TenantID, sc.KeyHash, sc.Endpoint, sc.Method, rec.RequestHash, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return nil, false, translate(fmt.Errorf("claim idempotency key: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	existing, err := scanIdempotency(s.pool.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_records
		 WHERE tenant_id = $1 AND key_hash = $2 AND endpoint = $3 AND method = $4`,
		sc.TenantID, sc.KeyHash, sc.Endpoint, sc.Method))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between insert and read; let the caller retry.
			return nil, false, domain.ErrTransient
		}
		return nil, false, fmt.Errorf("read idempotency holder: %w", err)
	}
	return existing, false, nil
}

// Complete implements idempotency.Store.
func (s *IdempotencyStore) Complete(ctx context.Context, scope idempotency.Scope, resp idempotency.Response, expiresAt time.Time) error {
	headers := resp.Headers
	if headers == nil {
		headers = http.Header{}
	}
	hb, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency_records
		 SET state = 'completed', response_status = $5, response_headers = $6, response_body = $7, expires_at = $8
		 WHERE tenant_id = $1 AND key_hash = $2 AND endpoint = $3 AND method = $4`,
		scope.TenantID, scope.KeyHash, scope.Endpoint, scope.Method, resp.Status, hb, resp.Body, expiresAt)
	return execExpectOne(tag, err, "complete idempotency record")
}

// Release implements idempotency.Store. Completed records are never released.
func (s *IdempotencyStore) Release(ctx context.Context, scope idempotency.Scope) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records
		 WHERE tenant_id = $1 AND key_hash = $2 AND endpoint = $3 AND method = $4 AND state = 'in_flight'`,
		scope.TenantID, scope.KeyHash, scope.Endpoint, scope.Method)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Get implements idempotency.Store.
func (s *IdempotencyStore) Get(ctx context.Context, scope idempotency.Scope) (*idempotency.Record, error) {
	rec, err := scanIdempotency(s.pool.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_records
		 WHERE tenant_id = $1 AND key_hash = $2 AND endpoint = $3 AND method = $4 AND expires_at > now()`,
		scope.TenantID, scope.KeyHash, scope.Endpoint, scope.Method))
	if err != nil {
		return nil, notFoundWrap(err, "get idempotency record")
	}
	return rec, nil
}

// Purge implements idempotency.Store.
func (s *IdempotencyStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
