package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/event"
	"github.com/Strob0t/slotkeeper/internal/domain/exception"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
)

const exceptionColumns = `id, tenant_id, resource_id, start_at, end_at, closed, source, description,
	metadata, created_at, updated_at`

func scanException(row scannable) (exception.Exception, error) {
	var e exception.Exception
	var source string
	var meta []byte
	err := row.Scan(&e.ID, &e.TenantID, &e.ResourceID, &e.Start, &e.End, &e.Closed, &source,
		&e.Description, &meta, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.Source = exception.Source(source)
	e.Start, e.End = e.Start.UTC(), e.End.UTC()
	e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
	e.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return e, fmt.Errorf("decode exception metadata: %w", err)
		}
	}
	return e, nil
}

func collectExceptions(rows pgx.Rows) ([]exception.Exception, error) {
	defer rows.Close()
	out := []exception.Exception{}
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func metadataJSON(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

// UpsertException implements database.Store. Under the resource lock it reads
// every same-flag row touching the window, then deletes the absorbed rows and
// rewrites the survivor in the same transaction. Deletes run first so the
// closure exclusion constraint never sees the grown row next to a stale one.
func (s *Store) UpsertException(ctx context.Context, req *exception.UpsertRequest, window timerange.Range) (*exception.Exception, exception.Outcome, error) {
	tid, err := writeTenant(ctx)
	if err != nil {
		return nil, "", err
	}

	var (
		out     exception.Exception
		outcome exception.Outcome
	)
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockResource(ctx, tx, tid, req.ResourceID); err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT `+exceptionColumns+`
			 FROM availability_exceptions
			 WHERE tenant_id = $1 AND resource_id = $2 AND closed = $3
			   AND start_at <= $5 AND end_at >= $4`,
			tid, req.ResourceID, req.Closed, window.Start, window.End)
		if err != nil {
			return fmt.Errorf("scan exception neighbors: %w", err)
		}
		candidates, err := collectExceptions(rows)
		if err != nil {
			return err
		}

		plan := exception.PlanMerge(tid, window, req, candidates)
		outcome = plan.Outcome()
		if plan.Noop {
			out = plan.Merged
			return nil
		}

		if len(plan.Absorbed) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM availability_exceptions WHERE tenant_id = $1 AND id = ANY($2::uuid[])`,
				tid, plan.Absorbed); err != nil {
				return fmt.Errorf("delete absorbed exceptions: %w", err)
			}
		}

		meta, err := metadataJSON(plan.Merged.Metadata)
		if err != nil {
			return err
		}
		m := plan.Merged
		if m.ID == "" {
			out, err = scanException(tx.QueryRow(ctx,
				`INSERT INTO availability_exceptions
				   (tenant_id, resource_id, start_at, end_at, closed, source, description, metadata)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 RETURNING `+exceptionColumns,
				tid, m.ResourceID, m.Start, m.End, m.Closed, string(m.Source), m.Description, meta))
		} else {
			out, err = scanException(tx.QueryRow(ctx,
				`UPDATE availability_exceptions
				 SET start_at = $3, end_at = $4, source = $5, description = $6, metadata = $7, updated_at = now()
				 WHERE id = $1 AND tenant_id = $2
				 RETURNING `+exceptionColumns,
				m.ID, tid, m.Start, m.End, string(m.Source), m.Description, meta))
		}
		if err != nil {
			return fmt.Errorf("write merged exception: %w", err)
		}
		return insertChange(ctx, tx, tid, req.ResourceID, plan.Change)
	})
	if err != nil {
		if code, _ := pgCode(err); code == codeExclusionViolation {
			// Only reachable if a writer bypassed the advisory lock.
			return nil, "", fmt.Errorf("overlapping closure: %w", domain.ErrTransient)
		}
		return nil, "", translate(err)
	}
	return &out, outcome, nil
}

// GetException implements database.Store.
func (s *Store) GetException(ctx context.Context, id string) (*exception.Exception, error) {
	tid := tenantFromCtx(ctx)
	if tid == "" || !validID(id) {
		return nil, fmt.Errorf("get exception %s: %w", id, domain.ErrNotFound)
	}
	e, err := scanException(s.pool.QueryRow(ctx,
		`SELECT `+exceptionColumns+` FROM availability_exceptions WHERE id = $1 AND tenant_id = $2`, id, tid))
	if err != nil {
		return nil, notFoundWrap(err, "get exception %s", id)
	}
	return &e, nil
}

// ListExceptions implements database.Store. A zero window lists everything.
func (s *Store) ListExceptions(ctx context.Context, resourceID string, window timerange.Range) ([]exception.Exception, error) {
	tid := tenantFromCtx(ctx)
	if tid == "" {
		return []exception.Exception{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+exceptionColumns+`
		 FROM availability_exceptions
		 WHERE tenant_id = $1 AND resource_id = $2
		   AND ($3::timestamptz IS NULL OR (start_at < $4 AND end_at > $3))
		 ORDER BY start_at, closed`,
		tid, resourceID, nullTime(window.Start), nullTime(window.End))
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	return collectExceptions(rows)
}

// DeleteException implements database.Store.
func (s *Store) DeleteException(ctx context.Context, id string) error {
	tid, err := writeTenant(ctx)
	if err != nil {
		return err
	}
	if !validID(id) {
		return fmt.Errorf("delete exception %s: %w", id, domain.ErrNotFound)
	}
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var resourceID string
		err := tx.QueryRow(ctx,
			`SELECT resource_id FROM availability_exceptions WHERE id = $1 AND tenant_id = $2`, id, tid).Scan(&resourceID)
		if err != nil {
			return notFoundWrap(err, "delete exception %s", id)
		}
		if err := lockResource(ctx, tx, tid, resourceID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM availability_exceptions WHERE id = $1 AND tenant_id = $2`, id, tid)
		if err := execExpectOne(tag, err, "delete exception %s", id); err != nil {
			return err
		}
		return insertChange(ctx, tx, tid, resourceID, event.ExceptionDeleted)
	})
	return translate(err)
}
