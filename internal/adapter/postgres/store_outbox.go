package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain/event"
)

// ListPendingChanges implements database.Store.
func (s *Store) ListPendingChanges(ctx context.Context, limit int) ([]event.Change, error) {
	if limit <= 0 {
		return []event.Change{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, resource_id, change_type, changed_at
		 FROM availability_changes
		 WHERE published_at IS NULL
		 ORDER BY id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	defer rows.Close()

	out := []event.Change{}
	for rows.Next() {
		var c event.Change
		var t string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ResourceID, &t, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.ChangeType = event.ChangeType(t)
		c.ChangedAt = c.ChangedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkChangesPublished implements database.Store.
func (s *Store) MarkChangesPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE availability_changes SET published_at = now()
		 WHERE id = ANY($1::bigint[]) AND published_at IS NULL`, ids)
	if err != nil {
		return fmt.Errorf("mark changes published: %w", err)
	}
	return nil
}

// PurgePublishedChanges implements database.Store.
func (s *Store) PurgePublishedChanges(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM availability_changes WHERE published_at IS NOT NULL AND published_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge published changes: %w", err)
	}
	return tag.RowsAffected(), nil
}
