package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/event"
	"github.com/Strob0t/slotkeeper/internal/domain/reservation"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
	"github.com/Strob0t/slotkeeper/internal/port/database"
)

const reservationColumns = `id, tenant_id, resource_id, service_id, start_at, end_at, status,
	COALESCE(client_token, ''), created_at, updated_at`

const clientTokenConstraint = "reservations_client_token_uq"

const activeStatusFilter = `status IN ('pending', 'confirmed', 'checked_in')`

func scanReservation(row scannable) (reservation.Reservation, error) {
	var r reservation.Reservation
	var status string
	err := row.Scan(&r.ID, &r.TenantID, &r.ResourceID, &r.ServiceID, &r.Start, &r.End, &status,
		&r.ClientToken, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.Status = reservation.Status(status)
	r.Start, r.End = r.Start.UTC(), r.End.UTC()
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return r, nil
}

func collectReservations(rows pgx.Rows) ([]reservation.Reservation, error) {
	defer rows.Close()
	out := []reservation.Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// activeReservations reads the active rows of one resource.
func activeReservations(ctx context.Context, q querier, tenantID, resourceID, excluding string) ([]reservation.Reservation, error) {
	rows, err := q.Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE tenant_id = $1 AND resource_id = $2 AND `+activeStatusFilter+`
		   AND ($3::uuid IS NULL OR id <> $3::uuid)
		 ORDER BY start_at, id`,
		tenantID, resourceID, nullIfEmpty(excluding))
	if err != nil {
		return nil, fmt.Errorf("scan active reservations: %w", err)
	}
	return collectReservations(rows)
}

func insertChange(ctx context.Context, tx pgx.Tx, tenantID, resourceID string, t event.ChangeType) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO availability_changes (tenant_id, resource_id, change_type) VALUES ($1, $2, $3)`,
		tenantID, resourceID, string(t))
	if err != nil {
		return fmt.Errorf("append change %s: %w", t, err)
	}
	return nil
}

// TryReserve implements database.Store. A client token already used by the
// tenant returns the reservation created with it.
func (s *Store) TryReserve(ctx context.Context, r *reservation.Reservation, excluding string, policy database.ReservePolicy) (*reservation.Reservation, error) {
	tid, err := writeTenant(ctx)
	if err != nil {
		return nil, err
	}
	if excluding != "" && !validID(excluding) {
		excluding = ""
	}

	var created reservation.Reservation
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockResource(ctx, tx, tid, r.ResourceID); err != nil {
			return err
		}

		if r.ClientToken != "" {
			existing, err := scanReservation(tx.QueryRow(ctx,
				`SELECT `+reservationColumns+` FROM reservations WHERE tenant_id = $1 AND client_token = $2`,
				tid, r.ClientToken))
			if err == nil {
				created = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("lookup client token: %w", err)
			}
		}

		active, err := activeReservations(ctx, tx, tid, r.ResourceID, excluding)
		if err != nil {
			return err
		}
		if err := reservation.FindConflict(r.Range(), active, policy.AlternativeOffsets, policy.MaxAlternatives); err != nil {
			return err
		}

		created, err = scanReservation(tx.QueryRow(ctx,
			`INSERT INTO reservations (tenant_id, resource_id, service_id, start_at, end_at, client_token)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+reservationColumns,
			tid, r.ResourceID, r.ServiceID, r.Start.UTC(), r.End.UTC(), nullIfEmpty(r.ClientToken)))
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return insertChange(ctx, tx, tid, r.ResourceID, event.ReservationCreated)
	})
	if err != nil {
		switch code, constraint := pgCode(err); {
		case code == codeUniqueViolation && constraint == clientTokenConstraint:
			existing, lookupErr := s.GetReservationByToken(ctx, r.ClientToken)
			if lookupErr != nil {
				return nil, fmt.Errorf("%w: %w", domain.ErrTransient, err)
			}
			return existing, nil
		case code == codeExclusionViolation:
			return nil, s.exclusionConflict(ctx, tid, r, excluding, policy)
		}
		return nil, translate(err)
	}
	return &created, nil
}

// exclusionConflict names the blocker after the schema rejected an overlap
// that raced past the advisory lock.
func (s *Store) exclusionConflict(ctx context.Context, tid string, r *reservation.Reservation, excluding string, policy database.ReservePolicy) error {
	active, err := activeReservations(ctx, s.pool, tid, r.ResourceID, excluding)
	if err == nil {
		if cerr := reservation.FindConflict(r.Range(), active, policy.AlternativeOffsets, policy.MaxAlternatives); cerr != nil {
			return cerr
		}
	}
	// The blocker was released in the meantime.
	return &domain.ConflictError{}
}

// GetReservation implements database.Store.
func (s *Store) GetReservation(ctx context.Context, id string) (*reservation.Reservation, error) {
	tid := tenantFromCtx(ctx)
	if tid == "" || !validID(id) {
		return nil, fmt.Errorf("get reservation %s: %w", id, domain.ErrNotFound)
	}
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 AND tenant_id = $2`, id, tid))
	if err != nil {
		return nil, notFoundWrap(err, "get reservation %s", id)
	}
	return &r, nil
}

// GetReservationByToken implements database.Store.
func (s *Store) GetReservationByToken(ctx context.Context, clientToken string) (*reservation.Reservation, error) {
	tid := tenantFromCtx(ctx)
	if tid == "" || clientToken == "" {
		return nil, fmt.Errorf("get reservation by token: %w", domain.ErrNotFound)
	}
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE tenant_id = $1 AND client_token = $2`, tid, clientToken))
	if err != nil {
		return nil, notFoundWrap(err, "get reservation by token")
	}
	return &r, nil
}

// ListReservations implements database.Store. A zero window lists everything.
func (s *Store) ListReservations(ctx context.Context, resourceID string, window timerange.Range) ([]reservation.Reservation, error) {
	tid := tenantFromCtx(ctx)
	if tid == "" {
		return []reservation.Reservation{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE tenant_id = $1 AND resource_id = $2
		   AND ($3::timestamptz IS NULL OR (start_at < $4 AND end_at > $3))
		 ORDER BY start_at, id`,
		tid, resourceID, nullTime(window.Start), nullTime(window.End))
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return collectReservations(rows)
}

// lockedReservation takes the resource lock for id and returns the row, locked.
func lockedReservation(ctx context.Context, tx pgx.Tx, tid, id string) (reservation.Reservation, error) {
	var resourceID string
	err := tx.QueryRow(ctx,
		`SELECT resource_id FROM reservations WHERE id = $1 AND tenant_id = $2`, id, tid).Scan(&resourceID)
	if err != nil {
		return reservation.Reservation{}, notFoundWrap(err, "reservation %s", id)
	}
	if err := lockResource(ctx, tx, tid, resourceID); err != nil {
		return reservation.Reservation{}, err
	}
	r, err := scanReservation(tx.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tid))
	if err != nil {
		return reservation.Reservation{}, notFoundWrap(err, "reservation %s", id)
	}
	return r, nil
}

// TransitionReservation implements database.Store. Moving to a terminal
// status emits reservation_released.
func (s *Store) TransitionReservation(ctx context.Context, id string, to reservation.Status) (*reservation.Reservation, error) {
	tid, err := writeTenant(ctx)
	if err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}

	var out reservation.Reservation
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockedReservation(ctx, tx, tid, id)
		if err != nil {
			return err
		}
		if err := reservation.CheckTransition(current.Status, to); err != nil {
			return err
		}
		out, err = scanReservation(tx.QueryRow(ctx,
			`UPDATE reservations SET status = $3, updated_at = now()
			 WHERE id = $1 AND tenant_id = $2
			 RETURNING `+reservationColumns,
			id, tid, string(to)))
		if err != nil {
			return fmt.Errorf("update reservation status: %w", err)
		}
		if to.Terminal() {
			return insertChange(ctx, tx, tid, current.ResourceID, event.ReservationReleased)
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

// RescheduleReservation implements database.Store. Only active reservations
// move; the old window is released and the new one occupied atomically.
func (s *Store) RescheduleReservation(ctx context.Context, id string, window timerange.Range, policy database.ReservePolicy) (*reservation.Reservation, error) {
	tid, err := writeTenant(ctx)
	if err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}

	var out reservation.Reservation
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockedReservation(ctx, tx, tid, id)
		if err != nil {
			return err
		}
		if !current.Status.Active() {
			return &domain.TransitionError{From: string(current.Status), To: string(current.Status)}
		}
		active, err := activeReservations(ctx, tx, tid, current.ResourceID, id)
		if err != nil {
			return err
		}
		if err := reservation.FindConflict(window, active, policy.AlternativeOffsets, policy.MaxAlternatives); err != nil {
			return err
		}
		out, err = scanReservation(tx.QueryRow(ctx,
			`UPDATE reservations SET start_at = $3, end_at = $4, updated_at = now()
			 WHERE id = $1 AND tenant_id = $2
			 RETURNING `+reservationColumns,
			id, tid, window.Start.UTC(), window.End.UTC()))
		if err != nil {
			return fmt.Errorf("move reservation: %w", err)
		}
		if err := insertChange(ctx, tx, tid, current.ResourceID, event.ReservationReleased); err != nil {
			return err
		}
		return insertChange(ctx, tx, tid, current.ResourceID, event.ReservationCreated)
	})
	if err != nil {
		if code, _ := pgCode(err); code == codeExclusionViolation {
			return nil, &domain.ConflictError{}
		}
		return nil, translate(err)
	}
	return &out, nil
}
