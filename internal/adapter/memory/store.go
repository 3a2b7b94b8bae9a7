// Package memory implements the store ports in process memory. It is the
// single-instance backend and the reference the concurrency tests run against.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/event"
	"github.com/Strob0t/slotkeeper/internal/domain/exception"
	"github.com/Strob0t/slotkeeper/internal/domain/reservation"
	"github.com/Strob0t/slotkeeper/internal/domain/tenant"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
	"github.com/Strob0t/slotkeeper/internal/port/database"
)

const shardCount = 256

// resourceKey identifies one resource timeline.
type resourceKey struct {
	tenantID   string
	resourceID string
}

type tokenKey struct {
	tenantID string
	token    string
}

// timeline holds the rows of one resource.
type timeline struct {
	reservations map[string]*reservation.Reservation
	exceptions   map[string]*exception.Exception
}

// Store is an in-memory database.Store.
//
// Writers on the same resource serialize on a sharded mutex held across the
// conflict scan and the write. The row maps have their own RWMutex so reads
// only ever wait for the short copy-in/copy-out of a writer.
type Store struct {
	shards [shardCount]sync.Mutex

	mu          sync.RWMutex
	timelines   map[resourceKey]*timeline
	resByID     map[string]resourceKey
	excByID     map[string]resourceKey
	tokens      map[tokenKey]string
	changes     []event.Change
	nextChange  int64
	unpublished int

	now   func() time.Time
	newID func() string
}

var _ database.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		timelines: make(map[resourceKey]*timeline),
		resByID:   make(map[string]resourceKey),
		excByID:   make(map[string]resourceKey),
		tokens:    make(map[tokenKey]string),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
}

func shardFor(k resourceKey) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.resourceID))
	return int(h.Sum32() % shardCount)
}

// lock acquires the writer lock for k and returns its release func. ctx is
// checked once on entry; the wait on the shard mutex itself cannot be
// cancelled, so a request past its deadline still queues behind the current
// writer. Critical sections are in-memory and short, which keeps that wait
// bounded in single-process mode.
func (s *Store) lock(ctx context.Context, k resourceKey) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &s.shards[shardFor(k)]
	m.Lock()
	return m.Unlock, nil
}

// timelineLocked returns the timeline for k, creating it. Caller holds s.mu.
func (s *Store) timelineLocked(k resourceKey) *timeline {
	tl, ok := s.timelines[k]
	if !ok {
		tl = &timeline{
			reservations: make(map[string]*reservation.Reservation),
			exceptions:   make(map[string]*exception.Exception),
		}
		s.timelines[k] = tl
	}
	return tl
}

// appendChangeLocked records an outbox event. Caller holds s.mu for writing.
func (s *Store) appendChangeLocked(k resourceKey, t event.ChangeType, at time.Time) {
	s.nextChange++
	s.changes = append(s.changes, event.Change{
		ID:         s.nextChange,
		TenantID:   k.tenantID,
		ResourceID: k.resourceID,
		ChangeType: t,
		ChangedAt:  at,
	})
	s.unpublished++
}

func writeTenant(ctx context.Context) (string, error) {
	tid := tenant.IDFromContext(ctx)
	if tid == "" {
		return "", domain.ErrAccessDenied
	}
	return tid, nil
}

// --- Reservations ---

// activeExcept returns active reservations on tl, skipping excluding, sorted by start.
func activeExcept(tl *timeline, excluding string) []reservation.Reservation {
	out := make([]reservation.Reservation, 0, len(tl.reservations))
	for id, r := range tl.reservations {
		if id == excluding || !r.Status.Active() {
			continue
		}
		out = append(out, *r)
	}
	sortReservations(out)
	return out
}

func sortReservations(rs []reservation.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Start.Equal(rs[j].Start) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Start.Before(rs[j].Start)
	})
}

// TryReserve implements database.Store. A client token already used by the
// tenant returns the reservation created with it.
func (s *Store) TryReserve(ctx context.Context, r *reservation.Reservation, excluding string, policy database.ReservePolicy) (*reservation.Reservation, error) {
	tid, err := writeTenant(ctx)
	if err != nil {
		return nil, err
	}
	k := resourceKey{tenantID: tid, resourceID: r.ResourceID}
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if r.ClientToken != "" {
		if existing := s.byToken(tid, r.ClientToken); existing != nil {
			return existing, nil
		}
	}

	s.mu.RLock()
	active := activeExcept(s.timelineOrEmpty(k), excluding)
	s.mu.RUnlock()

	if err := reservation.FindConflict(r.Range(), active, policy.AlternativeOffsets, policy.MaxAlternatives); err != nil {
		return nil, err
	}

	now := s.now()
	created := *r
	created.ID = s.newID()
	created.TenantID = tid
	created.Status = reservation.StatusPending
	created.Start, created.End = r.Start.UTC(), r.End.UTC()
	created.CreatedAt, created.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	if created.ClientToken != "" {
		tk := tokenKey{tenantID: tid, token: created.ClientToken}
		if id, ok := s.tokens[tk]; ok {
			// Same token raced in on another resource.
			existing := *s.timelines[s.resByID[id]].reservations[id]
			return &existing, nil
		}
		s.tokens[tk] = created.ID
	}
	stored := created
	s.timelineLocked(k).reservations[created.ID] = &stored
	s.resByID[created.ID] = k
	s.appendChangeLocked(k, event.ReservationCreated, now)
	return &created, nil
}

func (s *Store) timelineOrEmpty(k resourceKey) *timeline {
	if tl, ok := s.timelines[k]; ok {
		return tl
	}
	return &timeline{}
}

func (s *Store) byToken(tid, token string) *reservation.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[tokenKey{tenantID: tid, token: token}]
	if !ok {
		return nil
	}
	r := *s.timelines[s.resByID[id]].reservations[id]
	return &r
}

// GetReservation implements database.Store.
func (s *Store) GetReservation(ctx context.Context, id string) (*reservation.Reservation, error) {
	tid := tenant.IDFromContext(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.resByID[id]
	if !ok || tid == "" || k.tenantID != tid {
		return nil, fmt.Errorf("get reservation %s: %w", id, domain.ErrNotFound)
	}
	r := *s.timelines[k].reservations[id]
	return &r, nil
}

// GetReservationByToken implements database.Store.
func (s *Store) GetReservationByToken(ctx context.Context, clientToken string) (*reservation.Reservation, error) {
	tid := tenant.IDFromContext(ctx)
	if tid == "" || clientToken == "" {
		return nil, fmt.Errorf("get reservation by token: %w", domain.ErrNotFound)
	}
	if r := s.byToken(tid, clientToken); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("get reservation by token: %w", domain.ErrNotFound)
}

// ListReservations implements database.Store. A zero window lists everything.
func (s *Store) ListReservations(ctx context.Context, resourceID string, window timerange.Range) ([]reservation.Reservation, error) {
	tid := tenant.IDFromContext(ctx)
	if tid == "" {
		return []reservation.Reservation{}, nil
	}
	s.mu.RLock()
	tl := s.timelineOrEmpty(resourceKey{tenantID: tid, resourceID: resourceID})
	out := make([]reservation.Reservation, 0, len(tl.reservations))
	for _, r := range tl.reservations {
		if inWindow(r.Range(), window) {
			out = append(out, *r)
		}
	}
	s.mu.RUnlock()
	sortReservations(out)
	return out, nil
}

func inWindow(r, window timerange.Range) bool {
	if window.Start.IsZero() && window.End.IsZero() {
		return true
	}
	return r.Overlaps(window)
}

// lockReservation resolves id to its resource and takes that resource's writer lock.
func (s *Store) lockReservation(ctx context.Context, id string) (resourceKey, func(), error) {
	tid, err := writeTenant(ctx)
	if err != nil {
		return resourceKey{}, nil, err
	}
	s.mu.RLock()
	k, ok := s.resByID[id]
	s.mu.RUnlock()
	if !ok || k.tenantID != tid {
		return resourceKey{}, nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return resourceKey{}, nil, err
	}
	return k, unlock, nil
}

// TransitionReservation implements database.Store. Moving to a terminal
// status emits reservation_released.
func (s *Store) TransitionReservation(ctx context.Context, id string, to reservation.Status) (*reservation.Reservation, error) {
	k, unlock, err := s.lockReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.timelines[k].reservations[id]
	if err := reservation.CheckTransition(r.Status, to); err != nil {
		return nil, err
	}
	now := s.now()
	r.Status = to
	r.UpdatedAt = now
	if to.Terminal() {
		s.appendChangeLocked(k, event.ReservationReleased, now)
	}
	out := *r
	return &out, nil
}

// RescheduleReservation implements database.Store. Only active reservations
// move; the old window is released and the new one occupied atomically.
func (s *Store) RescheduleReservation(ctx context.Context, id string, window timerange.Range, policy database.ReservePolicy) (*reservation.Reservation, error) {
	k, unlock, err := s.lockReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.RLock()
	tl := s.timelines[k]
	current := *tl.reservations[id]
	active := activeExcept(tl, id)
	s.mu.RUnlock()

	if !current.Status.Active() {
		return nil, &domain.TransitionError{From: string(current.Status), To: string(current.Status)}
	}
	if err := reservation.FindConflict(window, active, policy.AlternativeOffsets, policy.MaxAlternatives); err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.timelines[k].reservations[id]
	r.Start, r.End = window.Start.UTC(), window.End.UTC()
	r.UpdatedAt = now
	s.appendChangeLocked(k, event.ReservationReleased, now)
	s.appendChangeLocked(k, event.ReservationCreated, now)
	out := *r
	return &out, nil
}

// --- Exceptions ---

func cloneException(e *exception.Exception) exception.Exception {
	out := *e
	out.Metadata = maps.Clone(e.Metadata)
	return out
}

// UpsertException implements database.Store.
func (s *Store) UpsertException(ctx context.Context, req *exception.UpsertRequest, window timerange.Range) (*exception.Exception, exception.Outcome, error) {
	tid, err := writeTenant(ctx)
	if err != nil {
		return nil, "", err
	}
	k := resourceKey{tenantID: tid, resourceID: req.ResourceID}
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	s.mu.RLock()
	tl := s.timelineOrEmpty(k)
	candidates := make([]exception.Exception, 0, len(tl.exceptions))
	for _, e := range tl.exceptions {
		candidates = append(candidates, cloneException(e))
	}
	s.mu.RUnlock()

	plan := exception.PlanMerge(tid, window, req, candidates)
	outcome := plan.Outcome()
	if plan.Noop {
		out := plan.Merged
		return &out, outcome, nil
	}

	now := s.now()
	merged := plan.Merged
	if merged.ID == "" {
		merged.ID = s.newID()
		merged.CreatedAt = now
	}
	merged.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	tl = s.timelineLocked(k)
	for _, id := range plan.Absorbed {
		delete(tl.exceptions, id)
		delete(s.excByID, id)
	}
	stored := cloneException(&merged)
	tl.exceptions[merged.ID] = &stored
	s.excByID[merged.ID] = k
	s.appendChangeLocked(k, plan.Change, now)
	return &merged, outcome, nil
}

// GetException implements database.Store.
func (s *Store) GetException(ctx context.Context, id string) (*exception.Exception, error) {
	tid := tenant.IDFromContext(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.excByID[id]
	if !ok || tid == "" || k.tenantID != tid {
		return nil, fmt.Errorf("get exception %s: %w", id, domain.ErrNotFound)
	}
	e := cloneException(s.timelines[k].exceptions[id])
	return &e, nil
}

// ListExceptions implements database.Store. A zero window lists everything.
func (s *Store) ListExceptions(ctx context.Context, resourceID string, window timerange.Range) ([]exception.Exception, error) {
	tid := tenant.IDFromContext(ctx)
	if tid == "" {
		return []exception.Exception{}, nil
	}
	s.mu.RLock()
	tl := s.timelineOrEmpty(resourceKey{tenantID: tid, resourceID: resourceID})
	out := make([]exception.Exception, 0, len(tl.exceptions))
	for _, e := range tl.exceptions {
		if inWindow(e.Range(), window) {
			out = append(out, cloneException(e))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return !out[i].Closed && out[j].Closed
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// DeleteException implements database.Store.
func (s *Store) DeleteException(ctx context.Context, id string) error {
	tid, err := writeTenant(ctx)
	if err != nil {
		return err
	}
	s.mu.RLock()
	k, ok := s.excByID[id]
	s.mu.RUnlock()
	if !ok || k.tenantID != tid {
		return fmt.Errorf("delete exception %s: %w", id, domain.ErrNotFound)
	}
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.timelines[k]
	if _, ok := tl.exceptions[id]; !ok {
		// Absorbed by a merge that held the lock first.
		return fmt.Errorf("delete exception %s: %w", id, domain.ErrNotFound)
	}
	delete(tl.exceptions, id)
	delete(s.excByID, id)
	s.appendChangeLocked(k, event.ExceptionDeleted, s.now())
	return nil
}

// --- Change outbox ---

// ListPendingChanges implements database.Store.
func (s *Store) ListPendingChanges(_ context.Context, limit int) ([]event.Change, error) {
	if limit <= 0 {
		return []event.Change{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.Change, 0, min(limit, s.unpublished))
	for i := range s.changes {
		if len(out) == limit {
			break
		}
		if s.changes[i].PublishedAt == nil {
			out = append(out, s.changes[i])
		}
	}
	return out, nil
}

// MarkChangesPublished implements database.Store.
func (s *Store) MarkChangesPublished(_ context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.changes {
		if _, ok := want[s.changes[i].ID]; ok && s.changes[i].PublishedAt == nil {
			t := now
			s.changes[i].PublishedAt = &t
			s.unpublished--
		}
	}
	return nil
}

// PurgePublishedChanges implements database.Store.
func (s *Store) PurgePublishedChanges(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.changes[:0]
	var n int64
	for _, c := range s.changes {
		if c.PublishedAt != nil && c.PublishedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	s.changes = kept
	return n, nil
}
