package reservation

import (
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
)

// DefaultAlternativeOffsets are tried after the requested start.
var DefaultAlternativeOffsets = []time.Duration{30 * time.Minute, time.Hour, 2 * time.Hour}

// DefaultMaxAlternatives caps the number of suggestions.
const DefaultMaxAlternatives = 3

// SuggestAlternatives proposes start times of the same duration: the end of
// the blocking interval first, then each fixed offset after the requested
// start. Candidates that overlap any busy interval are skipped. The result is
// a hint and may be stale by the time the caller acts on it.
func SuggestAlternatives(requested timerange.Range, blocker timerange.Range, busy []timerange.Range, offsets []time.Duration, limit int) []domain.Alternative {
	if limit <= 0 {
		return nil
	}
	if offsets == nil {
		offsets = DefaultAlternativeOffsets
	}
	d := requested.Duration()

	starts := make([]time.Time, 0, len(offsets)+1)
	starts = append(starts, blocker.End)
	for _, off := range offsets {
		starts = append(starts, requested.Start.Add(off))
	}

	seen := make(map[int64]struct{}, len(starts))
	var out []domain.Alternative
	for _, s := range starts {
		if _, dup := seen[s.UnixNano()]; dup {
			continue
		}
		seen[s.UnixNano()] = struct{}{}

		cand := timerange.Range{Start: s, End: s.Add(d)}
		if overlapsAny(cand, busy) {
			continue
		}
		out = append(out, domain.Alternative{Start: cand.Start, End: cand.End})
		if len(out) == limit {
			break
		}
	}
	return out
}

func overlapsAny(r timerange.Range, busy []timerange.Range) bool {
	for _, b := range busy {
		if r.Overlaps(b) {
			return true
		}
	}
	return false
}

// FindConflict returns a *domain.ConflictError naming the earliest reservation
// in active that overlaps window, with alternatives computed against all of
// active. It returns nil when window is free.
func FindConflict(window timerange.Range, active []Reservation, offsets []time.Duration, limit int) error {
	busy := make([]timerange.Range, len(active))
	for i := range active {
		busy[i] = active[i].Range()
	}
	var blocker *Reservation
	for i := range active {
		if !busy[i].Overlaps(window) {
			continue
		}
		if blocker == nil || active[i].Start.Before(blocker.Start) ||
			(active[i].Start.Equal(blocker.Start) && active[i].ID < blocker.ID) {
			blocker = &active[i]
		}
	}
	if blocker == nil {
		return nil
	}
	return &domain.ConflictError{
		ConflictingID: blocker.ID,
		Alternatives:  SuggestAlternatives(window, blocker.Range(), busy, offsets, limit),
	}
}
