package exception

import (
	"maps"
	"sort"

	"github.com/Strob0t/slotkeeper/internal/domain/event"
	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
)

// Plan describes the atomic replacement computed for one upsert.
type Plan struct {
	// Merged is the single row that remains. Its ID is empty when a new row
	// must be inserted, or the ID of the neighbor that is rewritten in place.
	Merged Exception
	// Absorbed holds neighbor IDs to delete. It never contains Merged.ID.
	Absorbed []string
	// Noop is set when the window is already represented exactly.
	Noop bool
	// Change is the event type emitted for this plan.
	Change event.ChangeType
}

// Outcome classifies what applying a plan writes.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeUnchanged Outcome = "unchanged"
)

// Outcome reports whether p inserts a row, rewrites neighbors, or leaves
// storage untouched.
func (p *Plan) Outcome() Outcome {
	switch {
	case p.Noop:
		return OutcomeUnchanged
	case p.Merged.ID == "":
		return OutcomeCreated
	default:
		return OutcomeMerged
	}
}

// IsNeighbor reports whether c must be absorbed by a window with the given flag:
// same resource, same closed flag, intersecting or exactly adjacent.
func IsNeighbor(c *Exception, resourceID string, closed bool, window timerange.Range) bool {
	return c.ResourceID == resourceID && c.Closed == closed && c.Range().Touches(window)
}

// PlanMerge computes the merge-on-write result for req over the normalized
// window. Candidates may be a superset; non-neighbors are ignored. The result
// does not depend on the order of candidates.
func PlanMerge(tenantID string, window timerange.Range, req *UpsertRequest, candidates []Exception) Plan {
	neighbors := make([]Exception, 0, len(candidates))
	for i := range candidates {
		if IsNeighbor(&candidates[i], req.ResourceID, req.Closed, window) {
			neighbors = append(neighbors, candidates[i])
		}
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Start.Equal(neighbors[j].Start) {
			return neighbors[i].ID < neighbors[j].ID
		}
		return neighbors[i].Start.Before(neighbors[j].Start)
	})

	merged := Exception{
		TenantID:    tenantID,
		ResourceID:  req.ResourceID,
		Start:       window.Start,
		End:         window.End,
		Closed:      req.Closed,
		Source:      req.Source,
		Description: req.Description,
		Metadata:    map[string]string{},
	}

	if len(neighbors) == 0 {
		maps.Copy(merged.Metadata, req.Metadata)
		return Plan{Merged: merged, Change: event.ExceptionCreated}
	}

	span := window
	for i := range neighbors {
		n := &neighbors[i]
		span = span.Union(n.Range())
		merged.Source = Stronger(merged.Source, n.Source)
		if merged.Description == "" {
			merged.Description = n.Description
		}
		maps.Copy(merged.Metadata, n.Metadata)
	}
	maps.Copy(merged.Metadata, req.Metadata)
	merged.Start, merged.End = span.Start, span.End

	keep := neighbors[0]
	merged.ID = keep.ID
	merged.CreatedAt = keep.CreatedAt

	absorbed := make([]string, 0, len(neighbors)-1)
	for _, n := range neighbors[1:] {
		absorbed = append(absorbed, n.ID)
	}

	plan := Plan{Merged: merged, Absorbed: absorbed, Change: event.ExceptionUpdated}
	if len(neighbors) == 1 && sameContent(&keep, &merged) {
		plan.Merged = keep
		plan.Noop = true
	}
	return plan
}

func sameContent(a, b *Exception) bool {
	if !a.Start.Equal(b.Start) || !a.End.Equal(b.End) {
		return false
	}
	if a.Source != b.Source || a.Description != b.Description {
		return false
	}
	if len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for k, v := range b.Metadata {
		if a.Metadata[k] != v {
			return false
		}
	}
	return true
}
