// Package timerange provides half-open time intervals and grid normalization.
package timerange

import (
	"fmt"
	"sort"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain"
)

// DefaultGrid is the boundary granularity applied to exception windows.
const DefaultGrid = 15 * time.Minute

// Range is the half-open interval [Start, End).
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// New validates ordering and returns the range in UTC.
func New(start, end time.Time) (Range, error) {
	if start.IsZero() || end.IsZero() {
		return Range{}, fmt.Errorf("start and end are required: %w", domain.ErrValidation)
	}
	if !start.Before(end) {
		return Range{}, fmt.Errorf("[%s, %s): %w", start.Format(time.RFC3339), end.Format(time.RFC3339), domain.ErrInvalidRange)
	}
	return Range{Start: start.UTC(), End: end.UTC()}, nil
}

// Normalize rounds both boundaries down to the grid. When rounding collapses
// the window to zero width, End is extended by one grid unit.
//
// The start < end check runs on the raw boundaries, before rounding: an
// inverted window such as [09:52, 09:50) fails with ErrInvalidRange even
// though rounding alone would turn it into [09:45, 10:00).
func Normalize(start, end time.Time, grid time.Duration) (Range, error) {
	if grid <= 0 {
		grid = DefaultGrid
	}
	if _, err := New(start, end); err != nil {
		return Range{}, err
	}
	s := start.UTC().Truncate(grid)
	e := end.UTC().Truncate(grid)
	if s.Equal(e) {
		e = e.Add(grid)
	}
	return New(s, e)
}

// Duration returns End - Start.
func (r Range) Duration() time.Duration { return r.End.Sub(r.Start) }

// Overlaps reports whether the interiors intersect. Back-to-back ranges do not overlap.
func (r Range) Overlaps(o Range) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Touches reports whether the ranges overlap or share a boundary.
func (r Range) Touches(o Range) bool {
	return !r.Start.After(o.End) && !o.Start.After(r.End)
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

// Union returns the smallest range covering both.
func (r Range) Union(o Range) Range {
	out := r
	if o.Start.Before(out.Start) {
		out.Start = o.Start
	}
	if o.End.After(out.End) {
		out.End = o.End
	}
	return out
}

// Clip returns the intersection of r and o, and false if they do not overlap.
func (r Range) Clip(o Range) (Range, bool) {
	if !r.Overlaps(o) {
		return Range{}, false
	}
	out := r
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out, true
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// SortByStart orders ranges by Start, then End.
func SortByStart(rs []Range) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Start.Equal(rs[j].Start) {
			return rs[i].End.Before(rs[j].End)
		}
		return rs[i].Start.Before(rs[j].Start)
	})
}

// Coalesce merges overlapping or adjacent ranges and returns them sorted.
func Coalesce(rs []Range) []Range {
	if len(rs) == 0 {
		return nil
	}
	sorted := append([]Range(nil), rs...)
	SortByStart(sorted)
	out := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Touches(*last) {
			*last = last.Union(r)
			continue
		}
		out = append(out, r)
	}
	return out
}
