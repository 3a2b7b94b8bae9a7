// Package availability composes closures, special hours and active
// reservations into an ordered timeline for one resource.
package availability

import (
	"sort"
	"time"

	"github.com/Strob0t/slotkeeper/internal/domain/timerange"
)

// State is the occupancy of one segment.
type State string

const (
	StateFree   State = "free"
	StateBooked State = "booked"
	StateClosed State = "closed"
)

// Segment is a maximal run of identical state within the queried window.
type Segment struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	State   State     `json:"state"`
	Special bool      `json:"special,omitempty"`
}

// Inputs are the raw intervals read for a resource.
type Inputs struct {
	Closures []timerange.Range
	Special  []timerange.Range
	Booked   []timerange.Range
}

// Compose returns non-overlapping segments covering window exactly, in order.
// A closure wins over a booking; special hours only mark non-closed segments.
func Compose(window timerange.Range, in Inputs) []Segment {
	points := []time.Time{window.Start, window.End}
	collect := func(rs []timerange.Range) []timerange.Range {
		clipped := make([]timerange.Range, 0, len(rs))
		for _, r := range rs {
			c, ok := r.Clip(window)
			if !ok {
				continue
			}
			clipped = append(clipped, c)
			points = append(points, c.Start, c.End)
		}
		return clipped
	}
	closures := collect(in.Closures)
	special := collect(in.Special)
	booked := collect(in.Booked)

	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	var out []Segment
	for i := 0; i+1 < len(points); i++ {
		cell := timerange.Range{Start: points[i], End: points[i+1]}
		if !cell.Start.Before(cell.End) {
			continue
		}
		seg := Segment{Start: cell.Start, End: cell.End, State: StateFree}
		switch {
		case covers(closures, cell):
			seg.State = StateClosed
		case covers(booked, cell):
			seg.State = StateBooked
		}
		if seg.State != StateClosed && covers(special, cell) {
			seg.Special = true
		}

		if n := len(out); n > 0 && out[n-1].State == seg.State && out[n-1].Special == seg.Special && out[n-1].End.Equal(seg.Start) {
			out[n-1].End = seg.End
			continue
		}
		out = append(out, seg)
	}
	return out
}

// covers reports whether any range contains the elementary cell. Cells never
// straddle a boundary, so overlap implies containment.
func covers(rs []timerange.Range, cell timerange.Range) bool {
	for _, r := range rs {
		if r.Overlaps(cell) {
			return true
		}
	}
	return false
}

// Free returns only the free segments.
func Free(segs []Segment) []Segment {
	var out []Segment
	for _, s := range segs {
		if s.State == StateFree {
			out = append(out, s)
		}
	}
	return out
}
