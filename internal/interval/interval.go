// Package interval merges half-open ranges into minimal disjoint sets.
package interval

import "sort"

// Interval is the half-open integer range [Start, End).
type Interval struct {
	Start int64
	End   int64
}

// Range is a half-open fractional range, used for progress reporting.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Simplify returns the minimal sorted list of disjoint intervals covering the
// same points as in. Overlapping and adjacent intervals are merged. The input
// is not modified.
func Simplify(in []Interval) []Interval {
	if len(in) < 2 {
		return append([]Interval(nil), in...)
	}

	sorted := make([]Interval, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Fractions scales intervals by total, mapping [0, total) onto [0, 1).
func Fractions(in []Interval, total int64) []Range {
	out := make([]Range, 0, len(in))
	if total <= 0 {
		return out
	}
	for _, iv := range in {
		out = append(out, Range{
			Start: float64(iv.Start) / float64(total),
			End:   float64(iv.End) / float64(total),
		})
	}
	return out
}
