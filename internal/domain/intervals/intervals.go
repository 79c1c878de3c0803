package intervals

import (
	"sort"

	"github.com/forPelevin/silencecut/internal/types"
)

// Epsilon absorbs floating-point noise in frame arithmetic.
const Epsilon = 1e-6

// Merge returns a sorted, disjoint copy of ivs. Intervals that touch or
// overlap (within Epsilon) are joined; empty or inverted ones are dropped.
func Merge(ivs []types.SilenceInterval) []types.SilenceInterval {
	sorted := make([]types.SilenceInterval, 0, len(ivs))
	for _, iv := range ivs {
		if iv.Valid() {
			sorted = append(sorted, iv)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := sorted[:1]
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if iv.Start <= last.End+Epsilon {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// ClipTo keeps the intervals overlapping [lo, hi) and trims them to it.
func ClipTo(ivs []types.SilenceInterval, lo, hi float64) []types.SilenceInterval {
	var out []types.SilenceInterval
	for _, iv := range ivs {
		if iv.End <= lo || iv.Start >= hi {
			continue
		}
		c := types.SilenceInterval{Start: max(iv.Start, lo), End: min(iv.End, hi)}
		if c.Valid() {
			out = append(out, c)
		}
	}
	return out
}

// Pad shrinks every interval by left frames at its start and right frames
// at its end. Intervals that vanish are dropped.
func Pad(ivs []types.SilenceInterval, left, right float64) []types.SilenceInterval {
	if left <= 0 && right <= 0 {
		return ivs
	}
	var out []types.SilenceInterval
	for _, iv := range ivs {
		p := types.SilenceInterval{Start: iv.Start + max(left, 0), End: iv.End - max(right, 0)}
		if p.End-p.Start > Epsilon {
			out = append(out, p)
		}
	}
	return out
}

// FromSeconds converts second-based intervals to frames at fps.
func FromSeconds(ivs []types.SilenceInterval, fps float64) []types.SilenceInterval {
	out := make([]types.SilenceInterval, 0, len(ivs))
	for _, iv := range ivs {
		out = append(out, types.SilenceInterval{Start: iv.Start * fps, End: iv.End * fps})
	}
	return out
}

// Complement returns the stretches of [lo, hi) not covered by ivs, which
// must already be merged.
func Complement(ivs []types.SilenceInterval, lo, hi float64) []types.SilenceInterval {
	var out []types.SilenceInterval
	cur := lo
	for _, iv := range ClipTo(ivs, lo, hi) {
		if iv.Start-cur > Epsilon {
			out = append(out, types.SilenceInterval{Start: cur, End: iv.Start})
		}
		cur = max(cur, iv.End)
	}
	if hi-cur > Epsilon {
		out = append(out, types.SilenceInterval{Start: cur, End: hi})
	}
	return out
}

// Total is the summed length of ivs.
func Total(ivs []types.SilenceInterval) float64 {
	var sum float64
	for _, iv := range ivs {
		sum += iv.End - iv.Start
	}
	return sum
}

// MapSourceToTimeline maps a source frame onto the timeline position of span.
func MapSourceToTimeline(t float64, span types.ClipSpan) float64 {
	return t + (span.StartFrame - span.SourceStartFrame)
}
