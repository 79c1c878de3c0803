// Package linking reconciles the edit instructions of clips that must be cut
// identically, such as a clip's video and audio or the channels of one clip.
//
// Instructions of every member are normalized onto a shared axis whose zero
// is each member's own source start, swept into one grid, and expanded back
// onto every member. A span of the grid is sound when any member has sound
// there.
package linking

import (
	"sort"

	"github.com/forPelevin/silencecut/internal/domain/edits"
	"github.com/forPelevin/silencecut/internal/domain/intervals"
	"github.com/forPelevin/silencecut/internal/types"
)

// Span is a half-open range of the shared axis, in frames relative to each
// member's source start.
type Span struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Enabled bool    `json:"enabled"`
}

// Grid is the unified cut grid of one link group. Uncut groups had no
// instructions at all and pass through whole.
type Grid struct {
	Uncut bool   `json:"uncut,omitempty"`
	Spans []Span `json:"spans,omitempty"`
}

// Kept returns the total enabled length of the grid.
func (g Grid) Kept() float64 {
	var sum float64
	for _, s := range g.Spans {
		if s.Enabled {
			sum += s.End - s.Start
		}
	}
	return sum
}

type event struct {
	at      float64
	start   bool
	enabled bool
}

// Unify sweeps the members' instructions into one grid. Members with invalid
// frame fields contribute nothing. Members without instructions count as
// sound over their whole span.
func Unify(members []*types.TimelineItem) Grid {
	touched := false
	for _, m := range members {
		if len(m.EditInstructions) > 0 {
			touched = true
			break
		}
	}
	if !touched {
		return Grid{Uncut: true}
	}

	var events []event
	add := func(rs, re float64, enabled bool) {
		if re-rs <= intervals.Epsilon {
			return
		}
		events = append(events,
			event{at: rs, start: true, enabled: enabled},
			event{at: re, start: false, enabled: enabled},
		)
	}
	for _, m := range members {
		if !m.Span.Valid() {
			continue
		}
		base := m.Span.SourceStartFrame
		if len(m.EditInstructions) == 0 {
			add(0, m.Span.SourceDuration(), true)
			continue
		}
		for _, ins := range m.EditInstructions {
			add(ins.SourceStartFrame-base, ins.SourceEndFrame+1-base, ins.Enabled)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		return events[i].start && !events[j].start
	})

	var (
		spans        []Span
		enabledCount int
		disabled     int
		prev         float64
	)
	for i, ev := range events {
		if i > 0 && ev.at > prev && (enabledCount > 0 || disabled > 0) {
			spans = append(spans, Span{Start: prev, End: ev.at, Enabled: enabledCount > 0})
		}
		prev = ev.at
		delta := 1
		if !ev.start {
			delta = -1
		}
		if ev.enabled {
			enabledCount += delta
		} else {
			disabled += delta
		}
	}

	return Grid{Spans: dropSubFrame(coalesce(spans))}
}

// dropSubFrame removes spans shorter than one frame. A hole left between two
// kept spans is closed: equal neighbours merge, otherwise the enabled one
// takes it.
func dropSubFrame(spans []Span) []Span {
	var (
		out       []Span
		holeStart float64
		holeEnd   float64
		inHole    bool
	)
	for _, s := range spans {
		if s.End-s.Start < 1-intervals.Epsilon {
			if !inHole || s.Start-holeEnd > intervals.Epsilon {
				holeStart = s.Start
			}
			holeEnd = s.End
			inHole = true
			continue
		}
		if inHole && len(out) > 0 {
			last := &out[len(out)-1]
			bridged := holeStart-last.End <= intervals.Epsilon && s.Start-holeEnd <= intervals.Epsilon
			switch {
			case !bridged:
			case last.Enabled == s.Enabled:
				s.Start = last.End
			case last.Enabled:
				last.End = s.Start
			default:
				s.Start = last.End
			}
		}
		inHole = false
		out = append(out, s)
	}
	return coalesce(out)
}

func coalesce(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	out := []Span{spans[0]}
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if last.Enabled == s.Enabled && s.Start-last.End <= intervals.Epsilon {
			last.End = s.End
			continue
		}
		out = append(out, s)
	}
	return out
}

// Expand rewrites every member's instructions from the grid. In ripple mode
// all members are placed from the group's anchor, the earliest member start,
// so they end up with the same count of instructions and the same flags.
func Expand(grid Grid, members []*types.TimelineItem, mode types.Mode) {
	anchor, ok := groupAnchor(members)
	if !ok {
		return
	}
	for _, m := range members {
		if !m.Span.Valid() {
			m.EditInstructions = nil
			continue
		}
		base := m.Span.SourceStartFrame
		offset := m.Span.StartFrame - base
		if grid.Uncut {
			p := edits.NewPlacer(mode, m.Span.StartFrame)
			ins, placed := p.Place(base, base+m.Span.SourceDuration(), offset, true)
			m.EditInstructions = nil
			if placed {
				m.EditInstructions = []types.EditInstruction{ins}
			}
			continue
		}

		p := edits.NewPlacer(mode, anchor)
		out := make([]types.EditInstruction, 0, len(grid.Spans))
		for _, s := range grid.Spans {
			if mode == types.ModeRipple && !s.Enabled {
				continue
			}
			if ins, placed := p.Place(base+s.Start, base+s.End, offset, s.Enabled); placed {
				out = append(out, ins)
			}
		}
		m.EditInstructions = out
	}
}

func groupAnchor(members []*types.TimelineItem) (float64, bool) {
	var (
		anchor float64
		found  bool
	)
	for _, m := range members {
		if !m.Span.Valid() {
			continue
		}
		if !found || m.Span.StartFrame < anchor {
			anchor = m.Span.StartFrame
			found = true
		}
	}
	return anchor, found
}

// Groups partitions the snapshot's items by link group, preserving the
// order in which groups first appear.
func Groups(snap *types.ProjectSnapshot) (keys []string, members map[string][]*types.TimelineItem) {
	members = map[string][]*types.TimelineItem{}
	for _, it := range snap.Items() {
		k := it.GroupKey()
		if _, ok := members[k]; !ok {
			keys = append(keys, k)
		}
		members[k] = append(members[k], it)
	}
	return keys, members
}

// Apply unifies and expands every group of the snapshot in place and
// returns the grids keyed by group.
func Apply(snap *types.ProjectSnapshot, mode types.Mode) map[string]Grid {
	keys, members := Groups(snap)
	grids := make(map[string]Grid, len(keys))
	for _, k := range keys {
		g := Unify(members[k])
		Expand(g, members[k], mode)
		grids[k] = g
	}
	return grids
}
