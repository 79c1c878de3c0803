package edits

import (
	"math"

	"github.com/forPelevin/silencecut/internal/domain/intervals"
	"github.com/forPelevin/silencecut/internal/types"
)

// Placer maps source ranges onto the integer timeline grid.
//
// In ripple mode each placed range starts where the previous one ended on a
// running cursor, so only kept duration advances the timeline. In mark mode
// ranges keep their source geometry shifted by a fixed offset.
type Placer struct {
	mode    types.Mode
	cursor  float64
	lastEnd int
	placed  bool
}

// NewPlacer returns a placer whose ripple cursor starts at anchor.
func NewPlacer(mode types.Mode, anchor float64) *Placer {
	if mode == "" {
		mode = types.ModeRipple
	}
	return &Placer{mode: mode, cursor: anchor}
}

// Place maps the half-open source range [srcStart, srcEnd). offset is the
// source-to-timeline offset used in mark mode. The second result is false
// when rounding left the segment with a negative duration; such segments are
// not emitted.
func (p *Placer) Place(srcStart, srcEnd, offset float64, enabled bool) (types.EditInstruction, bool) {
	var tlStart, tlEnd float64
	if p.mode == types.ModeRipple {
		tlStart = p.cursor
		tlEnd = p.cursor + (srcEnd - srcStart)
		p.cursor = tlEnd
	} else {
		tlStart = srcStart + offset
		tlEnd = srcEnd + offset
	}

	start := int(math.Ceil(tlStart - intervals.Epsilon))
	end := int(math.Floor(tlEnd - intervals.Epsilon))
	// shrink rather than overlap the previous segment
	if p.mode == types.ModeRipple && p.placed && start <= p.lastEnd {
		start = p.lastEnd + 1
	}
	if end < start {
		return types.EditInstruction{}, false
	}
	p.placed = true
	p.lastEnd = end
	return types.EditInstruction{
		SourceStartFrame: srcStart,
		SourceEndFrame:   srcEnd - 1,
		StartFrame:       start,
		EndFrame:         end,
		Enabled:          enabled,
	}, true
}
