package edits

import (
	"errors"
	"fmt"

	"github.com/forPelevin/silencecut/internal/domain/intervals"
	"github.com/forPelevin/silencecut/internal/types"
)

// ErrInvalidSpan is returned for clips whose source end precedes their
// source start or whose frame fields are not finite.
var ErrInvalidSpan = errors.New("invalid clip span")

type Options struct {
	Mode types.Mode
	// Logf receives diagnostics about dropped segments. Optional.
	Logf func(format string, args ...any)
}

// Compile turns a clip span and the silences detected in its source file into
// an ordered list of edit instructions.
//
// Ripple output is contiguous on the timeline and contains only enabled
// segments. Mark output partitions the clip span, alternating enabled and
// disabled segments.
func Compile(span types.ClipSpan, silences []types.SilenceInterval, opts Options) ([]types.EditInstruction, error) {
	if !span.Valid() {
		return nil, fmt.Errorf("%w: source [%v, %v] timeline [%v, %v]",
			ErrInvalidSpan, span.SourceStartFrame, span.SourceEndFrame, span.StartFrame, span.EndFrame)
	}
	mode := opts.Mode
	if mode == "" {
		mode = types.ModeRipple
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	lo := span.SourceStartFrame
	hi := span.SourceEndFrame + 1
	merged := intervals.Merge(intervals.ClipTo(silences, lo, hi))

	offset := span.StartFrame - span.SourceStartFrame
	p := NewPlacer(mode, span.StartFrame)
	var out []types.EditInstruction
	emit := func(a, b float64, enabled bool) {
		if b-a <= intervals.Epsilon {
			return
		}
		ins, ok := p.Place(a, b, offset, enabled)
		if !ok {
			logf("edits: dropped sub-frame segment source [%.3f, %.3f) enabled=%v", a, b, enabled)
			return
		}
		out = append(out, ins)
	}

	cur := lo
	for _, s := range merged {
		emit(cur, s.Start, true)
		if mode == types.ModeMark {
			emit(s.Start, s.End, false)
		}
		cur = s.End
	}
	emit(cur, hi, true)
	return out, nil
}

// FlattenNested derives the silences of a compound item in its own source
// frame space. A stretch is silent unless some inner audio segment has sound
// there, so stretches no inner segment covers count as silence too.
func FlattenNested(item types.TimelineItem, files map[string]*types.FileData) []types.SilenceInterval {
	var sound []types.SilenceInterval
	for _, n := range item.NestedItems {
		if !n.Span.Valid() {
			continue
		}
		var detected []types.SilenceInterval
		if fd := files[n.SourceFilePath]; fd != nil {
			detected = fd.SilenceDetections
		}
		inLo, inHi := n.Span.SourceStartFrame, n.Span.SourceEndFrame+1
		mapped := func(a, b float64) types.SilenceInterval {
			return types.SilenceInterval{
				Start: intervals.MapSourceToTimeline(a, n.Span),
				End:   intervals.MapSourceToTimeline(b, n.Span),
			}
		}
		cur := inLo
		for _, s := range intervals.Merge(intervals.ClipTo(detected, inLo, inHi)) {
			sound = append(sound, mapped(cur, s.Start))
			cur = s.End
		}
		sound = append(sound, mapped(cur, inHi))
	}
	lo, hi := item.Span.SourceStartFrame, item.Span.SourceEndFrame+1
	return intervals.Complement(intervals.Merge(sound), lo, hi)
}
