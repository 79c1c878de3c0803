// Package reconstruct rebuilds an interchange timeline document from the
// unified cut grids of its link groups.
package reconstruct

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/forPelevin/silencecut/internal/domain/intervals"
	"github.com/forPelevin/silencecut/internal/domain/linking"
	"github.com/forPelevin/silencecut/internal/otio"
	"github.com/forPelevin/silencecut/internal/types"
)

// ErrDesync reports linked tracks that did not finish a unified segment at
// the same relative time. It points at a measurement bug, not bad input.
var ErrDesync = errors.New("linked tracks out of sync")

type Options struct {
	Mode types.Mode
	// FPS is the frame rate grids are expressed in. Zero uses the document's rate.
	FPS  float64
	Logf func(format string, args ...any)
}

type Result struct {
	Timeline otio.Timeline
	Edited   int
	Unedited int
	// Aborted lists the groups whose placement stopped on a desync.
	Aborted []string
}

type member struct {
	track    int
	item     otio.Item
	start    float64 // relative to the timeline's global start
	srcStart float64
	dur      float64
}

type group struct {
	key     string
	gap     bool
	start   float64
	end     float64
	members []member
}

type builder struct {
	fps     float64
	mode    types.Mode
	logf    func(string, ...any)
	tracks  []otio.Track
	cursors []float64
	nextID  int
}

// Build places every group of doc onto fresh tracks. Groups whose grid is
// missing or uncut are copied verbatim; edited groups are cut into one clip
// per unified segment and member. A group that desyncs is rolled back and
// copied verbatim, so it removes nothing from the ripple.
func Build(doc otio.Timeline, grids map[string]linking.Grid, opts Options) (Result, error) {
	fps := opts.FPS
	if fps <= 0 {
		fps = doc.Rate()
	}
	if fps <= 0 {
		return Result{}, errors.New("reconstruct: cannot determine frame rate")
	}
	mode := opts.Mode
	if mode == "" {
		mode = types.ModeRipple
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	b := &builder{
		fps:     fps,
		mode:    mode,
		logf:    logf,
		tracks:  make([]otio.Track, len(doc.Tracks.Children)),
		cursors: make([]float64, len(doc.Tracks.Children)),
		nextID:  1,
	}
	for i, tr := range doc.Tracks.Children {
		out := tr
		out.Children = nil
		b.tracks[i] = out
	}

	res := Result{}
	var shift float64
	for _, g := range catalog(doc, fps, logf) {
		if g.gap {
			continue
		}
		grid, ok := grids[g.key]
		if !ok || grid.Uncut {
			b.copyGroup(g, shift)
			res.Unedited++
			continue
		}
		saved := b.save()
		if err := b.placeGroup(g, grid, shift); err != nil {
			logf("reconstruct: group %s aborted: %v", g.key, err)
			b.restore(saved)
			b.copyGroup(g, shift)
			res.Aborted = append(res.Aborted, g.key)
			continue
		}
		res.Edited++
		if mode == types.ModeRipple {
			shift += (g.end - g.start) - grid.Kept()
		}
	}
	b.finalize()

	out := doc
	out.Tracks.Children = b.tracks
	res.Timeline = out
	if len(res.Aborted) > 0 {
		return res, fmt.Errorf("%w: %d group(s) aborted: %s", ErrDesync, len(res.Aborted), strings.Join(res.Aborted, ", "))
	}
	return res, nil
}

// catalog walks the document once and groups its nodes by link group,
// ordered by start. Clips without a link group are keyed like the snapshot
// item they came from; the global start offset only enters that key, since
// the rebuilt tracks are relative.
func catalog(doc otio.Timeline, fps float64, logf func(string, ...any)) []*group {
	byKey := map[string]*group{}
	var order []*group
	global := doc.GlobalStartFrames(fps)
	kindIndex := map[string]int{}
	for ti, tr := range doc.Tracks.Children {
		kindIndex[tr.Kind]++
		tt, known := trackType(tr.Kind)
		var cursor float64
		for ii, it := range tr.Children {
			dur := it.DurationFrames(fps)
			var key string
			switch {
			case it.IsGap():
				key = fmt.Sprintf("gap:%d:%d", ti, ii)
			case it.IsClip():
				if id, ok := it.LinkGroupID(); ok {
					key = id
				} else if known {
					key = types.SingletonGroupKey(types.ItemID(it.Name, tt, kindIndex[tr.Kind], global+cursor))
				} else {
					key = fmt.Sprintf("clip:%d:%d", ti, ii)
				}
			default:
				logf("reconstruct: skipping %s node %q on track %d", it.Schema, it.Name, ti)
				continue
			}
			g, ok := byKey[key]
			if !ok {
				g = &group{key: key, gap: it.IsGap(), start: cursor, end: cursor + dur}
				byKey[key] = g
				order = append(order, g)
			}
			g.start = math.Min(g.start, cursor)
			g.end = math.Max(g.end, cursor+dur)
			g.members = append(g.members, member{
				track:    ti,
				item:     it,
				start:    cursor,
				srcStart: it.StartFrames(fps),
				dur:      dur,
			})
			cursor += dur
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].start < order[j].start })
	return order
}

func trackType(kind string) (types.TrackType, bool) {
	switch kind {
	case otio.KindVideo:
		return types.TrackVideo, true
	case otio.KindAudio:
		return types.TrackAudio, true
	default:
		return "", false
	}
}

type checkpoint struct {
	lens    []int
	cursors []float64
	nextID  int
}

func (b *builder) save() checkpoint {
	cp := checkpoint{
		lens:    make([]int, len(b.tracks)),
		cursors: append([]float64(nil), b.cursors...),
		nextID:  b.nextID,
	}
	for i, tr := range b.tracks {
		cp.lens[i] = len(tr.Children)
	}
	return cp
}

// restore drops everything placed since cp. Tracks only grow by append, so
// truncation is enough.
func (b *builder) restore(cp checkpoint) {
	for i := range b.tracks {
		b.tracks[i].Children = b.tracks[i].Children[:cp.lens[i]]
	}
	copy(b.cursors, cp.cursors)
	b.nextID = cp.nextID
}

// put appends it to track at position at, bridging with a gap when the
// track's cursor lags. It returns where the item actually landed.
func (b *builder) put(track int, it otio.Item, at float64) float64 {
	c := b.cursors[track]
	if at-c > intervals.Epsilon {
		b.tracks[track].Children = append(b.tracks[track].Children, otio.NewGap(at-c, b.fps))
		c = at
	} else if c-at > intervals.Epsilon {
		b.logf("reconstruct: track %d overlaps at %.3f (cursor %.3f)", track, at, c)
	}
	b.tracks[track].Children = append(b.tracks[track].Children, it)
	b.cursors[track] = c + it.DurationFrames(b.fps)
	return c
}

func (b *builder) copyGroup(g *group, shift float64) {
	target := g.start - shift
	for _, m := range g.members {
		b.put(m.track, m.item.Clone(), target+(m.start-g.start))
	}
}

// placeGroup cuts every member along the grid. Members shorter than the
// grid end early; only members that cover a whole segment must finish it at
// the same relative time.
func (b *builder) placeGroup(g *group, grid linking.Grid, shift float64) error {
	pos := g.start - shift
	for si, s := range grid.Spans {
		if !s.Enabled {
			continue
		}
		id := b.nextID
		var (
			ends   []float64
			placed bool
			origin float64
		)
		if b.mode == types.ModeRipple {
			origin = pos
			pos += s.End - s.Start
		}
		for _, m := range g.members {
			lo := m.srcStart + s.Start
			hi := math.Min(m.srcStart+s.End, m.srcStart+m.dur)
			if hi-lo <= intervals.Epsilon {
				continue
			}
			segOrigin := origin
			if b.mode == types.ModeMark {
				segOrigin = m.start + s.Start
			}
			clip := m.item.Clone()
			clip.SourceRange = otio.NewRange(lo, hi-lo, b.fps)
			clip.SetLinkGroupID(id)
			landed := b.put(m.track, clip, segOrigin)
			placed = true
			if m.srcStart+s.End-hi <= intervals.Epsilon {
				ends = append(ends, landed+(hi-lo)-segOrigin)
			}
		}
		if !placed {
			continue
		}
		b.nextID++
		for i := 1; i < len(ends); i++ {
			if math.Abs(ends[i]-ends[0]) > intervals.Epsilon {
				return fmt.Errorf("%w: segment %d of group %s ends at %.3f and %.3f", ErrDesync, si, g.key, ends[0], ends[i])
			}
		}
	}
	return nil
}

// finalize pads every track with one trailing gap up to the longest track.
func (b *builder) finalize() {
	var longest float64
	for _, c := range b.cursors {
		longest = math.Max(longest, c)
	}
	for i, c := range b.cursors {
		if longest-c > intervals.Epsilon {
			b.tracks[i].Children = append(b.tracks[i].Children, otio.NewGap(longest-c, b.fps))
			b.cursors[i] = longest
		}
	}
}

// TrackDuration sums the durations of a track's items at fps.
func TrackDuration(tr otio.Track, fps float64) float64 {
	var sum float64
	for _, it := range tr.Children {
		sum += it.DurationFrames(fps)
	}
	return sum
}
