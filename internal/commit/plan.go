package commit

import (
	"context"
	"fmt"

	"github.com/forPelevin/silencecut/internal/ports"
	"github.com/forPelevin/silencecut/internal/types"
)

type entry struct {
	item  *types.TimelineItem
	index int
	ins   types.EditInstruction
	kind  ports.MediaKind
	media ports.MediaRef
}

type planned struct {
	clip       ports.AppendClip
	entries    []entry
	enabled    bool
	autoLinked bool
}

type plan struct {
	appends    []planned
	groups     map[string][]int
	groupOrder []string
}

// prepare groups every instruction by (link group, instruction index) and
// collapses video+audio pairs of the same file and track into one append
// the host links by itself.
func (o *Orchestrator) prepare(ctx context.Context, snap *types.ProjectSnapshot) (*plan, error) {
	media := map[string]ports.MediaRef{}
	grouped := map[string][]entry{}
	var order []string

	for _, it := range snap.Items() {
		var kind ports.MediaKind
		switch it.TrackType {
		case types.TrackVideo:
			kind = ports.KindVideo
		case types.TrackAudio:
			kind = ports.KindAudio
		default:
			continue
		}
		if len(it.EditInstructions) == 0 || it.SourceFilePath == "" {
			continue
		}
		ref, ok := media[it.SourceFilePath]
		if !ok {
			var err error
			ref, err = o.api.MediaReference(ctx, it.SourceFilePath)
			if err != nil {
				return nil, fmt.Errorf("resolve media %q: %w", it.SourceFilePath, err)
			}
			media[it.SourceFilePath] = ref
		}
		for i, ins := range it.EditInstructions {
			key := fmt.Sprintf("%s#%d", it.GroupKey(), i)
			if _, seen := grouped[key]; !seen {
				order = append(order, key)
			}
			grouped[key] = append(grouped[key], entry{item: it, index: i, ins: ins, kind: kind, media: ref})
		}
	}

	p := &plan{groups: map[string][]int{}, groupOrder: order}
	for _, key := range order {
		es := grouped[key]
		if pair, ok := autoLinkPair(es); ok {
			p.add(key, planned{
				clip:       appendFor(pair[0], ports.KindBoth),
				entries:    pair,
				enabled:    pair[0].ins.Enabled,
				autoLinked: true,
			})
			continue
		}
		for _, e := range es {
			p.add(key, planned{clip: appendFor(e, e.kind), entries: []entry{e}, enabled: e.ins.Enabled})
		}
	}
	return p, nil
}

func (p *plan) add(key string, a planned) {
	p.groups[key] = append(p.groups[key], len(p.appends))
	p.appends = append(p.appends, a)
}

func autoLinkPair(es []entry) ([]entry, bool) {
	if len(es) != 2 {
		return nil, false
	}
	v, a := es[0], es[1]
	if v.kind == ports.KindAudio {
		v, a = a, v
	}
	if v.kind != ports.KindVideo || a.kind != ports.KindAudio {
		return nil, false
	}
	if v.item.SourceFilePath != a.item.SourceFilePath || v.item.TrackIndex != a.item.TrackIndex {
		return nil, false
	}
	if v.ins.StartFrame != a.ins.StartFrame || v.ins.SourceStartFrame != a.ins.SourceStartFrame ||
		v.ins.SourceEndFrame != a.ins.SourceEndFrame || v.ins.Enabled != a.ins.Enabled {
		return nil, false
	}
	return []entry{v, a}, true
}

func appendFor(e entry, kind ports.MediaKind) ports.AppendClip {
	return ports.AppendClip{
		Media:            e.media,
		Kind:             kind,
		TrackIndex:       e.item.TrackIndex,
		RecordFrame:      e.ins.StartFrame,
		SourceStartFrame: e.ins.SourceStartFrame,
		SourceEndFrame:   e.ins.SourceEndFrame,
	}
}

func (p *plan) expected() []Key {
	var out []Key
	for _, a := range p.appends {
		for _, e := range a.entries {
			out = append(out, Key{Kind: e.kind, Track: e.item.TrackIndex, Frame: e.ins.StartFrame})
		}
	}
	return out
}

func (p *plan) summarize(missing []Key, attempts int) string {
	names := map[Key][]string{}
	for _, a := range p.appends {
		for _, e := range a.entries {
			k := Key{Kind: e.kind, Track: e.item.TrackIndex, Frame: e.ins.StartFrame}
			names[k] = append(names[k], e.item.Name)
		}
	}
	return fmt.Sprintf("%d clip(s) missing after %d attempt(s): %s", len(missing), attempts, describeMissing(missing, names))
}
