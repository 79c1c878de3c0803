// Package otio reads and writes the subset of the OpenTimelineIO JSON format
// the timeline reconstructor needs: a stack of tracks holding clips and gaps.
//
// Media references, effects and markers are carried through untouched.
package otio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const (
	SchemaTimeline     = "Timeline.1"
	SchemaStack        = "Stack.1"
	SchemaTrack        = "Track.1"
	SchemaClip         = "Clip.2"
	SchemaGap          = "Gap.1"
	SchemaTimeRange    = "TimeRange.1"
	SchemaRationalTime = "RationalTime.1"

	KindVideo = "Video"
	KindAudio = "Audio"

	// MetadataKey namespaces the metadata this tool writes.
	MetadataKey = "silencecut"
	// resolveKey is the namespace DaVinci Resolve exports clip metadata under.
	resolveKey       = "Resolve_OTIO"
	resolveLinkGroup = "Link Group ID"
)

type RationalTime struct {
	Schema string  `json:"OTIO_SCHEMA"`
	Rate   float64 `json:"rate"`
	Value  float64 `json:"value"`
}

// Frames converts t to frames at fps. A zero rate is read as frames already.
func (t RationalTime) Frames(fps float64) float64 {
	if t.Rate <= 0 || fps <= 0 {
		return t.Value
	}
	return t.Value * fps / t.Rate
}

func NewTime(frames, fps float64) RationalTime {
	return RationalTime{Schema: SchemaRationalTime, Rate: fps, Value: frames}
}

type TimeRange struct {
	Schema    string       `json:"OTIO_SCHEMA"`
	Duration  RationalTime `json:"duration"`
	StartTime RationalTime `json:"start_time"`
}

func NewRange(startFrames, durFrames, fps float64) *TimeRange {
	return &TimeRange{
		Schema:    SchemaTimeRange,
		Duration:  NewTime(durFrames, fps),
		StartTime: NewTime(startFrames, fps),
	}
}

type Timeline struct {
	Schema          string         `json:"OTIO_SCHEMA"`
	Name            string         `json:"name"`
	GlobalStartTime *RationalTime  `json:"global_start_time"`
	Metadata        map[string]any `json:"metadata"`
	Tracks          Stack          `json:"tracks"`
}

type Stack struct {
	Schema   string         `json:"OTIO_SCHEMA"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
	Children []Track        `json:"children"`
}

type Track struct {
	Schema   string         `json:"OTIO_SCHEMA"`
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Metadata map[string]any `json:"metadata"`
	Children []Item         `json:"children"`
}

// Item is a clip or gap of a track.
type Item struct {
	Schema         string          `json:"OTIO_SCHEMA"`
	Name           string          `json:"name"`
	SourceRange    *TimeRange      `json:"source_range"`
	MediaReference json.RawMessage `json:"media_reference,omitempty"`
	Metadata       map[string]any  `json:"metadata"`
	Effects        json.RawMessage `json:"effects,omitempty"`
	Markers        json.RawMessage `json:"markers,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
}

func (it Item) IsGap() bool  { return strings.HasPrefix(it.Schema, "Gap.") }
func (it Item) IsClip() bool { return strings.HasPrefix(it.Schema, "Clip.") }

// DurationFrames is the length of the item at fps.
func (it Item) DurationFrames(fps float64) float64 {
	if it.SourceRange == nil {
		return 0
	}
	return it.SourceRange.Duration.Frames(fps)
}

// StartFrames is the source start of the item at fps.
func (it Item) StartFrames(fps float64) float64 {
	if it.SourceRange == nil {
		return 0
	}
	return it.SourceRange.StartTime.Frames(fps)
}

// Clone deep-copies the item so metadata can be rewritten independently.
func (it Item) Clone() Item {
	out := it
	if it.SourceRange != nil {
		sr := *it.SourceRange
		out.SourceRange = &sr
	}
	out.MediaReference = append(json.RawMessage(nil), it.MediaReference...)
	out.Effects = append(json.RawMessage(nil), it.Effects...)
	out.Markers = append(json.RawMessage(nil), it.Markers...)
	out.Metadata = cloneMap(it.Metadata)
	if it.Enabled != nil {
		e := *it.Enabled
		out.Enabled = &e
	}
	return out
}

func NewGap(durFrames, fps float64) Item {
	return Item{
		Schema:      SchemaGap,
		Name:        "",
		SourceRange: NewRange(0, durFrames, fps),
		Metadata:    map[string]any{},
	}
}

// LinkGroupID returns the link group the item belongs to. This tool's own
// metadata wins over Resolve's exported link group.
func (it Item) LinkGroupID() (string, bool) {
	if ns, ok := it.Metadata[MetadataKey].(map[string]any); ok {
		if id, ok := scalarString(ns["link_group_id"]); ok {
			return id, true
		}
	}
	if ns, ok := it.Metadata[resolveKey].(map[string]any); ok {
		if id, ok := scalarString(ns[resolveLinkGroup]); ok {
			return id, true
		}
	}
	return "", false
}

// SetLinkGroupID tags the item with id. A Resolve link group present on the
// item is rewritten as well so the host relinks the new clips on import.
func (it *Item) SetLinkGroupID(id int) {
	if it.Metadata == nil {
		it.Metadata = map[string]any{}
	}
	ns, _ := it.Metadata[MetadataKey].(map[string]any)
	if ns == nil {
		ns = map[string]any{}
	}
	ns["link_group_id"] = strconv.Itoa(id)
	it.Metadata[MetadataKey] = ns
	if rs, ok := it.Metadata[resolveKey].(map[string]any); ok {
		if _, has := rs[resolveLinkGroup]; has {
			rs[resolveLinkGroup] = id
		}
	}
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", false
		}
		return x, true
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	default:
		return "", false
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return x
	}
}

// GlobalStartFrames is the timeline's start offset at fps.
func (tl Timeline) GlobalStartFrames(fps float64) float64 {
	if tl.GlobalStartTime == nil {
		return 0
	}
	return tl.GlobalStartTime.Frames(fps)
}

// Rate returns the rate of the first timed value found in the document.
func (tl Timeline) Rate() float64 {
	if tl.GlobalStartTime != nil && tl.GlobalStartTime.Rate > 0 {
		return tl.GlobalStartTime.Rate
	}
	for _, tr := range tl.Tracks.Children {
		for _, it := range tr.Children {
			if it.SourceRange != nil && it.SourceRange.Duration.Rate > 0 {
				return it.SourceRange.Duration.Rate
			}
		}
	}
	return 0
}

func Read(r io.Reader) (Timeline, error) {
	dec := json.NewDecoder(r)
	var tl Timeline
	if err := dec.Decode(&tl); err != nil {
		return Timeline{}, fmt.Errorf("decode otio: %w", err)
	}
	if !strings.HasPrefix(tl.Schema, "Timeline.") {
		return Timeline{}, fmt.Errorf("decode otio: unexpected root schema %q", tl.Schema)
	}
	return tl, nil
}

func Write(w io.Writer, tl Timeline) error {
	b, err := json.MarshalIndent(tl, "", "    ")
	if err != nil {
		return fmt.Errorf("encode otio: %w", err)
	}
	b = append(b, '\n')
	_, err = io.Copy(w, bytes.NewReader(b))
	return err
}

func Load(path string) (Timeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return Timeline{}, err
	}
	defer f.Close()
	return Read(f)
}

func Save(path string, tl Timeline) error {
	var buf bytes.Buffer
	if err := Write(&buf, tl); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
