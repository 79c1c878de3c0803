package types

import (
	"errors"
	"fmt"
	"math"
)

type Mode string

const (
	// ModeRipple removes silence and shifts later content left.
	ModeRipple Mode = "ripple"
	// ModeMark keeps clip geometry and flags silence as disabled.
	ModeMark Mode = "mark"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRipple, ModeMark:
		return Mode(s), nil
	case "":
		return ModeRipple, nil
	default:
		return "", fmt.Errorf("mode must be %q or %q, got %q", ModeRipple, ModeMark, s)
	}
}

type TrackType string

const (
	TrackVideo    TrackType = "video"
	TrackAudio    TrackType = "audio"
	TrackSubtitle TrackType = "subtitle"
)

// SilenceInterval is a silent stretch of source media in frames.
// Start is inclusive, End is exclusive.
type SilenceInterval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (s SilenceInterval) Valid() bool {
	return finite(s.Start) && finite(s.End) && s.End > s.Start
}

// ClipSpan places a clip: source range (end inclusive) and timeline range.
type ClipSpan struct {
	SourceStartFrame float64 `json:"source_start_frame"`
	SourceEndFrame   float64 `json:"source_end_frame"`
	StartFrame       float64 `json:"start_frame"`
	EndFrame         float64 `json:"end_frame"`
}

// Valid reports whether all frame fields are usable. A one-frame clip has
// SourceEndFrame == SourceStartFrame.
func (c ClipSpan) Valid() bool {
	return finite(c.SourceStartFrame) && finite(c.SourceEndFrame) &&
		finite(c.StartFrame) && finite(c.EndFrame) &&
		c.SourceEndFrame >= c.SourceStartFrame
}

// SourceDuration is the number of source frames the span covers.
func (c ClipSpan) SourceDuration() float64 {
	return c.SourceEndFrame - c.SourceStartFrame + 1
}

type EditInstruction struct {
	SourceStartFrame float64 `json:"source_start_frame"`
	SourceEndFrame   float64 `json:"source_end_frame"`
	StartFrame       int     `json:"start_frame"`
	EndFrame         int     `json:"end_frame"`
	Enabled          bool    `json:"enabled"`
}

// Duration is the inclusive timeline frame count.
func (e EditInstruction) Duration() int { return e.EndFrame - e.StartFrame + 1 }

// NestedClip is an inner audio segment of a compound or multicam source.
// Its span is expressed in the compound's own frame space.
type NestedClip struct {
	SourceFilePath string   `json:"source_file_path"`
	Span           ClipSpan `json:"span"`
}

type TimelineItem struct {
	Name             string            `json:"name"`
	ID               string            `json:"id"`
	TrackType        TrackType         `json:"track_type"`
	TrackIndex       int               `json:"track_index"`
	SourceFilePath   string            `json:"source_file_path"`
	Span             ClipSpan          `json:"span"`
	LinkGroupID      string            `json:"link_group_id,omitempty"`
	EditInstructions []EditInstruction `json:"edit_instructions,omitempty"`
	NestedItems      []NestedClip      `json:"nested_items,omitempty"`
}

// GroupKey is the key the item is unified under. Items without a link
// group form a singleton group keyed by their ID.
func (it TimelineItem) GroupKey() string {
	if it.LinkGroupID != "" {
		return it.LinkGroupID
	}
	return SingletonGroupKey(it.ID)
}

// SingletonGroupKey is the group key of an unlinked item with the given ID.
func SingletonGroupKey(id string) string { return "item:" + id }

// ItemID derives the stable item identity.
func ItemID(name string, tt TrackType, trackIndex int, startFrame float64) string {
	return fmt.Sprintf("%s-%s-%d-%d", name, tt, trackIndex, int64(math.Round(startFrame)))
}

type FileData struct {
	FPS               float64           `json:"fps"`
	SilenceDetections []SilenceInterval `json:"silence_detections,omitempty"`
	TimelineItems     []string          `json:"timeline_items,omitempty"`
}

type Timeline struct {
	Name            string         `json:"name"`
	FPS             float64        `json:"fps"`
	VideoTrackItems []TimelineItem `json:"video_track_items"`
	AudioTrackItems []TimelineItem `json:"audio_track_items"`
}

type ProjectSnapshot struct {
	ProjectName string               `json:"project_name"`
	Timeline    Timeline             `json:"timeline"`
	Files       map[string]*FileData `json:"files"`
}

// Items returns pointers into the snapshot's track item slices, video first.
func (p *ProjectSnapshot) Items() []*TimelineItem {
	out := make([]*TimelineItem, 0, len(p.Timeline.VideoTrackItems)+len(p.Timeline.AudioTrackItems))
	for i := range p.Timeline.VideoTrackItems {
		out = append(out, &p.Timeline.VideoTrackItems[i])
	}
	for i := range p.Timeline.AudioTrackItems {
		out = append(out, &p.Timeline.AudioTrackItems[i])
	}
	return out
}

// FileFPS returns the file's frame rate, falling back to the timeline's.
func (p *ProjectSnapshot) FileFPS(path string) float64 {
	if fd, ok := p.Files[path]; ok && fd != nil && fd.FPS > 0 {
		return fd.FPS
	}
	return p.Timeline.FPS
}

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Validate rejects malformed snapshots at the pipeline boundary and fills
// in missing item IDs and file entries.
func (p *ProjectSnapshot) Validate() error {
	if !(p.Timeline.FPS > 0) || !finite(p.Timeline.FPS) {
		return fmt.Errorf("%w: timeline fps must be > 0, got %v", ErrInvalidSnapshot, p.Timeline.FPS)
	}
	if p.Files == nil {
		p.Files = map[string]*FileData{}
	}
	check := func(it *TimelineItem, want TrackType) error {
		if it.TrackType == "" {
			it.TrackType = want
		}
		if it.TrackType != want {
			return fmt.Errorf("%w: item %q on %s track has track_type %q", ErrInvalidSnapshot, it.Name, want, it.TrackType)
		}
		if it.TrackIndex < 1 {
			return fmt.Errorf("%w: item %q has track_index %d", ErrInvalidSnapshot, it.Name, it.TrackIndex)
		}
		if !it.Span.Valid() {
			return fmt.Errorf("%w: item %q has invalid span %+v", ErrInvalidSnapshot, it.Name, it.Span)
		}
		if it.ID == "" {
			it.ID = ItemID(it.Name, it.TrackType, it.TrackIndex, it.Span.StartFrame)
		}
		if it.SourceFilePath == "" {
			return nil
		}
		fd, ok := p.Files[it.SourceFilePath]
		if !ok || fd == nil {
			fd = &FileData{}
			p.Files[it.SourceFilePath] = fd
		}
		for _, id := range fd.TimelineItems {
			if id == it.ID {
				return nil
			}
		}
		fd.TimelineItems = append(fd.TimelineItems, it.ID)
		return nil
	}
	for i := range p.Timeline.VideoTrackItems {
		if err := check(&p.Timeline.VideoTrackItems[i], TrackVideo); err != nil {
			return err
		}
	}
	for i := range p.Timeline.AudioTrackItems {
		if err := check(&p.Timeline.AudioTrackItems[i], TrackAudio); err != nil {
			return err
		}
	}
	for path, fd := range p.Files {
		if fd == nil {
			continue
		}
		kept := fd.SilenceDetections[:0]
		for _, s := range fd.SilenceDetections {
			if s.Valid() {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			kept = nil
		}
		p.Files[path].SilenceDetections = kept
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
