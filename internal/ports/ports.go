package ports

import (
	"context"
	"time"

	"github.com/forPelevin/silencecut/internal/otio"
	"github.com/forPelevin/silencecut/internal/types"
)

type DetectOptions struct {
	ThresholdDB float64
	MinDuration time.Duration
}

// SilenceDetector returns the silent stretches of a media file in seconds.
type SilenceDetector interface {
	DetectSilence(ctx context.Context, path string, opts DetectOptions) ([]types.SilenceInterval, error)
}

type MediaProbe interface {
	ProbeFPS(ctx context.Context, path string) (float64, error)
}

// SnapshotSource inspects the host editor's current timeline.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (types.ProjectSnapshot, error)
	ExportTimeline(ctx context.Context) (otio.Timeline, error)
}

// ItemHandle and MediaRef are opaque identifiers of host objects.
type (
	ItemHandle string
	MediaRef   string
)

type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
	// KindBoth appends video and audio in one call; the host links them.
	KindBoth MediaKind = "both"
)

type AppendClip struct {
	Media            MediaRef  `json:"media"`
	Kind             MediaKind `json:"kind"`
	TrackIndex       int       `json:"track_index"`
	RecordFrame      int       `json:"record_frame"`
	SourceStartFrame float64   `json:"source_start_frame"`
	SourceEndFrame   float64   `json:"source_end_frame"`
}

type PlacedItem struct {
	Handle     ItemHandle `json:"handle"`
	Kind       MediaKind  `json:"kind"`
	TrackIndex int        `json:"track_index"`
	StartFrame int        `json:"start_frame"`
}

// TimelineAPI is the slice of the host's timeline scripting surface the
// commit protocol drives. AppendClips returns the handles created for each
// requested clip, in request order.
type TimelineAPI interface {
	MediaReference(ctx context.Context, path string) (MediaRef, error)
	AppendClips(ctx context.Context, clips []AppendClip) ([][]ItemHandle, error)
	DeleteClips(ctx context.Context, handles []ItemHandle) error
	SetClipsLinked(ctx context.Context, handles []ItemHandle) error
	SetClipColor(ctx context.Context, handle ItemHandle, color string) error
	TrackItems(ctx context.Context) ([]PlacedItem, error)
}

type Update struct {
	Task    string    `json:"task"`
	Message string    `json:"message,omitempty"`
	Percent float64   `json:"percent"`
	Done    bool      `json:"done,omitempty"`
	At      time.Time `json:"at"`
}

type ProgressSink interface {
	Send(ctx context.Context, u Update) error
}

type AuditStore interface {
	SaveRun(ctx context.Context, snap *types.ProjectSnapshot, mode types.Mode) (string, error)
}
