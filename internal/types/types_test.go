package types

import (
	"errors"
	"math"
	"testing"
)

func TestParseMode(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeRipple, false},
		{"ripple", ModeRipple, false},
		{"mark", ModeMark, false},
		{"delete", "", true},
	} {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseMode(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestValidate_FillsIDsAndFiles(t *testing.T) {
	snap := ProjectSnapshot{
		Timeline: Timeline{
			FPS: 25,
			VideoTrackItems: []TimelineItem{{
				Name: "a", TrackIndex: 1, SourceFilePath: "/m/a.mov",
				Span: ClipSpan{SourceStartFrame: 0, SourceEndFrame: 99, StartFrame: 10, EndFrame: 110},
			}},
			AudioTrackItems: []TimelineItem{{
				Name: "a", TrackIndex: 2, SourceFilePath: "/m/a.mov",
				Span: ClipSpan{SourceStartFrame: 0, SourceEndFrame: 99, StartFrame: 10, EndFrame: 110},
			}},
		},
		Files: map[string]*FileData{
			"/m/a.mov": {SilenceDetections: []SilenceInterval{{Start: 5, End: 10}, {Start: 10, End: 10}, {Start: math.NaN(), End: 3}}},
		},
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	v := snap.Timeline.VideoTrackItems[0]
	if v.ID != "a-video-1-10" || v.TrackType != TrackVideo {
		t.Fatalf("unexpected video item: %+v", v)
	}
	fd := snap.Files["/m/a.mov"]
	if len(fd.TimelineItems) != 2 {
		t.Fatalf("expected 2 referencing items, got %v", fd.TimelineItems)
	}
	if len(fd.SilenceDetections) != 1 {
		t.Fatalf("invalid silences should be dropped: %+v", fd.SilenceDetections)
	}
	if snap.FileFPS("/m/a.mov") != 25 || snap.FileFPS("/m/missing.mov") != 25 {
		t.Fatalf("fps fallback broken")
	}
}

func TestValidate_Rejects(t *testing.T) {
	for name, snap := range map[string]ProjectSnapshot{
		"zero fps": {Timeline: Timeline{}},
		"bad span": {Timeline: Timeline{FPS: 30, VideoTrackItems: []TimelineItem{{
			Name: "x", TrackIndex: 1, Span: ClipSpan{SourceStartFrame: 10, SourceEndFrame: 5},
		}}}},
		"wrong track": {Timeline: Timeline{FPS: 30, AudioTrackItems: []TimelineItem{{
			Name: "x", TrackIndex: 1, TrackType: TrackVideo, Span: ClipSpan{SourceEndFrame: 5, EndFrame: 5},
		}}}},
		"zero index": {Timeline: Timeline{FPS: 30, VideoTrackItems: []TimelineItem{{
			Name: "x", Span: ClipSpan{SourceEndFrame: 5, EndFrame: 5},
		}}}},
	} {
		s := snap
		if err := s.Validate(); !errors.Is(err, ErrInvalidSnapshot) {
			t.Fatalf("%s: expected ErrInvalidSnapshot, got %v", name, err)
		}
	}
}

func TestGroupKey(t *testing.T) {
	if got := (TimelineItem{ID: "x", LinkGroupID: "7"}).GroupKey(); got != "7" {
		t.Fatalf("linked key = %q", got)
	}
	if got := (TimelineItem{ID: "x"}).GroupKey(); got != "item:x" {
		t.Fatalf("singleton key = %q", got)
	}
}
