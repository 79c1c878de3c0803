//go:build integration

package itest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forPelevin/silencecut/internal/config"
	"github.com/forPelevin/silencecut/internal/pipeline"
	"github.com/forPelevin/silencecut/internal/types"
)

func TestE2E_DetectAndCompile(t *testing.T) {
	requireTools(t, "ffmpeg", "ffprobe")

	tmp := t.TempDir()
	wav := filepath.Join(tmp, "speech.wav")
	if err := makeSpeechGap(wav, 1, 2); err != nil {
		t.Fatal(err)
	}
	dur, err := probeDurationSeconds(wav)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dur-4) > 0.1 {
		t.Fatalf("fixture duration = %.3f, want ~4s", dur)
	}

	span := types.ClipSpan{SourceStartFrame: 0, SourceEndFrame: 99, StartFrame: 0, EndFrame: 100}
	snap := types.ProjectSnapshot{
		Timeline: types.Timeline{
			Name: "e2e",
			FPS:  25,
			AudioTrackItems: []types.TimelineItem{
				{Name: "speech", TrackIndex: 1, SourceFilePath: wav, Span: span, LinkGroupID: "1"},
				{Name: "speech", TrackIndex: 2, SourceFilePath: wav, Span: span, LinkGroupID: "1"},
			},
		},
		Files: map[string]*types.FileData{wav: {FPS: 25}},
	}
	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	snapPath := filepath.Join(tmp, "snapshot.json")
	if err := os.WriteFile(snapPath, b, 0o644); err != nil {
		t.Fatal(err)
	}

	eff, err := config.Merge(config.File{}, nil, config.Flags{})
	if err != nil {
		t.Fatal(err)
	}
	cfg := pipeline.Config{
		Effective:    eff,
		SnapshotPath: snapPath,
		OutDir:       filepath.Join(tmp, "out"),
		NoAudit:      true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	rep, err := pipeline.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	out, err := pipeline.LoadSnapshot(rep.SnapshotFile)
	if err != nil {
		t.Fatalf("load output snapshot: %v", err)
	}
	a, b2 := out.Timeline.AudioTrackItems[0].EditInstructions, out.Timeline.AudioTrackItems[1].EditInstructions
	if len(a) != 2 || len(b2) != 2 {
		t.Fatalf("expected 2 instructions per channel, got %+v and %+v", a, b2)
	}
	for i := range a {
		if a[i] != b2[i] {
			t.Fatalf("linked channels differ at %d: %+v vs %+v", i, a[i], b2[i])
		}
	}
	// one second of tone on each side of a two second gap
	if math.Abs(rep.Stats.KeptFrames/2-50) > 3 {
		t.Fatalf("kept %.0f frames per channel, want ~50", rep.Stats.KeptFrames/2)
	}
}
