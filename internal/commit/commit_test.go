package commit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forPelevin/silencecut/internal/ports"
	"github.com/forPelevin/silencecut/internal/types"
)

type fakeTimeline struct {
	mu      sync.Mutex
	next    int
	items   map[ports.ItemHandle]ports.PlacedItem
	order   []ports.ItemHandle
	batches []int
	deleted [][]ports.ItemHandle
	linked  [][]ports.ItemHandle
	colored map[ports.ItemHandle]string

	// dropOnAttempt drops the first clip of the given append calls
	// (1-based), simulating a partial append.
	dropOnAttempt map[int]bool
	attempt       int
	block         chan struct{}
	entered       chan struct{}
}

func newFakeTimeline() *fakeTimeline {
	return &fakeTimeline{items: map[ports.ItemHandle]ports.PlacedItem{}, colored: map[ports.ItemHandle]string{}}
}

func (f *fakeTimeline) MediaReference(_ context.Context, path string) (ports.MediaRef, error) {
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
		<-f.block
	}
	return ports.MediaRef("mp:" + path), nil
}

func (f *fakeTimeline) AppendClips(_ context.Context, clips []ports.AppendClip) ([][]ports.ItemHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempt++
	f.batches = append(f.batches, len(clips))
	out := make([][]ports.ItemHandle, 0, len(clips))
	for i, c := range clips {
		kinds := []ports.MediaKind{c.Kind}
		if c.Kind == ports.KindBoth {
			kinds = []ports.MediaKind{ports.KindVideo, ports.KindAudio}
		}
		var hs []ports.ItemHandle
		for _, k := range kinds {
			f.next++
			h := ports.ItemHandle(fmt.Sprintf("h%d", f.next))
			hs = append(hs, h)
			if i == 0 && f.dropOnAttempt[f.attempt] {
				continue
			}
			f.items[h] = ports.PlacedItem{Handle: h, Kind: k, TrackIndex: c.TrackIndex, StartFrame: c.RecordFrame}
			f.order = append(f.order, h)
		}
		out = append(out, hs)
	}
	return out, nil
}

func (f *fakeTimeline) DeleteClips(_ context.Context, hs []ports.ItemHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, hs)
	for _, h := range hs {
		delete(f.items, h)
	}
	return nil
}

func (f *fakeTimeline) SetClipsLinked(_ context.Context, hs []ports.ItemHandle) error {
	f.linked = append(f.linked, hs)
	return nil
}

func (f *fakeTimeline) SetClipColor(_ context.Context, h ports.ItemHandle, color string) error {
	f.colored[h] = color
	return nil
}

func (f *fakeTimeline) TrackItems(context.Context) ([]ports.PlacedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ports.PlacedItem
	for _, h := range f.order {
		if it, ok := f.items[h]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func instr(start, end int, enabled bool) types.EditInstruction {
	return types.EditInstruction{SourceStartFrame: float64(start), SourceEndFrame: float64(end), StartFrame: start, EndFrame: end, Enabled: enabled}
}

func testSnapshot() *types.ProjectSnapshot {
	ins := []types.EditInstruction{instr(0, 39, true), instr(40, 59, false), instr(60, 99, true)}
	return &types.ProjectSnapshot{
		Timeline: types.Timeline{
			FPS: 25,
			VideoTrackItems: []types.TimelineItem{
				{Name: "cam", ID: "v", TrackType: types.TrackVideo, TrackIndex: 1, SourceFilePath: "/m/cam.mov", LinkGroupID: "1", EditInstructions: ins},
			},
			AudioTrackItems: []types.TimelineItem{
				{Name: "cam", ID: "a", TrackType: types.TrackAudio, TrackIndex: 1, SourceFilePath: "/m/cam.mov", LinkGroupID: "1", EditInstructions: ins},
				{Name: "lav-l", ID: "l", TrackType: types.TrackAudio, TrackIndex: 2, SourceFilePath: "/m/lav.wav", LinkGroupID: "2", EditInstructions: ins[:1]},
				{Name: "lav-r", ID: "r", TrackType: types.TrackAudio, TrackIndex: 3, SourceFilePath: "/m/lav.wav", LinkGroupID: "2", EditInstructions: ins[:1]},
			},
		},
	}
}

type sleepRecorder struct{ waits []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func TestRun_Success(t *testing.T) {
	api := newFakeTimeline()
	sr := &sleepRecorder{}
	o := New(api, Options{Logger: quietLogger(), Sleep: sr.sleep})

	res, err := o.Run(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateDone || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// three auto-linked cam appends (2 handles each) + two lav appends
	if res.Appended != 8 {
		t.Fatalf("appended = %d, want 8", res.Appended)
	}
	if len(api.linked) != 1 || len(api.linked[0]) != 2 {
		t.Fatalf("expected only the lav pair to be linked manually, got %v", api.linked)
	}
	if res.Disabled != 2 || len(api.colored) != 2 {
		t.Fatalf("expected the disabled cam segment (video+audio) coloured, got %v", api.colored)
	}
	for _, c := range api.colored {
		if c != DefaultDisabledColor {
			t.Fatalf("unexpected colour %q", c)
		}
	}
	if len(sr.waits) != 0 {
		t.Fatalf("unexpected retries: %v", sr.waits)
	}
}

func TestRun_RetriesAfterPartialAppend(t *testing.T) {
	api := newFakeTimeline()
	api.dropOnAttempt = map[int]bool{1: true}
	sr := &sleepRecorder{}
	o := New(api, Options{Logger: quietLogger(), Sleep: sr.sleep, RetryBase: 10 * time.Millisecond})

	res, err := o.Run(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
	if len(api.deleted) != 1 {
		t.Fatalf("expected one rollback, got %d", len(api.deleted))
	}
	if len(sr.waits) != 1 || sr.waits[0] != 10*time.Millisecond {
		t.Fatalf("waits = %v", sr.waits)
	}
	items, _ := api.TrackItems(context.Background())
	if len(items) != 8 {
		t.Fatalf("timeline holds %d items after retry, want 8", len(items))
	}
}

func TestRun_FailsAfterMaxAttempts(t *testing.T) {
	api := newFakeTimeline()
	api.dropOnAttempt = map[int]bool{1: true, 2: true, 3: true}
	sr := &sleepRecorder{}
	o := New(api, Options{Logger: quietLogger(), Sleep: sr.sleep, RetryBase: time.Second, MaxAttempts: 3})

	res, err := o.Run(context.Background(), testSnapshot())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if res.State != StateFailed || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(sr.waits) != 2 || sr.waits[0] != time.Second || sr.waits[1] != 2*time.Second {
		t.Fatalf("expected increasing backoff, got %v", sr.waits)
	}
	if len(api.deleted) != 3 {
		t.Fatalf("expected a rollback per attempt, got %d", len(api.deleted))
	}
	if !strings.Contains(res.Message, "cam") || !strings.Contains(res.Message, "frame 0") {
		t.Fatalf("message should name the missing clip: %q", res.Message)
	}
	if len(api.linked) != 0 {
		t.Fatalf("failed commit must not link")
	}
}

func TestRun_Batches(t *testing.T) {
	var ins []types.EditInstruction
	for i := 0; i < 250; i++ {
		ins = append(ins, instr(i*10, i*10+9, true))
	}
	snap := &types.ProjectSnapshot{Timeline: types.Timeline{FPS: 25, AudioTrackItems: []types.TimelineItem{
		{Name: "vo", ID: "vo", TrackType: types.TrackAudio, TrackIndex: 1, SourceFilePath: "/m/vo.wav", EditInstructions: ins},
	}}}
	api := newFakeTimeline()
	o := New(api, Options{Logger: quietLogger(), BatchSize: 100})
	if _, err := o.Run(context.Background(), snap); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fmt.Sprint(api.batches) != "[100 100 50]" {
		t.Fatalf("batches = %v", api.batches)
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	api := newFakeTimeline()
	api.block = make(chan struct{})
	api.entered = make(chan struct{})
	entered := api.entered
	o := New(api, Options{Logger: quietLogger()})

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), testSnapshot())
		done <- err
	}()
	<-entered
	if _, err := o.Run(context.Background(), testSnapshot()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	close(api.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestReconcile_Symmetry(t *testing.T) {
	expected := []Key{
		{Kind: ports.KindVideo, Track: 1, Frame: 0},
		{Kind: ports.KindAudio, Track: 1, Frame: 0},
		{Kind: ports.KindAudio, Track: 1, Frame: 0},
		{Kind: ports.KindAudio, Track: 2, Frame: 40},
	}
	actual := []ports.PlacedItem{
		{Kind: ports.KindAudio, TrackIndex: 2, StartFrame: 40},
		{Kind: ports.KindVideo, TrackIndex: 3, StartFrame: 7},
		{Kind: ports.KindAudio, TrackIndex: 1, StartFrame: 0},
		{Kind: ports.KindVideo, TrackIndex: 1, StartFrame: 0},
		{Kind: ports.KindAudio, TrackIndex: 1, StartFrame: 0},
		{Kind: ports.KindAudio, TrackIndex: 9, StartFrame: 1},
	}
	missing, extras := Reconcile(expected, actual)
	if len(missing) != 0 || extras != 2 {
		t.Fatalf("superset: missing=%v extras=%d", missing, extras)
	}

	for i := range actual {
		k := Key{Kind: actual[i].Kind, Track: actual[i].TrackIndex, Frame: actual[i].StartFrame}
		isExpected := false
		for _, e := range expected {
			if e == k {
				isExpected = true
			}
		}
		if !isExpected {
			continue
		}
		reduced := append(append([]ports.PlacedItem(nil), actual[:i]...), actual[i+1:]...)
		missing, _ := Reconcile(expected, reduced)
		if len(missing) != 1 || missing[0] != k {
			t.Fatalf("removing %v: missing=%v", k, missing)
		}
	}
}

func TestBackoff_Increases(t *testing.T) {
	base := 500 * time.Millisecond
	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := Backoff(base, attempt)
		if d <= prev {
			t.Fatalf("backoff did not increase at attempt %d: %v <= %v", attempt, d, prev)
		}
		prev = d
	}
}
