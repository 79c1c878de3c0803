package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forPelevin/silencecut/internal/commit"
	"github.com/forPelevin/silencecut/internal/domain/edits"
	"github.com/forPelevin/silencecut/internal/domain/intervals"
	"github.com/forPelevin/silencecut/internal/domain/linking"
	"github.com/forPelevin/silencecut/internal/domain/reconstruct"
	"github.com/forPelevin/silencecut/internal/otio"
	"github.com/forPelevin/silencecut/internal/ports"
	"github.com/forPelevin/silencecut/internal/progress"
	"github.com/forPelevin/silencecut/internal/types"
)

// Deps are the collaborators a run may use. Any of them may be nil when the
// corresponding stage is not requested.
type Deps struct {
	Detector  ports.SilenceDetector
	Probe     ports.MediaProbe
	Snapshots ports.SnapshotSource
	Audit     ports.AuditStore
	Committer *commit.Orchestrator
	Progress  *progress.Reporter
	Logger    *slog.Logger
}

type Usecase struct{ d Deps }

func New(d Deps) Usecase {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return Usecase{d: d}
}

var ErrMissingDep = errors.New("usecase: required collaborator not configured")

type AnalyzeInput struct {
	ThresholdDB float64
	MinSilence  time.Duration
	PadLeft     time.Duration
	PadRight    time.Duration
	Workers     int
}

// Analyze detects silence in every source file the snapshot references and
// stores the result, in frames of each file's rate, on snap.Files.
func (u Usecase) Analyze(ctx context.Context, snap *types.ProjectSnapshot, in AnalyzeInput) error {
	if u.d.Detector == nil {
		return fmt.Errorf("%w: silence detector", ErrMissingDep)
	}
	paths := sourcePaths(snap)
	if len(paths) == 0 {
		return nil
	}
	workers := in.Workers
	if workers <= 0 {
		workers = 1
	}

	type detected struct {
		fps      float64
		silences []types.SilenceInterval
	}
	var (
		mu      sync.Mutex
		results = make(map[string]detected, len(paths))
		done    int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, path := range paths {
		g.Go(func() error {
			fps := snap.FileFPS(path)
			if fd := snap.Files[path]; (fd == nil || fd.FPS <= 0) && u.d.Probe != nil {
				probed, err := u.d.Probe.ProbeFPS(gctx, path)
				if err != nil {
					u.d.Logger.Warn("probe fps failed, using timeline rate", "path", path, "err", err)
				} else {
					fps = probed
				}
			}
			secs, err := u.d.Detector.DetectSilence(gctx, path, ports.DetectOptions{
				ThresholdDB: in.ThresholdDB,
				MinDuration: in.MinSilence,
			})
			if err != nil {
				return fmt.Errorf("detect silence %s: %w", path, err)
			}
			secs = intervals.Pad(intervals.Merge(secs), in.PadLeft.Seconds(), in.PadRight.Seconds())
			frames := intervals.Merge(intervals.FromSeconds(secs, fps))

			mu.Lock()
			results[path] = detected{fps: fps, silences: frames}
			done++
			n := done
			mu.Unlock()

			u.d.Progress.Report(ports.Update{
				Task:    "analyze",
				Message: path,
				Percent: 100 * float64(n) / float64(len(paths)),
				At:      time.Now(),
			})
			u.d.Logger.Debug("silence detected", "path", path, "fps", fps, "intervals", len(frames))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for path, r := range results {
		fd := snap.Files[path]
		if fd == nil {
			fd = &types.FileData{}
			snap.Files[path] = fd
		}
		fd.FPS = r.fps
		fd.SilenceDetections = r.silences
	}
	return nil
}

func sourcePaths(snap *types.ProjectSnapshot) []string {
	if snap.Files == nil {
		snap.Files = map[string]*types.FileData{}
	}
	seen := map[string]struct{}{}
	add := func(p string) {
		if p != "" {
			seen[p] = struct{}{}
		}
	}
	for _, it := range snap.Items() {
		if len(it.NestedItems) > 0 {
			for _, n := range it.NestedItems {
				add(n.SourceFilePath)
			}
			continue
		}
		add(it.SourceFilePath)
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type ComputeInput struct {
	Mode types.Mode
	// Unlinked compiles each item on its own and skips group unification.
	Unlinked bool
}

type Stats struct {
	Items         int     `json:"items"`
	Groups        int     `json:"groups"`
	Instructions  int     `json:"instructions"`
	KeptFrames    float64 `json:"kept_frames"`
	RemovedFrames float64 `json:"removed_frames"`
}

type ComputeResult struct {
	Grids map[string]linking.Grid
	Stats Stats
}

// Compute fills every item's EditInstructions from the snapshot's silences.
func (u Usecase) Compute(snap *types.ProjectSnapshot, in ComputeInput) (ComputeResult, error) {
	mode := in.Mode
	if mode == "" {
		mode = types.ModeRipple
	}
	// Unification works on the full partition, so items are compiled in mark
	// mode first and re-expanded in the requested mode.
	compileMode := types.ModeMark
	if in.Unlinked {
		compileMode = mode
	}
	logf := func(format string, args ...any) { u.d.Logger.Debug(fmt.Sprintf(format, args...)) }

	for _, it := range snap.Items() {
		silences := itemSilences(snap, it)
		ins, err := edits.Compile(it.Span, silences, edits.Options{Mode: compileMode, Logf: logf})
		if err != nil {
			return ComputeResult{}, fmt.Errorf("compile %s: %w", it.ID, err)
		}
		it.EditInstructions = ins
	}

	var grids map[string]linking.Grid
	if !in.Unlinked {
		grids = linking.Apply(snap, mode)
	}
	return ComputeResult{Grids: grids, Stats: Summarize(snap)}, nil
}

func itemSilences(snap *types.ProjectSnapshot, it *types.TimelineItem) []types.SilenceInterval {
	if len(it.NestedItems) > 0 {
		return edits.FlattenNested(*it, snap.Files)
	}
	if fd := snap.Files[it.SourceFilePath]; fd != nil {
		return fd.SilenceDetections
	}
	return nil
}

// Summarize counts kept and removed frames over the snapshot's items.
func Summarize(snap *types.ProjectSnapshot) Stats {
	var st Stats
	groups := map[string]struct{}{}
	for _, it := range snap.Items() {
		st.Items++
		groups[it.GroupKey()] = struct{}{}
		st.Instructions += len(it.EditInstructions)
		var kept float64
		for _, ins := range it.EditInstructions {
			if ins.Enabled {
				kept += float64(ins.Duration())
			}
		}
		st.KeptFrames += kept
		st.RemovedFrames += max(it.Span.SourceDuration()-kept, 0)
	}
	st.Groups = len(groups)
	return st
}

// Commit applies the snapshot's instructions to the host timeline.
func (u Usecase) Commit(ctx context.Context, snap *types.ProjectSnapshot) (commit.Result, error) {
	if u.d.Committer == nil {
		return commit.Result{}, fmt.Errorf("%w: timeline api", ErrMissingDep)
	}
	return u.d.Committer.Run(ctx, snap)
}

type ReconstructInput struct {
	Mode types.Mode
	FPS  float64
}

// Reconstruct rebuilds doc from the grids computed for the snapshot.
func (u Usecase) Reconstruct(doc otio.Timeline, grids map[string]linking.Grid, in ReconstructInput) (reconstruct.Result, error) {
	logf := func(format string, args ...any) { u.d.Logger.Debug(fmt.Sprintf(format, args...)) }
	return reconstruct.Build(doc, grids, reconstruct.Options{Mode: in.Mode, FPS: in.FPS, Logf: logf})
}

type Input struct {
	// Snapshot is used when set; otherwise it is fetched from Deps.Snapshots.
	// Its items are updated in place.
	Snapshot *types.ProjectSnapshot
	// Document is used for reconstruction when set; otherwise it is exported
	// from Deps.Snapshots.
	Document *otio.Timeline

	Analyze     AnalyzeInput
	SkipAnalyze bool
	Compute     ComputeInput
	Commit      bool
	Reconstruct bool
}

type Result struct {
	Snapshot types.ProjectSnapshot
	Stats    Stats
	Grids    map[string]linking.Grid
	RunID    string
	Commit   *commit.Result
	Rebuilt  *reconstruct.Result
}

// Run drives a whole pass: snapshot, analysis, compilation, audit, then the
// requested output stages.
func (u Usecase) Run(ctx context.Context, in Input) (Result, error) {
	defer u.d.Progress.Report(ports.Update{Task: "run", Percent: 100, Done: true, At: time.Now()})
	if in.Compute.Mode == "" {
		in.Compute.Mode = types.ModeRipple
	}

	var snap types.ProjectSnapshot
	switch {
	case in.Snapshot != nil:
		snap = *in.Snapshot
	case u.d.Snapshots != nil:
		s, err := u.d.Snapshots.Snapshot(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("fetch snapshot: %w", err)
		}
		snap = s
	default:
		return Result{}, fmt.Errorf("%w: snapshot source", ErrMissingDep)
	}
	if err := snap.Validate(); err != nil {
		return Result{}, err
	}

	if !in.SkipAnalyze {
		if err := u.Analyze(ctx, &snap, in.Analyze); err != nil {
			return Result{}, err
		}
	}
	u.d.Progress.Report(ports.Update{Task: "compile", Percent: 0, At: time.Now()})

	cr, err := u.Compute(&snap, in.Compute)
	if err != nil {
		return Result{}, err
	}
	res := Result{Snapshot: snap, Stats: cr.Stats, Grids: cr.Grids}
	u.d.Logger.Info("instructions computed",
		"items", cr.Stats.Items, "groups", cr.Stats.Groups,
		"kept_frames", cr.Stats.KeptFrames, "removed_frames", cr.Stats.RemovedFrames)

	if u.d.Audit != nil {
		id, err := u.d.Audit.SaveRun(ctx, &snap, in.Compute.Mode)
		if err != nil {
			u.d.Logger.Warn("audit save failed", "err", err)
		} else {
			res.RunID = id
		}
	}

	if in.Reconstruct {
		if in.Compute.Unlinked {
			return res, errors.New("reconstruct needs unified groups; drop the unlinked option")
		}
		var doc otio.Timeline
		switch {
		case in.Document != nil:
			doc = *in.Document
		case u.d.Snapshots != nil:
			d, err := u.d.Snapshots.ExportTimeline(ctx)
			if err != nil {
				return res, fmt.Errorf("export timeline: %w", err)
			}
			doc = d
		default:
			return res, fmt.Errorf("%w: interchange document", ErrMissingDep)
		}
		rb, err := u.Reconstruct(doc, cr.Grids, ReconstructInput{Mode: in.Compute.Mode, FPS: snap.Timeline.FPS})
		res.Rebuilt = &rb
		if err != nil {
			return res, err
		}
	}

	if in.Commit {
		u.d.Progress.Report(ports.Update{Task: "commit", Percent: 0, At: time.Now()})
		cres, err := u.Commit(ctx, &snap)
		res.Commit = &cres
		if err != nil {
			return res, err
		}
	}
	res.Snapshot = snap
	return res, nil
}
