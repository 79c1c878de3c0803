package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/forPelevin/silencecut/internal/audit"
	"github.com/forPelevin/silencecut/internal/commit"
	"github.com/forPelevin/silencecut/internal/config"
	"github.com/forPelevin/silencecut/internal/otio"
	"github.com/forPelevin/silencecut/internal/ports"
	"github.com/forPelevin/silencecut/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/silencecut/internal/ports/adapters/hostbridge"
	"github.com/forPelevin/silencecut/internal/progress"
	"github.com/forPelevin/silencecut/internal/types"
	"github.com/forPelevin/silencecut/internal/usecase"
)

type Config struct {
	config.Effective

	// SnapshotPath is a local snapshot JSON file. When empty the snapshot is
	// fetched from the host bridge.
	SnapshotPath string
	// DocumentPath is a local OTIO file to reconstruct. When empty the
	// timeline is exported from the host bridge.
	DocumentPath string
	OutDir       string

	SkipDetect  bool
	Unlinked    bool
	Commit      bool
	Reconstruct bool
	NoAudit     bool

	Logger *slog.Logger
}

// needsBridge reports whether any stage talks to the host editor.
func (c Config) needsBridge() bool {
	return c.Commit || c.SnapshotPath == "" || (c.Reconstruct && c.DocumentPath == "")
}

func (c Config) Validate() error {
	if _, err := types.ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if err := c.Effective.Validate(); err != nil {
		return err
	}
	if c.SnapshotPath != "" {
		if _, err := os.Stat(c.SnapshotPath); err != nil {
			return fmt.Errorf("stat snapshot: %w", err)
		}
	}
	if c.DocumentPath != "" {
		if !c.Reconstruct {
			return errors.New("a timeline document is only used when reconstructing")
		}
		if _, err := os.Stat(c.DocumentPath); err != nil {
			return fmt.Errorf("stat timeline document: %w", err)
		}
	}
	if c.Unlinked && c.Reconstruct {
		return errors.New("reconstruction needs unified link groups; unlinked mode is not supported")
	}
	if c.needsBridge() {
		if err := hostbridge.ValidateBaseURL("bridge url", c.BridgeURL, c.AllowedHosts); err != nil {
			return err
		}
	}
	if c.ProgressURL != "" {
		if err := hostbridge.ValidateBaseURL("progress url", c.ProgressURL, c.AllowedHosts); err != nil {
			return err
		}
	}
	return nil
}

// Service holds the wired usecase and the resources it owns.
type Service struct {
	Usecase  usecase.Usecase
	Bridge   *hostbridge.Adapter
	Audit    *audit.Store
	Progress *progress.Reporter
}

// NewService builds the adapters for cfg. The caller must Close it.
func NewService(cfg Config) (*Service, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	media := ffmpeg.New(cfg.FFmpeg, cfg.FFprobe)
	bridge := hostbridge.New(cfg.BridgeURL, cfg.BridgeToken)

	s := &Service{Bridge: bridge}
	if cfg.ProgressURL != "" {
		s.Progress = progress.New(hostbridge.NewProgressSink(cfg.ProgressURL), progress.Options{Logger: log})
	}
	if !cfg.NoAudit && cfg.AuditDB != "" {
		st, err := audit.Open(cfg.AuditDB)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Audit = st
	}

	deps := usecase.Deps{
		Detector:  media,
		Probe:     media,
		Snapshots: bridge,
		Committer: commit.New(bridge, commit.Options{
			BatchSize:     cfg.BatchSize,
			MaxAttempts:   cfg.MaxAttempts,
			RetryBase:     cfg.RetryBase,
			DisabledColor: cfg.DisabledColor,
			Logger:        log,
		}),
		Progress: s.Progress,
		Logger:   log,
	}
	if s.Audit != nil {
		deps.Audit = s.Audit
	}
	s.Usecase = usecase.New(deps)
	return s, nil
}

func (s *Service) Close() {
	s.Progress.Close()
	if s.Audit != nil {
		_ = s.Audit.Close()
	}
}

// Report is what a pipeline run leaves behind.
type Report struct {
	OutDir       string
	SnapshotFile string
	TimelineFile string
	Mode         types.Mode
	Stats        usecase.Stats
	RunID        string
	Commit       *commit.Result
	Edited       int
	Aborted      []string
}

func Run(ctx context.Context, cfg Config) (Report, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	svc, err := NewService(cfg)
	if err != nil {
		return Report{}, err
	}
	defer svc.Close()

	in := usecase.Input{
		Analyze: usecase.AnalyzeInput{
			ThresholdDB: cfg.ThresholdDB,
			MinSilence:  cfg.MinSilence,
			PadLeft:     cfg.PadLeft,
			PadRight:    cfg.PadRight,
			Workers:     cfg.Workers,
		},
		SkipAnalyze: cfg.SkipDetect,
		Compute:     usecase.ComputeInput{Mode: cfg.Mode, Unlinked: cfg.Unlinked},
		Commit:      cfg.Commit,
		Reconstruct: cfg.Reconstruct,
	}
	label := "timeline"
	if cfg.SnapshotPath != "" {
		snap, err := LoadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return Report{}, err
		}
		in.Snapshot = &snap
		label = cfg.SnapshotPath
	}
	if cfg.DocumentPath != "" {
		doc, err := otio.Load(cfg.DocumentPath)
		if err != nil {
			return Report{}, err
		}
		in.Document = &doc
	}

	outDir := cfg.OutDir
	if outDir == "" {
		outDir = "out"
	}
	runOutDir := buildRunOutDir(outDir, label, time.Now().UTC())
	if err := os.MkdirAll(runOutDir, 0o755); err != nil {
		return Report{}, err
	}
	log.Info("output run dir", "path", runOutDir)

	res, runErr := svc.Usecase.Run(ctx, in)
	rep := Report{
		OutDir: runOutDir,
		Mode:   in.Compute.Mode,
		Stats:  res.Stats,
		RunID:  res.RunID,
		Commit: res.Commit,
	}
	if rep.Mode == "" {
		rep.Mode = types.ModeRipple
	}
	if res.Snapshot.Timeline.FPS > 0 {
		p := filepath.Join(runOutDir, "snapshot.json")
		if err := writeJSON(p, res.Snapshot); err != nil {
			return rep, err
		}
		rep.SnapshotFile = p
		log.Info("snapshot written", "path", p, "items", res.Stats.Items)
	}
	if res.Rebuilt != nil {
		p := filepath.Join(runOutDir, "timeline.otio")
		if err := otio.Save(p, res.Rebuilt.Timeline); err != nil {
			return rep, err
		}
		rep.TimelineFile = p
		rep.Edited = res.Rebuilt.Edited
		rep.Aborted = res.Rebuilt.Aborted
		log.Info("timeline written", "path", p, "edited", res.Rebuilt.Edited, "unedited", res.Rebuilt.Unedited)
	}
	return rep, runErr
}

// LoadSnapshot reads a snapshot JSON file.
func LoadSnapshot(path string) (types.ProjectSnapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.ProjectSnapshot{}, err
	}
	var snap types.ProjectSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return types.ProjectSnapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, b, 0o644)
}

func buildRunOutDir(outRoot, label string, now time.Time) string {
	name := strings.TrimSuffix(filepath.Base(label), filepath.Ext(label))
	name = normalizePathSegment(name)
	if name == "" {
		name = "timeline"
	}
	ts := now.UTC().Format("20060102-150405Z")
	runSeed := fmt.Sprintf("%s|%d", label, now.UTC().UnixNano())
	suffix := hash(runSeed)[:6]
	return filepath.Join(outRoot, fmt.Sprintf("%s-%s-%s", name, ts, suffix))
}

func normalizePathSegment(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// ensure adapters implement ports
var _ ports.SilenceDetector = (*ffmpeg.Adapter)(nil)
var _ ports.MediaProbe = (*ffmpeg.Adapter)(nil)
var _ ports.SnapshotSource = (*hostbridge.Adapter)(nil)
var _ ports.TimelineAPI = (*hostbridge.Adapter)(nil)
var _ ports.ProgressSink = (*hostbridge.ProgressSink)(nil)
var _ ports.AuditStore = (*audit.Store)(nil)
