package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/silencecut/internal/config"
	"github.com/forPelevin/silencecut/internal/pipeline"
	"github.com/forPelevin/silencecut/internal/server"
	"github.com/forPelevin/silencecut/internal/usecase"
)

type runOptions struct {
	snapshot    string
	document    string
	commit      bool
	reconstruct bool
}

func run(cmd *cobra.Command, opts runOptions) error {
	logger := newLogger(cmd)
	eff, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	outDir, _ := cmd.Flags().GetString("out")
	noLink, _ := cmd.Flags().GetBool("no-link")
	noDetect, _ := cmd.Flags().GetBool("no-detect")
	noAudit, _ := cmd.Flags().GetBool("no-audit")

	if f := cmd.Flags().Lookup("snapshot"); f != nil && f.Value.String() != "" {
		opts.snapshot = f.Value.String()
	}
	if dry, err := cmd.Flags().GetBool("dry-run"); err == nil && dry {
		opts.commit = false
	}
	if rec, err := cmd.Flags().GetBool("reconstruct"); err == nil && rec {
		opts.reconstruct = true
	}

	cfg := pipeline.Config{
		Effective:   eff,
		OutDir:      outDir,
		SkipDetect:  noDetect,
		Unlinked:    noLink,
		Commit:      opts.commit,
		Reconstruct: opts.reconstruct,
		NoAudit:     noAudit,
		Logger:      logger,
	}
	if opts.snapshot != "" {
		abs, err := filepath.Abs(opts.snapshot)
		if err != nil {
			return err
		}
		cfg.SnapshotPath = abs
	}
	if opts.document != "" {
		abs, err := filepath.Abs(opts.document)
		if err != nil {
			return err
		}
		cfg.DocumentPath = abs
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 3*time.Hour)
	defer cancelTimeout()

	rep, err := pipeline.Run(ctx, cfg)
	if rep.OutDir != "" {
		fmt.Fprintln(cmd.OutOrStdout(), renderSummary(rep))
	}
	return err
}

func serve(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	eff, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	noAudit, _ := cmd.Flags().GetBool("no-audit")

	cfg := pipeline.Config{Effective: eff, NoAudit: noAudit, Commit: true, Logger: logger}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	svc, err := pipeline.NewService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	opts := server.Options{
		Analyze: usecase.AnalyzeInput{
			ThresholdDB: eff.ThresholdDB,
			MinSilence:  eff.MinSilence,
			PadLeft:     eff.PadLeft,
			PadRight:    eff.PadRight,
			Workers:     eff.Workers,
		},
		Mode:   eff.Mode,
		Logger: logger,
	}
	if svc.Audit != nil {
		opts.Runs = svc.Audit
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return server.New(svc.Usecase, opts).ListenAndServe(ctx, addr)
}

// loadConfig merges the config file, SILENCECUT_* env and explicitly set flags.
func loadConfig(cmd *cobra.Command) (config.Effective, error) {
	path, _ := cmd.Flags().GetString("config")
	fs := cmd.Flags()

	var fl config.Flags
	if fs.Changed("mode") {
		v, _ := fs.GetString("mode")
		fl.Mode = &v
	}
	if fs.Changed("threshold-db") {
		v, _ := fs.GetFloat64("threshold-db")
		fl.ThresholdDB = &v
	}
	if fs.Changed("min-silence") {
		v, _ := fs.GetDuration("min-silence")
		fl.MinSilence = &v
	}
	if fs.Changed("pad-left") {
		v, _ := fs.GetDuration("pad-left")
		fl.PadLeft = &v
	}
	if fs.Changed("pad-right") {
		v, _ := fs.GetDuration("pad-right")
		fl.PadRight = &v
	}
	if fs.Changed("workers") {
		v, _ := fs.GetInt("workers")
		fl.Workers = &v
	}
	if fs.Changed("bridge-url") {
		v, _ := fs.GetString("bridge-url")
		fl.BridgeURL = &v
	}
	if fs.Changed("progress-url") {
		v, _ := fs.GetString("progress-url")
		fl.ProgressURL = &v
	}
	if fs.Changed("audit-db") {
		v, _ := fs.GetString("audit-db")
		fl.AuditDB = &v
	}

	eff, err := config.Load(path, path != "", os.Getenv, fl)
	if err != nil {
		return config.Effective{}, fmt.Errorf("config: %w", err)
	}
	if fs.Changed("batch-size") {
		if v, _ := fs.GetInt("batch-size"); v > 0 {
			eff.BatchSize = v
		}
	}
	return eff, nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
