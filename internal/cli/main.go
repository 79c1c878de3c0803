package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func Main() {
	_ = godotenv.Load() // best-effort: load .env if present

	root := &cobra.Command{
		Use:          "silencecut",
		Short:        "Remove or flag silent regions across a multi-track timeline",
		SilenceUsage: true,
	}

	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceErrors = true

	root.PersistentFlags().String("config", "", "YAML config file (default ./silencecut.yaml if present)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")

	root.AddCommand(runCmd(), editsCmd(), reconstructCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Detect silence on the open timeline and apply the cut through the host bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, runOptions{commit: true})
		},
	}
	addPipelineFlags(cmd)
	cmd.Flags().String("snapshot", "", "Read the timeline snapshot from a JSON file instead of the bridge")
	cmd.Flags().Bool("dry-run", false, "Compute and write instructions without touching the timeline")
	cmd.Flags().Bool("reconstruct", false, "Also export the timeline and write a rebuilt OTIO document")
	return cmd
}

func editsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edits <snapshot.json>",
		Short: "Compute edit instructions for a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, runOptions{snapshot: args[0]})
		},
	}
	addPipelineFlags(cmd)
	return cmd
}

func reconstructCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconstruct <snapshot.json> <timeline.otio>",
		Short: "Rebuild an OTIO timeline with silence removed or disabled",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, runOptions{snapshot: args[0], document: args[1], reconstruct: true})
		},
	}
	addPipelineFlags(cmd)
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the edit pipeline over HTTP for host-side plugins",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}
	addPipelineFlags(cmd)
	cmd.Flags().String("addr", getenvDefault("SILENCECUT_ADDR", "127.0.0.1:8766"), "Listen address")
	return cmd
}

func addPipelineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("mode", "", "ripple (remove silence) or mark (disable silent segments)")
	f.Float64("threshold-db", 0, "Silence threshold in dB")
	f.Duration("min-silence", 0, "Shortest silence to cut")
	f.Duration("pad-left", 0, "Sound kept before each silence ends")
	f.Duration("pad-right", 0, "Sound kept after each silence starts")
	f.Int("workers", 0, "Parallel silence detections")
	f.String("out", "out", "Output directory")
	f.Bool("no-link", false, "Cut every clip on its own instead of per link group")
	f.Bool("no-detect", false, "Trust the silences already in the snapshot")
	f.Bool("no-audit", false, "Do not record the run in the audit database")
	f.String("bridge-url", "", "Host bridge base URL")
	f.String("progress-url", "", "Endpoint that receives progress updates")
	f.String("audit-db", "", "Audit SQLite database path")

	// Hidden tuning flag (internal)
	f.Int("batch-size", 0, "Clips per append call")
	_ = f.MarkHidden("batch-size")
}
