package cli

import (
	"strings"
	"testing"

	"github.com/forPelevin/silencecut/internal/commit"
	"github.com/forPelevin/silencecut/internal/pipeline"
	"github.com/forPelevin/silencecut/internal/types"
	"github.com/forPelevin/silencecut/internal/usecase"
)

func TestRenderSummary(t *testing.T) {
	out := renderSummary(pipeline.Report{
		OutDir:  "out/run-1",
		Mode:    types.ModeRipple,
		Stats:   usecase.Stats{Items: 4, Groups: 2, KeptFrames: 150, RemovedFrames: 50},
		Aborted: []string{"7"},
		Commit:  &commit.Result{State: commit.StateDone, Attempts: 2, Appended: 6},
		RunID:   "0190-abc",
	})
	for _, want := range []string{"out/run-1", "ripple", "4 in 2 group(s)", "(25.0%)", "desynced groups: 7", "done after 2 attempt(s)", "0190-abc"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPercent(t *testing.T) {
	if got := percent(1, 0); got != "" {
		t.Fatalf("percent of zero total = %q", got)
	}
	if got := percent(1, 4); got != " (25.0%)" {
		t.Fatalf("percent = %q", got)
	}
}
