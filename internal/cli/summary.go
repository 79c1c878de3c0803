package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/forPelevin/silencecut/internal/pipeline"
)

var (
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Width(14)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// renderSummary formats a run report for the terminal.
func renderSummary(rep pipeline.Report) string {
	var lines []string
	row := func(label, value string) {
		lines = append(lines, labelStyle.Render(label)+value)
	}

	st := rep.Stats
	row("mode", string(rep.Mode))
	row("items", fmt.Sprintf("%d in %d group(s)", st.Items, st.Groups))
	row("kept", fmt.Sprintf("%.0f frames", st.KeptFrames))
	row("removed", fmt.Sprintf("%.0f frames%s", st.RemovedFrames, percent(st.RemovedFrames, st.KeptFrames+st.RemovedFrames)))
	if rep.SnapshotFile != "" {
		row("snapshot", rep.SnapshotFile)
	}
	if rep.TimelineFile != "" {
		row("timeline", fmt.Sprintf("%s (%d edited)", rep.TimelineFile, rep.Edited))
	}
	if len(rep.Aborted) > 0 {
		lines = append(lines, warnStyle.Render("desynced groups: "+strings.Join(rep.Aborted, ", ")))
	}
	if c := rep.Commit; c != nil {
		row("commit", fmt.Sprintf("%s after %d attempt(s), %d clips, %d linked, %d disabled",
			c.State, c.Attempts, c.Appended, c.Linked, c.Disabled))
		if c.Message != "" {
			lines = append(lines, warnStyle.Render(c.Message))
		}
	}
	if rep.RunID != "" {
		row("run", rep.RunID)
	}

	head := headStyle.Render("SILENCECUT · " + rep.OutDir)
	return boxStyle.Render(head + "\n" + strings.Join(lines, "\n"))
}

func percent(part, total float64) string {
	if total <= 0 {
		return ""
	}
	return fmt.Sprintf(" (%.1f%%)", 100*part/total)
}
