//go:build integration

package itest

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

func probeDurationSeconds(path string) (float64, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w\n%s", err, string(b))
	}
	s := strings.TrimSpace(string(b))
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return sec, nil
}

// makeSpeechGap writes a wav of tone, silence, tone with the given lengths
// in seconds.
func makeSpeechGap(out string, tone, gap float64) error {
	secs := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi", "-i", "sine=frequency=440:sample_rate=48000:duration="+secs(tone),
		"-f", "lavfi", "-i", "anullsrc=r=48000:cl=mono:d="+secs(gap),
		"-f", "lavfi", "-i", "sine=frequency=440:sample_rate=48000:duration="+secs(tone),
		"-filter_complex", "[0:a][1:a][2:a]concat=n=3:v=0:a=1[out]",
		"-map", "[out]",
		"-ac", "1",
		out,
	)
	if b, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg fixture: %w\n%s", err, string(b))
	}
	return nil
}
