package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/silencecut/internal/ports"
	"github.com/forPelevin/silencecut/internal/types"
)

type Adapter struct {
	ffmpeg  string
	ffprobe string
}

func New(ffmpegPath, ffprobePath string) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

// DetectSilence runs the silencedetect filter over the file's audio and
// returns the silent stretches in seconds.
func (a *Adapter) DetectSilence(ctx context.Context, path string, opts ports.DetectOptions) ([]types.SilenceInterval, error) {
	filter := fmt.Sprintf("silencedetect=noise=%sdB:d=%s",
		strconv.FormatFloat(opts.ThresholdDB, 'f', -1, 64),
		fmtSeconds(opts.MinDuration),
	)
	cmd := exec.CommandContext(ctx, a.ffmpeg,
		"-hide_banner",
		"-nostats",
		"-i", path,
		"-vn",
		"-af", filter,
		"-f", "null",
		"-",
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg silencedetect: %w\n%s", err, tail(b, 2000))
	}

	out := ParseSilenceDetect(bytes.NewReader(b))
	if n := len(out); n > 0 && out[n-1].End < 0 {
		// Silence ran to the end of the file.
		dur, err := a.ProbeDuration(ctx, path)
		if err != nil || dur <= 0 {
			return out[:n-1], nil
		}
		out[n-1].End = dur.Seconds()
		if !out[n-1].Valid() {
			out = out[:n-1]
		}
	}
	return out, nil
}

// ParseSilenceDetect extracts silence_start/silence_end pairs from ffmpeg's
// log. Unparsable lines are skipped. A trailing start without an end is
// returned with End = -1.
func ParseSilenceDetect(r io.Reader) []types.SilenceInterval {
	var (
		out     []types.SilenceInterval
		start   float64
		hasOpen bool
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if v, ok := fieldAfter(line, "silence_start:"); ok {
			start, hasOpen = v, true
			continue
		}
		if v, ok := fieldAfter(line, "silence_end:"); ok {
			if !hasOpen {
				continue
			}
			hasOpen = false
			iv := types.SilenceInterval{Start: max(start, 0), End: v}
			if iv.Valid() {
				out = append(out, iv)
			}
		}
	}
	if hasOpen {
		out = append(out, types.SilenceInterval{Start: max(start, 0), End: -1})
	}
	return out
}

func fieldAfter(line, key string) (float64, bool) {
	i := strings.Index(line, key)
	if i < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(line[i+len(key):])
	if j := strings.IndexAny(rest, " \t|"); j >= 0 {
		rest = rest[:j]
	}
	v, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ProbeFPS reads the first video stream's frame rate.
func (a *Adapter) ProbeFPS(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe fps: %w\n%s", err, string(b))
	}
	return ParseFrameRate(strings.TrimSpace(string(b)))
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("parse frame rate: empty")
	}
	if first, _, ok := strings.Cut(s, "\n"); ok {
		s = strings.TrimSpace(first)
	}
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	d := 1.0
	if ok {
		d, err = strconv.ParseFloat(den, 64)
		if err != nil {
			return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
		}
	}
	if n <= 0 || d <= 0 {
		return 0, fmt.Errorf("parse frame rate %q: not positive", s)
	}
	return n / d, nil
}

func (a *Adapter) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w\n%s", err, string(b))
	}
	s := strings.TrimSpace(string(b))
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func fmtSeconds(d time.Duration) string {
	sec := float64(d) / float64(time.Second)
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}
