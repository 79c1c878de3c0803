package ffmpeg

import (
	"strings"
	"testing"
)

func TestParseSilenceDetect(t *testing.T) {
	log := `Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'a.mov':
[silencedetect @ 0x600] silence_start: 1.504
[silencedetect @ 0x600] silence_end: 2.75 | silence_duration: 1.246
[silencedetect @ 0x600] silence_start: garbage
[silencedetect @ 0x600] silence_end: 3.0 | silence_duration: 0.1
[silencedetect @ 0x600] silence_start: -0.02
[silencedetect @ 0x600] silence_end: 0.9 | silence_duration: 0.92
[silencedetect @ 0x600] silence_start: 10
`
	got := ParseSilenceDetect(strings.NewReader(log))
	if len(got) != 3 {
		t.Fatalf("expected 3 intervals, got %+v", got)
	}
	if got[0].Start != 1.504 || got[0].End != 2.75 {
		t.Fatalf("first interval: %+v", got[0])
	}
	if got[1].Start != 0 || got[1].End != 0.9 {
		t.Fatalf("negative start should clamp to 0: %+v", got[1])
	}
	if got[2].Start != 10 || got[2].End != -1 {
		t.Fatalf("open trailing silence: %+v", got[2])
	}
}

func TestParseSilenceDetect_Empty(t *testing.T) {
	if got := ParseSilenceDetect(strings.NewReader("no silence here\n")); len(got) != 0 {
		t.Fatalf("expected none, got %+v", got)
	}
}

func TestParseFrameRate(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"25/1", 25, false},
		{"30000/1001", 30000.0 / 1001.0, false},
		{"24", 24, false},
		{"0/0", 0, true},
		{"", 0, true},
		{"abc", 0, true},
	} {
		got, err := ParseFrameRate(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseFrameRate(%q) err=%v", tc.in, err)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("ParseFrameRate(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
