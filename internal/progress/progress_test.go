package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/forPelevin/silencecut/internal/ports"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []ports.Update
	err  error
	gate chan struct{}
}

func (s *recordingSink) Send(ctx context.Context, u ports.Update) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, u)
	return s.err
}

func (s *recordingSink) count(done bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.got {
		if u.Done == done {
			n++
		}
	}
	return n
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReporter_RateLimitsButAlwaysSendsCompletion(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink, Options{Logger: quiet(), QueueSize: 256})

	for i := 0; i < 100; i++ {
		r.Report(ports.Update{Task: "detect", Percent: float64(i)})
	}
	for i := 0; i < 5; i++ {
		if !r.Report(ports.Update{Task: "detect", Done: true}) {
			t.Fatalf("completion update %d rejected", i)
		}
	}
	r.Close()

	if n := sink.count(false); n == 0 || n > 10 {
		t.Fatalf("expected a handful of rate-limited updates, got %d", n)
	}
	if n := sink.count(true); n != 5 {
		t.Fatalf("expected all 5 completion updates, got %d", n)
	}
	if r.Dropped() < 90 {
		t.Fatalf("expected most updates dropped, got %d", r.Dropped())
	}
}

func TestReporter_NeverBlocks(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	r := New(sink, Options{Logger: quiet(), Workers: 1, QueueSize: 1, Timeout: time.Minute})

	start := time.Now()
	accepted := 0
	for i := 0; i < 20; i++ {
		if r.Report(ports.Update{Task: "commit", Done: true}) {
			accepted++
		}
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Report blocked on a stalled sink")
	}
	if accepted >= 20 {
		t.Fatalf("expected overflow to be dropped, accepted %d", accepted)
	}
	close(sink.gate)
	r.Close()
}

func TestReporter_SwallowsSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("listener unreachable")}
	r := New(sink, Options{Logger: quiet()})
	if !r.Report(ports.Update{Task: "x", Done: true}) {
		t.Fatalf("update rejected")
	}
	r.Close()
	if sink.count(true) != 1 {
		t.Fatalf("expected delivery attempt")
	}
	if r.Report(ports.Update{Task: "x", Done: true}) {
		t.Fatalf("closed reporter accepted an update")
	}
}

func TestReporter_NilSafe(t *testing.T) {
	var r *Reporter
	if r.Report(ports.Update{Done: true}) {
		t.Fatalf("nil reporter accepted update")
	}
	r.Close()

	d := New(nil, Options{Logger: quiet()})
	if d.Report(ports.Update{Done: true}) {
		t.Fatalf("sinkless reporter accepted update")
	}
	d.Close()
}
