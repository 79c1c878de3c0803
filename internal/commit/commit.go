// Package commit writes edit instructions back into the host timeline.
//
// A commit is a bounded state machine: clips are appended in batches, the
// host timeline is checked against the expected placements, and a partial
// append is rolled back and retried with increasing backoff. Once verified,
// clips of each link group are linked and disabled clips are coloured.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forPelevin/silencecut/internal/ports"
	"github.com/forPelevin/silencecut/internal/types"
)

var (
	// ErrInFlight is returned when a commit is already running on the orchestrator.
	ErrInFlight = errors.New("commit already in flight")
	// ErrRetriesExhausted is returned when verification kept failing.
	ErrRetriesExhausted = errors.New("commit retries exhausted")
)

const (
	DefaultBatchSize     = 100
	DefaultMaxAttempts   = 3
	DefaultRetryBase     = time.Second
	DefaultDisabledColor = "Violet"
)

type State int

const (
	StatePrepare State = iota
	StateAppend
	StateVerify
	StateRollback
	StateLink
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePrepare:
		return "prepare"
	case StateAppend:
		return "append"
	case StateVerify:
		return "verify"
	case StateRollback:
		return "rollback"
	case StateLink:
		return "link"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	BatchSize     int
	MaxAttempts   int
	RetryBase     time.Duration
	DisabledColor string
	Logger        *slog.Logger
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.DisabledColor == "" {
		o.DisabledColor = DefaultDisabledColor
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
}

// Key identifies an expected placement on the host timeline.
type Key struct {
	Kind  ports.MediaKind
	Track int
	Frame int
}

func (k Key) String() string {
	return fmt.Sprintf("%s track %d @ frame %d", k.Kind, k.Track, k.Frame)
}

type Result struct {
	State      State
	Attempts   int
	Appended   int
	Linked     int
	Disabled   int
	LinkErrors int
	Missing    []Key
	Message    string
}

type Orchestrator struct {
	api  ports.TimelineAPI
	opts Options
	mu   sync.Mutex
}

func New(api ports.TimelineAPI, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{api: api, opts: opts}
}

// Backoff is the wait before retry number attempt (1-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}

// Run commits the snapshot's instructions. Only one Run may be in flight per
// orchestrator; a concurrent call returns ErrInFlight.
func (o *Orchestrator) Run(ctx context.Context, snap *types.ProjectSnapshot) (Result, error) {
	if !o.mu.TryLock() {
		return Result{}, ErrInFlight
	}
	defer o.mu.Unlock()

	log := o.opts.Logger
	var (
		res     Result
		p       *plan
		handles [][]ports.ItemHandle
		err     error
	)
	state := StatePrepare
	for {
		res.State = state
		switch state {
		case StatePrepare:
			p, err = o.prepare(ctx, snap)
			if err != nil {
				res.State = StateFailed
				res.Message = err.Error()
				return res, err
			}
			if len(p.appends) == 0 {
				state = StateDone
				continue
			}
			log.Info("commit: prepared", "appends", len(p.appends), "groups", len(p.groupOrder))
			state = StateAppend

		case StateAppend:
			res.Attempts++
			handles, err = o.append(ctx, p)
			if err != nil {
				log.Warn("commit: append failed", "attempt", res.Attempts, "err", err)
				res.Missing = p.expected()
				state = StateRollback
				continue
			}
			state = StateVerify

		case StateVerify:
			actual, err := o.api.TrackItems(ctx)
			if err != nil {
				log.Warn("commit: listing track items failed", "attempt", res.Attempts, "err", err)
				res.Missing = p.expected()
				state = StateRollback
				continue
			}
			missing, extras := Reconcile(p.expected(), actual)
			if extras > 0 {
				log.Debug("commit: unexpected items on timeline", "count", extras)
			}
			res.Missing = missing
			if len(missing) > 0 {
				log.Warn("commit: verification failed", "attempt", res.Attempts, "missing", len(missing))
				state = StateRollback
				continue
			}
			res.Appended = countHandles(handles)
			state = StateLink

		case StateRollback:
			if all := flatten(handles); len(all) > 0 {
				if err := o.api.DeleteClips(ctx, all); err != nil {
					log.Warn("commit: rollback failed", "attempt", res.Attempts, "err", err)
				}
			}
			handles = nil
			if res.Attempts >= o.opts.MaxAttempts {
				state = StateFailed
				continue
			}
			wait := Backoff(o.opts.RetryBase, res.Attempts)
			log.Info("commit: retrying", "attempt", res.Attempts+1, "wait", wait)
			if err := o.opts.Sleep(ctx, wait); err != nil {
				res.State = StateFailed
				res.Message = err.Error()
				return res, err
			}
			state = StateAppend

		case StateLink:
			o.link(ctx, p, handles, &res)
			state = StateDone

		case StateDone:
			log.Info("commit: done", "attempts", res.Attempts, "appended", res.Appended, "linked", res.Linked, "disabled", res.Disabled)
			return res, nil

		case StateFailed:
			res.Message = p.summarize(res.Missing, res.Attempts)
			return res, fmt.Errorf("%w: %s", ErrRetriesExhausted, res.Message)
		}
	}
}

// Reconcile checks actual timeline items against the expected placements as
// a multiset. It returns the expected keys left unmatched and the number of
// actual items nothing expected.
func Reconcile(expected []Key, actual []ports.PlacedItem) (missing []Key, extras int) {
	counts := make(map[Key]int, len(expected))
	for _, k := range expected {
		counts[k]++
	}
	for _, it := range actual {
		k := Key{Kind: it.Kind, Track: it.TrackIndex, Frame: it.StartFrame}
		if counts[k] > 0 {
			counts[k]--
			continue
		}
		extras++
	}
	for _, k := range expected {
		if counts[k] > 0 {
			missing = append(missing, k)
			counts[k]--
		}
	}
	return missing, extras
}

func (o *Orchestrator) append(ctx context.Context, p *plan) ([][]ports.ItemHandle, error) {
	var out [][]ports.ItemHandle
	for lo := 0; lo < len(p.appends); lo += o.opts.BatchSize {
		hi := min(lo+o.opts.BatchSize, len(p.appends))
		batch := make([]ports.AppendClip, 0, hi-lo)
		for _, a := range p.appends[lo:hi] {
			batch = append(batch, a.clip)
		}
		got, err := o.api.AppendClips(ctx, batch)
		out = append(out, got...)
		if err != nil {
			return out, fmt.Errorf("append batch %d-%d: %w", lo, hi, err)
		}
		if len(got) != len(batch) {
			return out, fmt.Errorf("append batch %d-%d: host returned %d results for %d clips", lo, hi, len(got), len(batch))
		}
	}
	return out, nil
}

func (o *Orchestrator) link(ctx context.Context, p *plan, handles [][]ports.ItemHandle, res *Result) {
	log := o.opts.Logger
	for _, key := range p.groupOrder {
		idx := p.groups[key]
		if len(idx) == 1 && p.appends[idx[0]].autoLinked {
			continue
		}
		var hs []ports.ItemHandle
		for _, i := range idx {
			hs = append(hs, handles[i]...)
		}
		if len(hs) < 2 {
			continue
		}
		if err := o.api.SetClipsLinked(ctx, hs); err != nil {
			log.Warn("commit: link failed", "group", key, "err", err)
			res.LinkErrors++
			continue
		}
		res.Linked++
	}
	for i, a := range p.appends {
		if a.enabled {
			continue
		}
		for _, h := range handles[i] {
			if err := o.api.SetClipColor(ctx, h, o.opts.DisabledColor); err != nil {
				log.Warn("commit: colouring disabled clip failed", "handle", h, "err", err)
				continue
			}
			res.Disabled++
		}
	}
}

func flatten(hs [][]ports.ItemHandle) []ports.ItemHandle {
	var out []ports.ItemHandle
	for _, h := range hs {
		out = append(out, h...)
	}
	return out
}

func countHandles(hs [][]ports.ItemHandle) int {
	n := 0
	for _, h := range hs {
		n += len(h)
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func describeMissing(missing []Key, names map[Key][]string) string {
	parts := make([]string, 0, len(missing))
	for _, k := range missing {
		label := k.String()
		if n := names[k]; len(n) > 0 {
			label = fmt.Sprintf("%s (%s)", strings.Join(dedupe(n), ", "), label)
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, "; ")
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
