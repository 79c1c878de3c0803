// Package progress delivers fire-and-forget progress updates to an external
// listener through a small worker pool.
//
// Updates are rate limited; completion updates skip the limiter. Reporting
// never blocks the caller and delivery failures are only logged.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/forPelevin/silencecut/internal/ports"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
	DefaultRate      = 8
	DefaultTimeout   = 2 * time.Second
)

type Options struct {
	Workers   int
	QueueSize int
	// PerSecond caps non-final updates.
	PerSecond float64
	// Timeout bounds a single delivery.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.PerSecond <= 0 {
		o.PerSecond = DefaultRate
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Reporter struct {
	sink    ports.ProgressSink
	opts    Options
	limiter *rate.Limiter
	queue   chan ports.Update
	wg      sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// New starts the reporter's workers. A nil sink yields a reporter that
// discards everything.
func New(sink ports.ProgressSink, opts Options) *Reporter {
	opts.defaults()
	r := &Reporter{
		sink:    sink,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.PerSecond), 1),
		queue:   make(chan ports.Update, opts.QueueSize),
	}
	if sink == nil {
		r.closed = true
		close(r.queue)
		return r
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Report queues u for delivery and reports whether it was accepted.
func (r *Reporter) Report(u ports.Update) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	if !u.Done && !r.limiter.Allow() {
		r.dropped.Add(1)
		return false
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	select {
	case r.queue <- u:
		return true
	default:
		r.dropped.Add(1)
		r.opts.Logger.Debug("progress: queue full, dropping update", "task", u.Task)
		return false
	}
}

// Dropped is the number of updates discarded by the limiter or a full queue.
func (r *Reporter) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close stops accepting updates and waits for queued ones to be delivered.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reporter) work() {
	defer r.wg.Done()
	for u := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
		err := r.sink.Send(ctx, u)
		cancel()
		if err != nil {
			r.opts.Logger.Warn("progress: delivery failed", "task", u.Task, "err", err)
		}
	}
}
