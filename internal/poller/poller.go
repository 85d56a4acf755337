// Package poller runs a fetch on a fixed interval and delivers results in
// order, dropping responses that arrive after a newer one.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Poll result labels reported to the Recorder.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultStale = "stale"
)

// Recorder receives one call per finished fetch.
type Recorder interface {
	RecordPollResult(target, result string)
}

// Config describes a Poller.
type Config[T any] struct {
	// Name labels logs and metrics, e.g. "case", "queue", "claims".
	Name     string
	Interval time.Duration
	// Timeout bounds each fetch. Zero means no per-fetch timeout.
	Timeout time.Duration

	Fetch    func(ctx context.Context) (T, error)
	OnResult func(seq uint64, v T)
	OnError  func(seq uint64, err error)

	Logger   *zap.Logger
	Recorder Recorder
}

// Poller runs Fetch immediately and then every Interval until its context
// is cancelled. Fetches may overlap; each gets a sequence number and only
// outcomes newer than the last delivered one reach the callbacks.
type Poller[T any] struct {
	cfg    Config[T]
	logger *zap.Logger

	seq atomic.Uint64

	mu            sync.Mutex
	lastDelivered uint64

	delivered atomic.Int64
	dropped   atomic.Int64

	inflight sync.WaitGroup
	done     chan struct{}
	started  atomic.Bool
}

// New creates a poller. Interval must be positive and Fetch non-nil.
func New[T any](cfg Config[T]) (*Poller[T], error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be positive")
	}
	if cfg.Fetch == nil {
		return nil, errors.New("poller: fetch is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller[T]{
		cfg:    cfg,
		logger: logger.With(zap.String("poller", cfg.Name)),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the polling loop. It returns immediately; the loop stops
// when ctx is cancelled and Done is closed once in-flight fetches finish.
// Calling Start twice is a no-op.
func (p *Poller[T]) Start(ctx context.Context) {
	p.start(ctx, true)
}

// StartDeferred is Start without the immediate fetch: the first scheduled
// fetch runs one Interval later. Callers that fetch through Trigger right
// away use it.
func (p *Poller[T]) StartDeferred(ctx context.Context) {
	p.start(ctx, false)
}

func (p *Poller[T]) start(ctx context.Context, immediate bool) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.loop(ctx, immediate)
}

// Done is closed when the loop has exited and no fetch is in flight.
func (p *Poller[T]) Done() <-chan struct{} {
	return p.done
}

func (p *Poller[T]) loop(ctx context.Context, immediate bool) {
	defer func() {
		p.inflight.Wait()
		close(p.done)
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	if immediate {
		p.spawn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.spawn(ctx)
		}
	}
}

func (p *Poller[T]) spawn(ctx context.Context) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		_ = p.run(ctx)
	}()
}

// Trigger runs one fetch now, outside the schedule, and returns its error.
// The outcome goes through the same ordering as scheduled fetches.
func (p *Poller[T]) Trigger(ctx context.Context) error {
	return p.run(ctx)
}

// Deliver hands v to OnResult as the newest outcome, as if a fetch had just
// returned it. Fetches already in flight are then dropped as stale. It is
// used for values obtained outside the poller, such as a mutation response.
func (p *Poller[T]) Deliver(v T) {
	p.deliver(p.seq.Add(1), v, nil)
}

func (p *Poller[T]) run(ctx context.Context) error {
	seq := p.seq.Add(1)

	fetchCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	v, err := p.cfg.Fetch(fetchCtx)

	// Teardown is not a fetch failure.
	if err != nil && ctx.Err() != nil {
		return err
	}

	p.deliver(seq, v, err)
	return err
}

// deliver hands the outcome of seq to the callbacks unless a newer outcome
// was already delivered. Callbacks run under the ordering lock and must not
// call back into the poller.
func (p *Poller[T]) deliver(seq uint64, v T, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq < p.lastDelivered {
		p.dropped.Add(1)
		p.record(ResultStale)
		p.logger.Debug("dropping stale poll result", zap.Uint64("seq", seq), zap.Error(err))
		return
	}
	p.lastDelivered = seq
	p.delivered.Add(1)

	if err != nil {
		p.record(ResultError)
		p.logger.Debug("poll failed", zap.Uint64("seq", seq), zap.Error(err))
		if p.cfg.OnError != nil {
			p.cfg.OnError(seq, err)
		}
		return
	}
	p.record(ResultOK)
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(seq, v)
	}
}

func (p *Poller[T]) record(result string) {
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.RecordPollResult(p.cfg.Name, result)
	}
}

// Delivered returns how many outcomes reached the callbacks.
func (p *Poller[T]) Delivered() int64 {
	return p.delivered.Load()
}

// Dropped returns how many outcomes were discarded as stale.
func (p *Poller[T]) Dropped() int64 {
	return p.dropped.Load()
}

// LastSeq returns the most recently issued sequence number.
func (p *Poller[T]) LastSeq() uint64 {
	return p.seq.Load()
}
