package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordPollResult(target, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[target+"/"+result]++
}

func (r *countingRecorder) get(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNew_validates(t *testing.T) {
	if _, err := New(Config[int]{Interval: 0, Fetch: func(context.Context) (int, error) { return 0, nil }}); err == nil {
		t.Error("New() with zero interval should fail")
	}
	if _, err := New(Config[int]{Interval: time.Second}); err == nil {
		t.Error("New() without fetch should fail")
	}
}

func TestPoller_fetches_immediately_then_on_interval(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var got []int

	p, err := New(Config[int]{
		Name:     "case",
		Interval: 20 * time.Millisecond,
		Fetch: func(context.Context) (int, error) {
			return int(calls.Add(1)), nil
		},
		OnResult: func(_ uint64, v int) {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	waitFor(t, func() bool { return calls.Load() >= 3 })
	cancel()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 3 || got[0] != 1 {
		t.Errorf("results = %v, want the immediate fetch first", got)
	}
}

func TestPoller_StartDeferred_waits_one_interval(t *testing.T) {
	var calls atomic.Int32
	p, err := New(Config[int]{
		Name:     "case",
		Interval: 100 * time.Millisecond,
		Fetch: func(context.Context) (int, error) {
			return int(calls.Add(1)), nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartDeferred(ctx)

	time.Sleep(30 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("calls = %d before the first interval, want 0", n)
	}
	waitFor(t, func() bool { return calls.Load() >= 1 })
}

func TestPoller_drops_stale_result(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	var mu sync.Mutex
	var delivered []string
	rec := &countingRecorder{}

	p, _ := New(Config[string]{
		Name:     "case",
		Interval: time.Hour,
		Fetch: func(context.Context) (string, error) {
			if calls.Add(1) == 1 {
				<-release
				return "old", nil
			}
			return "new", nil
		},
		OnResult: func(_ uint64, v string) {
			mu.Lock()
			delivered = append(delivered, v)
			mu.Unlock()
		},
		Recorder: rec,
	})

	slow := make(chan error, 1)
	go func() { slow <- p.Trigger(context.Background()) }()
	waitFor(t, func() bool { return calls.Load() == 1 })

	if err := p.Trigger(context.Background()); err != nil {
		t.Fatalf("second Trigger() error = %v", err)
	}
	close(release)
	<-slow

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "new" {
		t.Errorf("delivered = %v, want [new]", delivered)
	}
	if p.Delivered() != 1 || p.Dropped() != 1 {
		t.Errorf("Delivered/Dropped = %d/%d, want 1/1", p.Delivered(), p.Dropped())
	}
	if rec.get("case/stale") != 1 || rec.get("case/ok") != 1 {
		t.Errorf("recorded = %v", rec.counts)
	}
}

func TestPoller_drops_stale_error(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	var errorsSeen atomic.Int32

	p, _ := New(Config[int]{
		Interval: time.Hour,
		Fetch: func(context.Context) (int, error) {
			if calls.Add(1) == 1 {
				<-release
				return 0, errors.New("timeout")
			}
			return 7, nil
		},
		OnError: func(uint64, error) { errorsSeen.Add(1) },
	})

	slow := make(chan error, 1)
	go func() { slow <- p.Trigger(context.Background()) }()
	waitFor(t, func() bool { return calls.Load() == 1 })
	_ = p.Trigger(context.Background())
	close(release)
	<-slow

	if errorsSeen.Load() != 0 {
		t.Errorf("OnError called %d times, want 0 for a stale error", errorsSeen.Load())
	}
}

func TestPoller_error_delivered(t *testing.T) {
	wantErr := errors.New("platform down")
	var gotSeq uint64
	var gotErr error
	rec := &countingRecorder{}

	p, _ := New(Config[int]{
		Name:     "claims",
		Interval: time.Hour,
		Fetch:    func(context.Context) (int, error) { return 0, wantErr },
		OnError: func(seq uint64, err error) {
			gotSeq, gotErr = seq, err
		},
		Recorder: rec,
	})

	if err := p.Trigger(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("Trigger() error = %v, want %v", err, wantErr)
	}
	if gotSeq != 1 || !errors.Is(gotErr, wantErr) {
		t.Errorf("OnError(%d, %v), want (1, %v)", gotSeq, gotErr, wantErr)
	}
	if rec.get("claims/error") != 1 {
		t.Errorf("recorded = %v", rec.counts)
	}
}

func TestPoller_fetch_timeout(t *testing.T) {
	var deadlineSet atomic.Bool
	p, _ := New(Config[int]{
		Interval: time.Hour,
		Timeout:  20 * time.Millisecond,
		Fetch: func(ctx context.Context) (int, error) {
			_, ok := ctx.Deadline()
			deadlineSet.Store(ok)
			<-ctx.Done()
			return 0, ctx.Err()
		},
	})

	err := p.Trigger(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Trigger() error = %v, want deadline exceeded", err)
	}
	if !deadlineSet.Load() {
		t.Error("fetch context should carry a deadline")
	}
	if p.Delivered() != 1 {
		t.Errorf("Delivered() = %d, want the timeout delivered as an error", p.Delivered())
	}
}

func TestPoller_cancel_is_not_an_error(t *testing.T) {
	var errorsSeen atomic.Int32
	started := make(chan struct{})

	p, _ := New(Config[int]{
		Interval: time.Hour,
		Fetch: func(ctx context.Context) (int, error) {
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		},
		OnError: func(uint64, error) { errorsSeen.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	<-started
	cancel()
	<-p.Done()

	if errorsSeen.Load() != 0 {
		t.Errorf("OnError called %d times on teardown, want 0", errorsSeen.Load())
	}
}

func TestPoller_Start_twice(t *testing.T) {
	var calls atomic.Int32
	p, _ := New(Config[int]{
		Interval: time.Hour,
		Fetch: func(context.Context) (int, error) {
			calls.Add(1)
			return 0, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	p.Start(ctx)
	waitFor(t, func() bool { return p.Delivered() == 1 })
	cancel()
	<-p.Done()

	if calls.Load() != 1 {
		t.Errorf("fetches = %d, want 1", calls.Load())
	}
}
