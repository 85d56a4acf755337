package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/casedesk/internal/poller"
	"github.com/pitabwire/casedesk/model"
)

// Default list refresh intervals.
const (
	DefaultQueueInterval  = 30 * time.Second
	DefaultClaimsInterval = 5 * time.Second
)

// Snapshot is the state of a Cache.
type Snapshot[T any] struct {
	Value     T
	Loaded    bool
	FetchedAt time.Time
	Err       error
	ErrAt     time.Time
}

// Cache keeps the last good result of a polled list together with the last
// error. A failed refresh never discards the last good value.
type Cache[T any] struct {
	poll *poller.Poller[T]
	now  func() time.Time

	mu   sync.RWMutex
	snap Snapshot[T]
}

// CacheConfig configures a Cache.
type CacheConfig[T any] struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Fetch    func(ctx context.Context) (T, error)
	Logger   *zap.Logger
	Recorder poller.Recorder
}

// NewCache creates a Cache. Call Start to begin polling.
func NewCache[T any](cfg CacheConfig[T]) (*Cache[T], error) {
	c := &Cache[T]{now: time.Now}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := poller.New(poller.Config[T]{
		Name:     cfg.Name,
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		Fetch:    cfg.Fetch,
		OnResult: func(_ uint64, v T) {
			c.mu.Lock()
			c.snap.Value = v
			c.snap.Loaded = true
			c.snap.FetchedAt = c.now()
			c.snap.Err = nil
			c.mu.Unlock()
		},
		OnError: func(_ uint64, err error) {
			c.mu.Lock()
			c.snap.Err = err
			c.snap.ErrAt = c.now()
			c.mu.Unlock()
			logger.Warn("list refresh failed", zap.String("list", cfg.Name), zap.Error(err))
		},
		Logger:   logger,
		Recorder: cfg.Recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %s cache: %w", cfg.Name, err)
	}
	c.poll = p
	return c, nil
}

// Start polls until ctx is cancelled.
func (c *Cache[T]) Start(ctx context.Context) {
	c.poll.Start(ctx)
}

// Done is closed once polling has stopped.
func (c *Cache[T]) Done() <-chan struct{} {
	return c.poll.Done()
}

// Snapshot returns the current state without fetching.
func (c *Cache[T]) Snapshot() Snapshot[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Get returns the current state, fetching synchronously when nothing has
// loaded yet. The error is returned only when no value is available.
func (c *Cache[T]) Get(ctx context.Context) (Snapshot[T], error) {
	if s := c.Snapshot(); s.Loaded {
		return s, nil
	}
	err := c.poll.Trigger(ctx)
	s := c.Snapshot()
	if !s.Loaded {
		if err == nil {
			err = s.Err
		}
		return s, err
	}
	return s, nil
}

// Refresh fetches now.
func (c *Cache[T]) Refresh(ctx context.Context) error {
	return c.poll.Trigger(ctx)
}

// NewQueueCache polls the review queue. Filtering by status is done by the
// reader with FilterApplications.
func NewQueueCache(platform model.Platform, interval, timeout time.Duration, logger *zap.Logger, rec poller.Recorder) (*Cache[[]model.Application], error) {
	if interval <= 0 {
		interval = DefaultQueueInterval
	}
	return NewCache(CacheConfig[[]model.Application]{
		Name:     "queue",
		Interval: interval,
		Timeout:  timeout,
		Fetch: func(ctx context.Context) ([]model.Application, error) {
			return platform.ListApplications(ctx, "")
		},
		Logger:   logger,
		Recorder: rec,
	})
}

// NewClaimsCache polls the raw claim documents. Rows are mapped by the
// reader so relative ages stay current.
func NewClaimsCache(platform model.Platform, interval, timeout time.Duration, logger *zap.Logger, rec poller.Recorder) (*Cache[[]map[string]any], error) {
	if interval <= 0 {
		interval = DefaultClaimsInterval
	}
	return NewCache(CacheConfig[[]map[string]any]{
		Name:     "claims",
		Interval: interval,
		Timeout:  timeout,
		Fetch:    platform.ListClaims,
		Logger:   logger,
		Recorder: rec,
	})
}

// FilterApplications returns the applications with the given status. An
// empty or "all" status returns apps unchanged.
func FilterApplications(apps []model.Application, status string) []model.Application {
	if status == "" || strings.EqualFold(status, "all") {
		return apps
	}
	out := make([]model.Application, 0, len(apps))
	for _, a := range apps {
		if strings.EqualFold(a.Status, status) {
			out = append(out, a)
		}
	}
	return out
}
