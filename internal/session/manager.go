// Package session keeps one tracked Workflow Session per application that a
// console client is looking at, each refreshed by its own poller.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/casedesk/internal/poller"
	"github.com/pitabwire/casedesk/internal/tracker"
	"github.com/pitabwire/casedesk/model"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultCaseInterval   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultIdle           = 2 * time.Minute
)

// Recorder receives session metrics.
type Recorder interface {
	poller.Recorder
	SetActiveSessions(n int)
}

// Config configures a Manager.
type Config struct {
	Platform   model.Platform
	Definition tracker.Definition
	Logger     *zap.Logger
	Recorder   Recorder

	// CaseInterval is the refresh interval of a tracked application.
	CaseInterval time.Duration
	// RequestTimeout bounds each platform fetch.
	RequestTimeout time.Duration
	// Idle is how long an unwatched session survives its last access.
	Idle time.Duration
}

// Manager owns the tracked sessions. Sessions are created on first access
// and kept while a watcher holds them or they were accessed within the idle
// period.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	base    context.Context
	entries map[string]*entry
}

type entry struct {
	id      string
	sess    *tracker.Session
	poll    *poller.Poller[model.Application]
	cancel  context.CancelFunc
	refs    int
	touched time.Time

	subMu   sync.Mutex
	subs    map[uint64]chan tracker.SessionView
	nextSub uint64
}

// NewManager creates a Manager. Call Run to start background eviction; until
// then pollers run under context.Background.
func NewManager(cfg Config) *Manager {
	if cfg.CaseInterval <= 0 {
		cfg.CaseInterval = DefaultCaseInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultIdle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		base:    context.Background(),
		entries: make(map[string]*entry),
	}
}

// Run evicts idle sessions until ctx is cancelled, then stops every poller.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.Idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// acquire returns the entry for id, creating it and starting its poller when
// needed. A new poller fetches at once unless deferred is set, in which case
// the caller fetches through Trigger. The caller must hold m.mu.
func (m *Manager) acquire(id string, deferred bool) (*entry, error) {
	if e, ok := m.entries[id]; ok {
		return e, nil
	}

	e := &entry{
		id:   id,
		sess: tracker.NewSession(id, m.cfg.Definition),
		subs: make(map[uint64]chan tracker.SessionView),
	}
	p, err := poller.New(poller.Config[model.Application]{
		Name:     "case",
		Interval: m.cfg.CaseInterval,
		Timeout:  m.cfg.RequestTimeout,
		Fetch: func(ctx context.Context) (model.Application, error) {
			return m.cfg.Platform.GetApplication(ctx, id)
		},
		OnResult: func(_ uint64, app model.Application) {
			if e.sess.ApplyApplication(app) {
				e.publish()
			}
		},
		OnError: func(_ uint64, err error) {
			if e.sess.RecordFetchError(err) {
				m.logger.Warn("case refresh failed", zap.String("application_id", id), zap.Error(err))
				e.publish()
			}
		},
		Logger:   m.logger,
		Recorder: m.cfg.Recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("session: create poller for %s: %w", id, err)
	}
	e.poll = p

	ctx, cancel := context.WithCancel(m.base)
	e.cancel = cancel
	if deferred {
		p.StartDeferred(ctx)
	} else {
		p.Start(ctx)
	}

	m.entries[id] = e
	m.reportActive()
	m.logger.Debug("session opened", zap.String("application_id", id))
	return e, nil
}

// Session returns the session of id, fetching it synchronously when it has
// never loaded. It counts as an access for idle eviction.
func (m *Manager) Session(ctx context.Context, id string) (*tracker.Session, error) {
	e, err := m.touch(id)
	if err != nil {
		return nil, err
	}

	if _, ok := e.sess.Application(); ok {
		return e.sess, nil
	}
	if err := e.poll.Trigger(ctx); err != nil {
		if _, ok := e.sess.Application(); !ok {
			return nil, err
		}
	}
	return e.sess, nil
}

// Get returns the session of id when it is tracked.
func (m *Manager) Get(id string) (*tracker.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Refresh fetches id now.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	e, err := m.touch(id)
	if err != nil {
		return err
	}
	return e.poll.Trigger(ctx)
}

func (m *Manager) touch(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.acquire(id, true)
	if err != nil {
		return nil, err
	}
	e.touched = m.now()
	return e, nil
}

// Apply records app, as returned by a mutation, on the tracked session of id
// and notifies watchers. Polls started before the call can no longer
// overwrite it. Untracked applications are ignored.
func (m *Manager) Apply(id string, app model.Application) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.poll.Deliver(app)
}

// Subscription delivers session views of one application. Views are
// coalesced: a slow reader only sees the latest one.
type Subscription struct {
	C <-chan tracker.SessionView

	release func()
	once    sync.Once
}

// Release drops the subscription. The session's poller stops when the last
// subscription is released.
func (s *Subscription) Release() {
	s.once.Do(s.release)
}

// Watch subscribes to id. The current view is delivered first when the
// session has loaded.
func (m *Manager) Watch(ctx context.Context, id string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	e, err := m.acquire(id, false)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e.refs++
	e.touched = m.now()
	m.mu.Unlock()

	ch := make(chan tracker.SessionView, 1)
	e.subMu.Lock()
	subID := e.nextSub
	e.nextSub++
	e.subs[subID] = ch
	e.subMu.Unlock()

	if _, ok := e.sess.Application(); ok {
		offer(ch, e.sess.View())
	}

	return &Subscription{
		C: ch,
		release: func() {
			e.subMu.Lock()
			delete(e.subs, subID)
			e.subMu.Unlock()
			m.unwatch(e)
		},
	}, nil
}

func (m *Manager) unwatch(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	if cur, ok := m.entries[e.id]; ok && cur == e {
		m.evict(e)
	}
}

// Sweep evicts unwatched sessions whose last access is older than the idle
// period.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.Idle)
	for _, e := range m.entries {
		if e.refs == 0 && e.touched.Before(cutoff) {
			m.evict(e)
		}
	}
}

// evict stops the poller of e and forgets it. The caller must hold m.mu.
func (m *Manager) evict(e *entry) {
	e.cancel()
	delete(m.entries, e.id)
	m.reportActive()
	m.logger.Debug("session closed", zap.String("application_id", e.id))
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
		m.evict(e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		<-e.poll.Done()
	}
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) reportActive() {
	if m.cfg.Recorder != nil {
		m.cfg.Recorder.SetActiveSessions(len(m.entries))
	}
}

func (e *entry) publish() {
	view := e.sess.View()
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		offer(ch, view)
	}
}

// offer replaces any undelivered view in ch with v.
func offer(ch chan tracker.SessionView, v tracker.SessionView) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
