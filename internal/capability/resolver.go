// Package capability resolves and caches operator capabilities from a static
// role policy.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/casedesk/model"
)

// CacheRecorder receives cache hit and miss counts.
type CacheRecorder interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	recorder  CacheRecorder
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
// recorder may be nil.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, recorder CacheRecorder) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		recorder:  recorder,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// cacheKey includes the roles so a token carrying new roles is resolved
// again.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	return rctx.SubjectID + "|" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		if r.recorder != nil {
			r.recorder.RecordCapabilityCacheHit()
		}
		return entry.caps, nil
	}
	r.mu.RUnlock()

	if r.recorder != nil {
		r.recorder.RecordCapabilityCacheMiss()
	}
	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Sync reloads the policy and drops every cached set.
func (r *Resolver) Sync() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
	return nil
}
