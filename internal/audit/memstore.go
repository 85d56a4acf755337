package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/casedesk/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]model.AuditEntry // key: application ID
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]model.AuditEntry)}
}

// Append records an entry, assigning an ID and timestamp when missing.
func (s *MemoryStore) Append(_ context.Context, entry model.AuditEntry) error {
	if entry.ApplicationID == "" {
		return errors.New("audit: application id is required")
	}
	entry = stamp(entry)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ApplicationID] = append(s.entries[entry.ApplicationID], entry)
	return nil
}

// List returns a copy of the application's entries ordered by timestamp.
func (s *MemoryStore) List(_ context.Context, applicationID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.entries[applicationID]
	out := make([]model.AuditEntry, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

func stamp(entry model.AuditEntry) model.AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return entry
}
