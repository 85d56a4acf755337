package tracker

import (
	"sync"
	"time"

	"github.com/pitabwire/casedesk/internal/extract"
	"github.com/pitabwire/casedesk/model"
)

// FetchState describes the outcome of the latest platform fetch.
type FetchState string

// Fetch states.
const (
	FetchIdle   FetchState = "idle"
	FetchLoaded FetchState = "loaded"
	FetchError  FetchState = "error"
)

// Session is the tracked state of one application: the last fetched record,
// its step tracker and the fetch state.
type Session struct {
	applicationID string
	tracker       *Tracker
	now           func() time.Time

	mu          sync.RWMutex
	app         *model.Application
	state       FetchState
	lastError   string
	lastFetched time.Time
	lastErrorAt time.Time
}

// NewSession creates an idle session for applicationID.
func NewSession(applicationID string, def Definition) *Session {
	return &Session{
		applicationID: applicationID,
		tracker:       New(def),
		now:           time.Now,
		state:         FetchIdle,
	}
}

// ApplicationID returns the id of the tracked application.
func (s *Session) ApplicationID() string {
	return s.applicationID
}

// Tracker returns the step tracker.
func (s *Session) Tracker() *Tracker {
	return s.tracker
}

// ApplyApplication records a fetched application and applies its steps. It
// reports whether the session changed.
func (s *Session) ApplyApplication(app model.Application) bool {
	s.mu.Lock()
	prevState := s.state
	prevApp := s.app
	s.app = &app
	s.state = FetchLoaded
	s.lastError = ""
	s.lastFetched = s.now()
	s.mu.Unlock()

	changed := s.tracker.ApplyServerSnapshot(extract.Steps(app))
	if prevState != FetchLoaded || prevApp == nil || recordChanged(*prevApp, app) {
		changed = true
	}
	return changed
}

func recordChanged(a, b model.Application) bool {
	return a.Status != b.Status ||
		a.CurrentStep != b.CurrentStep ||
		a.AssignedTo != b.AssignedTo ||
		a.ReviewReason != b.ReviewReason ||
		a.LastUpdated != b.LastUpdated ||
		len(a.AuditTrail) != len(b.AuditTrail)
}

// RecordFetchError marks the latest fetch as failed. Tracked steps and the
// last good record stay untouched.
func (s *Session) RecordFetchError(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := err.Error()
	changed := s.state != FetchError || s.lastError != msg
	s.state = FetchError
	s.lastError = msg
	s.lastErrorAt = s.now()
	return changed
}

// Application returns the last fetched record.
func (s *Session) Application() (model.Application, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.app == nil {
		return model.Application{}, false
	}
	return *s.app, true
}

// SessionView is an immutable rendering of a session.
type SessionView struct {
	ApplicationID string             `json:"application_id"`
	Application   *model.Application `json:"application,omitempty"`
	Steps         []model.Step       `json:"steps"`
	SelectedStep  int                `json:"selected_step,omitempty"`
	Completed     int                `json:"completed"`
	Total         int                `json:"total"`
	FetchState    FetchState         `json:"fetch_state"`
	LastError     string             `json:"last_error,omitempty"`
	LastFetched   *time.Time         `json:"last_fetched,omitempty"`
	LastErrorAt   *time.Time         `json:"last_error_at,omitempty"`
	Version       uint64             `json:"version"`
}

// View returns a snapshot of the session for rendering.
func (s *Session) View() SessionView {
	s.mu.RLock()
	v := SessionView{
		ApplicationID: s.applicationID,
		FetchState:    s.state,
		LastError:     s.lastError,
	}
	if s.app != nil {
		app := *s.app
		v.Application = &app
	}
	if !s.lastFetched.IsZero() {
		t := s.lastFetched
		v.LastFetched = &t
	}
	if !s.lastErrorAt.IsZero() {
		t := s.lastErrorAt
		v.LastErrorAt = &t
	}
	s.mu.RUnlock()

	v.Steps = s.tracker.Steps()
	if v.Steps == nil {
		v.Steps = []model.Step{}
	}
	v.SelectedStep = s.tracker.SelectedID()
	v.Completed, v.Total = s.tracker.Progress()
	v.Version = s.tracker.Version()
	return v
}
