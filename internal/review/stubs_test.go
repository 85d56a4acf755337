package review

import (
	"context"
	"sync"
	"testing"

	"github.com/pitabwire/casedesk/internal/definition"
	"github.com/pitabwire/casedesk/internal/tracker"
	"github.com/pitabwire/casedesk/model"
)

// --- stubPlatform ---

type stubPlatform struct {
	mu            sync.Mutex
	completeCalls []model.StepCompletionRequest
	reviewCalls   []model.ReviewRequest
	completeFn    func(req model.StepCompletionRequest) (model.Application, error)
	reviewErr     error
}

func (p *stubPlatform) GetApplication(context.Context, string) (model.Application, error) {
	return model.Application{}, model.NewNotFoundError("not stubbed")
}

func (p *stubPlatform) ListApplications(context.Context, string) ([]model.Application, error) {
	return nil, nil
}

func (p *stubPlatform) ListClaims(context.Context) ([]map[string]any, error) {
	return nil, nil
}

func (p *stubPlatform) SubmitReview(_ context.Context, req model.ReviewRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reviewCalls = append(p.reviewCalls, req)
	return p.reviewErr
}

func (p *stubPlatform) CompleteStep(_ context.Context, req model.StepCompletionRequest) (model.Application, error) {
	p.mu.Lock()
	p.completeCalls = append(p.completeCalls, req)
	fn := p.completeFn
	p.mu.Unlock()
	if fn == nil {
		return model.Application{}, model.NewInternalError()
	}
	return fn(req)
}

func (p *stubPlatform) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completeCalls) + len(p.reviewCalls)
}

// --- stubSessions ---

type stubSessions struct {
	sessions  map[string]*tracker.Session
	applied   []model.Application
	refreshed []string
	err       error
}

func (s *stubSessions) Session(_ context.Context, id string) (*tracker.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, model.NewNotFoundError("application not found")
	}
	return sess, nil
}

func (s *stubSessions) Apply(id string, app model.Application) {
	s.applied = append(s.applied, app)
	if sess, ok := s.sessions[id]; ok {
		sess.ApplyApplication(app)
	}
}

func (s *stubSessions) Refresh(_ context.Context, id string) error {
	s.refreshed = append(s.refreshed, id)
	return nil
}

// --- stubPublisher / stubRecorder ---

type published struct {
	subject string
	payload any
}

type stubPublisher struct {
	events []published
}

func (p *stubPublisher) Publish(_ context.Context, subject string, payload any) error {
	p.events = append(p.events, published{subject: subject, payload: payload})
	return nil
}

type stubRecorder struct {
	decisions   map[string]int
	completions map[string]int
	reviews     map[string]int
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{
		decisions:   map[string]int{},
		completions: map[string]int{},
		reviews:     map[string]int{},
	}
}

func (r *stubRecorder) RecordValidatorDecision(outcome string) { r.decisions[outcome]++ }
func (r *stubRecorder) RecordCompletion(result string) { r.completions[result]++ }
func (r *stubRecorder) RecordReviewAction(action, result string) {
	r.reviews[action+"/"+result]++
}

// --- fixtures ---

// application builds a record whose steps follow the default stage order
// with the given statuses.
func application(id string, statuses ...model.StepStatus) model.Application {
	def := model.DefaultWorkflowDefinition()
	app := model.Application{ApplicationID: id, Status: "in_review"}
	for i, st := range statuses {
		app.StepHistory = append(app.StepHistory, model.Step{
			ID:          i + 1,
			Name:        def.StageOrder[i],
			Status:      st,
			CompletedBy: model.CompletedByAgent,
		})
	}
	return app
}

// withStep returns a copy of app with stage set to status and marked manual.
func withStep(app model.Application, stage string, status model.StepStatus, notes string) model.Application {
	out := app
	out.StepHistory = append([]model.Step(nil), app.StepHistory...)
	for i := range out.StepHistory {
		if out.StepHistory[i].Name == stage {
			out.StepHistory[i].Status = status
			out.StepHistory[i].CompletedBy = model.CompletedByManual
			out.StepHistory[i].AdminNotes = notes
		}
	}
	return out
}

func newTrackedSession(t *testing.T, reg *definition.Registry, app model.Application) *tracker.Session {
	t.Helper()
	sess := tracker.NewSession(app.ApplicationID, reg)
	sess.ApplyApplication(app)
	return sess
}
