package integration

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"testing"

	"github.com/pitabwire/casedesk/internal/audit"
	"github.com/pitabwire/casedesk/internal/platform"
	"github.com/pitabwire/casedesk/internal/review"
	"github.com/pitabwire/casedesk/internal/tracker"
	"github.com/pitabwire/casedesk/internal/transport"
	"github.com/pitabwire/casedesk/internal/validator"
	"github.com/pitabwire/casedesk/model"
)

func stagePath(applicationID, stage, verb string) string {
	return "/api/cases/" + applicationID + "/steps/" + url.PathEscape(stage) + "/" + verb
}

// threeDone has the first three stages completed and Health Assessment in
// progress.
func threeDone(id string) map[string]any {
	return ApplicationFixture(id, "in_review", "completed", "completed", "completed", "in_progress")
}

func TestCase_View(t *testing.T) {
	h := NewTestHarness(t)
	h.Platform().OnApplication("APP-1").RespondWith(200, threeDone("APP-1"))
	token := h.GenerateToken(ViewerClaims())

	resp := h.GET("/api/cases/APP-1", token)
	var view tracker.SessionView
	h.AssertJSON(t, resp, http.StatusOK, &view)

	if view.ApplicationID != "APP-1" || view.Application == nil {
		t.Fatalf("view = %s", FormatJSON(view))
	}
	if view.Total != 7 || view.Completed != 3 {
		t.Errorf("completed/total = %d/%d, want 3/7", view.Completed, view.Total)
	}
	if view.FetchState != tracker.FetchLoaded {
		t.Errorf("fetch_state = %v, want loaded", view.FetchState)
	}
	if view.Steps[3].Status != model.StepInProgress {
		t.Errorf("Health Assessment status = %v, want in_progress", view.Steps[3].Status)
	}
}

func TestCase_View_UnknownApplication(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	resp := h.GET("/api/cases/APP-404", token)
	h.AssertErrorCode(t, resp, http.StatusNotFound, model.ErrNotFound)
}

func TestCase_Validate(t *testing.T) {
	h := NewTestHarness(t)
	h.Platform().OnApplication("APP-1").RespondWith(200, threeDone("APP-1"))
	token := h.GenerateToken(UnderwriterClaims())

	tests := []struct {
		stage      string
		want       validator.Outcome
		incomplete int
	}{
		{"Health Assessment", validator.OutcomeAllowed, 0},
		{"Financial Eligibility", validator.OutcomeWarning, 1},
		{"KYC Verification", validator.OutcomeRejected, 0},
		{"Final Decision", validator.OutcomeRejected, 0},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			resp := h.POST(stagePath("APP-1", tt.stage, "validate"), nil, token)
			var d validator.Decision
			h.AssertJSON(t, resp, http.StatusOK, &d)
			if d.Outcome != tt.want {
				t.Errorf("outcome = %q, want %q (%s)", d.Outcome, tt.want, d.Message)
			}
			if len(d.Incomplete) != tt.incomplete {
				t.Errorf("incomplete = %v, want %d stages", d.Incomplete, tt.incomplete)
			}
		})
	}
}

func TestCase_Complete_Allowed(t *testing.T) {
	h := NewTestHarness(t)
	app := threeDone("APP-1")
	h.Platform().OnApplication("APP-1").RespondWith(200, app)
	h.Platform().OnOperation(platform.OpCompleteStep).
		RespondWith(200, MarkStep(app, "Health Assessment", "completed", "manual"))

	token := h.GenerateToken(UnderwriterClaims())
	resp := h.POST(stagePath("APP-1", "Health Assessment", "complete"), map[string]any{
		"admin_notes": "Medical report reviewed offline",
		"confirmed":   true,
	}, token)

	var res review.CompletionResult
	h.AssertJSON(t, resp, http.StatusOK, &res)
	if !res.Completed || res.Outcome != validator.OutcomeAllowed {
		t.Fatalf("result = %s", FormatJSON(res))
	}
	if res.Step == nil || !res.Step.IsManual() {
		t.Errorf("step = %+v, want a manual completion", res.Step)
	}
	if res.Session == nil || res.Session.Completed != 4 {
		t.Errorf("session = %+v, want 4 completed", res.Session)
	}

	req := h.Platform().LastRequest(platform.OpCompleteStep)
	if req == nil {
		t.Fatal("completeStep not called")
	}
	if req.Body["step_name"] != "Health Assessment" || req.Body["admin_notes"] != "Medical report reviewed offline" {
		t.Errorf("body = %v", req.Body)
	}
	if req.Body["application_id"] != "APP-1" || req.Body["step_id"] != float64(4) {
		t.Errorf("body = %v, want APP-1 and step id 4", req.Body)
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer "+token {
		t.Errorf("forwarded Authorization = %q", got)
	}
	if req.Headers.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id should be forwarded")
	}

	entries, _ := h.Audit.List(t.Context(), "APP-1")
	if len(entries) != 1 || entries[0].Action != audit.ActionCompletionCompleted {
		t.Fatalf("audit = %+v, want one completion", entries)
	}
	if entries[0].Actor != "Uma Underwriter" || entries[0].Stage != "Health Assessment" {
		t.Errorf("audit entry = %+v", entries[0])
	}
	if !slices.Contains(h.Publisher.Subjects(), review.SubjectStepCompleted) {
		t.Errorf("published = %v, want %s", h.Publisher.Subjects(), review.SubjectStepCompleted)
	}
}

func TestCase_Complete_Gates(t *testing.T) {
	h := NewTestHarness(t)
	h.Platform().OnApplication("APP-1").RespondWith(200, threeDone("APP-1"))
	underwriter := h.GenerateToken(UnderwriterClaims())

	tests := []struct {
		name   string
		stage  string
		body   map[string]any
		token  string
		status int
		code   string
	}{
		{"blank notes", "Health Assessment", map[string]any{"admin_notes": "  ", "confirmed": true}, underwriter, 422, model.ErrValidationError},
		{"unconfirmed", "Health Assessment", map[string]any{"admin_notes": "ok"}, underwriter, 428, model.ErrConfirmationRequired},
		{"critical stage", "KYC Verification", map[string]any{"admin_notes": "ok", "confirmed": true}, underwriter, 422, model.ErrCriticalStage},
		{"viewer", "Health Assessment", map[string]any{"admin_notes": "ok", "confirmed": true}, h.GenerateToken(ViewerClaims()), 403, model.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.POST(stagePath("APP-1", tt.stage, "complete"), tt.body, tt.token)
			h.AssertErrorCode(t, resp, tt.status, tt.code)
		})
	}

	h.Platform().AssertNotCalled(t, platform.OpCompleteStep)

	entries, _ := h.Audit.List(t.Context(), "APP-1")
	if len(entries) != 1 || entries[0].Action != audit.ActionCompletionRejected {
		t.Errorf("audit = %+v, want only the critical rejection", entries)
	}
}

func TestCase_Complete_OverrideConfirmation(t *testing.T) {
	h := NewTestHarness(t)
	app := ApplicationFixture("APP-2", "in_review", "completed", "in_progress")
	h.Platform().OnApplication("APP-2").RespondWith(200, app)
	h.Platform().OnOperation(platform.OpCompleteStep).
		RespondWith(200, MarkStep(app, "Employment Verification", "completed", "manual"))

	resp := h.POST(stagePath("APP-2", "Employment Verification", "complete"), map[string]any{
		"admin_notes": "Employer confirmed by phone",
		"confirmed":   true,
	}, h.GenerateToken(UnderwriterClaims()))

	var pending review.CompletionResult
	h.AssertJSON(t, resp, http.StatusAccepted, &pending)
	if pending.Completed || pending.Token == "" || pending.ExpiresAt == nil {
		t.Fatalf("pending = %s", FormatJSON(pending))
	}
	want := []string{"KYC Verification", "Health Assessment"}
	if !slices.Equal(pending.Incomplete, want) {
		t.Errorf("incomplete = %v, want %v", pending.Incomplete, want)
	}
	h.Platform().AssertNotCalled(t, platform.OpCompleteStep)

	confirmPath := "/api/completions/" + pending.Token + "/confirm"

	t.Run("underwriter cannot override", func(t *testing.T) {
		resp := h.POST(confirmPath, nil, h.GenerateToken(UnderwriterClaims()))
		h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)
	})

	t.Run("senior confirms", func(t *testing.T) {
		resp := h.POST(confirmPath, nil, h.GenerateToken(SeniorClaims()))
		var done review.CompletionResult
		h.AssertJSON(t, resp, http.StatusOK, &done)
		if !done.Completed || done.Outcome != validator.OutcomeWarning {
			t.Errorf("result = %s", FormatJSON(done))
		}
		h.Platform().AssertCalled(t, platform.OpCompleteStep, 1)
	})

	t.Run("token is single use", func(t *testing.T) {
		resp := h.POST(confirmPath, nil, h.GenerateToken(SeniorClaims()))
		h.AssertErrorCode(t, resp, http.StatusNotFound, model.ErrNotFound)
	})

	entries, _ := h.Audit.List(t.Context(), "APP-2")
	if len(entries) != 1 || entries[0].Action != audit.ActionCompletionOverride {
		t.Fatalf("audit = %+v, want one override", entries)
	}
	if entries[0].Actor != "Sam Senior" || !strings.Contains(entries[0].Message, "skipped: KYC Verification, Health Assessment") ||
		!strings.Contains(entries[0].Message, "requested by Uma Underwriter") {
		t.Errorf("audit entry = %+v", entries[0])
	}
}

func TestCase_Complete_PlatformRejects(t *testing.T) {
	h := NewTestHarness(t)
	h.Platform().OnApplication("APP-1").RespondWith(200, threeDone("APP-1"))
	h.Platform().OnOperation(platform.OpCompleteStep).
		RespondWithError(400, "Step already completed")

	resp := h.POST(stagePath("APP-1", "Health Assessment", "complete"), map[string]any{
		"admin_notes": "done",
		"confirmed":   true,
	}, h.GenerateToken(UnderwriterClaims()))

	ee := h.AssertErrorCode(t, resp, http.StatusUnprocessableEntity, model.ErrBackendRejected)
	if ee.Message != "Step already completed" {
		t.Errorf("message = %q, want the platform's detail", ee.Message)
	}

	entries, _ := h.Audit.List(t.Context(), "APP-1")
	if len(entries) != 1 || entries[0].Action != audit.ActionCompletionFailed {
		t.Errorf("audit = %+v, want one failure", entries)
	}
}

func TestCase_Audit(t *testing.T) {
	h := NewTestHarness(t)
	app := threeDone("APP-1")
	h.Platform().OnApplication("APP-1").RespondWith(200, app)
	h.Platform().OnOperation(platform.OpCompleteStep).
		RespondWith(200, MarkStep(app, "Health Assessment", "completed", "manual"))

	token := h.GenerateToken(UnderwriterClaims())
	resp := h.POST(stagePath("APP-1", "Health Assessment", "complete"), map[string]any{
		"admin_notes": "Reviewed",
		"confirmed":   true,
	}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.GET("/api/cases/APP-1/audit", token)
	var body transport.AuditResponse
	h.AssertJSON(t, resp, http.StatusOK, &body)

	if len(body.Entries) != 1 || body.Entries[0].Message != "Reviewed" {
		t.Errorf("entries = %+v", body.Entries)
	}
	if len(body.Record) != 1 || body.Record[0].Actor != "AI Agent" {
		t.Errorf("record = %+v, want the platform audit trail", body.Record)
	}
}

func TestCase_Review(t *testing.T) {
	h := NewTestHarness(t)
	h.Platform().OnApplication("APP-1").RespondWith(200, threeDone("APP-1"))
	h.Platform().OnOperation(platform.OpSubmitReview).RespondWith(200, map[string]any{"status": "ok"})

	t.Run("request documents", func(t *testing.T) {
		resp := h.POST("/api/cases/APP-1/review", map[string]any{
			"action":    "request_docs",
			"documents": []string{"income", "medical"},
			"reason":    "Salary slips are outdated",
		}, h.GenerateToken(UnderwriterClaims()))

		var res review.ActionResult
		h.AssertJSON(t, resp, http.StatusOK, &res)
		want := "Requested: Updated Income Proof, Additional Medical Reports. Reason: Salary slips are outdated"
		if res.Reason != want {
			t.Errorf("reason = %q, want %q", res.Reason, want)
		}

		req := h.Platform().LastRequest(platform.OpSubmitReview)
		if req == nil || req.Body["action"] != "request_docs" || req.Body["reason"] != want {
			t.Fatalf("platform body = %+v", req)
		}
	})

	t.Run("escalate needs senior capability", func(t *testing.T) {
		body := map[string]any{
			"action":   "escalate",
			"reviewer": "Amit Patel",
			"reason":   "Borderline financials",
		}
		resp := h.POST("/api/cases/APP-1/review", body, h.GenerateToken(UnderwriterClaims()))
		h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)

		resp = h.POST("/api/cases/APP-1/review", body, h.GenerateToken(SeniorClaims()))
		var res review.ActionResult
		h.AssertJSON(t, resp, http.StatusOK, &res)
		if res.Reason != "Escalated to Amit Patel. Reason: Borderline financials" {
			t.Errorf("reason = %q", res.Reason)
		}
	})

	t.Run("unknown reviewer", func(t *testing.T) {
		resp := h.POST("/api/cases/APP-1/review", map[string]any{
			"action":   "escalate",
			"reviewer": "Nobody",
			"reason":   "x",
		}, h.GenerateToken(SeniorClaims()))
		h.AssertErrorCode(t, resp, http.StatusUnprocessableEntity, model.ErrValidationError)
	})

	t.Run("approve with default reason", func(t *testing.T) {
		resp := h.POST("/api/cases/APP-1/review", map[string]any{"action": "approve"},
			h.GenerateToken(UnderwriterClaims()))
		var res review.ActionResult
		h.AssertJSON(t, resp, http.StatusOK, &res)
		if res.Reason != review.DefaultApproveReason {
			t.Errorf("reason = %q, want the default", res.Reason)
		}
	})

	entries, _ := h.Audit.List(t.Context(), "APP-1")
	if len(entries) != 3 {
		t.Errorf("audit = %d entries, want 3 accepted review actions", len(entries))
	}
}
