package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/casedesk/internal/audit"
	"github.com/pitabwire/casedesk/internal/observability"
	"github.com/pitabwire/casedesk/model"
)

// Default reasons for actions submitted without one.
const (
	DefaultApproveReason = "Approved by reviewer"
	DefaultRejectReason  = "Rejected by reviewer"
)

// ActionRequest is an operator review action.
type ActionRequest struct {
	ApplicationID string             `json:"application_id"`
	Action        model.ReviewAction `json:"action"`
	Reason        string             `json:"reason"`
	// Reviewer is the senior reviewer name for escalate.
	Reviewer string `json:"reviewer,omitempty"`
	// Documents are document type ids for request_docs.
	Documents []string `json:"documents,omitempty"`
}

// ActionResult describes a submitted review action.
type ActionResult struct {
	ApplicationID string             `json:"application_id"`
	Action        model.ReviewAction `json:"action"`
	Status        string             `json:"status"`
	Reason        string             `json:"reason"`
}

// ReviewerConfig holds the collaborators of a Reviewer.
type ReviewerConfig struct {
	Platform        model.Platform
	Sessions        Sessions
	Audit           audit.Store
	Publisher       Publisher
	Recorder        Recorder
	Logger          *zap.Logger
	SeniorReviewers []model.Reviewer
	Documents       []model.DocumentType
}

// Reviewer submits review actions after checking them locally.
type Reviewer struct {
	platform  model.Platform
	sessions  Sessions
	audit     audit.Store
	publisher Publisher
	recorder  Recorder
	logger    *zap.Logger

	seniors   []model.Reviewer
	catalogue []model.DocumentType
	reviewers map[string]model.Reviewer
	documents map[string]model.DocumentType
	now       func() time.Time
}

// NewReviewer creates a Reviewer.
func NewReviewer(cfg ReviewerConfig) *Reviewer {
	r := &Reviewer{
		platform:  cfg.Platform,
		sessions:  cfg.Sessions,
		audit:     cfg.Audit,
		publisher: cfg.Publisher,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		seniors:   cfg.SeniorReviewers,
		catalogue: cfg.Documents,
		reviewers: make(map[string]model.Reviewer, len(cfg.SeniorReviewers)),
		documents: make(map[string]model.DocumentType, len(cfg.Documents)),
		now:       time.Now,
	}
	for _, rv := range cfg.SeniorReviewers {
		r.reviewers[rv.Name] = rv
	}
	for _, d := range cfg.Documents {
		r.documents[d.ID] = d
	}
	if r.publisher == nil {
		r.publisher = NoopPublisher{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Submit checks req, sends it to the platform and records it. Invalid
// requests never reach the platform.
func (r *Reviewer) Submit(ctx context.Context, actor string, req ActionRequest) (*ActionResult, error) {
	reason, err := r.reason(req)
	if err != nil {
		r.record(req.Action, "invalid")
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "review.submit",
		observability.AttrApplicationID.String(req.ApplicationID),
		observability.AttrAction.String(string(req.Action)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	log := observability.CaseLogger(ctx, r.logger, req.ApplicationID, "").With(zap.String("action", string(req.Action)))

	err = r.platform.SubmitReview(ctx, model.ReviewRequest{
		ApplicationID: req.ApplicationID,
		Action:        req.Action,
		Reason:        reason,
	})
	if err != nil {
		r.record(req.Action, "failed")
		log.Warn("review action failed", zap.Error(err))
		return nil, err
	}
	r.record(req.Action, "ok")

	res := &ActionResult{
		ApplicationID: req.ApplicationID,
		Action:        req.Action,
		Status:        req.Action.ResultingStatus(),
		Reason:        reason,
	}

	if r.audit != nil {
		if aerr := r.audit.Append(ctx, model.AuditEntry{
			ApplicationID: req.ApplicationID,
			Actor:         actor,
			Action:        audit.ActionReviewPrefix + string(req.Action),
			Message:       reason,
		}); aerr != nil {
			log.Error("audit append failed", zap.Error(aerr))
		}
	}

	if perr := r.publisher.Publish(ctx, SubjectReviewSubmitted, ReviewSubmittedEvent{
		ApplicationID: req.ApplicationID,
		Action:        string(req.Action),
		Status:        res.Status,
		Reason:        reason,
		Actor:         actor,
		SubmittedAt:   r.now().UTC(),
	}); perr != nil {
		log.Warn("publishing review.submitted failed", zap.Error(perr))
	}

	if r.sessions != nil {
		if rerr := r.sessions.Refresh(ctx, req.ApplicationID); rerr != nil {
			log.Debug("post-review refresh failed", zap.Error(rerr))
		}
	}

	log.Info("review action submitted", zap.String("reviewed_by", actor))
	return res, nil
}

// reason validates req and builds the reason string sent to the platform.
func (r *Reviewer) reason(req ActionRequest) (string, error) {
	if strings.TrimSpace(req.ApplicationID) == "" {
		return "", model.NewValidationError([]model.FieldError{{
			Field: "application_id", Code: "required", Message: "Application id is required",
		}})
	}
	reason := strings.TrimSpace(req.Reason)

	switch req.Action {
	case model.ActionApprove:
		if reason == "" {
			reason = DefaultApproveReason
		}
		return reason, nil

	case model.ActionReject:
		if reason == "" {
			reason = DefaultRejectReason
		}
		return reason, nil

	case model.ActionEscalate:
		var details []model.FieldError
		rv, ok := r.reviewers[req.Reviewer]
		if !ok {
			details = append(details, model.FieldError{
				Field: "reviewer", Code: "invalid", Message: "Select a senior reviewer to escalate to",
			})
		}
		if reason == "" {
			details = append(details, model.FieldError{
				Field: "reason", Code: "required", Message: "A reason is required to escalate",
			})
		}
		if len(details) > 0 {
			return "", model.NewValidationError(details)
		}
		return fmt.Sprintf("Escalated to %s. Reason: %s", rv.Name, reason), nil

	case model.ActionRequestDocs:
		var details []model.FieldError
		labels := make([]string, 0, len(req.Documents))
		for _, id := range req.Documents {
			doc, ok := r.documents[id]
			if !ok {
				details = append(details, model.FieldError{
					Field: "documents", Code: "invalid", Message: fmt.Sprintf("Unknown document type %q", id),
				})
				continue
			}
			labels = append(labels, doc.Label)
		}
		if len(req.Documents) == 0 {
			details = append(details, model.FieldError{
				Field: "documents", Code: "required", Message: "Select at least one document to request",
			})
		}
		if reason == "" {
			details = append(details, model.FieldError{
				Field: "reason", Code: "required", Message: "A reason is required to request documents",
			})
		}
		if len(details) > 0 {
			return "", model.NewValidationError(details)
		}
		return fmt.Sprintf("Requested: %s. Reason: %s", strings.Join(labels, ", "), reason), nil
	}

	return "", model.NewBadRequestError(fmt.Sprintf("Unknown review action %q", req.Action))
}

func (r *Reviewer) record(action model.ReviewAction, result string) {
	if r.recorder != nil && action.Valid() {
		r.recorder.RecordReviewAction(string(action), result)
	}
}

// SeniorReviewers returns the configured escalation targets.
func (r *Reviewer) SeniorReviewers() []model.Reviewer {
	return append([]model.Reviewer(nil), r.seniors...)
}

// Documents returns the document catalogue.
func (r *Reviewer) Documents() []model.DocumentType {
	return append([]model.DocumentType(nil), r.catalogue...)
}
