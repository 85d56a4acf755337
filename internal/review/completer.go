// Package review carries out operator mutations on applications: manual
// step completion with out-of-order confirmation, and review actions.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/casedesk/internal/audit"
	"github.com/pitabwire/casedesk/internal/observability"
	"github.com/pitabwire/casedesk/internal/tracker"
	"github.com/pitabwire/casedesk/internal/validator"
	"github.com/pitabwire/casedesk/model"
)

// Completion results reported to the Recorder.
const (
	ResultCompleted = "completed"
	ResultOverride  = "override"
	ResultPending   = "pending"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
)

// DefaultConfirmationTTL is used when no TTL is configured.
const DefaultConfirmationTTL = 10 * time.Minute

// Sessions gives the review flow access to tracked application sessions.
type Sessions interface {
	// Session returns the session of applicationID, fetching it first when
	// it has never been loaded.
	Session(ctx context.Context, applicationID string) (*tracker.Session, error)

	// Apply records an application returned by a mutation and notifies
	// watchers.
	Apply(applicationID string, app model.Application)

	// Refresh fetches applicationID from the platform now.
	Refresh(ctx context.Context, applicationID string) error
}

// Recorder receives review workflow metrics.
type Recorder interface {
	RecordValidatorDecision(outcome string)
	RecordCompletion(result string)
	RecordReviewAction(action, result string)
}

// PrepareRequest is phase one of a manual completion.
type PrepareRequest struct {
	ApplicationID string `json:"application_id"`
	StepName      string `json:"step_name"`
	Notes         string `json:"admin_notes"`
	Confirmed     bool   `json:"confirmed"`
}

// CompletionResult is returned by Prepare and Confirm.
type CompletionResult struct {
	Outcome    validator.Outcome    `json:"outcome"`
	Completed  bool                 `json:"completed"`
	Token      string               `json:"confirmation_token,omitempty"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	Incomplete []string             `json:"incomplete,omitempty"`
	Message    string               `json:"message,omitempty"`
	Advisory   string               `json:"advisory,omitempty"`
	Step       *model.Step          `json:"step,omitempty"`
	Session    *tracker.SessionView `json:"session,omitempty"`
}

// CompleterConfig holds the collaborators of a Completer.
type CompleterConfig struct {
	Platform   model.Platform
	Definition validator.Definition
	Sessions   Sessions
	Tokens     TokenStore
	Audit      audit.Store
	Publisher  Publisher
	Recorder   Recorder
	Logger     *zap.Logger
	TTL        time.Duration
}

// Completer runs the two-phase manual completion flow. A completion that
// skips prerequisites is parked under a confirmation token until the
// operator confirms it.
type Completer struct {
	platform  model.Platform
	def       validator.Definition
	sessions  Sessions
	tokens    TokenStore
	audit     audit.Store
	publisher Publisher
	recorder  Recorder
	logger    *zap.Logger
	ttl       time.Duration

	now      func() time.Time
	newToken func() string
}

// NewCompleter creates a Completer. Publisher and Recorder are optional.
func NewCompleter(cfg CompleterConfig) *Completer {
	c := &Completer{
		platform:  cfg.Platform,
		def:       cfg.Definition,
		sessions:  cfg.Sessions,
		tokens:    cfg.Tokens,
		audit:     cfg.Audit,
		publisher: cfg.Publisher,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		ttl:       cfg.TTL,
		now:       time.Now,
		newToken:  uuid.NewString,
	}
	if c.publisher == nil {
		c.publisher = NoopPublisher{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.ttl <= 0 {
		c.ttl = DefaultConfirmationTTL
	}
	return c
}

// Validate returns the validator decision for stage against the current
// session without side effects beyond fetching the session.
func (c *Completer) Validate(ctx context.Context, applicationID, stage string) (validator.Decision, error) {
	sess, err := c.sessions.Session(ctx, applicationID)
	if err != nil {
		return validator.Decision{}, err
	}
	d := validator.Validate(c.def, stage, sess.Tracker())
	c.recordDecision(d)
	return d, nil
}

// Prepare validates a manual completion. It sends the completion when the
// validator allows it, parks it under a token when confirmation is needed
// and refuses critical stages.
func (c *Completer) Prepare(ctx context.Context, actor string, req PrepareRequest) (*CompletionResult, error) {
	if err := checkNotes(req.Notes); err != nil {
		return nil, err
	}
	if !req.Confirmed {
		return nil, model.NewConfirmationRequiredError(
			fmt.Sprintf("Confirm manual completion of %s before it is sent", req.StepName))
	}

	ctx, span := observability.StartSpan(ctx, "review.prepare_completion",
		observability.AttrApplicationID.String(req.ApplicationID),
		observability.AttrStage.String(req.StepName),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	sess, err := c.sessions.Session(ctx, req.ApplicationID)
	if err != nil {
		return nil, err
	}

	d := validator.Validate(c.def, req.StepName, sess.Tracker())
	c.recordDecision(d)
	span.SetAttributes(observability.AttrOutcome.String(string(d.Outcome)))

	switch d.Outcome {
	case validator.OutcomeRejected:
		c.recordCompletion(ResultRejected)
		c.appendAudit(ctx, req.ApplicationID, actor, audit.ActionCompletionRejected, req.StepName, d.Message)
		err = d.Err()
		return nil, err

	case validator.OutcomeWarning:
		pending := PendingCompletion{
			ApplicationID: req.ApplicationID,
			StepID:        stepID(sess, req.StepName),
			StepName:      req.StepName,
			Notes:         strings.TrimSpace(req.Notes),
			Actor:         actor,
			Incomplete:    d.Incomplete,
			CreatedAt:     c.now().UTC(),
		}
		token := c.newToken()
		if err = c.tokens.Put(ctx, token, pending, c.ttl); err != nil {
			return nil, fmt.Errorf("review: store confirmation token: %w", err)
		}
		c.recordCompletion(ResultPending)
		expires := pending.CreatedAt.Add(c.ttl)
		return &CompletionResult{
			Outcome:    d.Outcome,
			Token:      token,
			ExpiresAt:  &expires,
			Incomplete: d.Incomplete,
			Message:    d.Message,
		}, nil
	}

	res, err := c.complete(ctx, sess, actor, PendingCompletion{
		ApplicationID: req.ApplicationID,
		StepID:        stepID(sess, req.StepName),
		StepName:      req.StepName,
		Notes:         strings.TrimSpace(req.Notes),
		Actor:         actor,
	}, false)
	if err != nil {
		return nil, err
	}
	res.Advisory = d.Advisory
	return res, nil
}

// Confirm redeems a confirmation token and sends the parked completion.
// The completion is validated again so a stage that became critical is
// still refused. When the session cannot be loaded or the platform fails
// without rejecting the completion, the token is parked again for the rest
// of its lifetime.
func (c *Completer) Confirm(ctx context.Context, actor, token string) (*CompletionResult, error) {
	pending, err := c.tokens.Take(ctx, token)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, model.NewNotFoundError("Confirmation token not found or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("review: take confirmation token: %w", err)
	}

	ctx, span := observability.StartSpan(ctx, "review.confirm_completion",
		observability.AttrApplicationID.String(pending.ApplicationID),
		observability.AttrStage.String(pending.StepName),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	sess, err := c.sessions.Session(ctx, pending.ApplicationID)
	if err != nil {
		c.restore(ctx, token, pending)
		return nil, err
	}

	d := validator.Validate(c.def, pending.StepName, sess.Tracker())
	c.recordDecision(d)
	if d.Outcome == validator.OutcomeRejected {
		c.recordCompletion(ResultRejected)
		c.appendAudit(ctx, pending.ApplicationID, actor, audit.ActionCompletionRejected, pending.StepName, d.Message)
		err = d.Err()
		return nil, err
	}

	if pending.StepID == 0 {
		pending.StepID = stepID(sess, pending.StepName)
	}
	pending.Incomplete = d.Incomplete
	res, err := c.complete(ctx, sess, actor, pending, true)
	if err != nil {
		if !model.HasCode(err, model.ErrBackendRejected) {
			c.restore(ctx, token, pending)
		}
		return nil, err
	}
	return res, nil
}

// restore parks p under token again until its original expiry.
func (c *Completer) restore(ctx context.Context, token string, p PendingCompletion) {
	left := p.CreatedAt.Add(c.ttl).Sub(c.now())
	if left <= 0 {
		return
	}
	if err := c.tokens.Put(context.WithoutCancel(ctx), token, p, left); err != nil {
		c.logger.Warn("restoring confirmation token failed",
			zap.String("application_id", p.ApplicationID),
			zap.Error(err),
		)
	}
}

func (c *Completer) complete(ctx context.Context, sess *tracker.Session, actor string, p PendingCompletion, override bool) (*CompletionResult, error) {
	log := observability.CaseLogger(ctx, c.logger, p.ApplicationID, p.StepName)
	app, err := c.platform.CompleteStep(ctx, model.StepCompletionRequest{
		ApplicationID: p.ApplicationID,
		StepID:        p.StepID,
		StepName:      p.StepName,
		AdminNotes:    p.Notes,
	})
	if err != nil {
		c.recordCompletion(ResultFailed)
		c.appendAudit(ctx, p.ApplicationID, actor, audit.ActionCompletionFailed, p.StepName, err.Error())
		log.Warn("manual completion failed", zap.Error(err))
		return nil, err
	}

	c.sessions.Apply(p.ApplicationID, app)

	action, result := audit.ActionCompletionCompleted, ResultCompleted
	msg := p.Notes
	if override {
		action, result = audit.ActionCompletionOverride, ResultOverride
		var extra []string
		if len(p.Incomplete) > 0 {
			extra = append(extra, "skipped: "+strings.Join(p.Incomplete, ", "))
		}
		if p.Actor != "" && p.Actor != actor {
			extra = append(extra, "requested by "+p.Actor)
		}
		if len(extra) > 0 {
			msg = fmt.Sprintf("%s (%s)", p.Notes, strings.Join(extra, "; "))
		}
	}
	c.recordCompletion(result)
	c.appendAudit(ctx, p.ApplicationID, actor, action, p.StepName, msg)

	now := c.now().UTC()
	if err := c.publisher.Publish(ctx, SubjectStepCompleted, StepCompletedEvent{
		ApplicationID: p.ApplicationID,
		StepID:        p.StepID,
		StepName:      p.StepName,
		Actor:         actor,
		PreparedBy:    p.Actor,
		Override:      override,
		Incomplete:    p.Incomplete,
		CompletedAt:   now,
	}); err != nil {
		log.Warn("publishing step.completed failed", zap.Error(err))
	}

	log.Info("step completed manually",
		zap.String("confirmed_by", actor),
		zap.String("prepared_by", p.Actor),
		zap.Bool("override", override),
	)

	res := &CompletionResult{
		Outcome:    validator.OutcomeAllowed,
		Completed:  true,
		Incomplete: p.Incomplete,
	}
	if override {
		res.Outcome = validator.OutcomeWarning
	}
	if step, ok := sess.Tracker().Step(p.StepName); ok {
		res.Step = &step
	}
	view := sess.View()
	res.Session = &view
	return res, nil
}

func (c *Completer) appendAudit(ctx context.Context, appID, actor, action, stage, msg string) {
	if c.audit == nil {
		return
	}
	err := c.audit.Append(ctx, model.AuditEntry{
		ApplicationID: appID,
		Actor:         actor,
		Action:        action,
		Stage:         stage,
		Message:       msg,
	})
	if err != nil {
		c.logger.Error("audit append failed",
			zap.String("application_id", appID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (c *Completer) recordDecision(d validator.Decision) {
	if c.recorder != nil {
		c.recorder.RecordValidatorDecision(string(d.Outcome))
	}
}

func (c *Completer) recordCompletion(result string) {
	if c.recorder != nil {
		c.recorder.RecordCompletion(result)
	}
}

func checkNotes(notes string) error {
	if strings.TrimSpace(notes) == "" {
		return model.NewValidationError([]model.FieldError{{
			Field:   "admin_notes",
			Code:    "required",
			Message: "Admin notes are required for manual completion",
		}})
	}
	return nil
}

// stepID returns the platform id of stage, or 0 when the snapshot does not
// contain it.
func stepID(sess *tracker.Session, stage string) int {
	if step, ok := sess.Tracker().Step(stage); ok {
		return step.ID
	}
	return 0
}
