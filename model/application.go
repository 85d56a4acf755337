package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Application is one insurance application or claim as tracked by the
// platform's agent pipeline.
type Application struct {
	ID            int            `json:"id"`
	ApplicationID string         `json:"applicationId"`
	Status        string         `json:"status"`
	CurrentStep   string         `json:"currentStep,omitempty"`
	AgentData     map[string]any `json:"agentData,omitempty"`
	StepHistory   []Step         `json:"stepHistory"`
	ReviewReason  string         `json:"reviewReason,omitempty"`
	AssignedTo    string         `json:"assignedTo,omitempty"`
	CustomerID    string         `json:"customerId,omitempty"`
	StartTime     string         `json:"startTime,omitempty"`
	LastUpdated   string         `json:"lastUpdated,omitempty"`
	AuditTrail    []AuditRecord  `json:"auditTrail,omitempty"`
}

// UnmarshalJSON accepts the record id and customer id as numbers or strings.
// A non-numeric id decodes as 0.
func (a *Application) UnmarshalJSON(data []byte) error {
	type plain Application
	aux := struct {
		*plain
		ID         json.RawMessage `json:"id"`
		CustomerID json.RawMessage `json:"customerId"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	id, err := looseInt(aux.ID)
	if err != nil {
		return fmt.Errorf("id: %w", err)
	}
	customer, err := looseString(aux.CustomerID)
	if err != nil {
		return fmt.Errorf("customerId: %w", err)
	}
	a.ID = id
	a.CustomerID = customer
	return nil
}

func decodeScalar(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func looseInt(raw json.RawMessage) (int, error) {
	v, err := decodeScalar(raw)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, err
		}
		return int(f), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, nil
		}
		return i, nil
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

func looseString(raw json.RawMessage) (string, error) {
	v, err := decodeScalar(raw)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	}
	return "", fmt.Errorf("unexpected %T", v)
}

// Step is one workflow stage of an application.
type Step struct {
	ID          int        `json:"id"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Timestamp   string     `json:"timestamp,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Input       []string   `json:"input,omitempty"`
	Thinking    []string   `json:"thinking,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	Decision    *Decision  `json:"decision,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	AdminNotes  string     `json:"admin_notes,omitempty"`
	CompletedAt string     `json:"completed_at,omitempty"`
}

// Completion markers carried in Step.CompletedBy.
const (
	CompletedByAgent  = "agent"
	CompletedByManual = "manual"
)

// IsManual reports whether the step was completed by an operator.
func (s Step) IsManual() bool {
	return s.CompletedBy == CompletedByManual
}

// Decision is the outcome summary of a step.
type Decision struct {
	Outcome   string   `json:"outcome"`
	Reasoning string   `json:"reasoning,omitempty"`
	Metrics   []Metric `json:"metrics,omitempty"`
}

// Metric status values.
const (
	MetricSuccess = "success"
	MetricWarning = "warning"
	MetricError   = "error"
	MetricInfo    = "info"
)

// Metric is one labeled value on a decision.
type Metric struct {
	Label  string `json:"label"`
	Value  string `json:"value"`
	Status string `json:"status,omitempty"`
}

// AuditRecord is a historical event written by the platform.
type AuditRecord struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Message   string `json:"message"`
}

// ClaimRow is the simplified claim shape shown in the claims pipeline.
type ClaimRow struct {
	ID         string  `json:"id"`
	Customer   string  `json:"customer"`
	Amount     float64 `json:"amount"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	AssignedTo string  `json:"assignedTo"`
	Time       string  `json:"time"`
}

// Claim pipeline statuses.
const (
	ClaimNewClaim           = "new_claim"
	ClaimSentForApproval    = "sent_for_approval"
	ClaimRejected           = "rejected"
	ClaimAskForDocument     = "ask_for_document"
	ClaimEscalateToSenior   = "escalate_to_senior"
	ClaimUpdatedApplication = "updated_application"
	ClaimReapplication      = "reapplication"
)

// AuditEntry is an operator action recorded by casedesk itself.
type AuditEntry struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	Stage         string    `json:"stage,omitempty"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}
