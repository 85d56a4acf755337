package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Event subjects, relative to the configured prefix.
const (
	SubjectStepCompleted   = "step.completed"
	SubjectReviewSubmitted = "review.submitted"
)

// Publisher emits review workflow events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// StepCompletedEvent is published after a manual completion succeeds.
type StepCompletedEvent struct {
	ApplicationID string    `json:"application_id"`
	StepID        int       `json:"step_id"`
	StepName      string    `json:"step_name"`
	Actor         string    `json:"actor"`
	PreparedBy    string    `json:"prepared_by,omitempty"`
	Override      bool      `json:"override"`
	Incomplete    []string  `json:"incomplete,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// ReviewSubmittedEvent is published after a review action is accepted.
type ReviewSubmittedEvent struct {
	ApplicationID string    `json:"application_id"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason"`
	Actor         string    `json:"actor"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// NoopPublisher discards events. It is used when events are disabled.
type NoopPublisher struct{}

// Publish does nothing.
func (NoopPublisher) Publish(context.Context, string, any) error { return nil }

// NATSConn is the part of *nats.Conn the publisher uses.
type NATSConn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// NATSPublisher publishes JSON events on <prefix>.<subject>.
type NATSPublisher struct {
	conn   NATSConn
	prefix string
}

// NewNATSPublisher creates a publisher over conn.
func NewNATSPublisher(conn NATSConn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// ConnectNATS dials the NATS server at url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// Publish marshals payload and publishes it. NATS publishes are
// fire-and-forget so ctx is only checked before sending.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	full := p.Subject(subject)
	if err := p.conn.Publish(full, data); err != nil {
		return fmt.Errorf("publish %s: %w", full, err)
	}
	return nil
}

// Subject returns the fully qualified subject for subject.
func (p *NATSPublisher) Subject(subject string) string {
	if p.prefix == "" {
		return subject
	}
	return p.prefix + "." + subject
}

// HealthCheck fails while the connection is down.
func (p *NATSPublisher) HealthCheck(context.Context) error {
	if !p.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}
