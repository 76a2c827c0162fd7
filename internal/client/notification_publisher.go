package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
)

// NotificationPublisher publishes requisition workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.pr.<event_type>
// Event types: approval_required, auto_approved, approved, rejected,
//              cancelled, escalated
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt
// workflow operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	PRNumber     string         `json:"pr_number,omitempty"`
	Title        string         `json:"title,omitempty"`
	Status       string         `json:"status,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection yields a publisher that drops everything.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// PublishRequisitionEvent publishes a requisition workflow event.
// Subject: notifications.pr.<eventType>
func (p *NotificationPublisher) PublishRequisitionEvent(ctx context.Context, eventType string, pr *repository.Requisition, actorID string, recipients []string, payload map[string]any) {
	if p.conn == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	severity := "info"
	if eventType == "escalated" {
		severity = "warning"
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "purchase_requisition",
		ResourceID:   pr.ID,
		PRNumber:     pr.PRNumber,
		Title:        pr.Title,
		Status:       string(pr.Status),
		IsActionable: eventType == "approval_required" || eventType == "escalated",
		Severity:     severity,
		Category:     "pr_workflow",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.pr.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("requisition_id", pr.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("requisition_id", pr.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
