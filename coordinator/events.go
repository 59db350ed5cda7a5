package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/flock/pkg/mqtt"
	"github.com/absmach/flock/security"
)

const (
	EventJobCreated      = "job_created"
	EventJobStarted      = "job_started"
	EventRoundStarted    = "round_started"
	EventRoundAggregated = "round_aggregated"
	EventJobCompleted    = "job_completed"
	EventJobFailed       = "job_failed"
	EventJobCancelled    = "job_cancelled"
	EventClientTimeout   = "client_timeout"
)

// AuditEvent records a lifecycle step on the events topic. Security findings
// travel separately as security.Event.
type AuditEvent struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Round     int       `json:"round,omitempty"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventEmitter publishes audit and security events. Emit satisfies
// security.EventSink so the same emitter serves both components.
type EventEmitter interface {
	EmitAudit(ctx context.Context, event AuditEvent) error
	Emit(ctx context.Context, event security.Event) error
}

type mqttEmitter struct {
	pubsub mqtt.PubSub
	topics *mqtt.TopicBuilder
}

func NewMQTTEmitter(pubsub mqtt.PubSub, topics *mqtt.TopicBuilder) EventEmitter {
	return &mqttEmitter{
		pubsub: pubsub,
		topics: topics,
	}
}

func (e *mqttEmitter) EmitAudit(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	payload := map[string]any{
		"kind":  "audit",
		"event": event,
	}

	return e.pubsub.Publish(ctx, e.topics.EventsTopic(), payload)
}

func (e *mqttEmitter) Emit(ctx context.Context, event security.Event) error {
	payload := map[string]any{
		"kind":  "security",
		"event": event,
	}

	return e.pubsub.Publish(ctx, e.topics.EventsTopic(), payload)
}

type noopEmitter struct{}

// NewNoopEmitter returns an emitter that discards everything, for embedded
// use without a broker.
func NewNoopEmitter() EventEmitter {
	return noopEmitter{}
}

func (noopEmitter) EmitAudit(ctx context.Context, event AuditEvent) error {
	return nil
}

func (noopEmitter) Emit(ctx context.Context, event security.Event) error {
	return nil
}
