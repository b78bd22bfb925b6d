package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"voicecall-engine/pkg/errors"
	"voicecall-engine/pkg/telemetry/tracing"
)

// ConversationRecord is the export of one finished call
type ConversationRecord struct {
	CallSID         string                 `json:"call_sid"`
	StreamSID       string                 `json:"stream_sid,omitempty"`
	LeadID          string                 `json:"lead_id,omitempty"`
	CampaignID      string                 `json:"campaign_id,omitempty"`
	AgentID         string                 `json:"agent_id,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	EndedAt         time.Time              `json:"ended_at"`
	DurationSeconds float64                `json:"duration_seconds"`
	EndReason       string                 `json:"end_reason"`
	Goal            string                 `json:"goal,omitempty"`
	GoalProgress    float64                `json:"goal_progress"`
	Turns           []Turn                 `json:"turns"`
	Stats           Stats                  `json:"stats"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Turn is one utterance in the call history
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Partial   bool      `json:"partial,omitempty"`
}

// Stats are per call counters
type Stats struct {
	UserTurns     int `json:"user_turns"`
	AgentTurns    int `json:"agent_turns"`
	BargeIns      int `json:"barge_ins"`
	Fallbacks     int `json:"fallbacks"`
	Reprompts     int `json:"reprompts"`
	ActionsRun    int `json:"actions_run"`
	ToolCalls     int `json:"tool_calls"`
	InboundFrames int `json:"inbound_frames"`
}

// Redactor masks personal data in transcript text
type Redactor interface {
	Redact(text string) string
}

// Exporter publishes finished conversations. A nil publisher turns it into
// a no-op.
type Exporter struct {
	logger    *logrus.Logger
	publisher Publisher
	redactor  Redactor
	timeout   time.Duration
}

// NewExporter creates an exporter publishing through p
func NewExporter(logger *logrus.Logger, p Publisher) *Exporter {
	return &Exporter{logger: logger, publisher: p, timeout: 2 * time.Second}
}

// SetRedactor masks turn contents before publishing
func (e *Exporter) SetRedactor(r Redactor) {
	e.redactor = r
}

// redacted returns a copy of rec with turn contents passed through the
// redactor. rec itself is left untouched.
func (e *Exporter) redacted(rec *ConversationRecord) *ConversationRecord {
	if e.redactor == nil {
		return rec
	}
	out := *rec
	out.Turns = make([]Turn, len(rec.Turns))
	for i, t := range rec.Turns {
		t.Content = e.redactor.Redact(t.Content)
		out.Turns[i] = t
	}
	return &out
}

// Export serializes and publishes the record. Failures are returned and
// logged; they never affect the call.
func (e *Exporter) Export(ctx context.Context, rec *ConversationRecord) error {
	if e == nil || e.publisher == nil || rec == nil {
		return nil
	}
	if !e.publisher.IsConnected() {
		e.logger.WithField("call_sid", rec.CallSID).Debug("AMQP not connected, skipping conversation export")
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "amqp.publish.conversation",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("call.sid", rec.CallSID),
			attribute.Int("conversation.turns", len(rec.Turns)),
		))

	body, err := json.Marshal(e.redacted(rec))
	if err != nil {
		err = errors.Wrap(err, "failed to marshal conversation record")
		tracing.EndSpan(span, err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err = e.publisher.Publish(ctx, body, amqp.Table{
		"message_type": "conversation_complete",
		"call_sid":     rec.CallSID,
		"end_reason":   rec.EndReason,
	})
	tracing.EndSpan(span, err)

	logger := e.logger.WithFields(logrus.Fields{
		"call_sid":    rec.CallSID,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		logger.WithError(err).Error("Failed to publish conversation to AMQP")
		return err
	}
	logger.Info("Conversation published to AMQP")
	return nil
}
