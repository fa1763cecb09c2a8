package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/syncerr"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditEmitter records user-visible sync actions and failures.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *zap.Logger
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level      string `json:"level"`
	Text       string `json:"text"`
	Ref        string `json:"ref,omitempty"`
	MutationID string `json:"mutation_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *zap.Logger) *AuditEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
		now:         time.Now,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	e.emit(ctx, requestID, userID, AuditPayload{Level: level, Text: text})
}

// EmitAlert records a rolled-back mutation or a closed subscription.
func (e *AuditEmitter) EmitAlert(ctx context.Context, a syncerr.Alert, userID string) {
	payload := AuditPayload{
		Level:      "WARN",
		Text:       a.Error(),
		MutationID: a.MutationID,
		Kind:       string(a.Kind),
	}
	if a.Ref.ID != "" {
		payload.Ref = a.Ref.String()
	}
	e.emit(ctx, "", &userID, payload)
}

func (e *AuditEmitter) emit(ctx context.Context, requestID string, userID *string, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}

	e.logger.Debug("audit emit",
		zap.String("level", payload.Level),
		zap.String("request_id", requestID),
		zap.Stringp("user_id", userID),
		zap.String("text", payload.Text))
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       payload,
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.logger.Warn("audit publish failed", zap.Error(err))
	}
}
