package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"chat-sync/internal/telemetry"
)

const confirmTimeout = 5 * time.Second

// Publisher publishes audit envelopes.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher dials the broker and declares the exchange. When the URL is
// empty or the broker is unreachable it returns a publisher that only logs,
// so auditing never blocks the sync engine.
func NewPublisher(amqpURL, exchange string, logger *zap.Logger) Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if amqpURL == "" {
		return noop("empty amqp url", logger)
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return noop(err.Error(), logger)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return noop(err.Error(), logger)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return noop(err.Error(), logger)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return noop(fmt.Sprintf("confirm mode: %v", err), logger)
	}

	logger.Info("audit publisher connected", zap.String("exchange", exchange))
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, logger: logger}
}

func noop(reason string, logger *zap.Logger) Publisher {
	logger.Warn("audit publisher disabled, using noop", zap.String("reason", reason))
	return noopPublisher{reason: reason, logger: logger}
}

// amqpPublisher waits for the broker to confirm each envelope. The channel
// is shared, so publishes are serialized.
type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		AppId:        "chat-sync",
		Body:         body,
	}
	if env, ok := envelope(event); ok && env.RequestID != "" {
		msg.Headers = amqp.Table{"x-request-id": env.RequestID}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err != nil {
		p.logger.Warn("audit publish failed", zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("audit confirm %s: %w", msg.MessageId, err)
	}
	if !acked {
		return fmt.Errorf("audit envelope %s nacked by broker", msg.MessageId)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
	logger *zap.Logger
}

func (p noopPublisher) Publish(_ context.Context, routingKey string, event any) error {
	if p.logger == nil {
		return nil
	}
	fields := []zap.Field{zap.String("routing_key", routingKey)}
	if env, ok := envelope(event); ok {
		fields = append(fields,
			zap.String("level", env.Payload.Level),
			zap.String("request_id", env.RequestID),
			zap.String("mutation_id", env.Payload.MutationID),
			zap.String("ref", env.Payload.Ref),
			zap.String("text", env.Payload.Text))
	}
	p.logger.Debug("audit noop publish", fields...)
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

func envelope(event any) (telemetry.AuditEnvelope, bool) {
	switch e := event.(type) {
	case telemetry.AuditEnvelope:
		return e, true
	case *telemetry.AuditEnvelope:
		if e != nil {
			return *e, true
		}
	}
	return telemetry.AuditEnvelope{}, false
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// PublisherNoopReason explains why auditing fell back to the noop publisher.
func PublisherNoopReason(p Publisher) string {
	if n, ok := p.(noopPublisher); ok {
		return n.reason
	}
	return ""
}
