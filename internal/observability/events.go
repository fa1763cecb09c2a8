package observability

import (
	"context"
	"time"

	"chat-sync/internal/syncerr"
)

// Routing keys of the sync event stream.
const (
	RoutingAlerts   = "sync_events.alerts"
	RoutingWSEvents = "ws_events.sync"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// PublishAlert forwards a background failure of userID's session to the
// event stream.
func PublishAlert(ctx context.Context, userID string, a syncerr.Alert) error {
	payload := map[string]interface{}{
		"user_id":     userID,
		"kind":        a.Kind,
		"ref":         a.Ref.String(),
		"mutation_id": a.MutationID,
		"query":       a.Query,
		"message":     a.Message,
	}
	if a.Err != nil {
		payload["reason"] = a.Err.Error()
	}
	return PublishEvent(ctx, RoutingAlerts, EventEnvelope{
		EventType:  "sync_events",
		EventName:  "alert_" + string(a.Kind),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}, nil)
}
