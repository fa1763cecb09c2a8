package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

func TestEmitBuildsEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	em := NewAuditEmitter(pub, "audit.sync", "chat-sync", "test", nil)
	em.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	var got AuditEnvelope
	pub.On("Publish", mock.Anything, "audit.sync", mock.AnythingOfType("telemetry.AuditEnvelope")).
		Run(func(args mock.Arguments) { got = args.Get(2).(AuditEnvelope) }).
		Return(nil).Once()

	user := "me"
	em.Emit(context.Background(), "INFO", "pin conversation c1", "req-1", &user)

	pub.AssertExpectations(t)
	assert.Equal(t, "audit_log", got.EventType)
	assert.Equal(t, "2024-05-01T12:00:00Z", got.OccurredAt)
	assert.Equal(t, "req-1", got.RequestID)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "me", *got.UserID)
	assert.Equal(t, "pin conversation c1", got.Payload.Text)
}

func TestEmitAlert(t *testing.T) {
	pub := new(mocks.PublisherMock)
	em := NewAuditEmitter(pub, "audit.sync", "chat-sync", "test", nil)

	var got AuditEnvelope
	pub.On("Publish", mock.Anything, "audit.sync", mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(2).(AuditEnvelope) }).
		Return(errors.New("broker down")).Once()

	em.EmitAlert(context.Background(), syncerr.Alert{
		Kind:       syncerr.KindTransient,
		Ref:        models.Ref{Kind: models.KindConversation, ID: "c1"},
		MutationID: "m-1",
		Message:    "pin could not be saved and was reverted",
	}, "me")

	pub.AssertExpectations(t)
	assert.Equal(t, "WARN", got.Payload.Level)
	assert.Equal(t, "conversation/c1", got.Payload.Ref)
	assert.Equal(t, "m-1", got.Payload.MutationID)
	assert.Equal(t, "transient", got.Payload.Kind)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var em *AuditEmitter
	assert.NotPanics(t, func() { em.Emit(context.Background(), "INFO", "x", "", nil) })

	em = NewAuditEmitter(nil, "k", "s", "e", nil)
	assert.NotPanics(t, func() { em.EmitAlert(context.Background(), syncerr.Alert{Message: "x"}, "me") })
}
