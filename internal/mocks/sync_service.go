package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/projector"
	"chat-sync/internal/store"
)

type SyncServiceMock struct {
	mock.Mock
}

func mutationResult(args mock.Arguments) (*mutation.Mutation, error) {
	if m := args.Get(0); m != nil {
		return m.(*mutation.Mutation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SyncServiceMock) Conversations(f projector.ConversationFilter) ([]projector.ConversationView, error) {
	args := m.Called(f)
	return args.Get(0).([]projector.ConversationView), args.Error(1)
}

func (m *SyncServiceMock) Conversation(conversationID string) (*models.Conversation, error) {
	args := m.Called(conversationID)
	if c := args.Get(0); c != nil {
		return c.(*models.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SyncServiceMock) Messages(conversationID string) ([]*models.Message, error) {
	args := m.Called(conversationID)
	return args.Get(0).([]*models.Message), args.Error(1)
}

func (m *SyncServiceMock) OpenConversation(ctx context.Context, conversationID string) (*feed.Handle, error) {
	args := m.Called(ctx, conversationID)
	if h := args.Get(0); h != nil {
		return h.(*feed.Handle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SyncServiceMock) CloseConversation(conversationID string) {
	m.Called(conversationID)
}

func (m *SyncServiceMock) MarkConversationRead(conversationID string, count int) (*mutation.Mutation, error) {
	return mutationResult(m.Called(conversationID, count))
}

func (m *SyncServiceMock) MarkConversationAllRead(conversationID string) (*mutation.Mutation, error) {
	return mutationResult(m.Called(conversationID))
}

func (m *SyncServiceMock) MarkMessageRead(conversationID, messageID string) (*mutation.Mutation, error) {
	return mutationResult(m.Called(conversationID, messageID))
}

func (m *SyncServiceMock) SetFlag(conversationID string, op mutation.Op, value bool) (*mutation.Mutation, error) {
	return mutationResult(m.Called(conversationID, op, value))
}

func (m *SyncServiceMock) DeleteMessage(conversationID, messageID string) (*mutation.Mutation, error) {
	return mutationResult(m.Called(conversationID, messageID))
}

func (m *SyncServiceMock) Notifications(f projector.NotificationFilter) ([]*models.Notification, error) {
	args := m.Called(f)
	return args.Get(0).([]*models.Notification), args.Error(1)
}

func (m *SyncServiceMock) MarkNotificationRead(notificationID string) (*mutation.Mutation, error) {
	return mutationResult(m.Called(notificationID))
}

func (m *SyncServiceMock) MarkAllNotificationsRead() (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

func (m *SyncServiceMock) Totals() store.Totals {
	args := m.Called()
	return args.Get(0).(store.Totals)
}

func (m *SyncServiceMock) Pending() []*mutation.Mutation {
	args := m.Called()
	return args.Get(0).([]*mutation.Mutation)
}

func (m *SyncServiceMock) Presence(userID string) models.PresenceEntry {
	args := m.Called(userID)
	return args.Get(0).(models.PresenceEntry)
}

func (m *SyncServiceMock) SetOwnPresence(ctx context.Context, status models.PresenceStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *SyncServiceMock) SetOwnTyping(ctx context.Context, conversationID string, typing bool) error {
	args := m.Called(ctx, conversationID, typing)
	return args.Error(0)
}
