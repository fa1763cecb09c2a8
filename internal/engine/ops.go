package engine

import (
	"context"
	"fmt"

	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/projector"
	"chat-sync/internal/store"
	"chat-sync/internal/syncerr"
)

func conversationRef(id string) models.Ref {
	return models.Ref{Kind: models.KindConversation, ID: id}
}

func messageRef(id string) models.Ref {
	return models.Ref{Kind: models.KindMessage, ID: id}
}

func notificationRef(id string) models.Ref {
	return models.Ref{Kind: models.KindNotification, ID: id}
}

// MarkConversationRead decrements the unread counter of a conversation by
// count and advances its read watermark.
func (e *Engine) MarkConversationRead(conversationID string, count int) (*mutation.Mutation, error) {
	if count <= 0 {
		return nil, syncerr.Validation(syncerr.ErrInvalidOperation, conversationRef(conversationID), "read count must be positive, got %d", count)
	}
	return e.reconciler.ApplyOptimisticMutation(&mutation.Mutation{
		Target:  conversationRef(conversationID),
		Op:      mutation.OpMarkRead,
		Count:   count,
		Through: e.now(),
	})
}

// MarkConversationAllRead resets the counters of a conversation and marks
// every loaded unread message read.
func (e *Engine) MarkConversationAllRead(conversationID string) (*mutation.Mutation, error) {
	related := make([]models.Ref, 0)
	for _, msg := range e.store.Messages(conversationID) {
		if msg.Deleted || msg.SenderID == e.userID || msg.IsReadBy(e.userID) {
			continue
		}
		related = append(related, msg.EntityRef())
	}
	return e.reconciler.ApplyOptimisticMutation(&mutation.Mutation{
		Target:  conversationRef(conversationID),
		Op:      mutation.OpMarkAllRead,
		Through: e.now(),
		Related: related,
	})
}

// MarkMessageRead marks one message read and takes it off the unread
// counter of its conversation. Reading an already read message is a no-op
// and returns a nil mutation.
func (e *Engine) MarkMessageRead(conversationID, messageID string) (*mutation.Mutation, error) {
	msg, err := e.message(conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == e.userID || msg.IsReadBy(e.userID) {
		return nil, nil
	}
	return e.reconciler.ApplyOptimisticMutation(&mutation.Mutation{
		Target:         msg.EntityRef(),
		Op:             mutation.OpMarkRead,
		Count:          1,
		Through:        e.now(),
		ConversationID: conversationID,
		Related:        []models.Ref{conversationRef(conversationID)},
	})
}

// SetFlag pins, mutes, archives or favorites a conversation, or undoes it
// with value=false.
func (e *Engine) SetFlag(conversationID string, op mutation.Op, value bool) (*mutation.Mutation, error) {
	if !op.IsFlag() {
		return nil, syncerr.Validation(syncerr.ErrInvalidOperation, conversationRef(conversationID), "%q is not a flag", op)
	}
	return e.reconciler.ApplyOptimisticMutation(&mutation.Mutation{
		Target: conversationRef(conversationID),
		Op:     op,
		Value:  value,
	})
}

// DeleteMessage tombstones a message. The message keeps its place in the
// conversation with a redacted body.
func (e *Engine) DeleteMessage(conversationID, messageID string) (*mutation.Mutation, error) {
	if _, err := e.message(conversationID, messageID); err != nil {
		return nil, err
	}
	return e.reconciler.ApplyOptimisticMutation(&mutation.Mutation{
		Target:         messageRef(messageID),
		Op:             mutation.OpDelete,
		ConversationID: conversationID,
	})
}

// MarkNotificationRead marks one notification read.
func (e *Engine) MarkNotificationRead(notificationID string) (*mutation.Mutation, error) {
	return e.reconciler.ApplyOptimisticMutation(&mutation.Mutation{
		Target: notificationRef(notificationID),
		Op:     mutation.OpMarkRead,
	})
}

// MarkAllNotificationsRead issues one mutation per unread notification and
// returns how many were issued.
func (e *Engine) MarkAllNotificationsRead() (int, error) {
	unread := e.projector.ProjectNotificationList(projector.NotificationFilter{Mode: projector.NotificationsUnread})
	issued := 0
	for _, n := range unread {
		if _, err := e.reconciler.ApplyOptimisticMutation(&mutation.Mutation{
			Target: n.EntityRef(),
			Op:     mutation.OpMarkAllRead,
		}); err != nil {
			return issued, err
		}
		issued++
	}
	return issued, nil
}

func (e *Engine) message(conversationID, messageID string) (*models.Message, error) {
	ref := messageRef(messageID)
	ent, tombstoned, ok := e.store.Lookup(ref)
	if !ok {
		return nil, syncerr.Validation(syncerr.ErrNotFound, ref, "unknown message")
	}
	if tombstoned {
		return nil, syncerr.Validation(syncerr.ErrTombstoned, ref, "message was deleted")
	}
	msg := ent.(*models.Message)
	if msg.ConversationID != conversationID {
		return nil, syncerr.Validation(syncerr.ErrNotFound, ref, "message is not in conversation %s", conversationID)
	}
	return msg, nil
}

// Conversations projects the conversation list.
func (e *Engine) Conversations(f projector.ConversationFilter) ([]projector.ConversationView, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrInvalidOperation, err)
	}
	return e.projector.ProjectConversationList(f), nil
}

// Notifications projects the notification list.
func (e *Engine) Notifications(f projector.NotificationFilter) ([]*models.Notification, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrInvalidOperation, err)
	}
	return e.projector.ProjectNotificationList(f), nil
}

// Messages projects the loaded messages of a conversation.
func (e *Engine) Messages(conversationID string) ([]*models.Message, error) {
	if _, ok := e.store.Get(conversationRef(conversationID)); !ok {
		return nil, syncerr.Validation(syncerr.ErrNotFound, conversationRef(conversationID), "unknown conversation")
	}
	return e.projector.ProjectMessages(conversationID), nil
}

// Conversation returns one conversation.
func (e *Engine) Conversation(conversationID string) (*models.Conversation, error) {
	ent, ok := e.store.Get(conversationRef(conversationID))
	if !ok {
		return nil, syncerr.Validation(syncerr.ErrNotFound, conversationRef(conversationID), "unknown conversation")
	}
	return ent.(*models.Conversation), nil
}

// Totals returns the badge counters.
func (e *Engine) Totals() store.Totals { return e.store.Totals() }

// Pending returns the mutations awaiting confirmation.
func (e *Engine) Pending() []*mutation.Mutation { return e.reconciler.Pending() }

// Presence returns the presence of userID.
func (e *Engine) Presence(userID string) models.PresenceEntry {
	return e.tracker.GetPresence(userID)
}

// ApplyPresence records a presence update relayed from another client.
func (e *Engine) ApplyPresence(u models.PresenceUpdate) error {
	if u.UserID == e.userID {
		return nil
	}
	return e.tracker.Apply(u)
}

// SetOwnPresence records and publishes the current user's status.
func (e *Engine) SetOwnPresence(ctx context.Context, status models.PresenceStatus) error {
	return e.publishOwn(ctx, models.PresenceUpdate{UserID: e.userID, Status: status})
}

// SetOwnTyping records and publishes whether the current user is typing in
// conversationID.
func (e *Engine) SetOwnTyping(ctx context.Context, conversationID string, typing bool) error {
	return e.publishOwn(ctx, models.PresenceUpdate{UserID: e.userID, Typing: &typing, ConversationID: conversationID})
}

func (e *Engine) publishOwn(ctx context.Context, u models.PresenceUpdate) error {
	if u.Status != "" && !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", syncerr.ErrInvalidOperation, u.Status)
	}
	if e.publisher != nil {
		return e.publisher.Publish(ctx, u)
	}
	return e.tracker.Apply(u)
}
