package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/syncerr"
)

var now = time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)

func seed() *Backend {
	b := New()
	b.Put(&models.Conversation{ID: "C1", ParticipantIDs: []string{"me", "p"}, Counters: models.Counters{Unread: 2}, UpdatedAt: now})
	b.Put(&models.Message{ID: "m1", ConversationID: "C1", SenderID: "p", CreatedAt: now})
	return b
}

func TestMessageReadDecrementsConversationOnce(t *testing.T) {
	b := seed()
	w := mutation.RemoteWrite{
		Key:            "mut:message/m1",
		Ref:            models.Ref{Kind: models.KindMessage, ID: "m1"},
		Op:             mutation.OpMarkRead,
		Delta:          1,
		Through:        now,
		UserID:         "me",
		ConversationID: "C1",
	}
	require.NoError(t, b.Apply(context.Background(), w))
	require.NoError(t, b.Apply(context.Background(), w))
	w.Key = "other:message/m1"
	require.NoError(t, b.Apply(context.Background(), w))

	ent, ok := b.Get(models.Ref{Kind: models.KindConversation, ID: "C1"})
	require.True(t, ok)
	c := ent.(*models.Conversation)
	assert.Equal(t, 1, c.Counters.Unread)
	assert.Equal(t, now, c.ReadAt)
	assert.Len(t, b.Writes(), 2)
}

func TestApplyUnknownDocument(t *testing.T) {
	b := New()
	err := b.Apply(context.Background(), mutation.RemoteWrite{Key: "k", Ref: models.Ref{Kind: models.KindConversation, ID: "x"}, Op: mutation.OpPin, Value: true})
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	assert.True(t, syncerr.IsTerminal(err))
}

func TestStreamSnapshotThenChanges(t *testing.T) {
	b := seed()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s, err := b.Open(ctx, feed.ConversationsFor("me"), nil)
	require.NoError(t, err)
	defer s.Close()

	batch, err := s.Next(ctx)
	require.NoError(t, err)
	assert.True(t, batch.Snapshot)
	require.Len(t, batch.Events, 1)
	token := s.ResumeToken()

	require.NoError(t, b.Update(models.Ref{Kind: models.KindConversation, ID: "C1"}, func(e models.Entity) {
		e.(*models.Conversation).Flags.Archived = true
	}))
	batch, err = s.Next(ctx)
	require.NoError(t, err)
	assert.False(t, batch.Snapshot)
	require.Len(t, batch.Events, 1)
	assert.True(t, batch.Events[0].Entity.(*models.Conversation).Flags.Archived)

	// Resuming from the earlier token replays the archive.
	resumed, err := b.Open(ctx, feed.ConversationsFor("me"), token)
	require.NoError(t, err)
	defer resumed.Close()
	batch, err = resumed.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, models.ChangeModified, batch.Events[0].Kind)
}

func TestStreamDeliversRemovals(t *testing.T) {
	b := seed()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := b.Open(ctx, feed.MessagesIn("C1"), []byte("0"))
	require.NoError(t, err)
	defer s.Close()

	b.Delete(models.Ref{Kind: models.KindMessage, ID: "m1"})
	batch, err := s.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, models.ChangeRemoved, batch.Events[0].Kind)
}

func TestOpenWithFutureTokenExpires(t *testing.T) {
	b := seed()
	_, err := b.Open(context.Background(), feed.ConversationsFor("me"), []byte("999"))
	assert.ErrorIs(t, err, feed.ErrResumeExpired)
}

func TestDisconnectBreaksStreams(t *testing.T) {
	b := seed()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := b.Open(ctx, feed.ConversationsFor("me"), []byte("2"))
	require.NoError(t, err)

	b.Disconnect()
	_, err = s.Next(ctx)
	assert.Error(t, err)
}
