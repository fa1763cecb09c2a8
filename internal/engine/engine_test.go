package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/memory"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/projector"
	"chat-sync/internal/syncerr"
)

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func setupEngine(t *testing.T, backend *memory.Backend, timeout time.Duration) *Engine {
	t.Helper()
	e, err := New(backend, backend, Options{
		UserID:             "me",
		MutationTimeout:    timeout,
		RetryInitial:       5 * time.Millisecond,
		FeedInitialBackoff: time.Millisecond,
		FeedMaxBackoff:     10 * time.Millisecond,
		Now:                func() time.Time { return now },
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	return e
}

func conversation(id string, unread int) *models.Conversation {
	return &models.Conversation{
		ID:             id,
		Kind:           models.ConversationDirect,
		ParticipantIDs: []string{"me", "peer"},
		Counters:       models.Counters{Unread: unread},
		UpdatedAt:      now.Add(-time.Minute),
	}
}

func waitConversation(t *testing.T, e *Engine, id string, cond func(*models.Conversation) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := e.Conversation(id)
		return err == nil && cond(c)
	}, waitFor, tick)
}

func TestNewRequiresUser(t *testing.T) {
	_, err := New(memory.New(), memory.New(), Options{})
	assert.Error(t, err)
}

func TestMarkAllReadEndToEnd(t *testing.T) {
	backend := memory.New()
	backend.Put(conversation("C1", 1))
	backend.Put(&models.Message{ID: "m1", ConversationID: "C1", SenderID: "peer", CreatedAt: now.Add(-3 * time.Second), ReadBy: []string{"me"}})
	backend.Put(&models.Message{ID: "m2", ConversationID: "C1", SenderID: "peer", CreatedAt: now.Add(-2 * time.Second), ReadBy: []string{"me"}})
	backend.Put(&models.Message{ID: "m3", ConversationID: "C1", SenderID: "peer", CreatedAt: now.Add(-time.Second)})

	e := setupEngine(t, backend, time.Second)
	waitConversation(t, e, "C1", func(*models.Conversation) bool { return true })
	_, err := e.OpenConversation(context.Background(), "C1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs, err := e.Messages("C1")
		return err == nil && len(msgs) == 3
	}, waitFor, tick)

	_, err = e.MarkConversationAllRead("C1")
	require.NoError(t, err)
	c, err := e.Conversation("C1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Counters.Unread)

	require.Eventually(t, func() bool { return len(e.Pending()) == 0 }, waitFor, tick)
	msgs, err := e.Messages("C1")
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.IsReadBy("me"), m.ID)
	}

	refs := make([]models.Ref, 0)
	for _, w := range backend.Writes() {
		refs = append(refs, w.Ref)
	}
	assert.ElementsMatch(t, []models.Ref{messageRef("m3"), conversationRef("C1")}, refs)
	assert.Equal(t, 0, e.Totals().UnreadMessages)
}

func TestFailedPinRollsBackAndAlerts(t *testing.T) {
	backend := memory.New()
	backend.Put(conversation("C2", 0))
	e := setupEngine(t, backend, 100*time.Millisecond)
	waitConversation(t, e, "C2", func(*models.Conversation) bool { return true })

	var mu sync.Mutex
	var alerts []syncerr.Alert
	e.OnAlert(func(a syncerr.Alert) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, a)
	})

	backend.FailWrites(errors.New("network unreachable"))
	_, err := e.SetFlag("C2", mutation.OpPin, true)
	require.NoError(t, err)

	views, err := e.Conversations(projector.ConversationFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].Conversation.Flags.Pinned)

	waitConversation(t, e, "C2", func(c *models.Conversation) bool { return !c.Flags.Pinned })
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, conversationRef("C2"), alerts[0].Ref)
}

func TestArchivedDuringDisconnect(t *testing.T) {
	backend := memory.New()
	backend.Put(conversation("C1", 0))
	backend.Put(conversation("C2", 0))
	e := setupEngine(t, backend, time.Second)
	waitConversation(t, e, "C2", func(*models.Conversation) bool { return true })

	backend.Disconnect()
	require.NoError(t, backend.Update(conversationRef("C1"), func(ent models.Entity) {
		ent.(*models.Conversation).Flags.Archived = true
	}))

	waitConversation(t, e, "C1", func(c *models.Conversation) bool { return c.Flags.Archived })
	views, err := e.Conversations(projector.ConversationFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, views, 2, "no duplicate or ghost entities")

	views, err = e.Conversations(projector.ConversationFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "C2", views[0].Conversation.ID)
}

func TestMarkMessageReadTwiceDecrementsOnce(t *testing.T) {
	backend := memory.New()
	backend.Put(conversation("C1", 2))
	backend.Put(&models.Message{ID: "m1", ConversationID: "C1", SenderID: "peer", CreatedAt: now})
	e := setupEngine(t, backend, time.Second)
	_, err := e.OpenConversation(context.Background(), "C1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs, err := e.Messages("C1")
		return err == nil && len(msgs) == 1
	}, waitFor, tick)

	first, err := e.MarkMessageRead("C1", "m1")
	require.NoError(t, err)
	second, err := e.MarkMessageRead("C1", "m1")
	require.NoError(t, err)
	if second != nil {
		assert.Equal(t, first.ID, second.ID)
	}

	require.Eventually(t, func() bool { return len(e.Pending()) == 0 }, waitFor, tick)
	waitConversation(t, e, "C1", func(c *models.Conversation) bool { return c.Counters.Unread == 1 })
	server, ok := backend.Get(conversationRef("C1"))
	require.True(t, ok)
	assert.Equal(t, 1, server.(*models.Conversation).Counters.Unread)
}

func TestMarkAllNotificationsRead(t *testing.T) {
	backend := memory.New()
	backend.Put(&models.Notification{ID: "n1", CreatedAt: now}, "me")
	backend.Put(&models.Notification{ID: "n2", CreatedAt: now, IsRead: true}, "me")
	backend.Put(&models.Notification{ID: "n3", CreatedAt: now}, "me")
	backend.Put(&models.Notification{ID: "other", CreatedAt: now}, "someone")
	e := setupEngine(t, backend, time.Second)
	require.Eventually(t, func() bool { return e.Totals().UnreadNotifications == 2 }, waitFor, tick)

	n, err := e.MarkAllNotificationsRead()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, e.Totals().UnreadNotifications)
	require.Eventually(t, func() bool { return len(backend.Writes()) == 2 }, waitFor, tick)
}

func TestValidationErrors(t *testing.T) {
	backend := memory.New()
	backend.Put(conversation("C1", 0))
	e := setupEngine(t, backend, time.Second)
	waitConversation(t, e, "C1", func(*models.Conversation) bool { return true })

	_, err := e.SetFlag("missing", mutation.OpPin, true)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	_, err = e.SetFlag("C1", mutation.OpDelete, true)
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
	_, err = e.MarkConversationRead("C1", 0)
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
	_, err = e.DeleteMessage("C1", "nope")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	_, err = e.Conversations(projector.ConversationFilter{Sort: "random"})
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
	assert.Empty(t, backend.Writes())
}

func TestPresence(t *testing.T) {
	e := setupEngine(t, memory.New(), time.Second)
	require.NoError(t, e.SetOwnPresence(context.Background(), models.PresenceOnline))
	assert.Equal(t, models.PresenceOnline, e.Presence("me").Status)

	require.NoError(t, e.ApplyPresence(models.PresenceUpdate{UserID: "peer", Status: models.PresenceAway}))
	assert.Equal(t, models.PresenceAway, e.Presence("peer").Status)

	assert.Error(t, e.SetOwnPresence(context.Background(), "invisible"))
}

func TestPermissionDeniedFeedAlerts(t *testing.T) {
	backend := memory.New()
	backend.FailOpens(syncerr.ErrPermissionDenied)

	e, err := New(backend, backend, Options{UserID: "me", FeedInitialBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	var mu sync.Mutex
	kinds := map[syncerr.Kind]int{}
	e.OnAlert(func(a syncerr.Alert) {
		mu.Lock()
		defer mu.Unlock()
		kinds[a.Kind]++
	})
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kinds[syncerr.KindAuthorization] == 2
	}, waitFor, tick)
	assert.False(t, e.Healthy())
}
