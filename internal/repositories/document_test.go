package repositories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/syncerr"
)

func TestSelectQuerySnapshot(t *testing.T) {
	query, args, err := selectQuery(feed.NotificationsFor("me", 50), 0, true)
	require.NoError(t, err)
	assert.Equal(t, "SELECT kind, id, body, owners, conversation_id, sort_at, version, deleted FROM documents "+
		"WHERE kind = $1 AND owners @> $2 AND deleted = FALSE ORDER BY sort_at DESC, id LIMIT 50", query)
	require.Len(t, args, 2)
	assert.Equal(t, "notification", args[0])
	assert.Equal(t, pq.Array([]string{"me"}), args[1])
}

func TestSelectQueryChanges(t *testing.T) {
	query, args, err := selectQuery(feed.MessagesIn("c1"), 42, false)
	require.NoError(t, err)
	assert.Equal(t, "SELECT kind, id, body, owners, conversation_id, sort_at, version, deleted FROM documents "+
		"WHERE kind = $1 AND conversation_id = $2 AND version > $3 ORDER BY version", query)
	assert.Equal(t, []any{"message", "c1", int64(42)}, args)
}

func TestSelectQueryRejectsInvalid(t *testing.T) {
	_, _, err := selectQuery(feed.Query{Collection: models.KindMessage}, 0, true)
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)

	q := feed.ConversationsFor("me")
	q.OrderBy = "title"
	_, _, err = selectQuery(q, 0, true)
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
}

func TestNewDocumentConversationOwnersIncludeParticipants(t *testing.T) {
	conv := &models.Conversation{ID: "c1", ParticipantIDs: []string{"me", "u2"}, UpdatedAt: time.Unix(100, 0)}
	doc, err := NewDocument(conv, []string{"admin"})
	require.NoError(t, err)
	assert.Equal(t, pq.StringArray{"admin", "me", "u2"}, doc.Owners)
	assert.True(t, doc.SortAt.Equal(time.Unix(100, 0)))
	assert.False(t, doc.ConversationID.Valid)

	msg := &models.Message{ID: "m1", ConversationID: "c1", CreatedAt: time.Unix(5, 0)}
	doc, err = NewDocument(msg, nil)
	require.NoError(t, err)
	assert.Equal(t, "c1", doc.ConversationID.String)
	assert.Equal(t, pq.StringArray{}, doc.Owners)
}

func TestDocumentEvent(t *testing.T) {
	doc, err := NewDocument(&models.Notification{ID: "n1", Title: "hi"}, []string{"me"})
	require.NoError(t, err)

	ev, err := doc.Event(true)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeAdded, ev.Kind)
	assert.Equal(t, "hi", ev.Entity.(*models.Notification).Title)

	ev, err = doc.Event(false)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeModified, ev.Kind)

	doc.Deleted = true
	ev, err = doc.Event(false)
	require.NoError(t, err)
	assert.Equal(t, models.Removed(models.Ref{Kind: models.KindNotification, ID: "n1"}), ev)
}

func TestMapError(t *testing.T) {
	err := mapError(&pq.Error{Code: "42501", Message: "permission denied for table documents"})
	assert.ErrorIs(t, err, syncerr.ErrPermissionDenied)
	assert.Equal(t, syncerr.KindAuthorization, syncerr.Classify(err))

	other := &pq.Error{Code: "40001"}
	assert.Equal(t, error(other), mapError(other))
	assert.NoError(t, mapError(nil))
}

func TestToEventsKeepsLastRowPerDocument(t *testing.T) {
	a1, _ := NewDocument(&models.Conversation{ID: "a", Counters: models.Counters{Unread: 1}}, nil)
	a1.Version = 1
	b, _ := NewDocument(&models.Conversation{ID: "b"}, nil)
	b.Version = 2
	a2, _ := NewDocument(&models.Conversation{ID: "a", Counters: models.Counters{Unread: 2}}, nil)
	a2.Version = 3

	events, err := toEvents([]Document{a1, b, a2}, false)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Ref.ID)
	assert.Equal(t, 2, events[1].Entity.(*models.Conversation).Counters.Unread)
}

type fakeRepo struct {
	mu       sync.Mutex
	snapshot []Document
	head     int64
	changes  []Document
	err      error
}

func (f *fakeRepo) Snapshot(ctx context.Context, q feed.Query) ([]Document, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.head, f.err
}

func (f *fakeRepo) ChangesSince(ctx context.Context, q feed.Query, version int64) ([]Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Document, 0)
	for _, d := range f.changes {
		if d.Version > version && d.Kind == q.Collection {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRepo) push(d Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, d)
}

func (f *fakeRepo) Put(context.Context, models.Entity, []string) error     { return nil }
func (f *fakeRepo) Delete(context.Context, models.Ref) error               { return nil }
func (f *fakeRepo) ApplyWrite(context.Context, mutation.RemoteWrite) error { return nil }
func (f *fakeRepo) Purge(context.Context, int64) (int64, error)            { return 0, nil }

func TestFeedSourceSnapshotThenNotifiedChanges(t *testing.T) {
	snap, _ := NewDocument(&models.Conversation{ID: "c1", ParticipantIDs: []string{"me"}}, nil)
	repo := &fakeRepo{snapshot: []Document{snap}, head: 7}
	src := NewFeedSource(repo, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notes := make(chan *pq.Notification, 1)
	go src.Listen(ctx, notes)

	st, err := src.Open(ctx, feed.ConversationsFor("me"), nil)
	require.NoError(t, err)
	defer st.Close()

	batch, err := st.Next(ctx)
	require.NoError(t, err)
	assert.True(t, batch.Snapshot)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, []byte("7"), st.ResumeToken())

	next := make(chan feed.Batch, 1)
	go func() {
		b, err := st.Next(ctx)
		if err == nil {
			next <- b
		}
	}()

	changed, _ := NewDocument(&models.Conversation{ID: "c1", ParticipantIDs: []string{"me"}, Flags: models.Flags{Pinned: true}}, nil)
	changed.Version = 8
	repo.push(changed)
	notes <- &pq.Notification{Channel: "document_changes", Extra: "conversation:8"}

	select {
	case b := <-next:
		assert.False(t, b.Snapshot)
		require.Len(t, b.Events, 1)
		assert.True(t, b.Events[0].Entity.(*models.Conversation).Flags.Pinned)
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not woken by the notification")
	}
	assert.Equal(t, []byte("8"), st.ResumeToken())
}

func TestFeedSourceResume(t *testing.T) {
	old, _ := NewDocument(&models.Notification{ID: "n1"}, []string{"me"})
	old.Version = 3
	gone, _ := NewDocument(&models.Notification{ID: "n2"}, []string{"me"})
	gone.Version = 5
	gone.Deleted = true
	repo := &fakeRepo{changes: []Document{old, gone}}
	src := NewFeedSource(repo, time.Hour, nil)

	_, err := src.Open(context.Background(), feed.NotificationsFor("me", 10), []byte("garbage"))
	assert.ErrorIs(t, err, feed.ErrResumeExpired)

	st, err := src.Open(context.Background(), feed.NotificationsFor("me", 10), []byte("4"))
	require.NoError(t, err)
	batch, err := st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.ChangeEvent{models.Removed(models.Ref{Kind: models.KindNotification, ID: "n2"})}, batch.Events)
}

func TestFeedSourcePropagatesRepositoryErrors(t *testing.T) {
	repo := &fakeRepo{err: mapError(&pq.Error{Code: "42501"})}
	src := NewFeedSource(repo, time.Hour, nil)
	st, err := src.Open(context.Background(), feed.ConversationsFor("me"), nil)
	require.NoError(t, err)
	_, err = st.Next(context.Background())
	assert.True(t, errors.Is(err, syncerr.ErrPermissionDenied))
}

func TestFeedSourceClosedStream(t *testing.T) {
	src := NewFeedSource(&fakeRepo{}, time.Hour, nil)
	st, err := src.Open(context.Background(), feed.ConversationsFor("me"), []byte("0"))
	require.NoError(t, err)
	require.NoError(t, st.Close())
	_, err = st.Next(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrUnsubscribed)
}
