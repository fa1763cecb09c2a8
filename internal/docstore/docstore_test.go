package docstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

func TestFindFilter(t *testing.T) {
	f, err := findFilter(feed.ConversationsFor("me"))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"participantIds": "me"}, f)

	f, err = findFilter(feed.NotificationsFor("me", 10))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"ownerIds": "me"}, f)

	f, err = findFilter(feed.MessagesIn("c1"))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"conversationId": "c1"}, f)

	_, err = findFilter(feed.Query{Collection: models.KindNotification})
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
}

func TestFindOptions(t *testing.T) {
	opts := findOptions(feed.NotificationsFor("me", 25))
	require.NotNil(t, opts.Limit)
	assert.Equal(t, int64(25), *opts.Limit)
	assert.Equal(t, bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}, opts.Sort)

	opts = findOptions(feed.MessagesIn("c1"))
	assert.Nil(t, opts.Limit)
	assert.Equal(t, bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}, opts.Sort)
}

func TestWatchPipelineScopesToQuery(t *testing.T) {
	p, err := watchPipeline(feed.MessagesIn("c1"))
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Equal(t, "$match", p[0][0].Key)

	or := p[0][0].Value.(bson.M)["$or"].(bson.A)
	require.Len(t, or, 2)
	assert.Equal(t, bson.M{"operationType": "delete"}, or[0])
	scoped := or[1].(bson.M)
	assert.Equal(t, "c1", scoped["fullDocument.conversationId"])
}

func TestToEvent(t *testing.T) {
	msg := &models.Message{ID: "m1", ConversationID: "c1", Body: "hi", CreatedAt: time.Unix(10, 0).UTC()}
	raw, err := bson.Marshal(msg)
	require.NoError(t, err)

	ev, ok, err := toEvent(models.KindMessage, changeDoc{OperationType: "insert", FullDocument: raw})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ChangeAdded, ev.Kind)
	assert.Equal(t, "hi", ev.Entity.(*models.Message).Body)

	ev, ok, err = toEvent(models.KindMessage, changeDoc{OperationType: "update", FullDocument: raw})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ChangeModified, ev.Kind)

	del := changeDoc{OperationType: "delete"}
	del.DocumentKey.ID = "m1"
	ev, ok, err = toEvent(models.KindMessage, del)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.Removed(models.Ref{Kind: models.KindMessage, ID: "m1"}), ev)

	_, ok, err = toEvent(models.KindMessage, changeDoc{OperationType: "update"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = toEvent(models.KindMessage, changeDoc{OperationType: "invalidate"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncodeDecodeKeepsOwnersOutOfEntity(t *testing.T) {
	conv := &models.Conversation{ID: "c1", ParticipantIDs: []string{"u2", "me"}, Flags: models.Flags{Pinned: true}}
	doc, err := encode(conv, []string{"me"})
	require.NoError(t, err)
	assert.Equal(t, "c1", doc["_id"])
	assert.Equal(t, []string{"me"}, doc[ownersField])

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	ent, err := decode(models.KindConversation, raw)
	require.NoError(t, err)
	got := ent.(*models.Conversation)
	assert.Equal(t, []string{"me", "u2"}, got.ParticipantIDs)
	assert.True(t, got.Flags.Pinned)
}

func TestMapError(t *testing.T) {
	err := mapError(mongo.CommandError{Code: codeUnauthorized, Message: "not authorized"})
	assert.ErrorIs(t, err, syncerr.ErrPermissionDenied)

	err = mapError(mongo.CommandError{Code: codeHistoryLost, Name: "ChangeStreamHistoryLost"})
	assert.ErrorIs(t, err, feed.ErrResumeExpired)

	plain := errors.New("socket closed")
	assert.Equal(t, plain, mapError(plain))
	assert.NoError(t, mapError(nil))
}

func TestCollectionFor(t *testing.T) {
	name, err := collectionFor(models.KindNotification)
	require.NoError(t, err)
	assert.Equal(t, "notifications", name)

	_, err = collectionFor("reaction")
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
}
