// Package docstore is the MongoDB backend: snapshots with Find, change
// streams for live updates and transactional idempotent writes. Change
// streams and transactions need a replica set.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

const (
	appliedWrites = "applied_writes"
	ownersField   = "ownerIds"

	codeUnauthorized      = 13
	codeHistoryLost       = 286
	codeChangeStreamFatal = 280
	defaultConnectTimeout = 10 * time.Second
)

// OpenConnection connects to uri and returns the named database.
func OpenConnection(ctx context.Context, uri string, database string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", mapError(err))
	}
	return client.Database(database), nil
}

func collectionFor(kind models.Kind) (string, error) {
	switch kind {
	case models.KindConversation:
		return "conversations", nil
	case models.KindMessage:
		return "messages", nil
	case models.KindNotification:
		return "notifications", nil
	}
	return "", fmt.Errorf("%w: unknown collection %q", syncerr.ErrInvalidOperation, kind)
}

// mapError translates server errors into the sync error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeUnauthorized):
			return fmt.Errorf("%w: %v", syncerr.ErrPermissionDenied, err)
		case se.HasErrorCode(codeHistoryLost), se.HasErrorCode(codeChangeStreamFatal):
			return fmt.Errorf("%w: %v", feed.ErrResumeExpired, err)
		}
	}
	return err
}

// encode turns ent into a stored document carrying its owners.
func encode(ent models.Entity, owners []string) (bson.M, error) {
	raw, err := bson.Marshal(ent)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ent.EntityRef(), err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if owners != nil {
		doc[ownersField] = models.NormalizeParticipants(owners)
	}
	return doc, nil
}

// decode reads a stored document of kind.
func decode(kind models.Kind, raw bson.Raw) (models.Entity, error) {
	var ent models.Entity
	switch kind {
	case models.KindConversation:
		ent = &models.Conversation{}
	case models.KindMessage:
		ent = &models.Message{}
	case models.KindNotification:
		ent = &models.Notification{}
	default:
		return nil, fmt.Errorf("decode: unknown kind %q", kind)
	}
	if err := bson.Unmarshal(raw, ent); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if c, ok := ent.(*models.Conversation); ok {
		c.ParticipantIDs = models.NormalizeParticipants(c.ParticipantIDs)
	}
	return ent, nil
}
