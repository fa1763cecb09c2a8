package docstore

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

// findFilter selects the documents q follows.
func findFilter(q feed.Query) (bson.M, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrInvalidOperation, err)
	}
	switch q.Collection {
	case models.KindConversation:
		return bson.M{"participantIds": q.Participant}, nil
	case models.KindNotification:
		return bson.M{ownersField: q.Owner}, nil
	default:
		return bson.M{"conversationId": q.ConversationID}, nil
	}
}

func findOptions(q feed.Query) *options.FindOptions {
	opts := options.Find()
	order := 1
	if q.Desc {
		order = -1
	}
	if q.OrderBy != "" {
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: order}, {Key: "_id", Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return opts
}

// watchPipeline matches change events for q. Deletes carry no document, so
// every delete in the collection passes and removals of unknown ids are
// ignored downstream.
func watchPipeline(q feed.Query) (mongo.Pipeline, error) {
	filter, err := findFilter(q)
	if err != nil {
		return nil, err
	}
	match := bson.A{bson.M{"operationType": "delete"}}
	scoped := bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace"}}}
	for k, v := range filter {
		scoped["fullDocument."+k] = v
	}
	match = append(match, scoped)
	return mongo.Pipeline{{{Key: "$match", Value: bson.M{"$or": match}}}}, nil
}

// changeDoc is the subset of a change stream event the feed reads.
type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.Raw `bson:"fullDocument"`
}

// toEvent converts a change event. ok is false for events with nothing to
// deliver, such as an update whose document was deleted before lookup.
func toEvent(kind models.Kind, ch changeDoc) (models.ChangeEvent, bool, error) {
	ref := models.Ref{Kind: kind, ID: ch.DocumentKey.ID}
	switch ch.OperationType {
	case "delete":
		return models.Removed(ref), true, nil
	case "insert", "update", "replace":
		if len(ch.FullDocument) == 0 {
			return models.ChangeEvent{}, false, nil
		}
		ent, err := decode(kind, ch.FullDocument)
		if err != nil {
			return models.ChangeEvent{}, false, err
		}
		if ch.OperationType == "insert" {
			return models.Added(ent), true, nil
		}
		return models.Modified(ent), true, nil
	}
	return models.ChangeEvent{}, false, nil
}
