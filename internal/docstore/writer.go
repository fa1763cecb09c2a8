package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/syncerr"
)

// Writer applies remote writes in a transaction, once per write key.
type Writer struct {
	db     *mongo.Database
	logger *zap.Logger
	now    func() time.Time
}

var _ mutation.Writer = (*Writer)(nil)

func NewWriter(db *mongo.Database, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{db: db, logger: logger, now: time.Now}
}

// EnsureIndexes creates the indexes snapshots sort on.
func (w *Writer) EnsureIndexes(ctx context.Context) error {
	specs := map[string]bson.D{
		"conversations": {{Key: "participantIds", Value: 1}, {Key: "updatedAt", Value: -1}},
		"notifications": {{Key: ownersField, Value: 1}, {Key: "createdAt", Value: -1}},
		"messages":      {{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}},
	}
	for name, keys := range specs {
		if _, err := w.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys}); err != nil {
			return fmt.Errorf("index %s: %w", name, mapError(err))
		}
	}
	return nil
}

// Apply implements mutation.Writer.
func (w *Writer) Apply(ctx context.Context, rw mutation.RemoteWrite) error {
	return w.inTransaction(ctx, func(sc mongo.SessionContext) error {
		_, err := w.db.Collection(appliedWrites).InsertOne(sc, bson.M{"_id": rw.Key, "mutationId": rw.MutationID, "appliedAt": w.now()})
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		if err != nil {
			return err
		}

		ent, owners, err := w.load(sc, rw.Ref)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return syncerr.Validation(syncerr.ErrNotFound, rw.Ref, "remote %s", rw.Op)
		}
		if err != nil {
			return err
		}
		next, parent, err := mutation.ApplyRemote(ent, rw)
		if err != nil {
			return err
		}
		if err := w.replace(sc, next, owners); err != nil {
			return err
		}
		if parent == nil {
			return nil
		}

		conv, convOwners, err := w.load(sc, parent.Target)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		if err != nil {
			return err
		}
		return w.replace(sc, parent.Apply(conv), convOwners)
	})
}

// Put inserts or replaces a full document.
func (w *Writer) Put(ctx context.Context, ent models.Entity, owners []string) error {
	return w.replace(ctx, ent, owners)
}

// Delete removes a document; the change stream reports the removal.
func (w *Writer) Delete(ctx context.Context, ref models.Ref) error {
	name, err := collectionFor(ref.Kind)
	if err != nil {
		return err
	}
	_, err = w.db.Collection(name).DeleteOne(ctx, bson.M{"_id": ref.ID})
	return mapError(err)
}

func (w *Writer) inTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := w.db.Client().StartSession()
	if err != nil {
		return mapError(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return mapError(err)
}

func (w *Writer) load(ctx context.Context, ref models.Ref) (models.Entity, []string, error) {
	name, err := collectionFor(ref.Kind)
	if err != nil {
		return nil, nil, err
	}
	raw, err := w.db.Collection(name).FindOne(ctx, bson.M{"_id": ref.ID}).Raw()
	if err != nil {
		return nil, nil, err
	}
	ent, err := decode(ref.Kind, raw)
	if err != nil {
		return nil, nil, err
	}
	var meta struct {
		Owners []string `bson:"ownerIds"`
	}
	if err := bson.Unmarshal(raw, &meta); err != nil {
		return nil, nil, err
	}
	return ent, meta.Owners, nil
}

func (w *Writer) replace(ctx context.Context, ent models.Entity, owners []string) error {
	ref := ent.EntityRef()
	name, err := collectionFor(ref.Kind)
	if err != nil {
		return err
	}
	doc, err := encode(ent, owners)
	if err != nil {
		return err
	}
	_, err = w.db.Collection(name).ReplaceOne(ctx, bson.M{"_id": ref.ID}, doc, options.Replace().SetUpsert(true))
	return mapError(err)
}
