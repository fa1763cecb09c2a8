package docstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
)

// Source serves change feeds from MongoDB change streams.
type Source struct {
	db     *mongo.Database
	logger *zap.Logger
}

var _ feed.Source = (*Source)(nil)

func NewSource(db *mongo.Database, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{db: db, logger: logger}
}

// Open implements feed.Source. The change stream is opened before the
// snapshot is read so nothing committed in between is missed; events that
// repeat the snapshot are harmless full documents.
func (s *Source) Open(ctx context.Context, q feed.Query, resume []byte) (feed.Stream, error) {
	name, err := collectionFor(q.Collection)
	if err != nil {
		return nil, err
	}
	pipeline, err := watchPipeline(q)
	if err != nil {
		return nil, err
	}
	coll := s.db.Collection(name)

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resume != nil {
		opts.SetResumeAfter(bson.Raw(resume))
	}
	cs, err := coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, mapError(err)
	}

	st := &changeStream{query: q, cs: cs, logger: s.logger}
	if resume == nil {
		events, err := s.snapshot(ctx, coll, q)
		if err != nil {
			cs.Close(context.Background())
			return nil, err
		}
		st.pending = &feed.Batch{Snapshot: true, Events: events}
	}
	return st, nil
}

func (s *Source) snapshot(ctx context.Context, coll *mongo.Collection, q feed.Query) ([]models.ChangeEvent, error) {
	filter, err := findFilter(q)
	if err != nil {
		return nil, err
	}
	cursor, err := coll.Find(ctx, filter, findOptions(q))
	if err != nil {
		return nil, mapError(err)
	}
	defer cursor.Close(ctx)

	events := make([]models.ChangeEvent, 0)
	for cursor.Next(ctx) {
		ent, err := decode(q.Collection, cursor.Current)
		if err != nil {
			return nil, err
		}
		events = append(events, models.Added(ent))
	}
	if err := cursor.Err(); err != nil {
		return nil, mapError(err)
	}
	return events, nil
}

type changeStream struct {
	query   feed.Query
	cs      *mongo.ChangeStream
	pending *feed.Batch
	logger  *zap.Logger
}

// Next returns the snapshot first, then every event the server has already
// batched together with the next one.
func (st *changeStream) Next(ctx context.Context) (feed.Batch, error) {
	if st.pending != nil {
		b := *st.pending
		st.pending = nil
		return b, nil
	}

	events := make([]models.ChangeEvent, 0)
	for {
		if !st.cs.Next(ctx) {
			if err := st.cs.Err(); err != nil {
				return feed.Batch{}, mapError(err)
			}
			if err := ctx.Err(); err != nil {
				return feed.Batch{}, err
			}
			return feed.Batch{}, fmt.Errorf("change stream on %s closed", st.query.Collection)
		}
		var ch changeDoc
		if err := st.cs.Decode(&ch); err != nil {
			return feed.Batch{}, fmt.Errorf("decode change: %w", err)
		}
		ev, ok, err := toEvent(st.query.Collection, ch)
		if err != nil {
			st.logger.Warn("skipping undecodable change", zap.String("query", st.query.String()), zap.Error(err))
		} else if ok {
			events = append(events, ev)
		}
		if st.cs.RemainingBatchLength() == 0 && len(events) > 0 {
			return feed.Batch{Events: events}, nil
		}
	}
}

func (st *changeStream) ResumeToken() []byte {
	tok := st.cs.ResumeToken()
	if tok == nil {
		return nil
	}
	return append([]byte(nil), tok...)
}

func (st *changeStream) Close() error {
	return st.cs.Close(context.Background())
}
