package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/docstore"
	"chat-sync/internal/feed"
	"chat-sync/internal/memory"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/repositories"
)

// backend is the remote document database the engine syncs against.
type backend struct {
	source feed.Source
	writer mutation.Writer
	// put stores a full document, used by seed.
	put   func(ctx context.Context, ent models.Entity, owners []string) error
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.Remote.Driver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg, logger)
	case config.DriverMongo:
		return openMongo(ctx, cfg, logger)
	case config.DriverMemory:
		mem := memory.New()
		return &backend{
			source: mem,
			writer: mem,
			put: func(_ context.Context, ent models.Entity, owners []string) error {
				mem.Put(ent, owners...)
				return nil
			},
			close: func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	database, err := db.Connect(ctx, cfg.Remote.Postgres.DSN, logger)
	if err != nil {
		return nil, err
	}
	repo := repositories.NewDocumentRepo(database)
	source := repositories.NewFeedSource(repo, cfg.Remote.Postgres.PollInterval, logger.Named("pgfeed"))

	listener := pq.NewListener(cfg.Remote.Postgres.DSN, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("postgres listener event", zap.Int("event", int(ev)), zap.Error(err))
			}
		})
	if err := listener.Listen(db.NotifyChannel); err != nil {
		listener.Close()
		database.Close()
		return nil, fmt.Errorf("listen %s: %w", db.NotifyChannel, err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	go source.Listen(listenCtx, listener.Notify)

	return &backend{
		source: source,
		writer: repo,
		put:    repo.Put,
		close: func() {
			cancel()
			listener.Close()
			database.Close()
		},
	}, nil
}

func openMongo(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	database, err := docstore.OpenConnection(ctx, cfg.Remote.Mongo.URI, cfg.Remote.Mongo.Database)
	if err != nil {
		return nil, err
	}
	writer := docstore.NewWriter(database, logger.Named("docstore"))
	if err := writer.EnsureIndexes(ctx); err != nil {
		_ = database.Client().Disconnect(context.Background())
		return nil, err
	}
	return &backend{
		source: docstore.NewSource(database, logger.Named("docstore")),
		writer: writer,
		put:    writer.Put,
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = database.Client().Disconnect(ctx)
		},
	}, nil
}
