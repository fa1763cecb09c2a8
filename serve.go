package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/engine"
	grpcserver "chat-sync/internal/grpc"
	"chat-sync/internal/handlers"
	"chat-sync/internal/logging"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/presence"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

var _ handlers.SyncService = (*engine.Engine)(nil)

func loadConfig(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sync engine for the configured user and serve the UI surface",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Sync.UserID == "" {
				return errors.New("sync.user_id (SYNC_USER_ID) is required")
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret (JWT_SECRET) is required")
			}
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.Service, cfg.Env)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer shutdownTracing(context.Background())
	}

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()
	if cfg.Remote.Driver == config.DriverMemory {
		if err := seed(ctx, be, cfg.Sync.UserID, time.Now()); err != nil {
			return err
		}
	}

	if cfg.AMQP.URL != "" {
		events, err := observability.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			logger.Warn("event stream disabled", zap.Error(err))
		} else {
			observability.SetPublisher(events)
			defer events.Close()
		}
	}
	auditPublisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger.Named("audit"))
	defer auditPublisher.Close()
	logger.Info("audit publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(auditPublisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(auditPublisher)))
	audit := telemetry.NewAuditEmitter(auditPublisher, cfg.AMQP.AuditRoutingKey, cfg.Tracing.Service, cfg.Env, logger.Named("audit"))

	tracker := presence.NewTracker(cfg.Sync.StatusTTL, cfg.Sync.TypingTTL, time.Now)
	opts := engine.Options{
		UserID:             cfg.Sync.UserID,
		MutationTimeout:    cfg.Sync.MutationTimeout,
		RetryInitial:       cfg.Sync.RetryInitial,
		FeedInitialBackoff: cfg.Sync.FeedInitialBackoff,
		FeedMaxBackoff:     cfg.Sync.FeedMaxBackoff,
		StatusTTL:          cfg.Sync.StatusTTL,
		TypingTTL:          cfg.Sync.TypingTTL,
		NotificationLimit:  cfg.Sync.NotificationLimit,
		Logger:             logger,
		Tracker:            tracker,
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		defer rdb.Close()
		relay := presence.NewRelay(rdb, cfg.Redis.Channel, tracker, logger.Named("presence"))
		if err := relay.Ping(ctx); err != nil {
			logger.Warn("presence relay disabled", zap.Error(err))
		} else {
			opts.Publisher = relay
			opts.Peers = relay
			go func() {
				if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("presence relay stopped", zap.Error(err))
				}
			}()
		}
	}

	eng, err := engine.New(be.source, be.writer, opts)
	if err != nil {
		return err
	}
	stopAlerts := eng.OnAlert(func(a syncerr.Alert) {
		audit.EmitAlert(context.Background(), a, cfg.Sync.UserID)
		_ = observability.PublishAlert(context.Background(), cfg.Sync.UserID, a)
	})
	defer stopAlerts()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	hub := ws.NewHub(logger.Named("ws"))
	detach := hub.Attach(eng)
	defer detach()

	validator := middleware.NewValidator(cfg.Auth.JWTSecret, cfg.Sync.UserID)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Tracing.Service))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(handlers.RequestID())

	router.GET(cfg.HTTP.MetricsPath, gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if !eng.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", ws.NewHandler(hub, validator, logger.Named("ws")).Handle)

	api := router.Group("/", middleware.AuthMiddleware(validator))
	handlers.NewSyncHandler(ctx, eng, audit, logger.Named("http")).Register(api)
	handlers.RegisterDebugRoutes(api, eng, audit, cfg.HTTP.Debug)

	health := grpcserver.NewHealthServer(eng, 0, logger.Named("health"))
	lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		return err
	}
	go health.Watch(ctx)
	go func() {
		if err := health.Serve(lis); err != nil {
			logger.Error("grpc health server stopped", zap.Error(err))
		}
	}()
	defer health.Stop()

	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("chat-sync listening",
			zap.String("user_id", cfg.Sync.UserID),
			zap.String("driver", cfg.Remote.Driver),
			zap.String("http", srv.Addr),
			zap.String("grpc", lis.Addr().String()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the PostgreSQL document schema",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Remote.Driver != config.DriverPostgres {
				return errors.New("migrate only applies to the postgres driver")
			}
			database, err := db.Connect(c.Context, cfg.Remote.Postgres.DSN, logger)
			if err != nil {
				return err
			}
			return database.Close()
		},
	}
}
