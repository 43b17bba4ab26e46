package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-core/internal/auth"
	"chat-core/internal/config"
	"chat-core/internal/db"
	"chat-core/internal/delivery"
	"chat-core/internal/handlers"
	"chat-core/internal/messaging"
	"chat-core/internal/middleware"
	"chat-core/internal/notifications"
	"chat-core/internal/observability"
	"chat-core/internal/presence"
	"chat-core/internal/rabbitmq"
	"chat-core/internal/repositories"
	"chat-core/internal/repositories/memstore"
	"chat-core/internal/repositories/mongostore"
	"chat-core/internal/telemetry"
	"chat-core/internal/ws"
)

type stores struct {
	conversations repositories.ConversationStore
	messages      repositories.MessageStore
	users         repositories.UserStore
	tx            repositories.Transactor
	close         func(context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}
	logger := newLogger(cfg)
	log.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracing", "err", err)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open store", "driver", cfg.StoreDriver, "err", err)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	logger.Info("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "reason", rabbitmq.PublisherNoopReason(publisher))
	events := observability.NewEventPublisher(publisher, "ws_events")
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment)
	notifier := notifications.NewDispatcher(publisher, cfg.NotifyRoutingKey, logger)

	persisters := presence.Persisters{presence.StorePersister{Users: st.users}}
	var mirror *presence.RedisPersister
	if cfg.RedisURL != "" {
		client, err := presence.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis presence mirror disabled", "err", err)
		} else {
			defer client.Close()
			mirror = presence.NewRedisPersister(client)
			persisters = append(persisters, mirror)
		}
	}
	registry := presence.NewRegistry(presence.Options{
		Grace:     cfg.PresenceGrace,
		Persister: persisters,
		Logger:    logger,
	})

	router := delivery.NewRouter(registry, st.conversations, events, logger)
	orchestrator := messaging.New(messaging.Deps{
		Conversations: st.conversations,
		Messages:      st.messages,
		Tx:            st.tx,
		Router:        router,
		Notifier:      notifier,
		Audit:         audit,
		Logger:        logger,
	}, messaging.Config{
		EditWindow:       cfg.EditWindow,
		DeleteWindow:     cfg.DeleteWindow,
		MaxContentLength: cfg.MaxContentLength,
	})
	registry.SetOnChange(orchestrator.PresenceChanged)

	authenticator, closeAuth, err := newAuthenticator(cfg)
	if err != nil {
		logger.Fatal("failed to init authenticator", "mode", cfg.AuthMode, "err", err)
	}

	wsHandler := ws.NewHandler(orchestrator, router, registry, authenticator, ws.Options{
		SendBuffer: cfg.WSSendBuffer,
		Events:     events,
		Logger:     logger,
	})
	conversationHandler := handlers.NewConversationHandler(orchestrator, presence.NewLookup(registry, mirror))

	if cfg.Environment != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(cfg.ServiceName))
	engine.Use(observability.HTTPMetricsMiddleware())

	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", wsHandler.Handle)

	api := engine.Group("/", middleware.AuthMiddleware(authenticator))
	conversationHandler.Register(api)
	handlers.RegisterDebugRoutes(engine, audit, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", srv.Addr, "store", cfg.StoreDriver, "auth", cfg.AuthMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Error("presence shutdown", "err", err)
	}
	if err := closeAuth(); err != nil {
		logger.Error("auth client close", "err", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Error("publisher close", "err", err)
	}
	if err := st.close(shutdownCtx); err != nil {
		logger.Error("store close", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", "err", err)
	}
}

func newLogger(cfg *config.Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          cfg.ServiceName,
	})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	switch cfg.LogFormat {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		database, err := db.Connect(ctx, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		tx := repositories.NewTxManager(database)
		return &stores{
			conversations: repositories.NewConversationRepo(database, tx),
			messages:      repositories.NewMessageRepo(database),
			users:         repositories.NewUserRepo(database),
			tx:            tx,
			close:         func(context.Context) error { return database.Close() },
		}, nil
	case config.StoreDriverMongo:
		store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return &stores{
			conversations: store.Conversations(),
			messages:      store.Messages(),
			users:         store.Users(),
			tx:            store,
			close:         store.Close,
		}, nil
	default:
		convs := memstore.NewConversations()
		return &stores{
			conversations: convs,
			messages:      memstore.NewMessages(),
			users:         memstore.NewUsers(),
			tx:            convs,
			close:         func(context.Context) error { return nil },
		}, nil
	}
}

func newAuthenticator(cfg *config.Config) (auth.Authenticator, func() error, error) {
	if cfg.AuthMode == config.AuthModeGRPC {
		client, err := auth.DialGRPC(cfg.AuthGRPCAddr)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}
	return auth.NewJWTAuthenticator(cfg.JWTSecret), func() error { return nil }, nil
}
