package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/gateway"
	"chat-sync/internal/identity"
	"chat-sync/internal/observability"
	"chat-sync/internal/outbox"
	"chat-sync/internal/push"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/realtime"
	"chat-sync/internal/repositories"
	"chat-sync/internal/session"
	"chat-sync/internal/storage"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/uploader"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	if shutdown := setupTracing(cfg, logger); shutdown != nil {
		defer shutdown()
	}

	if amqpPub, err := observability.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange); err != nil {
		logger.Warn("event publisher disabled", zap.Error(err))
	} else {
		observability.SetPublisher(amqpPub)
		defer amqpPub.Close()
	}

	auditPub := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer auditPub.Close()
	audit := telemetry.NewAuditEmitter(auditPub, "audit.chat_sync", "chat-sync", cfg.Environment, logger)

	convRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)
	tokenRepo := repositories.NewPushTokenRepo(database)

	provider := identity.NewClient(cfg.AuthURL, cfg.APIKey)
	blobs := storage.NewClient(cfg.StorageURL, cfg.StorageBucket, cfg.APIKey)
	feed := realtime.NewClient(cfg.RealtimeURL, cfg.APIKey, logger)
	notifier := push.NewNotifier(push.NewGatewayClient(cfg.PushGatewayURL), tokenRepo, logger)

	var pending *outbox.Outbox
	if cfg.OutboxPath != "" {
		pending, err = outbox.Open(cfg.OutboxPath)
		if err != nil {
			logger.Fatal("failed to open outbox", zap.Error(err))
		}
		defer pending.Close()
	}

	engine := session.NewEngine(session.Deps{
		Feed:          feed,
		Messages:      messageRepo,
		Conversations: convRepo,
		Uploader:      uploader.New(blobs, logger),
		Blobs:         blobs,
		Outbox:        pending,
		Notifier:      notifier,
		Names:         realtime.NewNameCache(userRepo),
		ResyncEvery:   cfg.ResyncInterval,
		Log:           logger,
	})
	defer engine.Shutdown()

	hub := gateway.NewHub(logger)
	handler := gateway.NewHandler(engine, userRepo, tokenRepo, audit, logger)
	wsHandler := gateway.NewWebSocketHandler(hub, engine, provider, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-sync"))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := gateway.AuthMiddleware(provider)

	router.GET("/conversations", authMiddleware, handler.ListConversations)
	router.POST("/conversations/start", authMiddleware, handler.StartConversation)
	router.DELETE("/conversations/:conversation_id", authMiddleware, handler.DeleteConversation(hub))
	router.POST("/conversations/:conversation_id/open", authMiddleware, handler.OpenConversation)
	router.POST("/conversations/close", authMiddleware, handler.CloseConversation)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, handler.GetMessages)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, handler.PostMessage)
	router.POST("/conversations/:conversation_id/messages/retry", authMiddleware, handler.RetryMessage)
	router.DELETE("/conversations/:conversation_id/messages/:message_id", authMiddleware, handler.DeleteMessage)
	router.POST("/conversations/:conversation_id/read", authMiddleware, handler.MarkRead)
	router.GET("/users/search", authMiddleware, handler.SearchUsers)
	router.POST("/push/token", authMiddleware, handler.RegisterPushToken)

	router.GET("/ws/conversations/:conversation_id", wsHandler.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	gateway.RegisterDebugRoutes(router, audit, cfg.Environment != "production")

	logger.Info("gateway listening",
		zap.String("port", cfg.Port),
		zap.String("amqp", rabbitmq.PublisherMode(auditPub)))
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func buildLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// setupTracing configures the OTLP trace exporter. Tracing stays on the noop
// provider when no endpoint is configured.
func setupTracing(cfg config.Config, logger *zap.Logger) func() {
	if cfg.OTLPEndpoint == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		logger.Warn("trace exporter disabled", zap.Error(err))
		return nil
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("chat-sync"),
			semconv.DeploymentEnvironment(cfg.Environment),
		)),
	)
	otel.SetTracerProvider(provider)

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace provider shutdown failed", zap.Error(err))
		}
	}
}
