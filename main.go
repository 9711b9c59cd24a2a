package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/db"
	"chat-gateway/internal/events"
	grpcserver "chat-gateway/internal/grpc"
	"chat-gateway/internal/handlers"
	"chat-gateway/internal/membership"
	"chat-gateway/internal/middleware"
	"chat-gateway/internal/notify"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/pipeline"
	"chat-gateway/internal/presence"
	"chat-gateway/internal/rabbitmq"
	"chat-gateway/internal/registry"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/telemetry"
	"chat-gateway/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.Environment, cfg.ServiceName)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}

	database, err := db.Connect(cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.EventsExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("amqp publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment, logger)

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	notificationRepo := repositories.NewNotificationRepo(database)
	userRepo := repositories.NewUserRepo(database)

	local := registry.NewLocal(cfg.RegistryShards, logger)
	var reg registry.Registry = local
	if cfg.RegistryBackend == config.RegistryAMQP {
		nodeID := cfg.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		relay, err := registry.NewAMQPRelay(cfg.AMQPURL, cfg.RegistryExchange, nodeID, local, logger)
		if err != nil {
			logger.Fatal("failed to start registry relay", zap.Error(err))
		}
		defer relay.Close()
		reg = relay
	}

	gate := membership.NewGate(chatRepo, cfg.AuthTimeout, logger)
	tracker := presence.NewTracker(reg, logger)
	dispatcher := notify.NewDispatcher(notificationRepo, userRepo, reg, logger)
	messages := pipeline.New(messageRepo, chatRepo, gate, reg, dispatcher, cfg.MaxContentLength, logger)
	validator := auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer, userRepo, logger)

	if cfg.AMQPURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.AMQPURL, cfg.EventsExchange, cfg.DomainEventsQueue, events.Bindings, logger)
		if err != nil {
			logger.Error("domain events consumer disabled", zap.Error(err))
		} else {
			defer consumer.Close()
			consumer.WithRetry(events.Retryable)
			handler := events.NewConsumer(dispatcher, userRepo, logger)
			go func() {
				if err := consumer.Run(ctx, handler.Handle); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("domain events consumer stopped", zap.Error(err))
				}
			}()
		}
	}

	wsHandler := ws.NewHandler(reg, validator, gate, messages, tracker, notificationRepo, ws.Options{
		AuthTimeout:       cfg.AuthTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		PongTimeout:       cfg.PongTimeout,
		PingInterval:      cfg.PingInterval,
		TypingDebounce:    cfg.TypingDebounce,
		SendBuffer:        cfg.SendBuffer,
		MaxFrameSize:      cfg.MaxFrameSize,
		RecheckMembership: cfg.RecheckMembership,
	}, logger).WithAudit(audit)
	messageHandler := handlers.NewMessageHandler(messages)
	notificationHandler := handlers.NewNotificationHandler(notificationRepo, userRepo, dispatcher, audit, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/health", handlers.Health(database, wsHandler))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, reg, cfg.DebugRoutes)

	authMiddleware := middleware.Auth(validator)

	router.POST("/chats/:chat_id/messages", authMiddleware, messageHandler.PostMessage)
	router.POST("/chats/:chat_id/messages/:message_id/read", authMiddleware, messageHandler.MarkRead)
	router.PATCH("/messages/:message_id", authMiddleware, messageHandler.EditMessage)
	router.DELETE("/messages/:message_id", authMiddleware, messageHandler.DeleteMessage)

	router.GET("/notifications", authMiddleware, notificationHandler.ListNotifications)
	router.GET("/notifications/unread-count", authMiddleware, notificationHandler.UnreadCount)
	router.POST("/notifications/read-all", authMiddleware, notificationHandler.MarkAllRead)
	router.POST("/notifications/:notification_id/read", authMiddleware, notificationHandler.MarkRead)
	router.POST("/internal/notifications", middleware.InternalKey(cfg.InternalAPIKey), notificationHandler.CreateNotification)

	router.GET("/ws/chats", wsHandler.HandleMailbox)
	router.GET("/ws/chats/:chat_id", wsHandler.HandleChat)
	router.GET("/ws/notifications", wsHandler.HandleInbox)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	healthServer := grpcserver.NewHealthServer(cfg.ServiceName, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err))
	}
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			logger.Error("grpc server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	healthServer.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := wsHandler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket sessions did not drain", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
}
