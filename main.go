package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"marketplace-chat/internal/bus"
	"marketplace-chat/internal/config"
	"marketplace-chat/internal/db"
	"marketplace-chat/internal/directory"
	"marketplace-chat/internal/handlers"
	"marketplace-chat/internal/identity"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/rabbitmq"
	"marketplace-chat/internal/storage"
	"marketplace-chat/internal/store"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

func main() {
	cfg := config.Load()
	config.SetupLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "marketplace-chat", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Info().Str("mode", rabbitmq.PublisherMode(publisher)).Msg("event mirror ready")

	blobs, err := storage.NewMinioStorage(storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
		PublicURL: cfg.MinioPublicURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to object storage")
	}

	messageRepo := store.NewMessageRepo(database)
	previewCache := directory.NewCache(redisClient, cfg.PreviewTTL)
	dir := directory.New(messageRepo, previewCache)

	feed := bus.New()
	tracker := presence.NewTracker(cfg.PresenceTTL)
	defer tracker.Close()

	emitter := telemetry.NewEventEmitter(publisher, "marketplace-chat", cfg.Environment)
	provider := identity.NewProvider(cfg.JWTSecret, 24*time.Hour)

	hub := ws.NewHub(feed, tracker)
	stopHub := hub.Run()
	defer stopHub()

	chatHandler := handlers.NewChatHandler(messageRepo, dir, feed, emitter)
	uploadHandler := handlers.NewUploadHandler(blobs)
	chatWS := ws.NewChatWebSocketHandler(hub, tracker, messageRepo, dir, feed, emitter, provider)

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("marketplace-chat"))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(provider)

	router.GET("/conversations", authMiddleware, chatHandler.ListConversations)
	router.GET("/conversations/:user_id/messages", authMiddleware, chatHandler.GetThread)
	router.POST("/conversations/:user_id/messages", authMiddleware, chatHandler.PostMessage)
	router.POST("/conversations/:user_id/read", authMiddleware, chatHandler.MarkRead)
	router.POST("/attachments", authMiddleware, uploadHandler.Upload)

	router.GET("/ws/conversations/:user_id", chatWS.Handle)

	// Clients read their typing/keep-alive intervals from the server so the
	// values stay in one place.
	router.GET("/client-config", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"typing_debounce_ms": cfg.TypingDebounce.Milliseconds(),
			"presence_ttl_ms":    cfg.PresenceTTL.Milliseconds(),
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.DebugRoutes {
		router.POST("/debug/token", func(c *gin.Context) {
			userID := c.Query("user_id")
			if userID == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
				return
			}
			token, err := provider.Issue(userID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"token": token})
		})
	}

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("chat service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}
}
