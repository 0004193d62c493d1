package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chat-gateway/internal/adapters/kafka"
	"chat-gateway/internal/api/handlers"
	"chat-gateway/internal/api/middleware"
	"chat-gateway/internal/api/routes"
	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/database"
	"chat-gateway/internal/events"
	"chat-gateway/internal/logging"
	"chat-gateway/internal/services"
	"chat-gateway/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Initialize logger
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	slog.Info("Starting chat gateway", "upstream", cfg.Upstream.URL)

	publishers := []events.Publisher{events.LogPublisher{Logger: logger}}
	verifierOpts := []auth.Option{}
	if cfg.JWT.Issuer != "" {
		verifierOpts = append(verifierOpts, auth.WithIssuer(cfg.JWT.Issuer))
	}

	// Redis backs connect rate limiting, token revocation and the event channel
	var limiter middleware.RateLimiter
	var redisHealth handlers.Pinger
	if cfg.Redis.URI != "" {
		redisClient, err := database.NewRedisConnection(cfg.Redis.URI)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		redisService := services.NewRedisService(redisClient)
		limiter = redisService
		redisHealth = redisClient
		verifierOpts = append(verifierOpts, auth.WithRevocations(redisService))
		publishers = append(publishers, events.NewRedisPublisher(redisService, cfg.Redis.EventsChannel))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.InitKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			slog.Error("Failed to connect to Kafka", "brokers", cfg.Kafka.Brokers, "error", err)
			os.Exit(1)
		}
		kafkaPublisher := kafka.NewEventPublisher(producer, cfg.Kafka.Topic)
		defer kafkaPublisher.Close()
		publishers = append(publishers, kafkaPublisher)
	}

	bus := events.NewBus(cfg.Bridge.EventBuffer, publishers...)
	bus.Start()

	verifier := auth.NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.UserClaim, verifierOpts...)
	metrics := websocket.NewMetrics()
	registry := websocket.NewRegistry(websocket.Options{
		Dialer:      websocket.NewWSDialer(cfg.Upstream.URL, cfg.Upstream.UserHeader, cfg.Upstream.DialTimeout),
		DialTimeout: cfg.Upstream.DialTimeout,
		Socket: websocket.SocketConfig{
			WriteWait:      cfg.Bridge.WriteWait,
			PongWait:       cfg.Bridge.PongWait,
			MaxMessageSize: cfg.Bridge.MaxMessageSize,
			SendBuffer:     cfg.Bridge.SendBuffer,
		},
		Metrics: metrics,
		Events:  bus,
	})
	gateway := websocket.NewGateway(verifier, registry)

	// Initialize router with all dependencies
	router := routes.NewRouter(cfg, gateway, verifier, limiter, redisHealth, metrics)
	router.SetupRoutes()

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting handshakes, then close every bridge session with 1001
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := registry.Shutdown(ctx); err != nil {
		slog.Error("Bridge sessions did not drain", "error", err)
	}
	if err := bus.Close(ctx); err != nil {
		slog.Warn("Lifecycle events not fully flushed", "dropped", bus.Dropped(), "error", err)
	}

	slog.Info("Server stopped")
}
