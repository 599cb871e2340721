package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/api/handlers"
	"github.com/examprep/backend/internal/app"
	"github.com/examprep/backend/internal/metrics"
	"github.com/examprep/backend/internal/middleware/ratelimit"
	"github.com/examprep/backend/internal/middleware/security"
	"github.com/examprep/backend/internal/middleware/validation"
	"github.com/examprep/backend/pkg/config"
	appLogger "github.com/examprep/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting exam prep API server")

	metrics.Init()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	services, err := app.New(startCtx, cfg)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	fiberApp := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	origins := strings.Split(cfg.Server.CORSOrigins, ",")

	rateLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer rateLimiter.Stop()

	fiberApp.Use(recover.New())
	fiberApp.Use(logger.New())
	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	fiberApp.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: origins,
		IsDevelopment:  cfg.Logging.Format == "console",
	}))

	fiberApp.Get("/metrics", metrics.MetricsHandler())

	documentHandler := handlers.NewDocumentHandler(services.Pipeline, services.Registry, services.Fetcher, cfg.Ingestion.MaxUploadBytes)
	queryHandler := handlers.NewQueryHandler(services.Retrieval, services.Marking)
	healthHandler := handlers.NewHealthHandler(services.Checks())
	wsHandler := handlers.NewWebSocketHandler(services.Marking, time.Duration(cfg.LLM.TimeoutSec)*time.Second*2)

	api := fiberApp.Group("/api/v1")

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	api.Use(rateLimiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxUploadBytes: cfg.Ingestion.MaxUploadBytes,
		Logger:         appLogger.GetLogger(),
	}))

	api.Post("/documents", documentHandler.UploadDocument)
	api.Post("/documents/url", documentHandler.ImportDocument)
	api.Get("/documents", documentHandler.ListDocuments)
	api.Post("/retrieve", queryHandler.Retrieve)
	api.Post("/mark", queryHandler.Mark)

	fiberApp.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	fiberApp.Get("/ws/mark", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := fiberApp.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := fiberApp.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
