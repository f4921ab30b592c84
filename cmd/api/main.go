package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/api/handlers"
	"github.com/curator-agent/backend/internal/cache/redis"
	"github.com/curator-agent/backend/internal/events"
	"github.com/curator-agent/backend/internal/evidence"
	"github.com/curator-agent/backend/internal/graph/neo4j"
	"github.com/curator-agent/backend/internal/metrics"
	"github.com/curator-agent/backend/internal/middleware/ratelimit"
	"github.com/curator-agent/backend/internal/middleware/security"
	"github.com/curator-agent/backend/internal/middleware/validation"
	"github.com/curator-agent/backend/internal/promotion"
	"github.com/curator-agent/backend/internal/resolver"
	"github.com/curator-agent/backend/internal/staging"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/internal/verifier"
	"github.com/curator-agent/backend/pkg/config"
	appLogger "github.com/curator-agent/backend/pkg/logger"
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

	appLogger.Info("Starting Curator API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var graphClient *neo4j.Client
	if cfg.Neo4j.Enabled {
		graphClient, err = neo4j.NewClient(
			cfg.Neo4j.URI,
			cfg.Neo4j.Username,
			cfg.Neo4j.Password,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer graphClient.Close(context.Background())
	}

	var cacheClient *redis.Client
	if cfg.Redis.Enabled {
		cacheClient, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer cacheClient.Close()
	}

	hub := events.NewHub()

	evidenceStore := evidence.NewStore(sqliteClient)
	lineageVerifier := verifier.NewVerifier(sqliteClient)
	referenceResolver := resolver.NewResolver(sqliteClient, hub)

	ledger := staging.NewLedger(sqliteClient, hub)
	ledger.SetSweeper(referenceResolver)

	promotionEngine := promotion.NewEngine(sqliteClient, graphClient, hub)
	promotionEngine.SetSweeper(referenceResolver)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Server.Development,
	}))

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.Pipeline.RateLimitPerMinute,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	app.Use(validation.Middleware(validation.Config{
		MaxSnapshotBytes: cfg.Pipeline.MaxSnapshotBytes,
		MaxEvidenceBytes: cfg.Pipeline.MaxEvidenceBytes,
		Logger:           appLogger.GetLogger(),
	}))

	snapshotHandler := handlers.NewSnapshotHandler(evidenceStore)
	candidateHandler := handlers.NewCandidateHandler(ledger, lineageVerifier, cacheClient)
	decisionHandler := handlers.NewDecisionHandler(ledger)
	resolutionHandler := handlers.NewResolutionHandler(referenceResolver, sqliteClient)
	promotionHandler := handlers.NewPromotionHandler(promotionEngine, sqliteClient, graphClient, cfg.Pipeline.PromotionChunkSize)
	eventsHandler := handlers.NewEventsHandler(hub)

	api := app.Group("/api/v1")

	api.Post("/snapshots", snapshotHandler.CaptureSnapshot)
	api.Get("/snapshots/:id", snapshotHandler.GetSnapshot)

	api.Post("/candidates", candidateHandler.StageCandidate)
	api.Get("/candidates", candidateHandler.ListCandidates)
	api.Get("/candidates/:id", candidateHandler.GetCandidate)
	api.Get("/candidates/:id/lineage", candidateHandler.GetLineage)
	api.Get("/candidates/:id/decisions", candidateHandler.ListDecisions)
	api.Post("/candidates/:id/decisions", decisionHandler.RecordDecision)
	api.Post("/candidates/:id/restage", candidateHandler.RestageCandidate)
	api.Get("/candidates/:id/relationship", resolutionHandler.GetRelationship)
	api.Post("/candidates/:id/promote", promotionHandler.PromoteCandidate)

	api.Post("/resolutions/sweep", resolutionHandler.SweepResolutions)
	api.Post("/promotions/run", promotionHandler.RunPromotions)
	api.Get("/entities/:id", promotionHandler.GetEntity)
	api.Get("/entities/:id/neighbors", promotionHandler.GetNeighbors)

	app.Use("/api/v1/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/events", websocket.New(eventsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
