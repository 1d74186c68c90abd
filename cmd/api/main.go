package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/abuse"
	"github.com/manual-qa/backend/internal/api/handlers"
	"github.com/manual-qa/backend/internal/assistant"
	"github.com/manual-qa/backend/internal/cache/redis"
	"github.com/manual-qa/backend/internal/cascade"
	"github.com/manual-qa/backend/internal/extraction"
	"github.com/manual-qa/backend/internal/feedback"
	"github.com/manual-qa/backend/internal/knowledgebase"
	"github.com/manual-qa/backend/internal/llm"
	"github.com/manual-qa/backend/internal/lock"
	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/internal/middleware/auth"
	"github.com/manual-qa/backend/internal/middleware/ratelimit"
	"github.com/manual-qa/backend/internal/middleware/security"
	"github.com/manual-qa/backend/internal/middleware/validation"
	"github.com/manual-qa/backend/internal/session"
	"github.com/manual-qa/backend/internal/storage/objectstore"
	"github.com/manual-qa/backend/internal/storage/sqlite"
	"github.com/manual-qa/backend/internal/textcache"
	"github.com/manual-qa/backend/internal/verification"
	"github.com/manual-qa/backend/pkg/config"
	appLogger "github.com/manual-qa/backend/pkg/logger"
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

	appLogger.Info("Starting Manual Q&A API Server")
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(ctx); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.LockTTL)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		locker = redisClient
	}

	objects, err := newObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		appLogger.Fatal("Failed to create object store", zap.Error(err))
	}

	llmClient := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		Renderer:    extraction.Renderer,
	})

	kbStore := knowledgebase.NewStore(objects, locker)
	engine := cascade.NewEngine(
		kbStore,
		knowledgebase.NewSearcher(llmClient),
		textcache.New(objects, locker),
		objects,
		verification.NewVerifier(llmClient, verification.Config{FailOpen: cfg.Cascade.VerificationFailOpen}),
		llmClient,
		cascade.Config{
			VerificationEnabled:   cfg.Cascade.VerificationEnabled,
			VerificationThreshold: cfg.Cascade.VerificationThreshold,
			MaxDocumentChars:      cfg.Cascade.MaxDocumentChars,
		},
	)

	gate := abuse.NewGate(sqliteClient, llmClient, abuse.Config{
		SemanticEnabled:  cfg.Abuse.SemanticEnabled,
		SemanticFailOpen: cfg.Abuse.SemanticFailOpen,
		Escalation:       cfg.Abuse.Escalation,
	})

	summaries := session.NewSummaryPool(llmClient, sqliteClient, cfg.Session.SummaryWorkers, cfg.Session.SummaryQueue)
	defer summaries.Close()

	sessions := session.NewManager(sqliteClient, summaries, session.Config{
		InactivityWindow: cfg.Session.InactivityWindow,
		ContextTurns:     cfg.Session.ContextTurns,
	})
	feedbackService := feedback.NewService(sqliteClient, kbStore, cfg.Feedback.DeletionThreshold)
	assistantService := assistant.NewService(gate, sessions, engine)

	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := session.NewSweeper(sqliteClient, cfg.Session.InactivityWindow).Schedule(scheduler, cfg.Session.SweepSchedule); err != nil {
		appLogger.Fatal("Failed to schedule session sweep", zap.Error(err))
	}
	scheduler.Start()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	headersCfg := security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Environment == "development",
	}

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(security.HeadersMiddleware(headersCfg))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	authed := auth.Middleware(auth.Config{})
	streamAuth := auth.Middleware(auth.Config{AllowQueryParam: true})
	limited := limiter.Middleware()
	askBody := validation.Middleware(validation.Config{Logger: appLogger.GetLogger()})
	ratingBody := validation.Middleware(validation.Config{RequireRating: true, Logger: appLogger.GetLogger()})

	askHandler := handlers.NewAskHandler(assistantService)
	wsHandler := handlers.NewWebSocketHandler(assistantService, func(origin string) bool {
		return security.OriginAllowed(headersCfg, origin)
	})
	sessionHandler := handlers.NewSessionHandler(sessions)
	ratingHandler := handlers.NewRatingHandler(feedbackService)
	violationHandler := handlers.NewViolationHandler(sqliteClient)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	const productPath = "/products/:manufacturer/:model"
	api.Post(productPath+"/ask", authed, limited, askBody, askHandler.HandleAsk)
	api.Get(productPath+"/ask/stream", streamAuth, limited, wsHandler.Upgrade, websocket.New(wsHandler.HandleConnection))
	api.Post(productPath+"/ratings", authed, limited, ratingBody, ratingHandler.HandleRate)
	api.Get(productPath+"/sessions", authed, sessionHandler.HandleList)
	api.Post(productPath+"/sessions/reset", authed, limited, sessionHandler.HandleReset)

	api.Get("/sessions/:id", authed, sessionHandler.HandleGet)
	api.Get("/users/me/violations", authed, violationHandler.HandleList)

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
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	<-scheduler.Stop().Done()
	appLogger.Info("Server stopped")
}

func newObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	if cfg.Backend == "minio" {
		return objectstore.NewMinio(ctx, objectstore.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
	}
	return objectstore.NewLocal(cfg.LocalDir)
}
