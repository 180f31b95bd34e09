package main

import (
	"context"
	"fmt"
	"os"
	"time"

	redisclient "github.com/coursebridge/completion-backend/internal/clients/redis"
	"github.com/coursebridge/completion-backend/internal/completion"
	"github.com/coursebridge/completion-backend/internal/db"
	"github.com/coursebridge/completion-backend/internal/handlers"
	"github.com/coursebridge/completion-backend/internal/jobs"
	"github.com/coursebridge/completion-backend/internal/logger"
	"github.com/coursebridge/completion-backend/internal/middleware"
	"github.com/coursebridge/completion-backend/internal/observability"
	"github.com/coursebridge/completion-backend/internal/repos"
	"github.com/coursebridge/completion-backend/internal/server"
	"github.com/coursebridge/completion-backend/internal/services"
	"github.com/coursebridge/completion-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	if shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "completion-backend",
		Environment: utils.GetEnv("DEPLOY_ENV", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "dev", log),
	}); shutdown != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	contentServiceURL := utils.GetEnv("CONTENT_SERVICE_URL", "http://localhost:8100", log)
	classifierConfigPath := utils.GetEnv("CLASSIFIER_CONFIG_PATH", "", log)
	syncMode := utils.GetEnvAsBool("COMPLETION_SYNC_MODE", false, log)
	batchSize := utils.GetEnvAsInt("AGGREGATION_BATCH_SIZE", 500, log)
	claimTTL := utils.GetEnvAsDuration("AGGREGATION_CLAIM_TTL", 5*time.Minute, log)
	aggInterval := utils.GetEnvAsDuration("AGGREGATION_INTERVAL", 30*time.Second, log)
	cleanupInterval := utils.GetEnvAsDuration("CLEANUP_INTERVAL", time.Hour, log)
	retention := utils.GetEnvAsDuration("STALE_RETENTION", 30*24*time.Hour, log)
	parallelism := utils.GetEnvAsInt("AGGREGATION_PARALLELISM", 4, log)

	// Classifier
	classifier := completion.DefaultClassifier()
	if classifierConfigPath != "" {
		classifier, err = completion.LoadClassifier(classifierConfigPath)
		if err != nil {
			log.Error("Could not load classifier config", "path", classifierConfigPath, "error", err)
			os.Exit(1)
		}
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Redis (optional: without it there is no run lock and no event intake)
	rdb, err := redisclient.NewClient(log)
	if err != nil {
		log.Warn("Redis unavailable, running without run locks and change events", "error", err)
		rdb = nil
	}
	locker := redisclient.NewLocker(log, rdb)

	// Repos
	log.Info("Setting up Repos from main...")
	aggregateRepo := repos.NewAggregateRepo(thePG, log)
	staleRepo := repos.NewStaleCompletionRepo(thePG, log)
	blockCompletionRepo := repos.NewBlockCompletionRepo(thePG, log)

	// Services
	log.Info("Setting up Services from main...")
	treeProvider := services.NewHTTPTreeProvider(log, contentServiceURL)
	completionSource := services.NewDBCompletionSource(log, blockCompletionRepo)
	completionService := services.NewCompletionService(thePG, log, aggregateRepo, staleRepo, treeProvider, completionSource, classifier, syncMode)
	coordinator := services.NewCoordinator(thePG, log, staleRepo, aggregateRepo, treeProvider, completionSource, classifier, locker, parallelism)
	sweeper := services.NewSweeper(log, staleRepo, locker, retention)

	// Change-event intake
	if subscriber := redisclient.NewChangeSubscriber(log, rdb); subscriber != nil {
		err := subscriber.Start(ctx, func(ctx context.Context, ev redisclient.ChangeEvent) {
			var blockKey *string
			if ev.BlockKey != "" {
				blockKey = &ev.BlockKey
			}
			if err := completionService.MarkStale(ctx, ev.UserID, ev.CourseKey, blockKey, ev.Force); err != nil {
				log.Error("Failed to mark stale from change event", "error", err, "user_id", ev.UserID, "course_key", ev.CourseKey)
			}
		})
		if err != nil {
			log.Warn("Change subscriber failed to start", "error", err)
		}
	}

	// Worker
	log.Info("Setting up aggregation worker from main...")
	worker := jobs.NewWorker(log, coordinator, sweeper, staleRepo, jobs.Config{
		AggregationInterval: aggInterval,
		CleanupInterval:     cleanupInterval,
		BatchSize:           batchSize,
		ClaimTTL:            claimTTL,
	})
	worker.Start(ctx)

	// Handlers
	log.Info("Setting up handlers from main...")
	completionHandler := handlers.NewCompletionHandler(log, completionService)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(log, jwtSecretKey)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		ServiceName:       "completion-backend",
		CompletionHandler: completionHandler,
		AuthMiddleware:    authMiddleware,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
