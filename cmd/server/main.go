package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/bus"
	"github.com/vigilhq/vigil-backend/internal/cache"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/database"
	"github.com/vigilhq/vigil-backend/internal/handler"
	"github.com/vigilhq/vigil-backend/internal/logger"
	"github.com/vigilhq/vigil-backend/internal/realtime"
	"github.com/vigilhq/vigil-backend/internal/repository"
	"github.com/vigilhq/vigil-backend/internal/router"
	"github.com/vigilhq/vigil-backend/internal/service"
	"github.com/vigilhq/vigil-backend/internal/storage"
	"github.com/vigilhq/vigil-backend/internal/validator"
	"github.com/vigilhq/vigil-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("env", cfg.AppEnv).
		Str("log_level", cfg.LogLevel).
		Msg("Starting Vigil Backend")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	kv := cache.New(rdb)

	// ─── Connect to RabbitMQ ───────────────────────────────────────────
	mq, err := bus.Connect(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer mq.Close()

	// ─── Connect to Object Storage ─────────────────────────────────────
	objects, err := storage.NewObjectStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to object storage")
	}
	if err := objects.EnsureBuckets(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure buckets")
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	txManager := repository.NewTxManager(pool)
	userRepo := repository.NewUserRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	enrollmentRepo := repository.NewEnrollmentRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	proctoringRepo := repository.NewProctoringRepository(pool)

	// ─── Realtime Hub ──────────────────────────────────────────────────
	hub := realtime.NewHub(log)

	// ─── Initialize Services ───────────────────────────────────────────
	tokenService := service.NewTokenService(cfg, kv)
	authService := service.NewAuthService(cfg, userRepo, tokenService)
	authzService := service.NewAuthzService(sessionRepo, enrollmentRepo, log)
	inference := service.NewInferenceClient(cfg)
	sessionService := service.NewSessionService(
		cfg, txManager, sessionRepo, examRepo, questionRepo, enrollmentRepo,
		answerRepo, proctoringRepo, kv, hub, inference, nil, log,
	)
	ingestService := service.NewIngestService(
		sessionRepo, proctoringRepo, mq, kv, sessionService, hub, log,
	)
	examService := service.NewExamService(examRepo, questionRepo, enrollmentRepo, userRepo, log)
	proctoringService := service.NewProctoringService(
		txManager, sessionRepo, proctoringRepo, objects, hub, log,
	)

	// ─── Initialize Handlers ───────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:       handler.NewAuthHandler(authService, log),
		Session:    handler.NewSessionHandler(sessionService, authzService, log),
		Proctoring: handler.NewProctoringHandler(proctoringService, sessionService, authzService, log),
		Exam:       handler.NewExamHandler(examService, log),
		WS:         handler.NewWSHandler(hub, authzService, ingestService, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ──────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	resultConsumer := worker.NewResultConsumer(
		mq, txManager, sessionRepo, proctoringRepo, kv, sessionService, hub, cfg, log,
	)
	go func() {
		if err := resultConsumer.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Error().Err(err).Msg("Result consumer stopped")
		}
	}()

	scheduler, err := worker.NewScheduler(
		worker.NewExamStatusWorker(examRepo, sessionRepo, sessionService, log),
		worker.NewStaleSessionWorker(cfg, sessionRepo, sessionService, log),
		worker.NewRetentionWorker(cfg, objects, log),
		log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build scheduler")
	}
	scheduler.Start()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(tokenService, kv, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and the scheduler.
	workerCancel()
	scheduler.Stop()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
