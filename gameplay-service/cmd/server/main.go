package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"novel-engine/gameplay-service/internal/config"
	"novel-engine/gameplay-service/internal/handler"
	"novel-engine/gameplay-service/internal/persistence"
	"novel-engine/gameplay-service/internal/service"
	"novel-engine/gameplay-service/internal/settings"
	"novel-engine/pkg/ai"
	"novel-engine/pkg/database"
	"novel-engine/pkg/mediastore"
	"novel-engine/pkg/taskmanager"
	sharedDatabase "novel-engine/shared/database"
	"novel-engine/shared/interfaces"
	sharedLogger "novel-engine/shared/logger"
	sharedMiddleware "novel-engine/shared/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

func main() {
	bootLogger, err := sharedLogger.New(sharedLogger.Config{Level: os.Getenv("LOG_LEVEL")})
	if err != nil {
		log.Fatalf("Не удалось инициализировать логгер: %v", err)
	}

	cfg, err := config.LoadConfig(bootLogger)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := sharedLogger.New(sharedLogger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("Не удалось инициализировать логгер: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// taskmanager и migration пишут через zerolog из контекста
	zl := zerolog.New(os.Stdout).With().Timestamp().Str("logger", "novel-engine.tasks").Logger()
	zerolog.DefaultContextLogger = &zl

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	store, closeStore, err := openSaveStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open save store", zap.String("backend", cfg.SaveBackend), zap.Error(err))
	}
	defer closeStore()

	media, err := mediastore.NewFileStore(cfg.MediaDir, cfg.MediaPublicBaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to open media store", zap.Error(err))
	}

	// --- Providers ---
	prompts, err := ai.LoadPrompts()
	if err != nil {
		logger.Fatal("Failed to load prompt templates", zap.Error(err))
	}
	tokens := ai.NewTiktokenCounter("", logger)
	build := service.RegistryBuilder(ai.NewDefaultRegistry(), ai.Deps{
		Logger:  logger,
		Media:   media,
		Tokens:  tokens,
		Prompts: prompts,
		Timeout: cfg.ProviderTimeout,
	})

	// --- Session ---
	tasks := taskmanager.New(taskmanager.Config{MaxTasks: cfg.MaxBackgroundTasks, TaskTimeout: cfg.BackgroundTaskTimeout})
	events := handler.NewEventHub(cfg.AllowedOrigins, logger)
	defer events.Close()

	controller := service.NewController(
		service.Config{
			SummaryTurnThreshold:  cfg.SummaryTurnThreshold,
			SummaryTokenThreshold: cfg.SummaryTokenThreshold,
			SummaryKeepRecent:     cfg.SummaryKeepRecent,
			ProviderTimeout:       cfg.ProviderTimeout,
		},
		settings.NewFileStore(cfg.SettingsFile, logger),
		build,
		persistence.NewManager(store, logger),
		tasks,
		events,
		tokens,
		logger,
	)

	// --- HTTP ---
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(sharedMiddleware.ZapLoggingMiddlewareForGin(logger, "/media/*", "/api/v1/events"))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	if len(cfg.AllowedOrigins) == 0 || cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", sharedMiddleware.RequestIDHeader}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "saving": controller.IsAutoSaving(), "tasks": tasks.Stats()})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)
	router.Static("/media", cfg.MediaDir)

	generationLimit := handler.NewGenerationRateLimiter(cfg.GenerationRateLimit, time.Minute, logger)
	handler.NewSessionHandler(controller, events, logger).RegisterRoutes(router, generationLimit)

	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Server listen error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP Server forced to shutdown", zap.Error(err))
	}
	// Дожидаемся фоновой генерации медиа и ее автосохранений.
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Background tasks did not finish in time", zap.Error(err))
	}
	logger.Info("Server exiting")
}

// openSaveStore открывает хранилище сохранений выбранного бэкенда.
func openSaveStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (interfaces.SaveStore, func(), error) {
	switch cfg.SaveBackend {
	case config.BackendMemory:
		logger.Warn("Using in-memory save store: saves are lost on restart")
		return sharedDatabase.NewMemorySaveStore(), func() {}, nil

	case config.BackendSQLite:
		store, err := sharedDatabase.OpenSQLiteSaveStore(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		store := sharedDatabase.NewRedisSaveStore(client, cfg.RedisKeyPrefix, logger)
		return store, func() { _ = store.Close() }, nil

	case config.BackendPostgres:
		db, err := database.Open(ctx, database.Config{DSN: cfg.PostgresDSN, MaxConns: cfg.DBMaxConns}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := sharedDatabase.MigratePostgres(ctx, db.Pool); err != nil {
			db.Close()
			return nil, nil, err
		}
		return sharedDatabase.NewPgSaveStore(db.Pool, logger), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown save backend %q", cfg.SaveBackend)
	}
}
