package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/taskpoll/internal/api/handler"
	"github.com/cuongbtq/taskpoll/internal/api/router"
	"github.com/cuongbtq/taskpoll/internal/bootstrap"
	"github.com/cuongbtq/taskpoll/internal/config"
	"github.com/cuongbtq/taskpoll/internal/storage"
	"github.com/cuongbtq/taskpoll/internal/tasks"
	"github.com/cuongbtq/taskpoll/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// inlineRetryDelay spaces out attempts of a failing task in inline mode
const inlineRetryDelay = time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("task_mode", cfg.TaskMode()),
	)

	registry := tasks.Default()
	deps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		Registry:    registry,
		MaxRetries:  cfg.Tasks.MaxRetries,
		TaskTimeout: cfg.Tasks.Timeout,
	}

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	switch cfg.TaskMode() {
	case config.ModeInline:
		store := storage.NewMemory()
		exec := worker.NewInline(worker.NewProcessor(&worker.Config{
			Logger:            appLogger.Logger,
			Store:             store,
			Registry:          registry,
			WorkerID:          "inline",
			JobTimeout:        cfg.Tasks.Timeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		}), appLogger.Logger, inlineRetryDelay)
		cleanups = append(cleanups, exec.Close)

		deps.Store = store
		deps.Publisher = exec

	default:
		dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		cleanups = append(cleanups, func() { dbClient.Close() })
		appLogger.Info("Database connection established")

		store, err := bootstrap.OpenPostgresStore(context.Background(), &cfg.Database, dbClient, appLogger.Logger)
		if err != nil {
			return err
		}

		rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		cleanups = append(cleanups, func() { rabbitClient.Close() })
		appLogger.Info("RabbitMQ connection established")

		deps.Store = store
		deps.Publisher = rabbitClient
		deps.Health = func(ctx context.Context) error {
			return errors.Join(dbClient.HealthCheck(ctx), rabbitClient.HealthCheck(ctx))
		}
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.SetupRouter(deps, cfg.Server)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running", slog.String("address", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}
