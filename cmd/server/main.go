package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/entlog/entlog/internal/config"
	"github.com/entlog/entlog/internal/db"
	"github.com/entlog/entlog/internal/domain"
	"github.com/entlog/entlog/internal/export"
	"github.com/entlog/entlog/internal/history"
	"github.com/entlog/entlog/internal/httpapi"
	"github.com/entlog/entlog/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	if err := db.RunMigrations(ctx, conn.Pool, cfg.MigrationsPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	documentStore := store.NewPostgres(conn.Pool, cfg.Store.RequestTimeout, logger)

	// The header index always exists; priority field-data indices are created
	// up front, the rest lazily on first write.
	if err := documentStore.EnsureIndex(ctx, history.HeaderIndex); err != nil {
		logger.Fatal("failed to create header index", zap.Error(err))
	}
	for _, code := range cfg.Store.PriorityIndices {
		if err := documentStore.EnsureIndex(ctx, domain.FieldDataIndex(code)); err != nil {
			logger.Fatal("failed to create priority index",
				zap.String("entityTypeCode", code), zap.Error(err))
		}
	}

	historyService := history.NewService(documentStore, int64(cfg.Store.MaxConcurrentWrites), logger)
	exporter := export.NewService(historyService)

	mux := http.NewServeMux()
	httpapi.NewHandler(historyService, exporter, logger).Register(mux)

	health := healthcheck.NewHandler()
	health.AddReadinessCheck("store", func() error {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pingCancel()
		return documentStore.Ping(pingCtx)
	})
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(500))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      corsHandler.Handler(httpapi.LoggingMiddleware(logger)(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
