package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/app"
	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("POOL_CONFIG"), "path to a YAML config file")
	flag.Parse()

	// .env is optional outside local development
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.New(ctx, cfg, log, nil)
	if err != nil {
		log.Fatal("Failed to initialize engine", zap.Error(err))
	}
	defer engine.Close()

	if cfg.Scheduler.Enabled {
		if err := engine.Sweeper.Start(ctx); err != nil {
			log.Fatal("Failed to start sweeper", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      engine.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started",
		zap.String("addr", srv.Addr),
		zap.Bool("sweeper", cfg.Scheduler.Enabled))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()

	log.Info("Server exiting")
}
