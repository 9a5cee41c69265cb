// Command workers runs the lifecycle sweeper without the HTTP API. Use it
// when the API replicas run with scheduler.enabled=false.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/app"
	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("POOL_CONFIG"), "path to a YAML config file")
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

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

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.New(ctx, cfg, log, nil)
	if err != nil {
		log.Fatal("Failed to initialize engine", zap.Error(err))
	}
	defer engine.Close()

	if *once {
		start := time.Now()
		if err := engine.Sweeper.RunOnce(ctx); err != nil {
			log.Error("Sweep finished with errors", zap.Error(err))
			os.Exit(1)
		}
		log.Info("Sweep finished", zap.Duration("elapsed", time.Since(start)))
		return
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Sweeper worker starting", zap.String("schedule", cfg.Scheduler.Spec))
	if err := engine.Sweeper.Start(ctx); err != nil {
		log.Fatal("Failed to start sweeper", zap.Error(err))
	}

	<-sigChan
	log.Info("Shutdown signal received")
	cancel()

	log.Info("Sweeper worker stopped")
}
