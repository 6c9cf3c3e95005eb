package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/markdave123-py/contexta-ingest/internal/app"
	"github.com/markdave123-py/contexta-ingest/internal/config"
	"github.com/markdave123-py/contexta-ingest/internal/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		cancel()
	}()

	cfg := config.LoadConfig()
	log := logger.Init(cfg.LogLevel, cfg.LogFormat)

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	log.Info("contexta-ingest is running", "port", cfg.Port, "vector_store", cfg.VectorStore)
	if err := application.Run(ctx); err != nil {
		log.Error("server stopped", "error", err)
		application.Close()
		os.Exit(1)
	}
	log.Info("shut down cleanly")
}
