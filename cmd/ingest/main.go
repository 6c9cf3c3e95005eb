// Package main provides the ingest CLI: run the pipeline in-process and
// inspect jobs, the cache and the ledger of a running deployment.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-ingest/internal/config"
	"github.com/markdave123-py/contexta-ingest/internal/core/kvstore"
	"github.com/markdave123-py/contexta-ingest/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Document ingestion and indexing pipeline",
	Long: `Classifies, chunks and indexes documents into the vector store.

Configuration is read from the environment (and .env when present), the same
keys the API server uses. status, cancel and cache commands talk to the shared
Redis instance and need REDIS_ADDR.`,
	SilenceUsage: true,
}

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and installs the logger. CLI output goes
// to stdout, so logs go to stderr.
func loadConfig() *config.Config {
	cfg := config.LoadConfig()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.InitWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return cfg
}

var errNoRedis = errors.New("REDIS_ADDR is not set; job state and cache entries only exist inside a running process")

func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errNoRedis
	}
	rdb, err := kvstore.Connect(ctx, kvstore.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, nil
}
