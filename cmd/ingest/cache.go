package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-ingest/internal/app"
	"github.com/markdave123-py/contexta-ingest/internal/core/cache"
	"github.com/markdave123-py/contexta-ingest/internal/core/ingestion_engine"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the classification cache",
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <digest>...",
	Short: "Drop cached classifications so the next ingest re-classifies",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rdb, err := connectRedis(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()

		c := cache.New(cache.NewRedisBackend(rdb, app.RedisCachePrefix))
		for _, digest := range args {
			if err := c.Invalidate(cmd.Context(), digest); err != nil {
				return err
			}
			fmt.Printf("invalidated %s\n", digest)
		}
		return nil
	},
}

var cacheDigestCmd = &cobra.Command{
	Use:   "digest <file>",
	Short: "Print the cache digest of a local file",
	Long: `Extracts the file the way the pipeline does and prints the digest the
classifier looks up for its text and the given metadata.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		ext, err := ingestion_engine.NewDocconvExtractor(false).Extract(cmd.Context(), data, "", filepath.Base(args[0]))
		if err != nil {
			return err
		}
		md := make(map[string]any, len(runMetadata))
		for k, v := range runMetadata {
			md[k] = v
		}
		fmt.Println(cache.Digest(ext.Text, md))
		return nil
	},
}

func init() {
	cacheDigestCmd.Flags().StringToStringVarP(&runMetadata, "meta", "m", nil, "metadata (key=value)")
	cacheCmd.AddCommand(cacheInvalidateCmd, cacheDigestCmd)
	rootCmd.AddCommand(cacheCmd)
}
