package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-ingest/internal/app"
	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobs"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's state and per-document breakdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rdb, err := connectRedis(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()

		job, err := jobs.NewRedisStore(rdb, app.RedisPrefix, cfg.JobRetention).Get(cmd.Context(), args[0])
		if errors.Is(err, core.ErrJobNotFound) {
			return fmt.Errorf("job %s not found (unknown or expired)", args[0])
		}
		if err != nil {
			return err
		}
		return printJob(os.Stdout, job, jsonOutput)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation; documents stop before their next stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rdb, err := connectRedis(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()

		store := jobs.NewRedisStore(rdb, app.RedisPrefix, cfg.JobRetention)
		job, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return fmt.Errorf("job %s already finished with %s", job.ID, job.State)
		}
		if err := store.RequestCancel(cmd.Context(), job.ID); err != nil {
			return err
		}
		fmt.Printf("cancellation requested for job %s\n", job.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, cancelCmd)
}

func printJob(w io.Writer, job *models.IngestionJob, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	fmt.Fprintf(w, "job %s: %s (attempts %d)\n", job.ID, job.State, job.Attempts)
	if job.Error != nil {
		fmt.Fprintf(w, "  error: %s at %s: %s\n", job.Error.Kind, job.Error.Stage, job.Error.Message)
	}
	if r := job.Result; r != nil {
		fmt.Fprintf(w, "  documents: %d/%d succeeded, %d failed, %d chunks\n", r.Succeeded, r.DocumentsTotal, r.Failed, r.ChunkCount)
		if len(r.StageTimingsMs) > 0 {
			stages := make([]string, 0, len(r.StageTimingsMs))
			for s := range r.StageTimingsMs {
				stages = append(stages, s)
			}
			sort.Strings(stages)
			parts := make([]string, len(stages))
			for k, s := range stages {
				parts[k] = fmt.Sprintf("%s=%dms", s, r.StageTimingsMs[s])
			}
			fmt.Fprintf(w, "  timings: %s\n", strings.Join(parts, " "))
		}
	}
	if len(job.Documents) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSTATUS\tCATEGORY\tSTRATEGY\tCHUNKS\tCACHE\tERROR")
	for _, d := range job.Documents {
		errText := ""
		if d.Error != nil {
			errText = d.Error.Kind + ": " + d.Error.Message
		}
		cacheText := "miss"
		if d.CacheHit {
			cacheText = "hit"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			d.Ref.Path, d.Status, d.Category, d.Strategy, d.ChunkCount, cacheText, errText)
	}
	return tw.Flush()
}
