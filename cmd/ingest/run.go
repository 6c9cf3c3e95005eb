package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-ingest/internal/app"
	"github.com/markdave123-py/contexta-ingest/internal/config"
	objectclient "github.com/markdave123-py/contexta-ingest/internal/core/object-client"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var (
	runMetadata map[string]string
	runNoWait   bool
	jsonOutput  bool
)

var runCmd = &cobra.Command{
	Use:   "run <file|s3-url>...",
	Short: "Ingest documents in-process and print the per-document breakdown",
	Long: `Submits one job for all arguments, runs it with this process's workers
and waits for a terminal state.

Interrupting the run leaves the job active; "ingest resume" (or the API
server, when both share Redis) continues it from the ledger.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Finish jobs left active by an interrupted process",
	Args:  cobra.NoArgs,
	RunE:  runResume,
}

func init() {
	runCmd.Flags().StringToStringVarP(&runMetadata, "meta", "m", nil, "metadata attached to every document (key=value)")
	runCmd.Flags().BoolVar(&runNoWait, "no-wait", false, "print the job id and exit without waiting")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print jobs as JSON")
	rootCmd.AddCommand(runCmd, resumeCmd)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func buildRefs(args []string, meta map[string]string) ([]models.DocumentRef, error) {
	var md map[string]any
	if len(meta) > 0 {
		md = make(map[string]any, len(meta))
		for k, v := range meta {
			md[k] = v
		}
	}

	refs := make([]models.DocumentRef, 0, len(args))
	for _, arg := range args {
		p := arg
		if !objectclient.IsS3URL(arg) {
			abs, err := filepath.Abs(arg)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", arg, err)
			}
			p = abs
		}
		refs = append(refs, models.DocumentRef{Path: p, Metadata: md})
	}
	return refs, nil
}

// checkNoWait rejects --no-wait when the job would only live in this
// process's memory.
func checkNoWait(cfg *config.Config, noWait bool) error {
	if noWait && cfg.RedisAddr == "" {
		return fmt.Errorf("--no-wait: %w", errNoRedis)
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	refs, err := buildRefs(args, runMetadata)
	if err != nil {
		return err
	}

	cfg := loadConfig()
	if err := checkNoWait(cfg, runNoWait); err != nil {
		return err
	}

	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	workCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.DocProcessor.Close()
	}()
	a.StartWorkers(workCtx)

	jobID, err := a.Ingest.Submit(ctx, refs)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "submitted job %s (%d documents)\n", jobID, len(refs))
	if runNoWait {
		fmt.Println(jobID)
		return nil
	}

	return waitAndPrint(ctx, a, jobID)
}

func runResume(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := app.NewApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	active, err := a.Jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	if len(active) == 0 {
		fmt.Println("no active jobs")
		return nil
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.DocProcessor.Close()
	}()
	a.StartWorkers(workCtx)

	var errs []error
	for _, job := range active {
		if err := waitAndPrint(ctx, a, job.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func waitAndPrint(ctx context.Context, a *app.App, jobID string) error {
	job, err := a.DocProcessor.Wait(ctx, jobID, 500*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "interrupted; job %s stays active, run \"ingest resume\" to continue\n", jobID)
		}
		return err
	}
	if err := printJob(os.Stdout, job, jsonOutput); err != nil {
		return err
	}
	if job.State == models.JobFailure {
		return fmt.Errorf("job %s failed", job.ID)
	}
	return nil
}
