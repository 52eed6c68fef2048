package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"matomo-requests-tool/internal/config"
	"matomo-requests-tool/internal/fetcher"
	"matomo-requests-tool/internal/ledger"
	"matomo-requests-tool/internal/logsquery"
	"matomo-requests-tool/internal/output"
	"matomo-requests-tool/internal/upload"
	"matomo-requests-tool/internal/window"
)

// app carries the process-wide collaborators so tests can swap them.
type app struct {
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
	lookup config.LookupFunc

	newLogsClient func(ctx context.Context, region, profile string) (logsquery.Client, error)
	newUploader   func(t upload.Target, logger *slog.Logger) (*upload.Uploader, error)
}

func newApp() *app {
	return &app{
		logger: slog.Default(),
		stdout: os.Stdout,
		stderr: os.Stderr,
		lookup: os.LookupEnv,
		newLogsClient: func(ctx context.Context, region, profile string) (logsquery.Client, error) {
			return logsquery.NewClient(ctx, region, profile)
		},
		newUploader: upload.New,
	}
}

// fetchArgs holds everything the fetch command reads from flags.
type fetchArgs struct {
	opts      config.Options
	envFile   string
	queryFile string
	region    string
	profile   string
	target    upload.Target
}

func bindRangeFlags(fs *pflag.FlagSet, args *fetchArgs) {
	fs.StringVar(&args.envFile, "env-file", "", "Load START_DATE / NUM_OF_DAYS from this dotenv file (set variables win)")
	fs.DurationVar(&args.opts.Window, "window", args.opts.Window, "Length of each sub-query window")
	fs.IntVar(&args.opts.SplitFactor, "split-factor", 0, "Re-query a window that hits --limit as this many parts (0 disables, min 2)")
}

func newFetchCmd(a *app) *cobra.Command {
	args := &fetchArgs{opts: config.DefaultOptions()}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch matching log lines for START_DATE and NUM_OF_DAYS into a local file.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			args.target.AccessKey = firstNonEmpty(args.target.AccessKey, envOr(a, "AZURE_STORAGE_KEY"))
			return a.runFetch(cmd.Context(), args)
		},
	}
	fs := cmd.Flags()
	bindRangeFlags(fs, args)
	fs.StringVar(&args.opts.OutputDir, "output-dir", args.opts.OutputDir, "Directory the output file is written to")
	fs.DurationVar(&args.opts.PollInterval, "poll-interval", args.opts.PollInterval, "Wait between query status checks")
	fs.DurationVar(&args.opts.QueryTimeout, "query-timeout", 0, "Give up on a single query after this long (0 waits forever)")
	fs.StringVar(&args.opts.Query.LogGroup, "log-group", args.opts.Query.LogGroup, "CloudWatch log group to query")
	fs.StringVar(&args.opts.Query.Filter, "query", args.opts.Query.Filter, "Logs Insights query string")
	fs.StringVar(&args.queryFile, "query-file", "", "Read the Logs Insights query string from this file")
	fs.Int32Var(&args.opts.Query.Limit, "limit", args.opts.Query.Limit, "Maximum rows returned per query (1-10000)")
	fs.StringVar(&args.opts.Query.MessageField, "message-field", args.opts.Query.MessageField, "Result field written as the output line")
	fs.StringVar(&args.opts.Compression, "compress", "", "Also write a compressed copy of the output (gzip, zstd, lz4)")
	fs.StringVar(&args.opts.LedgerPath, "ledger", "", "Path to a SQLite ledger recording runs and windows (optional)")
	fs.BoolVar(&args.opts.DryRun, "dry-run", false, "Log the windows that would be queried without calling the service")
	fs.StringVar(&args.region, "region", "", "AWS region (defaults to the AWS config chain)")
	fs.StringVar(&args.profile, "profile", "", "AWS shared config profile")
	fs.StringVar(&args.target.Container, "upload-container", "", "Upload the output to this Azure Blob container after the fetch")
	fs.StringVar(&args.target.Account, "storage-account-name", "", "Azure Storage account name for --upload-container")
	fs.StringVar(&args.target.AccessKey, "access-key", "", "Azure Storage access key (defaults to AZURE_STORAGE_KEY)")
	fs.StringVar(&args.target.Prefix, "blob-prefix", "", "Prefix for uploaded blob names")
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	args := &fetchArgs{opts: config.DefaultOptions()}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the windows a fetch would query, one per line.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPlan(args)
		},
	}
	bindRangeFlags(cmd.Flags(), args)
	return cmd
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// loadEnv resolves the run's range, reading the env file first when given.
func (a *app) loadEnv(envFile string) (config.Env, error) {
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return config.Env{}, err
		}
	}
	return config.FromEnv(a.lookup)
}

func (a *app) runPlan(args *fetchArgs) error {
	env, err := a.loadEnv(args.envFile)
	if err != nil {
		return err
	}
	if err := args.opts.Validate(); err != nil {
		return err
	}
	r := env.Range()
	ws := window.Plan(r, args.opts.Window)
	for _, w := range ws {
		fmt.Fprintf(a.stdout, "%s\t%s\n", w.Start.Format(time.RFC3339), w.Last().Format(time.RFC3339Nano))
	}
	full, remainder := window.Count(window.Day, args.opts.Window)
	a.logger.Info("Plan ready",
		"output_file", output.FileName(r),
		"windows", len(ws),
		"full_windows_per_day", full,
		"remainder_per_day", remainder,
	)
	return nil
}

func (a *app) runFetch(ctx context.Context, args *fetchArgs) error {
	env, err := a.loadEnv(args.envFile)
	if err != nil {
		return err
	}
	if args.queryFile != "" {
		q, err := os.ReadFile(args.queryFile)
		if err != nil {
			return fmt.Errorf("read query file: %w", err)
		}
		args.opts.Query.Filter = string(q)
	}
	opts := args.opts
	if err := opts.Validate(); err != nil {
		return err
	}
	r := env.Range()
	out := output.New(opts.OutputDir, r)
	cfg := fetcher.Config{
		Window:      opts.Window,
		SplitFactor: opts.SplitFactor,
		Limit:       opts.Query.Limit,
		DryRun:      opts.DryRun,
	}

	if opts.DryRun {
		_, err := fetcher.New(nil, out, cfg, fetcher.WithLogger(a.logger)).Run(ctx, r)
		return err
	}

	client, err := a.newLogsClient(ctx, args.region, args.profile)
	if err != nil {
		return err
	}
	runner := logsquery.NewRunner(client, opts.Query,
		logsquery.WithPollInterval(opts.PollInterval),
		logsquery.WithTimeout(opts.QueryTimeout),
		logsquery.WithLogger(a.logger),
	)

	if err := out.Reset(); err != nil {
		return err
	}

	fopts := []fetcher.Option{fetcher.WithLogger(a.logger)}
	var (
		led *ledger.Ledger
		run ledger.Run
	)
	if opts.LedgerPath != "" {
		led, err = ledger.Open(opts.LedgerPath)
		if err != nil {
			return err
		}
		defer led.Close()
		run, err = led.StartRun(ctx, ledger.Run{
			Range:      r,
			LogGroup:   opts.Query.LogGroup,
			Query:      opts.Query.Filter,
			OutputFile: out.Path,
		})
		if err != nil {
			return err
		}
		a.logger.Info("Recording run in ledger", "path", opts.LedgerPath, "run_id", run.ID)
		fopts = append(fopts, fetcher.WithRecorder(led, run.ID))
	}

	st, runErr := fetcher.New(runner, out, cfg, fopts...).Run(ctx, r)
	if led != nil {
		status := ledger.StatusComplete
		if runErr != nil {
			status = ledger.StatusFailed
		}
		// The run context may already be cancelled; the final stamp still needs writing.
		if err := led.FinishRun(context.WithoutCancel(ctx), run.ID, status, st.Records); err != nil {
			a.logger.Error("Failed to finish ledger run", "run_id", run.ID, "error", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	a.logger.Info("Output written", "path", out.Path, "records", st.Records)

	artifact := out.Path
	if opts.Compression != "" {
		artifact, err = out.Compress(opts.Compression)
		if err != nil {
			return err
		}
		a.logger.Info("Compressed output written", "path", artifact, "compression", opts.Compression)
	}

	if args.target.Container != "" {
		up, err := a.newUploader(args.target, a.logger)
		if err != nil {
			return err
		}
		if _, err := up.UploadFile(ctx, artifact); err != nil {
			return err
		}
	}
	return nil
}
