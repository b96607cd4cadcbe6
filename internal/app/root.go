package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"impactos/internal/config"
	"impactos/internal/logging"
)

// shutdownGrace bounds how long schedule/watch wait for a running batch after
// a termination signal.
const shutdownGrace = 5 * time.Minute

type rootOptions struct {
	configPath string
	logLevel   string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "impactos",
		Short:         "Load drought-impact survey spreadsheets into the monitoring warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, runBatch)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(exitUsage, err)
	})

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Env files loaded before reading IMPACTOS_* variables")

	cmd.AddCommand(newRunCmd(&opts))
	cmd.AddCommand(newRefreshLookupsCmd(&opts))
	cmd.AddCommand(newScheduleCmd(&opts))
	cmd.AddCommand(newWatchCmd(&opts))
	cmd.AddCommand(newHistoryCmd(&opts))
	return cmd
}

// Execute runs the CLI and exits the process with the mapped exit code.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}

// ── Commands ───────────────────────────────────────────────

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one batch over the input directory (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *opts, runBatch)
		},
	}
}

func newRefreshLookupsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-lookups",
		Short: "Rewrite the lookup side files from the reference database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *opts, func(ctx context.Context, a *App, _ io.Writer) error {
				return a.RefreshLookups(ctx)
			})
		},
	}
}

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	var expr string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run a batch on every tick of a cron expression",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if expr == "" {
				return withCode(exitUsage, fmt.Errorf("--cron is required"))
			}
			return withApp(cmd, *opts, func(ctx context.Context, a *App, _ io.Writer) error {
				if err := a.Schedule(ctx, expr); err != nil {
					return withCode(exitUsage, err)
				}
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&expr, "cron", "", `Cron expression, e.g. "0 3 * * *" or "@every 1h" (required)`)
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run a batch whenever input files land in the input directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *opts, func(ctx context.Context, a *App, _ io.Writer) error {
				if err := a.Watch(ctx); err != nil {
					return err
				}
				return serve(ctx, a)
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent runs as JSON lines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return withCode(exitUsage, fmt.Errorf("--limit must be positive"))
			}
			return withApp(cmd, *opts, func(_ context.Context, a *App, out io.Writer) error {
				logs, err := a.History(limit)
				if err != nil {
					return err
				}
				for _, l := range logs {
					if err := writeJSONLine(out, l); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}

// ── Helpers ────────────────────────────────────────────────

func runBatch(ctx context.Context, a *App, out io.Writer) error {
	res, err := a.RunOnce(ctx)
	if err != nil {
		return err
	}
	return writeJSONLine(out, res)
}

// withApp loads configuration, builds the App and runs fn with it.
func withApp(cmd *cobra.Command, opts rootOptions, fn func(context.Context, *App, io.Writer) error) error {
	cfg, log, err := setup(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("close run history")
		}
	}()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a, cmd.OutOrStdout())
}

func setup(opts rootOptions, logOut io.Writer) (*config.Config, *logrus.Logger, error) {
	if _, err := config.LoadEnv(opts.envFiles); err != nil {
		return nil, nil, withCode(exitConfig, fmt.Errorf("load env files: %w", err))
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, withCode(exitConfig, err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return nil, nil, withCode(exitUsage, err)
	}
	return cfg, log, nil
}

// serve blocks until SIGINT/SIGTERM or ctx ends, then waits for the running
// batch to finish.
func serve(ctx context.Context, a *App) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	a.log.Info("shutting down")
	a.etl.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.WaitRunning(waitCtx)
	return nil
}

func writeJSONLine(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	return nil
}
