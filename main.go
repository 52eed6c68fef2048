package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"matomo-requests-tool/internal/config"
)

// parseLevel maps a --log-level value onto a slog level.
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. Use debug, info, warn, or error", s)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var logFile *os.File

	rootCmd := &cobra.Command{
		Use:           "matomo-requests",
		Short:         "Export Matomo tracking requests from CloudWatch Logs over a date range.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			leveler, err := parseLevel(logLevel)
			if err != nil {
				return err
			}
			var w io.Writer = a.stderr
			if path, _ := cmd.Flags().GetString("log-file"); path != "" {
				logFile, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				w = io.MultiWriter(a.stderr, logFile)
			}
			a.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: leveler}))
			slog.SetDefault(a.logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logFile != nil {
				logFile.Close()
			}
		},
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Set the logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "Also append log output to this file")

	rootCmd.AddCommand(newFetchCmd(a), newPlanCmd(a), newUploadCmd(a))
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newApp()).ExecuteContext(ctx)
	stop()
	if err != nil {
		var missing *config.MissingError
		var format *config.FormatError
		if errors.As(err, &missing) || errors.As(err, &format) {
			fmt.Fprintln(os.Stderr, err)
		}
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}
