package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ListingWatcher/internal/app"
	"ListingWatcher/internal/config"
	"ListingWatcher/internal/logging"
	"ListingWatcher/internal/usecase"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "listingwatcher",
		Short:         "Tracks real-estate searches and notifies price changes on Telegram",
		SilenceUsage:  true,
			}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config file (overrides LISTING_WATCHER_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		serveCommand(opts),
		etlCommand(opts),
		notifyCommand(opts),
		addSearchCommand(opts),
		migrateCommand(opts),
	)
	return root
}

// withApp loads configuration, builds the application and closes it after fn.
func withApp(ctx context.Context, opts *rootOptions, fn func(*app.Application, *slog.Logger) error) error {
	if opts.configPath != "" {
		if err := os.Setenv("LISTING_WATCHER_CONFIG", opts.configPath); err != nil {
			return fmt.Errorf("set config path: %w", err)
		}
	}
	cfg := config.Load()
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	logger := logging.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("cannot start", "error", err)
		return err
	}
	defer application.Close()

	return fn(application, logger)
}

func serveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cron schedule and the admin HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, logger *slog.Logger) error {
				if err := a.Serve(cmd.Context()); err != nil {
					logger.Error("application stopped", "error", err)
					return err
				}
				logger.Info("application stopped")
				return nil
			})
		},
	}
}

func etlCommand(opts *rootOptions) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "etl",
		Short: "Refresh due searches once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, _ *slog.Logger) error {
				var override *time.Duration
				if cmd.Flags().Changed("refresh") {
					override = &refresh
				}
				report, err := a.RunETL(cmd.Context(), override)
				return printReport(cmd, report, err)
			})
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 0, "refresh searches not updated within this interval; 0s refreshes all")
	return cmd
}

func notifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Deliver pending notifications once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, _ *slog.Logger) error {
				report, err := a.RunNotify(cmd.Context())
				return printReport(cmd, report, err)
			})
		},
	}
}

func addSearchCommand(opts *rootOptions) *cobra.Command {
	var chatID int64
	var username, url string
	cmd := &cobra.Command{
		Use:   "add-search",
		Short: "Register a search URL for a Telegram chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, _ *slog.Logger) error {
				result, err := a.CreateSearch(cmd.Context(), usecase.UserRef{ChatID: chatID, Username: username}, url)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "search %d created for %s (%d results, %d seeded)\n",
					result.Search.ID, result.Search.Provider, result.TotalResults, result.Seeded)
				if result.Warning != "" {
					fmt.Fprintln(out, result.Warning)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "Telegram chat id of the owner")
	cmd.Flags().StringVar(&username, "username", "", "Telegram username of the owner")
	cmd.Flags().StringVar(&url, "url", "", "search results URL on a supported site")
	_ = cmd.MarkFlagRequired("chat-id")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func migrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, _ *slog.Logger) error {
				return a.Migrate()
			})
		},
	}
}

// printReport writes the run report as JSON; partial failures do not fail the command.
func printReport(cmd *cobra.Command, report usecase.Report, err error) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		return fmt.Errorf("write report: %w", encErr)
	}
	if usecase.RunFailed(err) {
		return err
	}
	return nil
}
