package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, worker and websocket server",
		Long: `Starts the cron trigger, the scrape worker and the HTTP server. The
process scrapes once at startup unless scrape.skip_startup is set, and runs
until it receives SIGINT or SIGTERM.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			rt.logger.Warn("failed to release resources", zap.Error(cerr))
		}
	}()

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
