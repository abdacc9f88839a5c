package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/app"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Scrape the configured page one time and print the payload",
		Long: `Runs the same fetch and extraction pipeline as serve, once, and writes the
resulting JSON to stdout. Nothing is cached, persisted or broadcast.`,
		RunE: runOnceCommand,
	}
}

func runOnceCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	pipeline, err := app.BuildExtractor(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start extractor: %w", err)
	}
	defer func() {
		if cerr := pipeline.Close(); cerr != nil {
			rt.logger.Warn("failed to close extractor", zap.Error(cerr))
		}
	}()

	if rt.cfg.Scrape.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.Scrape.Timeout)
		defer cancel()
	}
	payload, err := pipeline.Extract(ctx)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), payload)
	return nil
}
