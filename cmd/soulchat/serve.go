package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"soulchat/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.LogLevel, cfg.IsDevelopment(), cmd.ErrOrStderr())

			application, err := app.NewApplication(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := application.Start(ctx); err != nil {
				return err
			}

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info().Msg("shutdown signal received")
			case err, ok := <-application.Errors():
				if ok {
					serveErr = err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := application.Stop(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("shutdown error")
				if serveErr == nil {
					serveErr = err
				}
			}
			return serveErr
		},
	}
}
