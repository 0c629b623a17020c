package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trickstertwo/xgate/config"
)

func newServeCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway until SIGINT or SIGTERM.

Configuration comes from --config (YAML), XGATE_* environment variables
(e.g. XGATE_HTTP_ADDR, XGATE_STORE_DRIVER) and the flags below.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, v, path)
		},
	}

	fs := cmd.Flags()
	fs.String("config", "", "Path to a YAML configuration file")
	fs.String("http-addr", ":8080", "Operator API listen address")
	fs.String("listen-addr", ":37777", "Gateway listener address for device notices")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("store", "memory", "Store driver (memory, redis, postgres)")
	fs.String("blobs", "memory", "Blob store driver (memory, s3)")
	fs.String("gateway", "memory", "Gateway driver")
	if err := config.BindFlags(v, fs); err != nil {
		panic(err)
	}
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper, path string) error {
	cfg, err := config.LoadWith(v, path)
	if err != nil {
		return err
	}
	lg := cfg.Logger(os.Stderr)
	if path != "" {
		lg.Info().Str("config", path).Msg("configuration loaded")
	}

	svc, err := Build(ctx, cfg, lg, nil)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Shutdown(context.Background())
		return fmt.Errorf("start: %w", err)
	}

	<-ctx.Done()
	lg.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Workers.ShutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	return nil
}
