package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reverseproxy/internal/device"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "deviced",
		Short: "Run the device agent that tunnels recordings through the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			})))

			cfg, err := device.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			a, err := device.New(cfg)
			if err != nil {
				return fmt.Errorf("creating agent: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			slog.Info("device agent starting")
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("agent exited: %w", err)
			}
			slog.Info("device agent stopped")
			return nil
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to device agent configuration file")

	if err := root.Execute(); err != nil {
		slog.Error("device agent exited with error", "err", err)
		os.Exit(1)
	}
}
