package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/reverseproxy/internal/proxyhub"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "proxyd",
		Short: "Run the device tunnel video proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			})))

			cfg, err := proxyhub.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			server := proxyhub.NewServer(cfg)
			slog.Info("proxy starting")
			return server.Run()
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to proxy configuration file")

	if err := root.Execute(); err != nil {
		slog.Error("proxy exited with error", "err", err)
		os.Exit(1)
	}
}
