package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/observability"
	"github.com/danmuck/handshake/internal/service"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "handshakectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "handshakectl",
		Short:         "Run a session store with a loopback handshake workload",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logs.ConfigureRuntime()
			observability.InitLogger("handshakectl", nil)

			cfg := service.DefaultServiceConfig()
			if configPath != "" {
				var err error
				if cfg, err = loadServiceConfig(configPath); err != nil {
					return err
				}
			}
			svc, err := service.NewService(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "service config file (toml)")
	cmd.SetContext(context.Background())
	return cmd
}
