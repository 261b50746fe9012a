package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"groundwave/pkg/config"
	"groundwave/pkg/gateway"
	"groundwave/pkg/link"
	"groundwave/pkg/link/meshcore"
	"groundwave/pkg/link/meshtastic"
	"groundwave/pkg/link/telegram"
	"groundwave/pkg/logger"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the mesh gateway",
	Long:  "Connects every enabled link, dispatches commands and chat, and serves health, status and metrics endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(runCtx, cfg, adapters, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Starting gateway",
			"links", enabledLinkNames(adapters),
			"assistant", cfg.Assistant.Enabled,
			"provider", cfg.Assistant.Provider,
			"model", cfg.Assistant.Model,
			"status_port", cfg.Gateway.Port,
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]link.Adapter, error) {
	adapters := make([]link.Adapter, 0, 3)

	if cfg.Links.Meshtastic.Enabled {
		adapter, err := meshtastic.NewAdapter(cfg.Links.Meshtastic, log)
		if err != nil {
			return nil, fmt.Errorf("configure meshtastic link: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Links.MeshCore.Enabled {
		adapter, err := meshcore.NewAdapter(cfg.Links.MeshCore, log)
		if err != nil {
			return nil, fmt.Errorf("configure meshcore link: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Links.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Links.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram link: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no links are enabled")
	}

	return adapters, nil
}

func enabledLinkNames(adapters []link.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
