package provider

import (
	"context"
	"fmt"
	"log/slog"

	"groundwave/pkg/config"
	providerfantasy "groundwave/pkg/provider/fantasy"
	provideropenai "groundwave/pkg/provider/openai"
	providertypes "groundwave/pkg/provider/types"
)

// Completer is an OpenAI-compatible chat completion service.
type Completer interface {
	Name() string
	Health(ctx context.Context) error
	Complete(ctx context.Context, prompt providertypes.Prompt) (providertypes.Result, error)
}

func New(cfg *config.Config) (Completer, error) {
	providerID := cfg.Assistant.Provider
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "openai":
		return provideropenai.New(cfg)
	case "fantasy":
		return providerfantasy.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
