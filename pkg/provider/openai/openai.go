package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"groundwave/pkg/config"
	providertypes "groundwave/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const providerName = "openai"

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	client         osdk.Client
	model          string
	maxTokens      int64
	temperature    float64
	requestTimeout time.Duration
}

func New(cfg *config.Config, extra ...option.RequestOption) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	baseURL := strings.TrimSpace(providerCfg.BaseURL)
	if apiKey == "" && baseURL == "" {
		return nil, errors.New("providers.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}
	if apiKey == "" {
		// Local OpenAI-compatible servers accept any key.
		apiKey = "local"
	}

	model, err := normalizeModel(cfg.Assistant.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}
	opts = append(opts, extra...)

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		maxTokens:      int64(cfg.Assistant.MaxTokens),
		temperature:    cfg.Assistant.Temperature,
		requestTimeout: requestTimeout,
	}, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

func (c *Client) Complete(ctx context.Context, prompt providertypes.Prompt) (providertypes.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "complete")
	startedAt := time.Now()

	if len(prompt.Messages) == 0 {
		return providertypes.Result{}, errors.New("prompt has no messages")
	}

	params := osdk.ChatCompletionNewParams{
		Model:    c.model,
		Messages: buildMessages(prompt),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = osdk.Int(c.maxTokens)
	}
	if c.temperature > 0 {
		params.Temperature = osdk.Float(c.temperature)
	}

	log.Debug("provider request started", "model", c.model, "messages", len(params.Messages), "prompt_chars", prompt.Size())

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Result{}, providertypes.Wrap(providerName, err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return providertypes.Result{}, providertypes.Wrap(providerName, errors.New("completion returned no text"))
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	usage := providertypes.TokenUsage{
		InputTokens:     resp.Usage.PromptTokens,
		OutputTokens:    resp.Usage.CompletionTokens,
		TotalTokens:     resp.Usage.TotalTokens,
		ReasoningTokens: resp.Usage.CompletionTokensDetails.ReasoningTokens,
		CacheReadTokens: resp.Usage.PromptTokensDetails.CachedTokens,
	}
	metadata := providertypes.Metadata{Provider: providerName, Model: c.model}
	if !usage.IsZero() {
		metadata.Usage = &usage
	}

	return providertypes.Result{Text: text, Metadata: metadata}, nil
}

func buildMessages(prompt providertypes.Prompt) []osdk.ChatCompletionMessageParamUnion {
	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(prompt.Messages)+1)
	if system := strings.TrimSpace(prompt.System); system != "" {
		messages = append(messages, osdk.SystemMessage(system))
	}
	for _, m := range prompt.Messages {
		switch m.Role {
		case providertypes.RoleAssistant:
			messages = append(messages, osdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, osdk.UserMessage(m.Content))
		}
	}
	return messages
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
