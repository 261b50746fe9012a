package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundwave/pkg/config"
	providertypes "groundwave/pkg/provider/types"
)

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Providers.OpenAI.BaseURL = baseURL
	cfg.Assistant.Model = "gpt-4o-mini"
	cfg.Assistant.MaxTokens = 150
	return cfg
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &config.Config{}
	cfg.Assistant.Model = "gpt-4o-mini"
	_, err := New(cfg)
	if err == nil {
		t.Fatal("expected error when API key is missing")
	}
}

func TestNewAllowsKeylessLocalEndpoint(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	client, err := New(testConfig("http://127.0.0.1:1234/v1"))
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestNewUsesConfiguredAPIKeyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("TEST_OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{}
	cfg.Assistant.Model = "gpt-4o-mini"
	cfg.Providers.OpenAI.APIKeyEnv = "TEST_OPENAI_API_KEY"

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if client == nil {
		t.Fatal("expected client")
	}
}

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gpt-4o-mini", want: "gpt-4o-mini"},
		{name: "openai prefix", input: "openai/gpt-4o-mini", want: "gpt-4o-mini"},
		{name: "other provider", input: "anthropic/claude", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeModel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeModel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("normalizeModel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

type chatRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestCompleteSendsChatMessages(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  Clear skies tonight.  "}}],
			"usage":{"prompt_tokens":42,"completion_tokens":5,"total_tokens":47}}`))
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	result, err := client.Complete(context.Background(), providertypes.Prompt{
		System: "You are a mesh radio assistant.",
		Messages: []providertypes.Message{
			{Role: providertypes.RoleUser, Content: "hi"},
			{Role: providertypes.RoleAssistant, Content: "hello"},
			{Role: providertypes.RoleUser, Content: "weather?"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Clear skies tonight.", result.Text)
	require.NotNil(t, result.Metadata.Usage)
	assert.Equal(t, int64(47), result.Metadata.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 150, got.MaxTokens)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "weather?", got.Messages[3].Content)
}

func TestCompleteTimeoutIsClassified(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := New(testConfig(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Complete(ctx, providertypes.Prompt{Messages: []providertypes.Message{{Role: providertypes.RoleUser, Content: "hello"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, providertypes.ErrCompletionTimeout)
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	client, err := New(testConfig("http://127.0.0.1:1"))
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), providertypes.Prompt{System: "x"})
	assert.Error(t, err)
}
