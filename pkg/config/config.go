package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath        = "GROUNDWAVE_CONFIG"
	envDBPath            = "GROUNDWAVE_DB_PATH"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envRedisURL          = "REDIS_URL"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Links     LinksConfig     `json:"links" yaml:"links"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	Transmit  TransmitConfig  `json:"transmit" yaml:"transmit"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Assistant AssistantConfig `json:"assistant" yaml:"assistant"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
	Weather   WeatherConfig   `json:"weather" yaml:"weather"`
	BBS       BBSConfig       `json:"bbs" yaml:"bbs"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Community CommunityConfig `json:"community" yaml:"community"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// LinksConfig lists the radio and off-mesh links the gateway drives.
type LinksConfig struct {
	Meshtastic MeshtasticConfig `json:"meshtastic" yaml:"meshtastic"`
	MeshCore   MeshCoreConfig   `json:"meshcore" yaml:"meshcore"`
	Telegram   TelegramConfig   `json:"telegram" yaml:"telegram"`
}

// MeshtasticConfig configures the WebSocket packet bridge link.
type MeshtasticConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	URL            string `json:"url" yaml:"url"`
	MaxPayload     int    `json:"max_payload" yaml:"max_payload"`
	WantAck        bool   `json:"want_ack" yaml:"want_ack"`
	AckTimeoutSecs int    `json:"ack_timeout_seconds" yaml:"ack_timeout_seconds"`
}

// MeshCoreConfig configures the framed TCP companion link.
type MeshCoreConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	MaxPayload     int    `json:"max_payload" yaml:"max_payload"`
	AckTimeoutSecs int    `json:"ack_timeout_seconds" yaml:"ack_timeout_seconds"`
}

// TelegramConfig configures Telegram as an off-mesh link.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allow_from" yaml:"allow_from"`
}

// DispatchConfig tunes inbound decoding and command dispatch.
type DispatchConfig struct {
	CommandPrefix            string `json:"command_prefix" yaml:"command_prefix"`
	ReplyPrefix              string `json:"reply_prefix" yaml:"reply_prefix"`
	ReassemblyTimeoutSeconds int    `json:"reassembly_timeout_seconds" yaml:"reassembly_timeout_seconds"`
}

// TransmitConfig tunes chunk pacing, retries and queue bounds per link.
type TransmitConfig struct {
	ChunkDelayMillis   int `json:"chunk_delay_ms" yaml:"chunk_delay_ms"`
	MaxAttempts        int `json:"max_attempts" yaml:"max_attempts"`
	RetryBackoffMillis int `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	QueueDepth         int `json:"queue_depth" yaml:"queue_depth"`
	FlushTimeoutSecs   int `json:"flush_timeout_seconds" yaml:"flush_timeout_seconds"`
}

// SessionConfig bounds per-node conversation history.
type SessionConfig struct {
	MaxTurns           int `json:"max_turns" yaml:"max_turns"`
	MaxBytes           int `json:"max_bytes" yaml:"max_bytes"`
	MaxAgeMinutes      int `json:"max_age_minutes" yaml:"max_age_minutes"`
	IdleTimeoutMinutes int `json:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`
}

// AssistantConfig configures the AI query orchestrator.
type AssistantConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	Provider        string  `json:"provider" yaml:"provider"`
	Model           string  `json:"model" yaml:"model"`
	SystemPrompt    string  `json:"system_prompt" yaml:"system_prompt"`
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature     float64 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds  int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxContextChars int     `json:"max_context_chars" yaml:"max_context_chars"`
	MaxReplyChars   int     `json:"max_reply_chars" yaml:"max_reply_chars"`
	LiveContext     bool    `json:"live_context" yaml:"live_context"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI OpenAIProviderConfig `json:"openai" yaml:"openai"`
}

// OpenAIProviderConfig configures an OpenAI-compatible endpoint (OpenAI, llama.cpp, Ollama).
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url"`
	APIKeyEnv             string `json:"api_key_env" yaml:"api_key_env"`
	Organization          string `json:"organization" yaml:"organization"`
	Project               string `json:"project" yaml:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// KnowledgeConfig configures the optional offline knowledge lookup.
type KnowledgeConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	BaseURL    string `json:"base_url" yaml:"base_url"`
	Book       string `json:"book" yaml:"book"`
	MaxChars   int    `json:"max_chars" yaml:"max_chars"`
	TimeoutSec int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// WeatherConfig configures the Open-Meteo weather client.
type WeatherConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	BaseURL      string  `json:"base_url" yaml:"base_url"`
	Latitude     float64 `json:"latitude" yaml:"latitude"`
	Longitude    float64 `json:"longitude" yaml:"longitude"`
	Location     string  `json:"location" yaml:"location"`
	Units        string  `json:"units" yaml:"units"`
	CacheMinutes int     `json:"cache_minutes" yaml:"cache_minutes"`
}

// BBSConfig configures bulletin board boards and retention.
type BBSConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Boards       []string `json:"boards" yaml:"boards"`
	ExpiryDays   int      `json:"expiry_days" yaml:"expiry_days"`
	ListLimit    int      `json:"list_limit" yaml:"list_limit"`
	MaxPostBytes int      `json:"max_post_bytes" yaml:"max_post_bytes"`
}

// RegistryConfig tunes node staleness.
type RegistryConfig struct {
	StaleAfterMinutes int `json:"stale_after_minutes" yaml:"stale_after_minutes"`
	EvictAfterHours   int `json:"evict_after_hours" yaml:"evict_after_hours"`
}

// StoreConfig points at the SQLite database.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// RateLimitConfig limits inbound messages per node.
type RateLimitConfig struct {
	PerMinute int    `json:"per_minute" yaml:"per_minute"`
	RedisURL  string `json:"redis_url" yaml:"redis_url"`
}

// CommunityConfig is shown by !info and fed to the assistant persona.
type CommunityConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Contact     string `json:"contact" yaml:"contact"`
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LoadConfig resolves the config file, unmarshals it, and applies .env and environment overrides.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile parses one config file. YAML is used for .yaml/.yml, JSON otherwise.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no links enabled.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Links.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Links.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if path := strings.TrimSpace(os.Getenv(envDBPath)); path != "" {
		cfg.Store.Path = path
	}

	if redisURL := strings.TrimSpace(os.Getenv(envRedisURL)); redisURL != "" {
		cfg.RateLimit.RedisURL = redisURL
	}
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	setString(&c.Links.Meshtastic.URL, "ws://127.0.0.1:4404/ws")
	setInt(&c.Links.Meshtastic.MaxPayload, 200)
	setInt(&c.Links.Meshtastic.AckTimeoutSecs, 30)
	setString(&c.Links.MeshCore.Address, "127.0.0.1:5000")
	setInt(&c.Links.MeshCore.MaxPayload, 140)
	setInt(&c.Links.MeshCore.AckTimeoutSecs, 30)

	setString(&c.Dispatch.CommandPrefix, "!")
	setInt(&c.Dispatch.ReassemblyTimeoutSeconds, 30)

	setInt(&c.Transmit.ChunkDelayMillis, 15000)
	setInt(&c.Transmit.MaxAttempts, 3)
	setInt(&c.Transmit.RetryBackoffMillis, 5000)
	setInt(&c.Transmit.QueueDepth, 32)
	setInt(&c.Transmit.FlushTimeoutSecs, 10)

	setInt(&c.Session.MaxTurns, 20)
	setInt(&c.Session.MaxBytes, 2000)
	setInt(&c.Session.MaxAgeMinutes, 60)
	setInt(&c.Session.IdleTimeoutMinutes, 30)

	setString(&c.Assistant.Provider, "openai")
	setString(&c.Assistant.Model, "gpt-4o-mini")
	setInt(&c.Assistant.MaxTokens, 150)
	if c.Assistant.Temperature == 0 {
		c.Assistant.Temperature = 0.7
	}
	setInt(&c.Assistant.TimeoutSeconds, 60)
	setInt(&c.Assistant.MaxContextChars, 3000)
	setInt(&c.Assistant.MaxReplyChars, 600)

	setString(&c.Providers.OpenAI.APIKeyEnv, "OPENAI_API_KEY")
	setInt(&c.Providers.OpenAI.RequestTimeoutSeconds, 60)

	setString(&c.Knowledge.BaseURL, "http://127.0.0.1:8080")
	setInt(&c.Knowledge.MaxChars, 600)
	setInt(&c.Knowledge.TimeoutSec, 5)

	setString(&c.Weather.BaseURL, "https://api.open-meteo.com")
	setString(&c.Weather.Units, "imperial")
	setInt(&c.Weather.CacheMinutes, 15)

	if len(c.BBS.Boards) == 0 {
		c.BBS.Boards = []string{"General", "Mail"}
	}
	if !slices.Contains(c.BBS.Boards, "Mail") {
		c.BBS.Boards = append(c.BBS.Boards, "Mail")
	}
	setInt(&c.BBS.ExpiryDays, 30)
	setInt(&c.BBS.ListLimit, 5)
	setInt(&c.BBS.MaxPostBytes, 200)

	setInt(&c.Registry.StaleAfterMinutes, 120)
	setInt(&c.Registry.EvictAfterHours, 72)

	setString(&c.Store.Path, "groundwave.db")
	setInt(&c.RateLimit.PerMinute, 10)

	setString(&c.Community.Name, "Groundwave Mesh")
	setString(&c.Gateway.Host, "127.0.0.1")
	setInt(&c.Gateway.Port, 18790)
}

// Validate rejects settings that would break pipeline invariants.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Dispatch.CommandPrefix) == "" {
		return errors.New("dispatch.command_prefix must not be empty")
	}
	if c.Links.Meshtastic.MaxPayload < 4 || c.Links.MeshCore.MaxPayload < 4 {
		return errors.New("links max_payload must be at least 4 bytes")
	}
	if c.Transmit.MaxAttempts < 1 {
		return errors.New("transmit.max_attempts must be positive")
	}
	if c.Links.Telegram.Enabled && strings.TrimSpace(c.Links.Telegram.Token) == "" {
		return errors.New("links.telegram.token is required when telegram is enabled")
	}
	switch c.Assistant.Provider {
	case "openai", "fantasy":
	default:
		return fmt.Errorf("unsupported assistant provider %q", c.Assistant.Provider)
	}
	return nil
}

func (c DispatchConfig) ReassemblyTimeout() time.Duration {
	return time.Duration(c.ReassemblyTimeoutSeconds) * time.Second
}

func (c TransmitConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMillis) * time.Millisecond
}

func (c TransmitConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMillis) * time.Millisecond
}

func (c TransmitConfig) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutSecs) * time.Second
}

func (c SessionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}

func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

func (c RegistryConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

func (c RegistryConfig) EvictAfter() time.Duration {
	return time.Duration(c.EvictAfterHours) * time.Hour
}

func setString(target *string, value string) {
	if strings.TrimSpace(*target) == "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if *target <= 0 {
		*target = value
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is GROUNDWAVE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	var candidates []string
	for _, dir := range []string{cwd, filepath.Join(cwd, "config")} {
		for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
