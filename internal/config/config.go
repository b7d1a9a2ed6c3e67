package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"claude-chat/internal/catalog"
	"claude-chat/internal/params"
)

const (
	defaultPort           = 8501
	defaultSessionTTL     = 2 * time.Hour
	defaultRateLimit      = 2.0
	defaultRateBurst      = 5
	defaultMaxUploadBytes = 10 << 20
	defaultHTTPTimeout    = 5 * time.Minute
	defaultMaxHistory     = 10
	minMaxHistory         = 3
)

// Environment variables that override file configuration.
const (
	EnvPort    = "CLAUDE_CHAT_PORT"
	EnvBaseURL = "ANTHROPIC_BASE_URL"
	EnvDebug   = "DEBUG"
)

// Config represents the application configuration parsed from YAML.
// API keys are deliberately absent: they are entered per session in the browser.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Anthropic AnthropicConfig   `yaml:"anthropic"`
	Chat      ChatConfig        `yaml:"chat"`
	Models    []ModelConfig     `yaml:"models"`
	Aliases   map[string]string `yaml:"aliases"`
	Debug     bool              `yaml:"debug"`
}

// ServerConfig defines listener and session limits.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	RateLimit      *float64      `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// AnthropicConfig describes the upstream Messages API.
type AnthropicConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIVersion  string        `yaml:"api_version"`
	Timeout     time.Duration `yaml:"timeout"`
	VerifyModel string        `yaml:"verify_model"`
	Headers     Headers       `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with every API request.
type Headers map[string]string

// ChatConfig seeds the generation settings of new sessions.
type ChatConfig struct {
	MaxHistory   int      `yaml:"max_history"`
	DefaultModel string   `yaml:"default_model"`
	MaxTokens    int      `yaml:"max_tokens"`
	BudgetTokens int      `yaml:"budget_tokens"`
	Temperature  *float64 `yaml:"temperature"`
	SystemPrompt *string  `yaml:"system_prompt"`
	Streaming    *bool    `yaml:"streaming"`
}

// ModelConfig adds a model to the builtin catalog.
type ModelConfig struct {
	ID               string `yaml:"id"`
	DisplayName      string `yaml:"display_name"`
	Description      string `yaml:"description"`
	SupportsThinking bool   `yaml:"supports_thinking"`
	MaxOutputTokens  int    `yaml:"max_output_tokens"`
	ContextWindow    string `yaml:"context_window"`
	InputPrice       string `yaml:"input_price"`
	OutputPrice      string `yaml:"output_price"`
}

// RateLimited reports whether per-session rate limiting is on. An explicit
// rate_limit of 0 turns it off.
func (s ServerConfig) RateLimited() bool {
	return s.RateLimit != nil && *s.RateLimit > 0
}

// Default returns a configuration usable without a file.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads YAML configuration from disk, fills defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.SessionTTL == 0 {
		c.Server.SessionTTL = defaultSessionTTL
	}
	if c.Server.RateLimit == nil {
		limit := defaultRateLimit
		c.Server.RateLimit = &limit
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = defaultRateBurst
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.Anthropic.Timeout == 0 {
		c.Anthropic.Timeout = defaultHTTPTimeout
	}
	if c.Anthropic.VerifyModel == "" {
		c.Anthropic.VerifyModel = catalog.VerifyModel
	}
	if c.Chat.MaxHistory == 0 {
		c.Chat.MaxHistory = defaultMaxHistory
	}
	if c.Chat.DefaultModel == "" {
		c.Chat.DefaultModel = catalog.DefaultModel
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = params.DefaultMaxTokens
	}
	if c.Chat.BudgetTokens == 0 {
		c.Chat.BudgetTokens = params.DefaultBudgetTokens
	}
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v := strings.TrimSpace(getenv(EnvBaseURL)); v != "" {
		c.Anthropic.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvDebug)); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebug, err)
		}
		c.Debug = debug
	}
	return c.Validate()
}

// SessionDefaults returns the generation settings new sessions start with.
func (c Config) SessionDefaults() params.Settings {
	s := params.Defaults(c.Chat.DefaultModel)
	s.MaxTokens = c.Chat.MaxTokens
	s.BudgetTokens = c.Chat.BudgetTokens
	if c.Chat.Temperature != nil {
		s.Temperature = *c.Chat.Temperature
	}
	if c.Chat.SystemPrompt != nil {
		s.SystemPrompt = *c.Chat.SystemPrompt
	}
	if c.Chat.Streaming != nil {
		s.StreamingEnabled = *c.Chat.Streaming
	}
	return s
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.SessionTTL < time.Minute {
		return fmt.Errorf("server.session_ttl must be at least 1m, got %s", c.Server.SessionTTL)
	}
	if (c.Server.RateLimit != nil && *c.Server.RateLimit < 0) || c.Server.RateBurst < 0 {
		return fmt.Errorf("server.rate_limit and server.rate_burst must not be negative")
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("server.max_upload_bytes must not be negative")
	}

	if err := validateAnthropic(c.Anthropic); err != nil {
		return err
	}
	if err := validateChat(c.Chat); err != nil {
		return err
	}

	for _, model := range c.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("models: model id must not be empty")
		}
		if model.MaxOutputTokens < 0 {
			return fmt.Errorf("models: %s max_output_tokens must not be negative", model.ID)
		}
	}

	for alias, target := range c.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("aliases: alias name must not be empty")
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("aliases: alias %q target must not be empty", alias)
		}
	}

	return nil
}

func validateAnthropic(a AnthropicConfig) error {
	if a.BaseURL != "" {
		u, err := url.Parse(a.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("anthropic.base_url %q must be an absolute http(s) URL", a.BaseURL)
		}
	}
	if a.Timeout < 0 {
		return fmt.Errorf("anthropic.timeout must not be negative")
	}
	for headerKey := range a.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("anthropic: header %q is not a valid canonical HTTP header", headerKey)
		}
		if strings.EqualFold(headerKey, "x-api-key") || strings.EqualFold(headerKey, "authorization") {
			return fmt.Errorf("anthropic: header %q must not be configured; keys are entered per session", headerKey)
		}
	}
	return nil
}

func validateChat(c ChatConfig) error {
	if c.MaxHistory < minMaxHistory {
		return fmt.Errorf("chat.max_history must be at least %d, got %d", minMaxHistory, c.MaxHistory)
	}
	if c.MaxTokens < params.MinMaxTokens || c.MaxTokens > params.MaxTokensLimit {
		return fmt.Errorf("chat.max_tokens must be between %d and %d, got %d", params.MinMaxTokens, params.MaxTokensLimit, c.MaxTokens)
	}
	if c.BudgetTokens < params.MinBudgetTokens || c.BudgetTokens > params.MaxBudgetTokens {
		return fmt.Errorf("chat.budget_tokens must be between %d and %d, got %d", params.MinBudgetTokens, params.MaxBudgetTokens, c.BudgetTokens)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 1) {
		return fmt.Errorf("chat.temperature must be between 0 and 1, got %v", *c.Temperature)
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
