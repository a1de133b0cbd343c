package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxCouncilSize is the largest council that can be labelled with single
// uppercase letters in the ranking prompt.
const MaxCouncilSize = 26

// ErrInvalidSettings is returned when a council configuration cannot be used.
var ErrInvalidSettings = errors.New("invalid council settings")

// Config is the process configuration. It is read once at startup; per-run
// model selection comes from the settings store (see RunSettings).
type Config struct {
	// OpenRouterAPIKey is the fallback API key when none is stored in settings
	OpenRouterAPIKey string `yaml:"-"`

	// OpenRouterBaseURL is the OpenAI-compatible API root
	OpenRouterBaseURL string `yaml:"base_url"`

	// CouncilModels is the default list of models queried in parallel
	CouncilModels []string `yaml:"council_models"`

	// ChairmanModel is the default model used for final synthesis
	ChairmanModel string `yaml:"chairman_model"`

	// TitleModel is a fast model used for conversation titles
	TitleModel string `yaml:"title_model"`

	DataDir string `yaml:"data_dir"`
	Addr    string `yaml:"addr"`

	ModelQueryTimeout time.Duration `yaml:"model_query_timeout"`
	TitleGenTimeout   time.Duration `yaml:"title_timeout"`

	// StreamBufferSize bounds the event queue between a run and its listener
	StreamBufferSize int `yaml:"stream_buffer_size"`

	// CancelOnDisconnect aborts a streaming run when its client goes away.
	// By default runs continue to completion and are persisted.
	CancelOnDisconnect bool `yaml:"cancel_on_disconnect"`

	// CORSAllowedOrigins restricts browser origins; empty allows localhost only
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// MaxRequestBodySize limits request bodies (attachments are inline data URLs)
	MaxRequestBodySize int64 `yaml:"max_request_body_size"`

	// ModelCatalogTTL is how long the backend model list is cached
	ModelCatalogTTL time.Duration `yaml:"model_catalog_ttl"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		OpenRouterBaseURL: "https://openrouter.ai/api/v1",
		CouncilModels: []string{
			"openai/gpt-5.1",
			"google/gemini-3-pro-preview",
			"anthropic/claude-sonnet-4.5",
			"x-ai/grok-4",
		},
		ChairmanModel:      "google/gemini-3-pro-preview",
		TitleModel:         "google/gemini-2.5-flash",
		DataDir:            "data",
		Addr:               ":8001",
		ModelQueryTimeout:  120 * time.Second,
		TitleGenTimeout:    30 * time.Second,
		StreamBufferSize:   100,
		MaxRequestBodySize: 10 << 20,
		ModelCatalogTTL:    10 * time.Minute,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// ConversationsDir is where conversation documents are stored.
func (c *Config) ConversationsDir() string {
	return filepath.Join(c.DataDir, "conversations")
}

// SettingsPath is the settings document location.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.json")
}

// LoadConfig loads configuration from .env, an optional YAML file and the
// environment, in that order of increasing precedence.
func LoadConfig(path string) (*Config, error) {
	loadDotEnv()

	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("COUNCIL_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := ValidateCouncil(cfg.CouncilModels, cfg.ChairmanModel); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv() {
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err != nil {
			continue
		}
		if err := godotenv.Load(absPath); err == nil {
			slog.Debug("Loaded .env", "path", absPath)
			return
		}
	}
}

func (c *Config) applyEnv() error {
	c.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")

	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" {
		c.OpenRouterBaseURL = v
	}
	if v := os.Getenv("COUNCIL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("COUNCIL_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("COUNCIL_CANCEL_ON_DISCONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COUNCIL_CANCEL_ON_DISCONNECT: %w", err)
		}
		c.CancelOnDisconnect = b
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ValidateCouncil checks that a council can be run and labelled.
func ValidateCouncil(councilModels []string, chairman string) error {
	if len(councilModels) == 0 {
		return fmt.Errorf("%w: at least one council model is required", ErrInvalidSettings)
	}
	if len(councilModels) > MaxCouncilSize {
		return fmt.Errorf("%w: at most %d council models are supported", ErrInvalidSettings, MaxCouncilSize)
	}
	seen := make(map[string]bool, len(councilModels))
	for _, m := range councilModels {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: empty council model name", ErrInvalidSettings)
		}
		if seen[m] {
			return fmt.Errorf("%w: duplicate council model %q", ErrInvalidSettings, m)
		}
		seen[m] = true
	}
	if strings.TrimSpace(chairman) == "" {
		return fmt.Errorf("%w: chairman model is required", ErrInvalidSettings)
	}
	return nil
}

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
