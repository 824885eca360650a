package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/loom/internal/tracing"
)

// Config is the full server configuration, loaded from a JSON5 file
// with environment overrides on top.
type Config struct {
	Server  ServerConfig   `json:"server"`
	Data    DataConfig     `json:"data"`
	Models  ModelsConfig   `json:"models"`
	Gemini  GeminiConfig   `json:"gemini"`
	Image   ImageConfig    `json:"image"`
	Agent   AgentConfig    `json:"agent"`
	Janitor JanitorConfig  `json:"janitor"`
	Tracing tracing.Config `json:"tracing"`
	Log     LogConfig      `json:"log"`
}

type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins"`
	Tailscale      struct {
		Enabled  bool   `json:"enabled"`
		Hostname string `json:"hostname"`
	} `json:"tailscale"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DataConfig roots all persistent state under one directory: the
// session database, the blob store and the per-session sandboxes.
type DataConfig struct {
	Dir string `json:"dir"`
}

func (d DataConfig) DBPath() string      { return filepath.Join(d.Dir, "loom.db") }
func (d DataConfig) BlobDir() string     { return filepath.Join(d.Dir, "blobs") }
func (d DataConfig) SessionsDir() string { return filepath.Join(d.Dir, "sessions") }

type ModelsConfig struct {
	Default   string   `json:"default"`
	Available []string `json:"available"`
}

// GeminiConfig carries the OAuth client used to refresh Gemini account
// tokens. The per-account refresh tokens live in the accounts table.
type GeminiConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type ImageConfig struct {
	APIBase string `json:"apiBase"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
}

type AgentConfig struct {
	SystemPrompt      string `json:"systemPrompt"`
	MaxToolIterations int    `json:"maxToolIterations"`
	HistoryLimit      int    `json:"historyLimit"`
}

type JanitorConfig struct {
	Schedule       string `json:"schedule"`       // gronx cron expression
	TempSessionTTL string `json:"tempSessionTtl"` // Go duration string
}

type LogConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// Default returns a Config with working defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Data: DataConfig{Dir: filepath.Join(home, ".loom")},
		Models: ModelsConfig{
			Default:   "gemini-2.5-pro",
			Available: []string{"gemini-2.5-pro", "gemini-2.5-flash", "gpt-4.1", "gpt-4.1-mini"},
		},
		Image: ImageConfig{Model: "gpt-image-1"},
		Agent: AgentConfig{
			MaxToolIterations: 24,
			HistoryLimit:      200,
		},
		Janitor: JanitorConfig{
			Schedule:       "0 * * * *",
			TempSessionTTL: "24h",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("LOOM_DATA_DIR", &c.Data.Dir)
	envStr("LOOM_HOST", &c.Server.Host)
	if v := os.Getenv("LOOM_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	envStr("LOOM_DEFAULT_MODEL", &c.Models.Default)
	envStr("LOOM_GEMINI_CLIENT_ID", &c.Gemini.ClientID)
	envStr("LOOM_GEMINI_CLIENT_SECRET", &c.Gemini.ClientSecret)
	envStr("LOOM_IMAGE_API_KEY", &c.Image.APIKey)
	envStr("LOOM_IMAGE_API_BASE", &c.Image.APIBase)
	envStr("LOOM_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	envStr("LOOM_LOG_LEVEL", &c.Log.Level)
}
