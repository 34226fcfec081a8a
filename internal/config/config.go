package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	DefaultProvider string                    `yaml:"default_provider" mapstructure:"default_provider"`
	DefaultModel    string                    `yaml:"default_model" mapstructure:"default_model"`
	Providers       map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	MaxRetries      int                       `yaml:"max_retries" mapstructure:"max_retries"`
	Agents          AgentsConfig              `yaml:"agents" mapstructure:"agents"`
	Spawn           SpawnConfig               `yaml:"spawn" mapstructure:"spawn"`
	Pruner          PrunerConfig              `yaml:"pruner" mapstructure:"pruner"`
	Log             LogConfig                 `yaml:"log" mapstructure:"log"`
}

type ProviderConfig struct {
	Type    string `yaml:"type" mapstructure:"type"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	Model   string `yaml:"model" mapstructure:"model"`
}

type AgentsConfig struct {
	// Dir holds user template files. Empty means the default location.
	Dir          string `yaml:"dir" mapstructure:"dir"`
	Main         string `yaml:"main" mapstructure:"main"`
	DefaultSteps int    `yaml:"default_steps" mapstructure:"default_steps"`
	// ProjectContext adds RELAY.md or AGENTS.md from the project root to
	// system prompts.
	ProjectContext bool `yaml:"project_context" mapstructure:"project_context"`
}

type SpawnConfig struct {
	AsyncEnabled bool `yaml:"async_enabled" mapstructure:"async_enabled"`
	// MaxParallel caps concurrent sync children; 0 means unlimited.
	MaxParallel int `yaml:"max_parallel" mapstructure:"max_parallel"`
}

type PrunerConfig struct {
	Enabled                bool `yaml:"enabled" mapstructure:"enabled"`
	MaxContextTokens       int  `yaml:"max_context_tokens" mapstructure:"max_context_tokens"`
	TerminalCommandsToKeep int  `yaml:"terminal_commands_to_keep" mapstructure:"terminal_commands_to_keep"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

const (
	defaultSteps            = 25
	defaultMaxContextTokens = 200000
	defaultTerminalKeep     = 5
	defaultMaxRetries       = 3
)

var envVarRe = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)

func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

func DefaultConfig() *Config {
	return &Config{
		DefaultProvider: "ollama",
		DefaultModel:    "qwen2.5-coder:7b",
		MaxRetries:      defaultMaxRetries,
		Providers: map[string]ProviderConfig{
			"ollama": {Type: "openai", BaseURL: "http://localhost:11434/v1"},
			"vllm":   {Type: "openai", BaseURL: "http://localhost:8000/v1"},
		},
		Agents: AgentsConfig{
			Main:           "base",
			DefaultSteps:   defaultSteps,
			ProjectContext: true,
		},
		Spawn: SpawnConfig{AsyncEnabled: true},
		Pruner: PrunerConfig{
			Enabled:                true,
			MaxContextTokens:       defaultMaxContextTokens,
			TerminalCommandsToKeep: defaultTerminalKeep,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "relay")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "relay")
}

// Load reads config.yaml from the working directory or the user config
// directory, applies RELAY_* environment overrides and validates the result.
// An explicit path, if non-empty, replaces the search.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(configDir())
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	for name, p := range cfg.Providers {
		p.APIKey = expandEnv(p.APIKey)
		p.BaseURL = expandEnv(p.BaseURL)
		cfg.Providers[name] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers every scalar key so AutomaticEnv can override keys
// that the config file does not mention.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("default_provider", cfg.DefaultProvider)
	v.SetDefault("default_model", cfg.DefaultModel)
	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("agents.dir", cfg.Agents.Dir)
	v.SetDefault("agents.main", cfg.Agents.Main)
	v.SetDefault("agents.default_steps", cfg.Agents.DefaultSteps)
	v.SetDefault("agents.project_context", cfg.Agents.ProjectContext)
	v.SetDefault("spawn.async_enabled", cfg.Spawn.AsyncEnabled)
	v.SetDefault("spawn.max_parallel", cfg.Spawn.MaxParallel)
	v.SetDefault("pruner.enabled", cfg.Pruner.Enabled)
	v.SetDefault("pruner.max_context_tokens", cfg.Pruner.MaxContextTokens)
	v.SetDefault("pruner.terminal_commands_to_keep", cfg.Pruner.TerminalCommandsToKeep)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

func (c *Config) ProviderFor(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// TemplatesDir returns the directory user templates are loaded from.
func (c *Config) TemplatesDir() string {
	if c.Agents.Dir != "" {
		return c.Agents.Dir
	}
	return filepath.Join(configDir(), "agents")
}

// Validate checks the configuration for errors. Zero budgets are reset to
// their defaults.
func (c *Config) Validate() error {
	if c.DefaultProvider == "" {
		return fmt.Errorf("config: default_provider is required")
	}
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		return fmt.Errorf("config: default_provider %q not found in providers", c.DefaultProvider)
	}
	for name, p := range c.Providers {
		if p.Type != "openai" {
			return fmt.Errorf("config: provider %q has invalid type %q (must be openai)", name, p.Type)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %q (type openai) requires base_url", name)
		}
	}
	if c.Agents.DefaultSteps < 0 || c.Pruner.MaxContextTokens < 0 ||
		c.Pruner.TerminalCommandsToKeep < 0 || c.Spawn.MaxParallel < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("config: budgets must not be negative")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}

	if c.Agents.Main == "" {
		c.Agents.Main = "base"
	}
	if c.Agents.DefaultSteps == 0 {
		c.Agents.DefaultSteps = defaultSteps
	}
	if c.Pruner.MaxContextTokens == 0 {
		c.Pruner.MaxContextTokens = defaultMaxContextTokens
	}
	if c.Pruner.TerminalCommandsToKeep == 0 {
		c.Pruner.TerminalCommandsToKeep = defaultTerminalKeep
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return nil
}
