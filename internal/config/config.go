// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// OverflowPolicy controls what the agent loop does when a turn's usage
// crosses the context-window threshold.
type OverflowPolicy string

const (
	OverflowContinue OverflowPolicy = "continue"
	OverflowPause    OverflowPolicy = "pause"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	DefaultModel    string                    `toml:"default_model"`
	OnOverflow      OverflowPolicy            `toml:"on_overflow"`
	BufferTokens    int                       `toml:"buffer_tokens"`
	ContextWindow   int                       `toml:"default_context_window"`
	Theme           string                    `toml:"theme"`
	Providers       map[string]ProviderConfig `toml:"providers"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	APIKey        string  `toml:"api_key"`
	BaseURL       string  `toml:"base_url"`
	Model         string  `toml:"model"`
	MaxTokens     int     `toml:"max_tokens"`
	Temperature   float64 `toml:"temperature"`
	ThinkingLevel string  `toml:"thinking_level"`
}

// DefaultConfig returns a Config populated with spec-mandated defaults, used
// whenever no config file exists or a ConfigError forces a fallback.
func DefaultConfig() *Config {
	return &Config{
		OnOverflow:    OverflowContinue,
		BufferTokens:  20_000,
		ContextWindow: 200_000,
		Theme:         "vulcan",
		Providers:     make(map[string]ProviderConfig),
	}
}

// Load reads configuration from a TOML file and applies environment variable
// overrides. A missing file is not an error: defaults apply and a debug
// entry is logged. An invalid file falls back to defaults and records a
// warning rather than failing.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		log.Debug().Str("path", path).Msg("config file not found, using defaults")
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config file invalid, falling back to defaults")
		cfg = DefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("config validation failed, offending fields reset to defaults")
		if cfg.OnOverflow != OverflowContinue && cfg.OnOverflow != OverflowPause {
			cfg.OnOverflow = OverflowContinue
		}
		if _, ok := cfg.Providers[cfg.DefaultProvider]; cfg.DefaultProvider != "" && !ok {
			cfg.DefaultProvider = ""
		}
		for name, pc := range cfg.Providers {
			if pc.BaseURL != "" && validateEndpoint(pc.BaseURL) != nil {
				pc.BaseURL = ""
			}
			if pc.Temperature < 0.0 || pc.Temperature > 2.0 {
				pc.Temperature = 0
			}
			cfg.Providers[name] = pc
		}
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.OnOverflow == "" {
		cfg.OnOverflow = OverflowContinue
	}
	if cfg.BufferTokens <= 0 {
		cfg.BufferTokens = 20_000
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200_000
	}
	if cfg.Theme == "" {
		cfg.Theme = "vulcan"
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
}

// Validate returns an error describing any malformed fields. Callers treat
// this as advisory rather than fatal.
func (c *Config) Validate() error {
	var errs []error

	if c.OnOverflow != OverflowContinue && c.OnOverflow != OverflowPause {
		errs = append(errs, fmt.Errorf("on_overflow=%q must be %q or %q", c.OnOverflow, OverflowContinue, OverflowPause))
	}

	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	for name, providerCfg := range c.Providers {
		errs = append(errs, validateProviderConfig(name, providerCfg)...)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.BaseURL != "" {
		if err := validateEndpoint(cfg.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("providers.%s.base_url=%q is invalid: %v", name, cfg.BaseURL, err))
		}
	}
	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}
	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment-variable overrides:
// OPENAI_API_KEY/GEMINI_API_KEY plus provider-specific base URL overrides
// of the form <PROVIDER>_BASE_URL.
func applyEnvOverrides(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}

	setAPIKey := func(providerName, envVar string) {
		v := os.Getenv(envVar)
		if v == "" {
			return
		}
		pc := cfg.Providers[providerName]
		pc.APIKey = v
		cfg.Providers[providerName] = pc
	}
	setAPIKey("openai", "OPENAI_API_KEY")
	setAPIKey("gemini", "GEMINI_API_KEY")

	for name, pc := range cfg.Providers {
		envVar := providerBaseURLEnvVar(name)
		if v := os.Getenv(envVar); v != "" {
			pc.BaseURL = v
			cfg.Providers[name] = pc
		}
	}
}

func providerBaseURLEnvVar(providerName string) string {
	upper := make([]byte, 0, len(providerName)+9)
	for _, r := range providerName {
		if r >= 'a' && r <= 'z' {
			upper = append(upper, byte(r-('a'-'A')))
		} else {
			upper = append(upper, byte(r))
		}
	}
	return string(upper) + "_BASE_URL"
}

// DataDir returns the path to the config directory (~/.config/kon).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "kon"), nil
}

// EnsureDataDir creates the config directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
