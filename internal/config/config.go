// Package config provides the configuration schema, loader, and provider
// registry for the Lorekeeper conversation engine.
package config

import (
	"fmt"
	"time"

	"github.com/halvardb/lorekeeper/internal/game"
	"gopkg.in/yaml.v3"
)

// Duration wraps [time.Duration] so YAML values like "5s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler using [time.ParseDuration].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the standard duration formatting.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// LogLevel controls log verbosity for the Lorekeeper server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Lorekeeper.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Game      GameConfig      `yaml:"game"`
	Providers ProvidersConfig `yaml:"providers"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint listens
	// on (e.g., ":9090"). Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// GameConfig identifies the game a Lorekeeper instance serves and where its
// data lives.
type GameConfig struct {
	// ID selects the game (skyrim, skyrimvr, fallout4, fallout4vr).
	ID game.ID `yaml:"id"`

	// SaveFolder is the root directory Lorekeeper persists data under.
	SaveFolder string `yaml:"save_folder"`

	// Language is the language conversations and summaries are written in.
	// Default: "English".
	Language string `yaml:"language"`
}

// ProvidersConfig declares which provider implementation to use.
// Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// MemoryConfig holds settings for the conversation summary layer.
type MemoryConfig struct {
	// SummaryLimitFraction is the share of the model's context window that
	// accumulated summaries may occupy before rolling over into a new file.
	// Default: 0.3.
	SummaryLimitFraction float64 `yaml:"summary_limit_fraction"`

	// RetryDelay is the pause between failed summarization attempts.
	// Default: 5s.
	RetryDelay Duration `yaml:"retry_delay"`

	// MemoryPrompt overrides the template used to summarize a finished
	// conversation. {name}, {language}, and {game} are substituted.
	MemoryPrompt string `yaml:"memory_prompt"`

	// ResummarizePrompt overrides the template used to condense an overgrown
	// summary chain.
	ResummarizePrompt string `yaml:"resummarize_prompt"`
}
