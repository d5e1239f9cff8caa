package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviderNames lists known LLM provider names. Used by [Validate] to
// warn about unrecognised names, which may be typos or third-party providers.
var ValidLLMProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Game
	if cfg.Game.ID == "" {
		errs = append(errs, errors.New("game.id is required"))
	} else if !cfg.Game.ID.IsValid() {
		errs = append(errs, fmt.Errorf("game.id %q is invalid; valid values: skyrim, skyrimvr, fallout4, fallout4vr", cfg.Game.ID))
	}
	if cfg.Game.SaveFolder == "" {
		errs = append(errs, errors.New("game.save_folder is required"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	} else if !slices.Contains(ValidLLMProviderNames, cfg.Providers.LLM.Name) {
		slog.Warn("unknown provider name — may be a typo or third-party provider",
			"kind", "llm",
			"name", cfg.Providers.LLM.Name,
			"known", ValidLLMProviderNames,
		)
	}

	// Memory
	if f := cfg.Memory.SummaryLimitFraction; f < 0 || f > 1 {
		errs = append(errs, fmt.Errorf("memory.summary_limit_fraction %.2f is out of range [0, 1]", f))
	}
	if cfg.Memory.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("memory.retry_delay %s must not be negative", cfg.Memory.RetryDelay))
	}

	return errors.Join(errs...)
}
