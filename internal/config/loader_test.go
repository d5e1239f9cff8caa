package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/halvardb/lorekeeper/internal/game"
	"github.com/halvardb/lorekeeper/pkg/provider/llm"
	"github.com/halvardb/lorekeeper/pkg/provider/llm/mock"
)

const validYAML = `
server:
  log_level: info
  metrics_addr: ":9090"
game:
  id: skyrim
  save_folder: /var/lib/lorekeeper
  language: English
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
memory:
  summary_limit_fraction: 0.3
  retry_delay: 5s
`

func TestLoadFromReader(t *testing.T) {
	t.Run("valid config parses", func(t *testing.T) {
		cfg, err := LoadFromReader(strings.NewReader(validYAML))
		if err != nil {
			t.Fatalf("LoadFromReader: %v", err)
		}
		if cfg.Game.ID != game.Skyrim {
			t.Errorf("Game.ID = %q, want skyrim", cfg.Game.ID)
		}
		if cfg.Providers.LLM.Model != "gpt-4o" {
			t.Errorf("LLM.Model = %q, want gpt-4o", cfg.Providers.LLM.Model)
		}
		if cfg.Memory.RetryDelay.Std() != 5*time.Second {
			t.Errorf("RetryDelay = %s, want 5s", cfg.Memory.RetryDelay)
		}
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		yaml := validYAML + "\nnot_a_field: true\n"
		if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
			t.Fatal("expected error for unknown field")
		}
	})

	t.Run("invalid duration rejected", func(t *testing.T) {
		yaml := strings.Replace(validYAML, "retry_delay: 5s", "retry_delay: soon", 1)
		if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
			t.Fatal("expected error for unparsable duration")
		}
	})

	t.Run("invalid yaml rejected", func(t *testing.T) {
		if _, err := LoadFromReader(strings.NewReader("server: [broken")); err == nil {
			t.Fatal("expected error for malformed yaml")
		}
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Game: GameConfig{ID: game.Skyrim, SaveFolder: "/data"},
			Providers: ProvidersConfig{
				LLM: ProviderEntry{Name: "openai"},
			},
		}
	}

	t.Run("accepts minimal valid config", func(t *testing.T) {
		if err := Validate(valid()); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	t.Run("rejects missing game id", func(t *testing.T) {
		cfg := valid()
		cfg.Game.ID = ""
		if err := Validate(cfg); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects unknown game id", func(t *testing.T) {
		cfg := valid()
		cfg.Game.ID = "morrowind"
		if err := Validate(cfg); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects missing save folder", func(t *testing.T) {
		cfg := valid()
		cfg.Game.SaveFolder = ""
		if err := Validate(cfg); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects missing llm provider", func(t *testing.T) {
		cfg := valid()
		cfg.Providers.LLM.Name = ""
		if err := Validate(cfg); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects out-of-range summary fraction", func(t *testing.T) {
		cfg := valid()
		cfg.Memory.SummaryLimitFraction = 1.5
		if err := Validate(cfg); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects invalid log level", func(t *testing.T) {
		cfg := valid()
		cfg.Server.LogLevel = "verbose"
		if err := Validate(cfg); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("collects multiple failures", func(t *testing.T) {
		cfg := valid()
		cfg.Game.ID = ""
		cfg.Providers.LLM.Name = ""
		err := Validate(cfg)
		if err == nil {
			t.Fatal("expected error")
		}
		msg := err.Error()
		if !strings.Contains(msg, "game.id") || !strings.Contains(msg, "providers.llm.name") {
			t.Errorf("joined error missing failures: %v", err)
		}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("unregistered name fails", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.CreateLLM(ProviderEntry{Name: "openai"})
		if !errors.Is(err, ErrProviderNotRegistered) {
			t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
		}
	})

	t.Run("factory receives the entry", func(t *testing.T) {
		r := NewRegistry()
		var got ProviderEntry
		r.RegisterLLM("openai", func(e ProviderEntry) (llm.Provider, error) {
			got = e
			return &mock.Provider{}, nil
		})

		entry := ProviderEntry{Name: "openai", Model: "gpt-4o", APIKey: "sk-test"}
		p, err := r.CreateLLM(entry)
		if err != nil {
			t.Fatalf("CreateLLM: %v", err)
		}
		if p == nil {
			t.Fatal("provider is nil")
		}
		if got.Model != "gpt-4o" || got.APIKey != "sk-test" {
			t.Errorf("factory received %+v", got)
		}
	})

	t.Run("re-registration overwrites", func(t *testing.T) {
		r := NewRegistry()
		r.RegisterLLM("openai", func(ProviderEntry) (llm.Provider, error) {
			return nil, errors.New("old factory")
		})
		r.RegisterLLM("openai", func(ProviderEntry) (llm.Provider, error) {
			return &mock.Provider{}, nil
		})
		if _, err := r.CreateLLM(ProviderEntry{Name: "openai"}); err != nil {
			t.Fatalf("CreateLLM: %v", err)
		}
	})
}
