// Command lorekeeper runs the conversation memory engine: an interactive
// dialogue loop backed by per-NPC summary files, plus a metrics and health
// listener for operators.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/halvardb/lorekeeper/internal/app"
	"github.com/halvardb/lorekeeper/internal/config"
	"github.com/halvardb/lorekeeper/internal/game"
	"github.com/halvardb/lorekeeper/internal/health"
	"github.com/halvardb/lorekeeper/internal/observe"
	"github.com/halvardb/lorekeeper/internal/remember"
	"github.com/halvardb/lorekeeper/pkg/provider/llm"
	"github.com/halvardb/lorekeeper/pkg/provider/llm/anyllm"
	"github.com/halvardb/lorekeeper/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	worldID := flag.String("world", "default", "game world id for summary storage")
	npcSpec := flag.String("npc", "", `NPC to converse with, as "Name:RefID" (e.g. "Lydia:000A2C94")`)
	prompt := flag.String("prompt", "", "system prompt for the conversation (NPC persona)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lorekeeper: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lorekeeper: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lorekeeper starting",
		"config", *configPath,
		"game", cfg.Game.ID,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "lorekeeper"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	// ── Game and memory ───────────────────────────────────────────────────────
	g, err := game.New(cfg.Game.ID, cfg.Game.SaveFolder)
	if err != nil {
		slog.Error("invalid game configuration", "err", err)
		return 1
	}

	memory, err := remember.New(remember.Config{
		Game:                 g,
		Provider:             provider,
		Language:             cfg.Game.Language,
		MemoryPrompt:         cfg.Memory.MemoryPrompt,
		ResummarizePrompt:    cfg.Memory.ResummarizePrompt,
		SummaryLimitFraction: cfg.Memory.SummaryLimitFraction,
		RetryDelay:           cfg.Memory.RetryDelay.Std(),
		Logger:               logger,
	})
	if err != nil {
		slog.Error("failed to initialise memory", "err", err)
		return 1
	}

	manager, err := app.NewManager(app.ManagerConfig{
		Provider: provider,
		Memory:   memory,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to initialise conversation manager", "err", err)
		return 1
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Server.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.Server.MetricsAddr, g)
		})
	}

	if *npcSpec != "" {
		npc, err := parseNPC(*npcSpec)
		if err != nil {
			slog.Error("invalid -npc flag", "err", err)
			return 1
		}
		group.Go(func() error {
			defer stop()
			return converse(groupCtx, manager, *worldID, *prompt, npc)
		})
	} else {
		slog.Info("no -npc given; running metrics listener only — press Ctrl+C to shut down")
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in LLM provider factories into reg.
// "openai" uses the native client for full streaming support; the remaining
// names go through the any-llm bridge.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})
}

// ── Metrics listener ──────────────────────────────────────────────────────────

// serveMetrics runs the /metrics, /healthz, and /readyz endpoints until ctx
// is cancelled.
func serveMetrics(ctx context.Context, addr string, g *game.Game) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(
		health.Checker{Name: "save_folder", Check: func(context.Context) error {
			return os.MkdirAll(g.ConversationFolderPath(), 0o755)
		}},
	)
	h.Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics listener started", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics listener shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	}
}

// ── Interactive conversation ──────────────────────────────────────────────────

// converse drives one conversation over stdin until EOF, "/end", or ctx
// cancellation, then persists it.
func converse(ctx context.Context, manager *app.ConversationManager, worldID, prompt string, npc game.Character) error {
	if prompt == "" {
		prompt = "You are " + npc.Name + ". Stay in character and answer briefly."
	}
	participants := []game.Character{
		{Name: "Player", IsPlayerCharacter: true},
		npc,
	}

	if _, err := manager.Begin(ctx, worldID, prompt, participants); err != nil {
		return fmt.Errorf("starting conversation: %w", err)
	}
	fmt.Printf("Speaking with %s. Type your lines; /end finishes the conversation.\n", npc.Name)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/end" {
			break
		}
		if ctx.Err() != nil {
			break
		}

		reply, err := manager.Say(ctx, "Player", line)
		if err != nil {
			slog.Error("completion failed", "err", err)
			continue
		}
		fmt.Printf("%s: %s\n", npc.Name, reply)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("stdin read error", "err", err)
	}

	// Persist with a fresh context so shutdown does not drop the summary,
	// but give up after a bounded grace period.
	saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := manager.End(saveCtx); err != nil {
		slog.Error("failed to persist conversation memory", "err", err)
	}
	return nil
}

// parseNPC splits "Name:RefID" into a character record.
func parseNPC(spec string) (game.Character, error) {
	name, ref, ok := strings.Cut(spec, ":")
	if !ok || name == "" || ref == "" {
		return game.Character{}, fmt.Errorf(`want "Name:RefID", got %q`, spec)
	}
	return game.Character{Name: name, RefID: ref}, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
