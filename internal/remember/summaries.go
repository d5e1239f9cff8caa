// Package remember persists condensed summaries of past conversations.
//
// Summaries are the durable memory substrate: one chain of numbered text
// files per NPC per game world, appended to when a conversation ends and
// rolled over into a new file when the accumulated text outgrows its share of
// the model's context window. [Summaries.GetPromptText] feeds the chain back
// into a fresh conversation's system prompt so NPCs remember prior sessions.
package remember

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/halvardb/lorekeeper/internal/game"
	"github.com/halvardb/lorekeeper/internal/observe"
	"github.com/halvardb/lorekeeper/internal/resilience"
	"github.com/halvardb/lorekeeper/internal/thread"
	"github.com/halvardb/lorekeeper/pkg/provider/llm"
)

// PromptHeader introduces remembered events in a conversation's system prompt.
const PromptHeader = "Below is a summary of past events:"

// minDialogueEntries is the floor below which a conversation is considered too
// short to be worth summarizing.
const minDialogueEntries = 5

// Default prompt templates. {name}, {language}, and {game} are substituted
// before each request.
const (
	defaultMemoryPrompt = "You are tasked with summarizing a conversation between {name} (the assistant) " +
		"and the player (the user) that took place in {game}. Summarize in {language} what was said and " +
		"what was decided, keeping only details worth remembering in later conversations."

	defaultResummarizePrompt = "You are tasked with condensing the collected conversation summaries of " +
		"{name} from {game} into a shorter text in {language}. Preserve the most important events and " +
		"decisions and drop repetition."
)

// Config holds the dependencies and tuning knobs for [Summaries].
type Config struct {
	// Game supplies the filesystem layout and display name. Required.
	Game *game.Game

	// Provider is the completion service used for summarization. Required.
	Provider llm.Provider

	// Language is the language summaries are written in. Default: "English".
	Language string

	// MemoryPrompt is the template for summarizing a finished conversation.
	MemoryPrompt string

	// ResummarizePrompt is the template for condensing an overgrown summary
	// chain during rollover.
	ResummarizePrompt string

	// SummaryLimitFraction is the share of the model's context window the
	// accumulated summary text may occupy before rolling over. Default: 0.3.
	SummaryLimitFraction float64

	// RetryDelay is the pause between failed summarization attempts.
	// Default: 5s.
	RetryDelay time.Duration

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger

	// Metrics for instrumentation. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Summaries stores conversations as summary text files and loads them back as
// prompt text. Save operations for the same world are serialised within the
// process; the files themselves carry no locks.
type Summaries struct {
	game              *game.Game
	provider          llm.Provider
	language          string
	memoryPrompt      string
	resummarizePrompt string
	limitFraction     float64
	retrier           *resilience.Retrier
	log               *slog.Logger
	metrics           *observe.Metrics

	mu         sync.Mutex
	worldLocks map[string]*sync.Mutex
}

// New creates a [Summaries] store. Zero-value config fields are replaced with
// sensible defaults.
func New(cfg Config) (*Summaries, error) {
	if cfg.Game == nil {
		return nil, errors.New("remember: config field Game is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("remember: config field Provider is required")
	}
	if cfg.Language == "" {
		cfg.Language = "English"
	}
	if cfg.MemoryPrompt == "" {
		cfg.MemoryPrompt = defaultMemoryPrompt
	}
	if cfg.ResummarizePrompt == "" {
		cfg.ResummarizePrompt = defaultResummarizePrompt
	}
	if cfg.SummaryLimitFraction <= 0 {
		cfg.SummaryLimitFraction = 0.3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Summaries{
		game:              cfg.Game,
		provider:          cfg.Provider,
		language:          cfg.Language,
		memoryPrompt:      cfg.MemoryPrompt,
		resummarizePrompt: cfg.ResummarizePrompt,
		limitFraction:     cfg.SummaryLimitFraction,
		log:               cfg.Logger,
		metrics:           cfg.Metrics,
		worldLocks:        make(map[string]*sync.Mutex),
	}
	s.retrier = resilience.NewRetrier(resilience.RetrierConfig{
		Delay:  cfg.RetryDelay,
		Logger: cfg.Logger,
	})
	s.retrier.OnRetry = func(string) {
		s.metrics.RecordSummaryRetry(context.Background())
	}
	return s, nil
}

// worldLock returns the mutex serialising save operations for one world.
func (s *Summaries) worldLock(worldID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.worldLocks[worldID]
	if !ok {
		l = &sync.Mutex{}
		s.worldLocks[worldID] = l
	}
	return l
}

// GetPromptText loads the latest conversation summaries for every non-player
// character and joins their non-blank lines, deduplicated across characters
// with first occurrence winning, under [PromptHeader]. Returns the empty
// string when no character has any remembered events.
func (s *Summaries) GetPromptText(npcs []game.Character, worldID string) (string, error) {
	var lines []string
	seen := make(map[string]bool)

	for _, c := range npcs {
		if c.IsPlayerCharacter {
			continue
		}
		path := s.latestSummaryFilePath(c, worldID)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("remember: reading summary file %s: %w", path, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !seen[line] {
				seen[line] = true
				lines = append(lines, line)
			}
		}
	}

	if len(lines) == 0 {
		return "", nil
	}
	return PromptHeader + "\n" + strings.Join(lines, "\n"), nil
}

// SaveConversationState summarizes the conversation once and appends the same
// summary to every participating non-player character's file, reflecting that
// the dialogue was witnessed by all of them. With isReload an empty summary
// still walks the append path so the rollover check runs.
//
// Completion failures are retried until success or ctx cancellation; file I/O
// errors are returned immediately. The thread itself is never modified.
func (s *Summaries) SaveConversationState(ctx context.Context, th *thread.Thread, npcs []game.Character, worldID string, isReload bool) error {
	lock := s.worldLock(worldID)
	lock.Lock()
	defer lock.Unlock()

	var summary string
	for _, npc := range npcs {
		if npc.IsPlayerCharacter {
			continue
		}
		if summary == "" {
			var err error
			summary, err = s.createSummary(ctx, th, npc.Name)
			if err != nil {
				return err
			}
		}
		if summary != "" || isReload {
			if err := s.appendSummary(ctx, summary, npc, worldID); err != nil {
				return err
			}
		}
	}
	return nil
}

// latestSummaryFilePath resolves the summary file a character currently reads
// from and writes to. The "<base name> - <ref id>" folder is preferred;
// a legacy folder named after the bare base name is honoured when the former
// does not exist. Within the folder, the file with the highest number wins.
func (s *Summaries) latestSummaryFilePath(c game.Character, worldID string) string {
	baseName := game.BaseName(c.Name)
	nameRef := baseName + " - " + c.RefID

	worldDir := filepath.Join(s.game.ConversationFolderPath(), worldID)
	folder := filepath.Join(worldDir, nameRef)
	if _, err := os.Stat(folder); err != nil {
		legacy := filepath.Join(worldDir, baseName)
		if _, err := os.Stat(legacy); err == nil {
			folder = legacy
		}
	}

	n := latestFileNumber(folder)
	return filepath.Join(folder, fmt.Sprintf("%s_summary_%d.txt", baseName, n))
}

// latestFileNumber returns the highest numeric suffix among the .txt files in
// folder, or 1 when the folder is absent or holds none.
func latestFileNumber(folder string) int {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 1
	}

	latest := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		stem := strings.TrimSuffix(name, ".txt")
		idx := strings.LastIndex(stem, "_")
		if idx < 0 {
			continue
		}
		n, err := strconv.Atoi(stem[idx+1:])
		if err != nil {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	if latest == 0 {
		return 1
	}
	return latest
}

// createSummary produces the summary text for one finished conversation, or
// the empty string when there is not enough dialogue to bother.
func (s *Summaries) createSummary(ctx context.Context, th *thread.Thread, npcName string) (string, error) {
	if th.Len() < minDialogueEntries {
		s.log.Info("conversation summary not saved, not enough dialogue spoken",
			"entries", th.Len())
		return "", nil
	}

	prompt := s.expand(s.memoryPrompt, npcName)
	transcript := thread.ToDictRepresentation(th.TalkOnly(false))

	var summary string
	err := s.retrier.Do(ctx, "summarize conversation", func() error {
		var err error
		summary, err = s.summarize(ctx, transcript, prompt, npcName)
		return err
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

// appendSummary adds newSummary to the character's current file, rolling over
// into a new numbered file when the accumulated text exceeds its token budget.
// On rollover the current file is left byte-identical; the condensed
// replacement starts the next file in the chain.
func (s *Summaries) appendSummary(ctx context.Context, newSummary string, npc game.Character, worldID string) error {
	path := s.latestSummaryFilePath(npc, worldID)

	previous, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remember: reading summary file %s: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("remember: creating summary folder: %w", err)
		}
	}
	combined := string(previous) + newSummary

	limit := int(math.Round(float64(s.provider.Capabilities().ContextWindow) * s.limitFraction))
	tokens, err := s.provider.CountText(combined)
	if err != nil {
		return fmt.Errorf("remember: counting summary tokens: %w", err)
	}

	if tokens > limit {
		s.log.Info("token limit of conversation summaries reached, creating new summary file",
			"tokens", tokens,
			"limit", limit,
			"npc", npc.Name)
		return s.rollover(ctx, combined, path, npc, worldID)
	}

	if newSummary == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(combined), 0o644); err != nil {
		return fmt.Errorf("remember: writing summary file %s: %w", path, err)
	}
	s.metrics.RecordSummarySave(ctx, worldID)
	s.log.Info("conversation summary saved", "file", path, "npc", npc.Name)
	return nil
}

// rollover condenses the whole summary chain text into the next numbered file.
// currentPath is not modified.
func (s *Summaries) rollover(ctx context.Context, text, currentPath string, npc game.Character, worldID string) error {
	prompt := s.expand(s.resummarizePrompt, npc.Name)

	var condensed string
	err := s.retrier.Do(ctx, "resummarize summaries", func() error {
		var err error
		condensed, err = s.summarize(ctx, text, prompt, npc.Name)
		return err
	})
	if err != nil {
		return err
	}

	dir, filename := filepath.Split(currentPath)
	stem := strings.TrimSuffix(filename, ".txt")
	idx := strings.LastIndex(stem, "_")
	n, err := strconv.Atoi(stem[idx+1:])
	if err != nil {
		return fmt.Errorf("remember: malformed summary file name %s: %w", filename, err)
	}
	nextPath := filepath.Join(dir, fmt.Sprintf("%s_%d.txt", stem[:idx], n+1))

	if err := os.WriteFile(nextPath, []byte(condensed), 0o644); err != nil {
		return fmt.Errorf("remember: writing summary file %s: %w", nextPath, err)
	}
	s.metrics.RecordSummaryRollover(ctx, worldID)
	s.log.Info("summary chain rolled over", "file", nextPath, "npc", npc.Name)
	return nil
}

// summarize submits text with the given prompt to the completion service and
// post-processes the result: generic role references are rewritten to the
// NPC's and the player's names, and a blank-line separator is appended. An
// empty completion yields the empty string without error.
func (s *Summaries) summarize(ctx context.Context, text, prompt, npcName string) (string, error) {
	if len(text) <= 5 {
		s.log.Info("conversation summary not saved, not enough dialogue spoken")
		return "", nil
	}

	req := llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
	}

	start := time.Now()
	resp, err := s.provider.Complete(ctx, req)
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("remember: summarization request: %w", err)
	}
	if resp == nil || resp.Content == "" {
		s.log.Info("summarizing conversation failed, empty completion")
		return "", nil
	}

	summary := resp.Content
	summary = strings.ReplaceAll(summary, "The assistant", npcName)
	summary = strings.ReplaceAll(summary, "the assistant", npcName)
	summary = strings.ReplaceAll(summary, "an assistant", npcName)
	summary = strings.ReplaceAll(summary, "an AI assistant", npcName)
	summary = strings.ReplaceAll(summary, "The user", "The player")
	summary = strings.ReplaceAll(summary, "the user", "the player")
	summary += "\n\n"

	s.log.Debug("conversation summary generated", "summary", strings.TrimSpace(summary))
	return summary, nil
}

// expand substitutes the {name}, {language}, and {game} placeholders of a
// prompt template.
func (s *Summaries) expand(template, npcName string) string {
	return strings.NewReplacer(
		"{name}", npcName,
		"{language}", s.language,
		"{game}", s.game.Name(),
	).Replace(template)
}
