// Package app orchestrates conversations: it owns the active message thread,
// feeds remembered summaries into prompts, streams NPC replies, and persists
// memory when a conversation ends or its thread outgrows the context window.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halvardb/lorekeeper/internal/game"
	"github.com/halvardb/lorekeeper/internal/observe"
	"github.com/halvardb/lorekeeper/internal/remember"
	"github.com/halvardb/lorekeeper/internal/resilience"
	"github.com/halvardb/lorekeeper/internal/thread"
	"github.com/halvardb/lorekeeper/pkg/provider/llm"
)

var (
	// ErrConversationActive is returned by Begin while another conversation
	// is still open. One conversation runs per process instance.
	ErrConversationActive = errors.New("app: a conversation is already active")

	// ErrNoActiveConversation is returned by operations that require an open
	// conversation.
	ErrNoActiveConversation = errors.New("app: no active conversation")
)

// Conversation is one open dialogue session between the player and a set of
// NPCs in a single world.
type Conversation struct {
	// ID uniquely identifies the session.
	ID string

	// WorldID is the game world the conversation takes place in.
	WorldID string

	// NPCs are the participants, player included.
	NPCs []game.Character

	// Thread is the dialogue log for this session.
	Thread *thread.Thread

	// basePrompt is the caller-supplied prompt without remembered events,
	// kept so reloads can rebuild the prompt with fresh summaries.
	basePrompt string

	multiNPC bool
}

// ManagerConfig holds the dependencies of a [ConversationManager].
type ManagerConfig struct {
	// Provider is the completion service. Required.
	Provider llm.Provider

	// Memory is the conversation summary store. Required.
	Memory *remember.Summaries

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger

	// Metrics for instrumentation. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Breaker protects interactive completion calls. When nil a breaker with
	// default settings is created.
	Breaker *resilience.CircuitBreaker
}

// ConversationManager drives conversations one at a time. All methods are
// safe for concurrent use; operations on the single active conversation are
// serialised by the manager's mutex.
type ConversationManager struct {
	provider llm.Provider
	memory   *remember.Summaries
	log      *slog.Logger
	metrics  *observe.Metrics
	breaker  *resilience.CircuitBreaker

	mu     sync.Mutex
	active *Conversation
}

// NewManager creates a [ConversationManager]. Zero-value config fields are
// replaced with sensible defaults.
func NewManager(cfg ManagerConfig) (*ConversationManager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("app: config field Provider is required")
	}
	if cfg.Memory == nil {
		return nil, errors.New("app: config field Memory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:   "llm",
			Logger: cfg.Logger,
		})
	}
	return &ConversationManager{
		provider: cfg.Provider,
		memory:   cfg.Memory,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		breaker:  cfg.Breaker,
	}, nil
}

// Begin opens a conversation. The system prompt is the supplied prompt
// extended with remembered events for the participating NPCs, so characters
// recall past sessions from the first line.
func (m *ConversationManager) Begin(ctx context.Context, worldID, prompt string, npcs []game.Character) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrConversationActive
	}

	fullPrompt, err := m.buildPrompt(prompt, npcs, worldID)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		ID:         uuid.NewString(),
		WorldID:    worldID,
		NPCs:       npcs,
		Thread:     thread.New(fullPrompt),
		basePrompt: prompt,
		multiNPC:   countNPCs(npcs) > 1,
	}
	m.active = conv
	m.metrics.ActiveConversations.Add(ctx, 1)
	m.log.Info("conversation started",
		"conversation_id", conv.ID,
		"world", worldID,
		"participants", len(npcs))
	return conv, nil
}

// Say appends the player's line, reloads the thread first if it has outgrown
// the context budget, and streams the NPC's reply into the thread. Returns
// the full reply text.
func (m *ConversationManager) Say(ctx context.Context, playerName, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.active
	if conv == nil {
		return "", ErrNoActiveConversation
	}

	if m.overflowing(conv) {
		if err := m.reload(ctx, conv); err != nil {
			return "", err
		}
	}

	msg := thread.NewUser(text).WithSpeaker(playerName)
	msg.MultiNPC = conv.multiNPC
	conv.Thread.Add(msg)

	reply, err := m.streamReply(ctx, conv)
	if err != nil {
		return "", err
	}
	return reply, nil
}

// streamReply requests a streamed completion and assembles it incrementally
// into a new assistant message.
func (m *ConversationManager) streamReply(ctx context.Context, conv *Conversation) (string, error) {
	req := llm.CompletionRequest{Messages: conv.Thread.WireMessages()}

	speaker := firstNPCName(conv.NPCs)
	start := time.Now()
	err := m.breaker.Execute(func() error {
		ch, err := m.provider.StreamCompletion(ctx, req)
		if err != nil {
			return err
		}
		// The assistant message is added on the first content chunk so a
		// stream that fails immediately leaves no empty entry behind.
		var reply *thread.Message
		for chunk := range ch {
			if chunk.FinishReason == "error" {
				// Error chunks carry the failure description, not dialogue.
				return fmt.Errorf("stream failed: %s", chunk.Text)
			}
			if reply == nil {
				reply = thread.NewAssistant("").WithSpeaker(speaker)
				reply.MultiNPC = conv.multiNPC
				conv.Thread.Add(reply)
			}
			conv.Thread.AppendToLastAssistant(chunk.Text)
		}
		return ctx.Err()
	})
	m.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		m.metrics.RecordProviderError(ctx, "llm")
		return "", fmt.Errorf("app: completion: %w", err)
	}

	last := conv.Thread.LastAssistantMessage()
	if last == nil {
		return "", errors.New("app: completion produced no reply")
	}
	return last.Text, nil
}

// overflowing reports whether the thread no longer fits the context budget.
func (m *ConversationManager) overflowing(conv *Conversation) bool {
	tokens, err := m.provider.CountTokens(conv.Thread.WireMessages())
	if err != nil {
		return false
	}
	return tokens > m.contextBudget()
}

// contextBudget is the share of the context window available to the thread,
// leaving room for the model's reply.
func (m *ConversationManager) contextBudget() int {
	caps := m.provider.Capabilities()
	budget := caps.ContextWindow - caps.MaxOutputTokens
	if budget <= 0 {
		budget = caps.ContextWindow
	}
	return budget
}

// reload summarizes the current thread to disk and rebuilds it: a fresh
// prompt with up-to-date remembered events, followed by as much of the recent
// dialogue as fits the budget.
func (m *ConversationManager) reload(ctx context.Context, conv *Conversation) error {
	m.log.Info("context budget exceeded, reloading conversation",
		"conversation_id", conv.ID)

	if err := m.memory.SaveConversationState(ctx, conv.Thread, conv.NPCs, conv.WorldID, true); err != nil {
		return err
	}

	prompt, err := m.buildPrompt(conv.basePrompt, conv.NPCs, conv.WorldID)
	if err != nil {
		return err
	}

	conv.Thread.Reload(prompt, m.overBudget, 1.0)
	return nil
}

// overBudget is the predicate handed to [thread.Thread.Reload]: it reports
// true once the candidates' token count exceeds the adjusted context budget.
func (m *ConversationManager) overBudget(candidates []*thread.Message, percentModifier float64) bool {
	tokens, err := m.provider.CountTokens(thread.ToWire(candidates))
	if err != nil {
		return false
	}
	return float64(tokens) > float64(m.contextBudget())*percentModifier
}

// UpdateScene replaces the singleton scene-description message (or adds it on
// first call), keeping the freshest description as the most recent entry.
func (m *ConversationManager) UpdateScene(description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return ErrNoActiveConversation
	}
	msg := thread.NewImageDescription(description).AsSystemGenerated()
	m.active.Thread.ReplaceOrAddKind(msg, thread.KindImageDescription)
	return nil
}

// InjectEvent appends an engine-generated observation ("The dragon lands") as
// a system-flagged player-role message, distinguishable from spoken dialogue.
func (m *ConversationManager) InjectEvent(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return ErrNoActiveConversation
	}
	m.active.Thread.Add(thread.NewUser(text).AsSystemGenerated())
	return nil
}

// End persists the conversation to memory and closes it. The conversation is
// closed even when persistence fails; the error is returned so the caller can
// log it and carry on.
func (m *ConversationManager) End(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.active
	if conv == nil {
		return ErrNoActiveConversation
	}
	m.active = nil
	m.metrics.ActiveConversations.Add(ctx, -1)

	err := m.memory.SaveConversationState(ctx, conv.Thread, conv.NPCs, conv.WorldID, false)
	if err != nil {
		return fmt.Errorf("app: persisting conversation %s: %w", conv.ID, err)
	}
	m.log.Info("conversation ended", "conversation_id", conv.ID)
	return nil
}

// Active returns the open conversation, or nil.
func (m *ConversationManager) Active() *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// buildPrompt extends the base prompt with remembered events for the NPCs.
func (m *ConversationManager) buildPrompt(base string, npcs []game.Character, worldID string) (string, error) {
	memText, err := m.memory.GetPromptText(npcs, worldID)
	if err != nil {
		return "", err
	}
	if memText == "" {
		return base, nil
	}
	return strings.TrimRight(base, "\n") + "\n\n" + memText, nil
}

// countNPCs counts the non-player participants.
func countNPCs(npcs []game.Character) int {
	n := 0
	for _, c := range npcs {
		if !c.IsPlayerCharacter {
			n++
		}
	}
	return n
}

// firstNPCName returns the first non-player participant's name, or "".
func firstNPCName(npcs []game.Character) string {
	for _, c := range npcs {
		if !c.IsPlayerCharacter {
			return c.Name
		}
	}
	return ""
}
