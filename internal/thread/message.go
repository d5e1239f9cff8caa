// Package thread maintains the ordered in-memory record of one conversation.
//
// A [Thread] is the canonical dialogue log for a single active conversation:
// an ordered sequence of [Message] values whose insertion order is the
// conversation order. The first entry, when it is a system message, is the
// active prompt. Threads provide filtered and transformed views for downstream
// consumers: completion requests, transcript export, and the structured form
// fed to the summariser.
//
// Threads are not safe for concurrent use; one conversation is driven by one
// goroutine at a time.
package thread

import (
	"fmt"

	"github.com/halvardb/lorekeeper/pkg/provider/llm"
)

// Kind is the closed set of message variants a thread can hold.
type Kind int

const (
	// KindSystem is the conversation prompt. At most one system message
	// occupies a thread, always at index 0.
	KindSystem Kind = iota

	// KindUser is a player line.
	KindUser

	// KindAssistant is an NPC line. Assistant text is mutable so streamed
	// completions can be assembled incrementally.
	KindAssistant

	// KindImageDescription carries a textual description of a game screenshot.
	KindImageDescription

	// KindImage carries raw image content for vision-capable models.
	KindImage
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindUser:
		return "user"
	case KindAssistant:
		return "assistant"
	case KindImageDescription:
		return "image_description"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Role returns the completion-request role for this kind. Image variants are
// submitted under the "user" role.
func (k Kind) Role() string {
	switch k {
	case KindSystem:
		return "system"
	case KindAssistant:
		return "assistant"
	default:
		return "user"
	}
}

// Message is a single dialogue entry. Messages are owned exclusively by the
// thread that holds them; read accessors that hand copies out use [Message.Clone]
// so callers can mutate freely without touching thread state.
type Message struct {
	// Kind selects the message variant.
	Kind Kind

	// Text is the message content. Mutable for assistant messages (streaming).
	Text string

	// SpeakerName is the name of the speaker, used for multi-NPC rendering.
	SpeakerName string

	// SystemGenerated marks messages inserted by the engine (injected context)
	// rather than genuine spoken dialogue.
	SystemGenerated bool

	// MultiNPC switches the textual rendering to speaker-prefixed form.
	// It affects rendering only, never storage.
	MultiNPC bool
}

// NewSystem creates a system prompt message.
func NewSystem(text string) *Message {
	return &Message{Kind: KindSystem, Text: text}
}

// NewUser creates a player message.
func NewUser(text string) *Message {
	return &Message{Kind: KindUser, Text: text}
}

// NewAssistant creates an NPC message.
func NewAssistant(text string) *Message {
	return &Message{Kind: KindAssistant, Text: text}
}

// NewImageDescription creates a screenshot-description message.
func NewImageDescription(text string) *Message {
	return &Message{Kind: KindImageDescription, Text: text}
}

// NewImage creates a raw image message.
func NewImage(content string) *Message {
	return &Message{Kind: KindImage, Text: content}
}

// WithSpeaker sets the speaker name and returns the message for chaining.
func (m *Message) WithSpeaker(name string) *Message {
	m.SpeakerName = name
	return m
}

// AsSystemGenerated flags the message as engine-inserted and returns it for
// chaining.
func (m *Message) AsSystemGenerated() *Message {
	m.SystemGenerated = true
	return m
}

// Clone returns an independent deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// FormattedContent returns the displayable content. In multi-NPC rendering
// mode the speaker name prefixes the text so transcripts stay attributable.
func (m *Message) FormattedContent() string {
	if m.MultiNPC && m.SpeakerName != "" {
		return m.SpeakerName + ": " + m.Text
	}
	return m.Text
}

// DictFormatted returns the structured key/value textual form of the message,
// including its own trailing newline.
func (m *Message) DictFormatted() string {
	return fmt.Sprintf("{role: %s, content: %s}\n", m.Kind.Role(), m.FormattedContent())
}

// Wire converts the message into the shape a completion request expects.
func (m *Message) Wire() llm.Message {
	return llm.Message{
		Role:    m.Kind.Role(),
		Content: m.Text,
		Name:    m.SpeakerName,
	}
}
