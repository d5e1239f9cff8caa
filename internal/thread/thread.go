package thread

import (
	"errors"
	"strings"

	"github.com/halvardb/lorekeeper/pkg/provider/llm"
)

// ErrEmptyThread is returned by [Thread.LastMessage] when the thread holds no
// messages. Asking an empty thread for its last message is a programming
// error in the caller and should fail loudly.
var ErrEmptyThread = errors.New("thread: no messages")

// Thread is an ordered, mutable log of dialogue entries for one active
// conversation.
type Thread struct {
	messages []*Message
}

// New creates a thread. When initialPrompt is non-empty the thread starts
// with exactly one system message in the prompt slot; otherwise it is empty.
func New(initialPrompt string) *Thread {
	t := &Thread{}
	if initialPrompt != "" {
		t.messages = append(t.messages, NewSystem(initialPrompt))
	}
	return t
}

// NewFromMessage creates a thread seeded with a preformed prompt message.
// A nil prompt yields an empty thread.
func NewFromMessage(prompt *Message) *Thread {
	t := &Thread{}
	if prompt != nil {
		t.messages = append(t.messages, prompt)
	}
	return t
}

// Len returns the number of messages in the thread.
func (t *Thread) Len() int {
	return len(t.messages)
}

// Add appends a message to the end of the thread. It never reorders existing
// entries and performs no validation of role transitions; assistant text may
// arrive incrementally and callers own the turn discipline. The prompt slot
// is managed through [New], [Thread.Reload], and [Thread.ModifyMessages], so
// Add is meant for non-system messages.
func (t *Thread) Add(m *Message) {
	t.messages = append(t.messages, m)
}

// AddNonSystem appends every message that is not a system message, preserving
// input order. Filtering is by each message's actual kind.
func (t *Thread) AddNonSystem(msgs []*Message) {
	for _, m := range msgs {
		if m.Kind != KindSystem {
			t.messages = append(t.messages, m)
		}
	}
}

// ToWire converts messages into the ordered wire shape a completion request
// expects, one entry per message.
func ToWire(messages []*Message) []llm.Message {
	result := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		result = append(result, m.Wire())
	}
	return result
}

// WireMessages returns the whole thread in completion-request shape.
func (t *Thread) WireMessages() []llm.Message {
	return ToWire(t.messages)
}

// ToText renders messages as a single newline-joined transcript. Multi-NPC
// rendering is forced for every message for the duration of the transform so
// each line carries its speaker, then every message's original flag is
// restored before returning.
func ToText(messages []*Message) string {
	original := make([]bool, len(messages))
	for i, m := range messages {
		original[i] = m.MultiNPC
		m.MultiNPC = true
	}
	defer func() {
		for i, m := range messages {
			m.MultiNPC = original[i]
		}
	}()

	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.FormattedContent())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ToDictRepresentation concatenates each message's structured key/value form
// in order. No separators are added beyond what each message contributes.
func ToDictRepresentation(messages []*Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.DictFormatted())
	}
	return sb.String()
}

// TalkOnly returns deep copies of the user and assistant messages in original
// order. System and image entries are always excluded. Messages flagged as
// system-generated are excluded unless includeSystemGenerated is true.
func (t *Thread) TalkOnly(includeSystemGenerated bool) []*Message {
	var result []*Message
	for _, m := range t.messages {
		if m.Kind != KindUser && m.Kind != KindAssistant {
			continue
		}
		if m.SystemGenerated && !includeSystemGenerated {
			continue
		}
		result = append(result, m.Clone())
	}
	return result
}

// LastMessage returns the most recent entry, or [ErrEmptyThread] if the
// thread is empty.
func (t *Thread) LastMessage() (*Message, error) {
	if len(t.messages) == 0 {
		return nil, ErrEmptyThread
	}
	return t.messages[len(t.messages)-1], nil
}

// LastAssistantMessage scans from the end and returns the most recent
// assistant entry, or nil if there is none.
func (t *Thread) LastAssistantMessage() *Message {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Kind == KindAssistant {
			return t.messages[i]
		}
	}
	return nil
}

// AppendToLastAssistant concatenates text onto the most recent assistant
// message, supporting incremental assembly of streamed completions. No-op
// when the thread holds no assistant message.
func (t *Thread) AppendToLastAssistant(text string) {
	if last := t.LastAssistantMessage(); last != nil {
		last.Text += text
	}
}

// Reload rebuilds the thread around a new prompt: a fresh system message
// takes the prompt slot, followed by the longest suffix of the prior
// talk-only history that stays within budget. The suffix grows greedily from
// the most recent message backward; the first length at which isTooLong
// reports true is excluded entirely and accumulation stops there. The kept
// messages appear in their original chronological order.
//
// Used when the model's context window changes or overflow is detected.
func (t *Thread) Reload(newPrompt string, isTooLong func(candidates []*Message, percentModifier float64) bool, percentModifier float64) {
	result := []*Message{NewSystem(newPrompt)}

	var keep []*Message
	talk := t.TalkOnly(false)
	for i := len(talk) - 1; i >= 0; i-- {
		keep = append(keep, talk[i])
		if isTooLong(keep, percentModifier) {
			keep = keep[:len(keep)-1]
			break
		}
	}

	// keep is most-recent-first; restore chronological order.
	for i, j := 0, len(keep)-1; i < j; i, j = i+1, j-1 {
		keep[i], keep[j] = keep[j], keep[i]
	}

	t.messages = append(result, keep...)
}

// ModifyMessages updates the prompt text in place, sets every message's
// multi-NPC rendering flag, and optionally deletes engine-inserted messages.
// Deletion candidates are snapshotted before any flags change in this call
// and removed after the flag pass. No-op when the prompt slot is absent or
// not a system message.
func (t *Thread) ModifyMessages(newPrompt string, multiNPC bool, removeSystemFlagged bool) {
	if len(t.messages) == 0 || t.messages[0].Kind != KindSystem {
		return
	}

	t.messages[0].Text = newPrompt

	var toRemove []*Message
	for _, m := range t.messages {
		if removeSystemFlagged && m.SystemGenerated && m.Kind != KindSystem {
			toRemove = append(toRemove, m)
		}
		m.MultiNPC = multiNPC
	}

	for _, victim := range toRemove {
		for i, m := range t.messages {
			if m == victim {
				t.messages = append(t.messages[:i], t.messages[i+1:]...)
				break
			}
		}
	}
}

// HasKind reports whether any message of the given kind is present.
func (t *Thread) HasKind(k Kind) bool {
	for _, m := range t.messages {
		if m.Kind == k {
			return true
		}
	}
	return false
}

// ReplaceKind replaces the first message of the given kind with newMessage
// and moves it to the tail of the sequence, so refreshed context messages are
// always the most recent entry. All other messages keep their relative order.
// No-op when no message of the kind exists.
func (t *Thread) ReplaceKind(newMessage *Message, k Kind) {
	for i, m := range t.messages {
		if m.Kind == k {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			t.messages = append(t.messages, newMessage)
			return
		}
	}
}

// DeleteAllKind removes every message of the given kind.
func (t *Thread) DeleteAllKind(k Kind) {
	kept := t.messages[:0]
	for _, m := range t.messages {
		if m.Kind != k {
			kept = append(kept, m)
		}
	}
	t.messages = kept
}

// ReplaceOrAddKind replaces the first message of the given kind (moving it to
// the tail) or appends newMessage when none exists. This keeps singleton
// context messages — one live location or quest-state entry — refreshed and
// most recent.
func (t *Thread) ReplaceOrAddKind(newMessage *Message, k Kind) {
	if t.HasKind(k) {
		t.ReplaceKind(newMessage, k)
		return
	}
	t.Add(newMessage)
}
