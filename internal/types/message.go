package types

import "sync"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TTLUserPrompt marks a message for removal once the current user turn ends.
const TTLUserPrompt = "userPrompt"

type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"arguments"`
}

type Message struct {
	Role                 Role       `json:"role"`
	Content              string     `json:"content"`
	ToolCalls            []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID           string     `json:"tool_call_id,omitempty"`
	KeepDuringTruncation bool       `json:"keepDuringTruncation,omitempty"`
	TimeToLive           string     `json:"timeToLive,omitempty"`
}

// History is an agent's ordered message sequence. Parent and inline child
// hold the same *History, so writes by one are visible to the other.
type History struct {
	mu   sync.Mutex
	msgs []Message
}

func NewHistory(msgs ...Message) *History {
	return &History{msgs: append([]Message(nil), msgs...)}
}

func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
}

// Messages returns a snapshot copy.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.msgs...)
}

// Replace swaps the whole sequence while keeping the History identity.
func (h *History) Replace(msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append([]Message(nil), msgs...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Expire removes every message tagged with ttl and reports how many went.
func (h *History) Expire(ttl string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.msgs[:0]
	removed := 0
	for _, m := range h.msgs {
		if m.TimeToLive == ttl {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	clear(h.msgs[len(kept):])
	h.msgs = kept
	return removed
}

// LastAssistant returns the most recent assistant message.
func (h *History) LastAssistant() (Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.msgs) - 1; i >= 0; i-- {
		if h.msgs[i].Role == RoleAssistant {
			return h.msgs[i], true
		}
	}
	return Message{}, false
}
