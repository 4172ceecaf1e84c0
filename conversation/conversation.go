// Package conversation keeps the ordered message log of one agent together with
// its system prompt and token budget.
//
// The token estimate is derived from content length only: every 4 characters
// count as one token. When an append pushes the estimate past the budget the
// log is rebuilt as
//
//	system messages + one reset notice + the 10 most recent messages
//
// so recency wins over completeness.
package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// CharsPerToken is the fixed ratio used by EstimateTokens.
	CharsPerToken = 4

	// KeepRecent is the number of trailing messages a reset preserves.
	KeepRecent = 10

	// ResetNotice is the content of the synthetic system message added on reset.
	ResetNotice = "[Context reset: earlier messages were removed to stay within the token budget. Only the most recent messages are kept.]"
)

// EstimateTokens returns ceil(chars/4).
func EstimateTokens(chars int) int {
	return (chars + CharsPerToken - 1) / CharsPerToken
}

type Conversation struct {
	mu           sync.RWMutex
	model        string
	systemPrompt string
	budget       int
	messages     []Message
	chars        int
}

func New(model, systemPrompt string, tokenBudget int) *Conversation {
	return &Conversation{
		model:        model,
		systemPrompt: systemPrompt,
		budget:       tokenBudget,
	}
}

// AddMessage appends a message and applies the reset policy. It reports whether
// the history was truncated.
func (c *Conversation) AddMessage(role Role, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, Message{Role: role, Content: content})
	c.chars += utf8.RuneCountInString(content)

	if c.budget <= 0 || EstimateTokens(c.chars) <= c.budget {
		return false
	}

	c.reset()
	return true
}

// reset must be called with mu held.
func (c *Conversation) reset() {
	// Earlier notices never count towards the tail and are dropped, so exactly
	// one notice survives.
	tailStart, n := len(c.messages), 0
	for tailStart > 0 && n < KeepRecent {
		tailStart--
		if !c.messages[tailStart].notice {
			n++
		}
	}

	kept := make([]Message, 0, KeepRecent+4)
	for _, m := range c.messages[:tailStart] {
		if m.Role == RoleSystem && !m.notice {
			kept = append(kept, m)
		}
	}
	kept = append(kept, Message{Role: RoleSystem, Content: ResetNotice, notice: true})
	for _, m := range c.messages[tailStart:] {
		if !m.notice {
			kept = append(kept, m)
		}
	}

	c.messages = kept
	c.chars = countChars(kept)
}

func countChars(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

// History returns a copy of the ordered message log.
func (c *Conversation) History() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Clear empties the log. The system prompt is kept.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.chars = 0
}

func (c *Conversation) EstimatedTokens() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return EstimateTokens(c.chars)
}

func (c *Conversation) TokenBudget() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.budget
}

// SetTokenBudget changes the budget; the policy is applied on the next append.
func (c *Conversation) SetTokenBudget(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget = n
}

func (c *Conversation) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemPrompt
}

func (c *Conversation) SetSystemPrompt(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = s
}

func (c *Conversation) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

func (c *Conversation) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Document is the export format.
type Document struct {
	Model        string    `json:"model"`
	SystemPrompt string    `json:"systemPrompt"`
	History      []Message `json:"history"`
	Timestamp    time.Time `json:"timestamp"`
}

// Export serializes model, system prompt and history as an indented JSON document.
func (c *Conversation) Export() ([]byte, error) {
	doc := c.Snapshot()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return data, nil
}

// Snapshot returns the current state as a Document stamped with the current time.
func (c *Conversation) Snapshot() Document {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := make([]Message, len(c.messages))
	copy(history, c.messages)
	return Document{
		Model:        c.model,
		SystemPrompt: c.systemPrompt,
		History:      history,
		Timestamp:    time.Now().UTC(),
	}
}

// Import replaces model, system prompt and history with the contents of blob.
// The blob is fully decoded and validated before anything is assigned, so a
// failed import leaves the conversation untouched.
func (c *Conversation) Import(blob []byte) error {
	var doc Document
	if err := json.Unmarshal(blob, &doc); err != nil {
		return fmt.Errorf("failed to parse conversation: %w", err)
	}
	return c.Restore(doc)
}

// Restore applies a decoded Document with the same all-or-nothing semantics as Import.
// A system message carrying ResetNotice is treated as the reset notice again.
func (c *Conversation) Restore(doc Document) error {
	history := make([]Message, 0, len(doc.History))
	for i, m := range doc.History {
		role, err := ParseRole(string(m.Role))
		if err != nil {
			return fmt.Errorf("failed to parse conversation: message %d: %w", i, err)
		}
		history = append(history, Message{
			Role:    role,
			Content: m.Content,
			notice:  role == RoleSystem && m.Content == ResetNotice,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = doc.Model
	c.systemPrompt = doc.SystemPrompt
	c.messages = history
	c.chars = countChars(history)
	return nil
}
