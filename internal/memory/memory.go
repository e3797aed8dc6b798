// Package memory holds the conversation state threaded through one task
// execution: an ordered list of system context strings and an ordered
// history of role-tagged turns. Memory only grows.
package memory

import (
	"taskflow/internal/llm"
)

// Entry is one turn of conversation history.
type Entry struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Config is the declarative form of a memory.
type Config struct {
	Context []string `json:"context,omitempty" yaml:"context"`
	History []Entry  `json:"history,omitempty" yaml:"history"`
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	return Config{
		Context: append([]string(nil), c.Context...),
		History: append([]Entry(nil), c.History...),
	}
}

// Merge concatenates parent ahead of own, used when a sub-task inherits
// the invoking task's conversation.
func Merge(parent, own Config) Config {
	merged := Config{
		Context: make([]string, 0, len(parent.Context)+len(own.Context)),
		History: make([]Entry, 0, len(parent.History)+len(own.History)),
	}
	merged.Context = append(append(merged.Context, parent.Context...), own.Context...)
	merged.History = append(append(merged.History, parent.History...), own.History...)
	return merged
}

// Memory is the mutable state of one task execution.
type Memory struct {
	context []string
	history []Entry
}

// New creates a memory seeded from config.
func New(config Config) *Memory {
	c := config.Clone()
	return &Memory{context: c.Context, history: c.History}
}

// Context returns a copy of the system context strings.
func (m *Memory) Context() []string {
	return append([]string(nil), m.context...)
}

// History returns a copy of the conversation history.
func (m *Memory) History() []Entry {
	return append([]Entry(nil), m.history...)
}

// Append adds an entry to the history.
func (m *Memory) Append(entry Entry) {
	m.history = append(m.history, entry)
}

// AppendUser adds a user turn.
func (m *Memory) AppendUser(text string) {
	m.Append(Entry{Role: llm.RoleUser, Content: text})
}

// AppendAssistant adds an assistant turn.
func (m *Memory) AppendAssistant(text string) {
	m.Append(Entry{Role: llm.RoleAssistant, Content: text})
}

// LastEntry returns the most recent history entry.
func (m *Memory) LastEntry() (Entry, bool) {
	if len(m.history) == 0 {
		return Entry{}, false
	}
	return m.history[len(m.history)-1], true
}

// EndsWithUserMessage reports whether the latest turn was the user's.
func (m *Memory) EndsWithUserMessage() bool {
	last, ok := m.LastEntry()
	return ok && last.Role == llm.RoleUser
}

// ToConfig snapshots the memory in its declarative form.
func (m *Memory) ToConfig() Config {
	return Config{Context: m.Context(), History: m.History()}
}

// Messages renders context as system messages followed by the history.
func (m *Memory) Messages() []llm.Message {
	messages := make([]llm.Message, 0, len(m.context)+len(m.history))
	for _, text := range m.context {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: text})
	}
	for _, entry := range m.history {
		messages = append(messages, llm.Message{Role: entry.Role, Content: entry.Content})
	}
	return messages
}
