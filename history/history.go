// Package history stores per-session conversation transcripts for
// chat-style workflows.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowgraph/flowgraph/ir"
)

// Message is a single turn in a conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Backend persists conversation transcripts keyed by session.
type Backend interface {
	Get(ctx context.Context, sessionID string) ([]Message, error)
	Append(ctx context.Context, sessionID string, msg Message) error
	Set(ctx context.Context, sessionID string, messages []Message) error
	Clear(ctx context.Context, sessionID string) error
}

// NewBackend builds a backend from a history declaration's backend
// config. Supported types are "memory" and "redis".
func NewBackend(config map[string]any) (Backend, error) {
	backendType, _ := config["type"].(string)
	if backendType == "" {
		backendType = "memory"
	}
	switch backendType {
	case "memory":
		return NewMemory(maxTurnsOf(config)), nil
	case "redis":
		url, _ := config["url"].(string)
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("history: parse redis url: %w", err)
		}
		prefix, _ := config["key_prefix"].(string)
		if prefix == "" {
			prefix = "chat_history:"
		}
		var ttl time.Duration
		if seconds := intOf(config["ttl"]); seconds > 0 {
			ttl = time.Duration(seconds) * time.Second
		}
		return NewRedis(redis.NewClient(opts), prefix, maxTurnsOf(config), ttl), nil
	default:
		return nil, fmt.Errorf("history: unknown backend type %q", backendType)
	}
}

// Store holds one backend per declared history along with its system
// message, keyed by history id.
type Store struct {
	entries map[string]Entry
}

// Entry pairs a backend with the system message prepended to prompts.
type Entry struct {
	Backend       Backend
	SystemMessage string
}

// Materialize builds backends for every declared history.
func Materialize(histories map[string]ir.History) (*Store, error) {
	entries := make(map[string]Entry, len(histories))
	for id, decl := range histories {
		backend, err := NewBackend(decl.Backend)
		if err != nil {
			return nil, fmt.Errorf("history %q: %w", id, err)
		}
		entries[id] = Entry{Backend: backend, SystemMessage: decl.SystemMessage}
	}
	return &Store{entries: entries}, nil
}

// Get returns the entry for a history id.
func (s *Store) Get(id string) (Entry, bool) {
	entry, ok := s.entries[id]
	return entry, ok
}

// IDs lists the declared history ids.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// BuildMessages assembles the message list for an LLM call: optional
// system message, prior transcript, then the current prompt.
func BuildMessages(systemMessage string, transcript []Message, prompt string) []Message {
	messages := make([]Message, 0, len(transcript)+2)
	if systemMessage != "" {
		messages = append(messages, Message{Role: "system", Content: systemMessage})
	}
	messages = append(messages, transcript...)
	messages = append(messages, Message{Role: "user", Content: prompt})
	return messages
}

func maxTurnsOf(config map[string]any) int {
	return intOf(config["max_turns"])
}

func intOf(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func marshalMessage(msg Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("history: marshal message: %w", err)
	}
	return string(raw), nil
}
