package history

import (
	"context"
	"sync"
)

// Memory keeps transcripts in process memory. Intended for tests and
// single-process runs.
type Memory struct {
	mu       sync.Mutex
	sessions map[string][]Message
	maxTurns int
}

// NewMemory creates an in-memory backend. maxTurns <= 0 keeps the full
// transcript.
func NewMemory(maxTurns int) *Memory {
	return &Memory{sessions: make(map[string][]Message), maxTurns: maxTurns}
}

func (m *Memory) Get(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.sessions[sessionID]
	out := make([]Message, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *Memory) Append(_ context.Context, sessionID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = m.prune(append(m.sessions[sessionID], msg))
	return nil
}

func (m *Memory) Set(_ context.Context, sessionID string, messages []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]Message, len(messages))
	copy(stored, messages)
	m.sessions[sessionID] = m.prune(stored)
	return nil
}

func (m *Memory) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) prune(messages []Message) []Message {
	if m.maxTurns > 0 && len(messages) > m.maxTurns {
		return messages[len(messages)-m.maxTurns:]
	}
	return messages
}
