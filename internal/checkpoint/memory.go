package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm"
)

// MemoryStore is an in-process [Store]. It backs local runs without a
// database and is the default test double.
//
// Snapshots are deep-copied on both paths so callers can keep mutating their
// slices after Save.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

// Load implements [Store].
func (s *MemoryStore) Load(_ context.Context, conversationID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[conversationID]
	if !ok {
		return &Checkpoint{ConversationID: conversationID}, nil
	}
	return copyCheckpoint(cp), nil
}

// Save implements [Store].
func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyCheckpoint(cp)
	stored.UpdatedAt = time.Now()
	s.checkpoints[cp.ConversationID] = stored
	return nil
}

// Close implements [Store].
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored conversations. Used by tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints)
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	messages := make([]llm.Message, len(cp.Messages))
	copy(messages, cp.Messages)
	for i := range messages {
		if len(messages[i].ToolCalls) > 0 {
			calls := make([]llm.ToolCall, len(messages[i].ToolCalls))
			copy(calls, messages[i].ToolCalls)
			messages[i].ToolCalls = calls
		}
	}
	return &Checkpoint{
		ConversationID: cp.ConversationID,
		Messages:       messages,
		Turns:          cp.Turns,
		UpdatedAt:      cp.UpdatedAt,
	}
}
