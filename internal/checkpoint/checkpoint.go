// Package checkpoint persists per-conversation message history so that a
// conversation survives process restarts.
//
// A checkpoint is a whole-sequence snapshot keyed by conversation identifier;
// saves replace the previous snapshot rather than appending deltas. The store
// is the single source of truth across restarts — the engine never caches a
// checkpoint beyond one active run.
package checkpoint

import (
	"context"
	"time"

	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm"
)

// Checkpoint is a durable snapshot of one conversation's full state.
type Checkpoint struct {
	// ConversationID is the stable key, e.g. one per chat thread.
	ConversationID string `json:"conversation_id"`

	// Messages is the ordered message sequence. Replaying it reproduces an
	// equivalent conversation: same messages, same order.
	Messages []llm.Message `json:"messages"`

	// Turns is the cumulative model/tool turn count for the conversation.
	Turns int `json:"turns"`

	// UpdatedAt is when this snapshot was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store maps conversation identifiers to their latest checkpoint.
//
// Implementations must support concurrent reads and writes for distinct
// conversation identifiers. Serializing runs for the same identifier is the
// engine's job, not the store's.
type Store interface {
	// Load returns the latest checkpoint for conversationID, or a checkpoint
	// with an empty message sequence when none exists.
	Load(ctx context.Context, conversationID string) (*Checkpoint, error)

	// Save replaces the stored snapshot for cp.ConversationID with cp.
	Save(ctx context.Context, cp *Checkpoint) error

	// Close releases any resources held by the store.
	Close() error
}
