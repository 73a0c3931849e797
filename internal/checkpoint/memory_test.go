package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/lifeos-labs/lifeos-agent/internal/checkpoint"
	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm"
)

func TestMemoryStore_LoadUnknownReturnsEmpty(t *testing.T) {
	t.Parallel()
	store := checkpoint.NewMemoryStore()

	cp, err := store.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.ConversationID != "nope" {
		t.Errorf("ConversationID = %q", cp.ConversationID)
	}
	if len(cp.Messages) != 0 || cp.Turns != 0 {
		t.Errorf("expected empty checkpoint, got %+v", cp)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	t.Parallel()
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()

	in := &checkpoint.Checkpoint{
		ConversationID: "chat-1",
		Messages: []llm.Message{
			{ID: "1", Role: llm.RoleUser, Content: "hi"},
			{ID: "2", Role: llm.RoleAssistant, Content: "hello"},
		},
		Turns:     1,
		UpdatedAt: time.Now(),
	}
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := store.Load(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out.Messages) != 2 || out.Messages[1].Content != "hello" || out.Turns != 1 {
		t.Errorf("loaded checkpoint = %+v", out)
	}
}

func TestMemoryStore_SaveReplacesWholeSequence(t *testing.T) {
	t.Parallel()
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()

	first := &checkpoint.Checkpoint{
		ConversationID: "chat-1",
		Messages: []llm.Message{
			{ID: "1", Role: llm.RoleUser, Content: "one"},
			{ID: "2", Role: llm.RoleAssistant, Content: "two"},
			{ID: "3", Role: llm.RoleUser, Content: "three"},
		},
	}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A shorter sequence must fully replace the longer one.
	second := &checkpoint.Checkpoint{
		ConversationID: "chat-1",
		Messages:       []llm.Message{{ID: "9", Role: llm.RoleUser, Content: "fresh"}},
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, _ := store.Load(ctx, "chat-1")
	if len(out.Messages) != 1 || out.Messages[0].ID != "9" {
		t.Errorf("replacement failed, got %+v", out.Messages)
	}
}

func TestMemoryStore_IsolatesCallersFromStoredState(t *testing.T) {
	t.Parallel()
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()

	in := &checkpoint.Checkpoint{
		ConversationID: "chat-1",
		Messages:       []llm.Message{{ID: "1", Role: llm.RoleUser, Content: "original"}},
	}
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	in.Messages[0].Content = "mutated after save"

	out, _ := store.Load(ctx, "chat-1")
	if out.Messages[0].Content != "original" {
		t.Error("store must deep-copy on Save")
	}

	out.Messages[0].Content = "mutated after load"
	again, _ := store.Load(ctx, "chat-1")
	if again.Messages[0].Content != "original" {
		t.Error("store must deep-copy on Load")
	}
}
