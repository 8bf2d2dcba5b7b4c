package agent

import (
	"context"
	"testing"

	"github.com/jkaninda/nyumba/internal/llm"
)

func TestMemoryStore_AppendAndHistory(t *testing.T) {
	store := NewMemoryConversationStore()
	ctx := context.Background()

	if err := store.Append(ctx, "conv-1", llm.UserText("one"), llm.AssistantText("two")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Append(ctx, "conv-1", llm.UserText("three")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	history, err := store.History(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[2].Text() != "three" {
		t.Errorf("history[2] = %q, want %q", history[2].Text(), "three")
	}
}

func TestMemoryStore_HistoryLimit(t *testing.T) {
	store := NewMemoryConversationStore()
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c", "d"} {
		if err := store.Append(ctx, "conv-1", llm.UserText(text)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	history, err := store.History(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Text() != "c" || history[1].Text() != "d" {
		t.Errorf("history = %+v, want the newest two messages", history)
	}
}

func TestMemoryStore_UnknownConversationIsEmpty(t *testing.T) {
	store := NewMemoryConversationStore()
	history, err := store.History(context.Background(), "never-seen", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history length = %d, want 0", len(history))
	}
}

func TestMemoryStore_ReplaceToolResult(t *testing.T) {
	store := NewMemoryConversationStore()
	ctx := context.Background()
	msg := llm.Message{Role: llm.RoleUser, Blocks: []llm.ContentBlock{
		llm.ToolResultBlock("call_1", "pending approval", true),
	}}
	if err := store.Append(ctx, "conv-1", msg); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := store.ReplaceToolResult(ctx, "conv-1", "call_1", "door unlocked", false); err != nil {
		t.Fatalf("ReplaceToolResult() error = %v", err)
	}
	history, _ := store.History(ctx, "conv-1", 0)
	block := history[0].Blocks[0]
	if block.Text != "door unlocked" || block.IsError {
		t.Errorf("block = %+v, want the replaced successful result", block)
	}
}

func TestMemoryStore_ReplaceToolResultMissing(t *testing.T) {
	store := NewMemoryConversationStore()
	if err := store.ReplaceToolResult(context.Background(), "conv-1", "call_9", "x", false); err == nil {
		t.Fatal("ReplaceToolResult() for unknown id succeeded, want error")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryConversationStore()
	ctx := context.Background()
	if err := store.Append(ctx, "conv-1", llm.UserText("hello")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	history, _ := store.History(ctx, "conv-1", 0)
	if len(history) != 0 {
		t.Errorf("history length after delete = %d, want 0", len(history))
	}
}

func TestMemoryStore_HistoryReturnsCopies(t *testing.T) {
	store := NewMemoryConversationStore()
	ctx := context.Background()
	if err := store.Append(ctx, "conv-1", llm.UserText("original")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	history, _ := store.History(ctx, "conv-1", 0)
	history[0].Blocks[0].Text = "mutated"

	again, _ := store.History(ctx, "conv-1", 0)
	if again[0].Text() != "original" {
		t.Errorf("stored message = %q, caller mutation leaked into the store", again[0].Text())
	}
}
