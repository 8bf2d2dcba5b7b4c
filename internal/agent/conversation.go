package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/jkaninda/nyumba/internal/llm"
)

// DefaultMaxHistory caps the messages loaded per conversation when no
// override is configured.
const DefaultMaxHistory = 100

// ConversationStore persists conversation history.
type ConversationStore interface {
	// History returns the most recent messages of a conversation, up to
	// limit, ordered oldest-first. Unknown conversations yield an empty
	// history, not an error.
	History(ctx context.Context, conversationID string, limit int) ([]llm.Message, error)

	// Append adds messages to the end of a conversation, creating it on
	// first use.
	Append(ctx context.Context, conversationID string, msgs ...llm.Message) error

	// ReplaceToolResult rewrites the newest tool_result block matching
	// toolUseID, replacing an approval placeholder with the real outcome.
	ReplaceToolResult(ctx context.Context, conversationID, toolUseID, content string, isError bool) error

	// Delete removes the conversation and all its messages.
	Delete(ctx context.Context, conversationID string) error
}

// MemoryConversationStore keeps history in process memory. It is the
// default store; everything is lost on restart.
type MemoryConversationStore struct {
	mu      sync.RWMutex
	history map[string][]llm.Message
}

// NewMemoryConversationStore creates an ephemeral conversation store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{history: make(map[string][]llm.Message)}
}

func (s *MemoryConversationStore) History(_ context.Context, conversationID string, limit int) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.history[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return copyMessages(msgs), nil
}

func (s *MemoryConversationStore) Append(_ context.Context, conversationID string, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[conversationID] = append(s.history[conversationID], copyMessages(msgs)...)
	return nil
}

func (s *MemoryConversationStore) ReplaceToolResult(_ context.Context, conversationID, toolUseID, content string, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.history[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		for j := range msgs[i].Blocks {
			b := &msgs[i].Blocks[j]
			if b.Type == "tool_result" && b.ToolUseID == toolUseID {
				b.Text = content
				b.IsError = isError
				return nil
			}
		}
	}
	return fmt.Errorf("no tool_result for tool_use_id %s in conversation %s", toolUseID, conversationID)
}

func (s *MemoryConversationStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, conversationID)
	return nil
}

// copyMessages deep-copies the block slices so callers and the store
// never share mutable state.
func copyMessages(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Blocks: make([]llm.ContentBlock, len(m.Blocks))}
		copy(out[i].Blocks, m.Blocks)
	}
	return out
}

var _ ConversationStore = (*MemoryConversationStore)(nil)
