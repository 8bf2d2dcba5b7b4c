package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/nyumba/internal/agent"
	"github.com/jkaninda/nyumba/internal/llm"
)

type conversationRepo struct {
	db *gorm.DB
}

// History returns the newest messages oldest-first, up to limit.
func (r *conversationRepo) History(ctx context.Context, conversationID string, limit int) ([]llm.Message, error) {
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []MessageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", conversationID, err)
	}

	// Newest-first from the query; flip to conversation order.
	msgs := make([]llm.Message, len(models))
	for i, m := range models {
		msg, err := toMessage(m)
		if err != nil {
			return nil, err
		}
		msgs[len(models)-1-i] = msg
	}
	return msgs, nil
}

// Append writes messages under monotonically increasing sequence numbers,
// creating the conversation row on first use.
func (r *conversationRepo) Append(ctx context.Context, conversationID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		conv := ConversationModel{ID: conversationID, CreatedAt: now, UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{"updated_at": now}),
		}).Create(&conv).Error
		if err != nil {
			return fmt.Errorf("ensuring conversation %s: %w", conversationID, err)
		}

		var maxSeq int
		err = tx.Model(&MessageModel{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("reading max seq for %s: %w", conversationID, err)
		}

		models := make([]MessageModel, 0, len(msgs))
		for i, msg := range msgs {
			blocks, err := json.Marshal(msg.Blocks)
			if err != nil {
				return fmt.Errorf("encoding message blocks: %w", err)
			}
			models = append(models, MessageModel{
				ConversationID: conversationID,
				Seq:            maxSeq + i + 1,
				Role:           string(msg.Role),
				Blocks:         string(blocks),
				CreatedAt:      now,
			})
		}
		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("inserting messages for %s: %w", conversationID, err)
		}
		return nil
	})
}

// ReplaceToolResult rewrites the newest tool_result block matching
// toolUseID, scanning from the most recent message backwards.
func (r *conversationRepo) ReplaceToolResult(ctx context.Context, conversationID, toolUseID, content string, isError bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []MessageModel
		err := tx.Where("conversation_id = ?", conversationID).
			Order("seq DESC").
			Find(&models).Error
		if err != nil {
			return fmt.Errorf("loading messages for %s: %w", conversationID, err)
		}

		for _, m := range models {
			var blocks []llm.ContentBlock
			if err := json.Unmarshal([]byte(m.Blocks), &blocks); err != nil {
				return fmt.Errorf("decoding message %d blocks: %w", m.Seq, err)
			}
			replaced := false
			for i := range blocks {
				if blocks[i].Type == "tool_result" && blocks[i].ToolUseID == toolUseID {
					blocks[i].Text = content
					blocks[i].IsError = isError
					replaced = true
					break
				}
			}
			if !replaced {
				continue
			}

			raw, err := json.Marshal(blocks)
			if err != nil {
				return fmt.Errorf("encoding message %d blocks: %w", m.Seq, err)
			}
			return tx.Model(&MessageModel{}).
				Where("id = ?", m.ID).
				Update("blocks", string(raw)).Error
		}
		return fmt.Errorf("no tool_result for tool_use_id %s in conversation %s", toolUseID, conversationID)
	})
}

func (r *conversationRepo) Delete(ctx context.Context, conversationID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&MessageModel{}).Error; err != nil {
			return fmt.Errorf("deleting messages for %s: %w", conversationID, err)
		}
		if err := tx.Where("id = ?", conversationID).Delete(&ConversationModel{}).Error; err != nil {
			return fmt.Errorf("deleting conversation %s: %w", conversationID, err)
		}
		return nil
	})
}

func toMessage(m MessageModel) (llm.Message, error) {
	var blocks []llm.ContentBlock
	if err := json.Unmarshal([]byte(m.Blocks), &blocks); err != nil {
		return llm.Message{}, fmt.Errorf("decoding message %d blocks: %w", m.Seq, err)
	}
	role := llm.Role(m.Role)
	if role != llm.RoleUser && role != llm.RoleAssistant {
		return llm.Message{}, errors.New("unknown message role " + m.Role)
	}
	return llm.Message{Role: role, Blocks: blocks}, nil
}

var _ agent.ConversationStore = (*conversationRepo)(nil)
