package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type decisionRepo struct {
	db *gorm.DB
}

func (r *decisionRepo) Record(ctx context.Context, d Decision) error {
	params := ""
	if len(d.Params) > 0 {
		raw, err := json.Marshal(d.Params)
		if err != nil {
			return fmt.Errorf("encoding params for decision %s: %w", d.ID, err)
		}
		params = string(raw)
	}

	model := DecisionModel{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		ToolCallID:     d.ToolCallID,
		ToolName:       d.ToolName,
		Params:         params,
		Status:         d.Status,
		ResolvedBy:     d.ResolvedBy,
		CreatedAt:      d.CreatedAt,
		ResolvedAt:     d.ResolvedAt,
	}
	// An approval resolved twice across restarts keeps the latest row.
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "resolved_by", "resolved_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("recording decision %s: %w", d.ID, err)
	}
	return nil
}

func (r *decisionRepo) List(ctx context.Context, limit int) ([]Decision, error) {
	q := r.db.WithContext(ctx).Order("resolved_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []DecisionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}

	decisions := make([]Decision, 0, len(models))
	for _, m := range models {
		d := Decision{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			ToolCallID:     m.ToolCallID,
			ToolName:       m.ToolName,
			Status:         m.Status,
			ResolvedBy:     m.ResolvedBy,
			CreatedAt:      m.CreatedAt,
			ResolvedAt:     m.ResolvedAt,
		}
		if m.Params != "" {
			if err := json.Unmarshal([]byte(m.Params), &d.Params); err != nil {
				return nil, fmt.Errorf("decoding params for decision %s: %w", m.ID, err)
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

var _ DecisionStore = (*decisionRepo)(nil)
