package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/nyumba/internal/home"
)

type stateRepo struct {
	db *gorm.DB
}

// RecordEntityState appends one snapshot row. Wired as the home
// provider's recorder, so every state change lands here.
func (r *stateRepo) RecordEntityState(ctx context.Context, e home.Entity) error {
	attrs := ""
	if len(e.Attributes) > 0 {
		raw, err := json.Marshal(e.Attributes)
		if err != nil {
			return fmt.Errorf("encoding attributes for %s: %w", e.ID, err)
		}
		attrs = string(raw)
	}

	recordedAt := e.UpdatedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	model := EntityStateModel{
		EntityID:   e.ID,
		Domain:     e.Domain,
		State:      e.State,
		Attributes: attrs,
		RecordedAt: recordedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording state for %s: %w", e.ID, err)
	}
	return nil
}

// History returns the newest snapshots for one entity, newest first.
func (r *stateRepo) History(ctx context.Context, entityID string, limit int) ([]EntityState, error) {
	q := r.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("recorded_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []EntityStateModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading state history for %s: %w", entityID, err)
	}

	states := make([]EntityState, 0, len(models))
	for _, m := range models {
		s := EntityState{
			EntityID:   m.EntityID,
			Domain:     m.Domain,
			State:      m.State,
			RecordedAt: m.RecordedAt,
		}
		if m.Attributes != "" {
			if err := json.Unmarshal([]byte(m.Attributes), &s.Attributes); err != nil {
				return nil, fmt.Errorf("decoding attributes for %s: %w", m.EntityID, err)
			}
		}
		states = append(states, s)
	}
	return states, nil
}

var (
	_ StateStore    = (*stateRepo)(nil)
	_ home.Recorder = (*stateRepo)(nil)
)
