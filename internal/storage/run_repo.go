package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type runRepo struct {
	db *gorm.DB
}

func (r *runRepo) Record(ctx context.Context, run Run) error {
	model := RunModel{
		ID:             run.ID,
		ReportID:       run.ReportID,
		ConversationID: run.ConversationID,
		Policy:         run.Policy,
		Image:          run.Image,
		Sandboxed:      run.Sandboxed,
		Success:        run.Success,
		TimedOut:       run.TimedOut,
		ExitCode:       run.ExitCode,
		DurationMS:     run.Duration.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

func (r *runRepo) List(ctx context.Context, limit int) ([]Run, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return toRuns(models), nil
}

func (r *runRepo) ListByReport(ctx context.Context, reportID string) ([]Run, error) {
	var models []RunModel
	err := r.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs for report %s: %w", reportID, err)
	}
	return toRuns(models), nil
}

func toRuns(models []RunModel) []Run {
	runs := make([]Run, 0, len(models))
	for _, m := range models {
		runs = append(runs, Run{
			ID:             m.ID,
			ReportID:       m.ReportID,
			ConversationID: m.ConversationID,
			Policy:         m.Policy,
			Image:          m.Image,
			Sandboxed:      m.Sandboxed,
			Success:        m.Success,
			TimedOut:       m.TimedOut,
			ExitCode:       m.ExitCode,
			Duration:       time.Duration(m.DurationMS) * time.Millisecond,
			CreatedAt:      m.CreatedAt,
		})
	}
	return runs
}

var _ RunStore = (*runRepo)(nil)
