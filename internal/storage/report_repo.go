package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrReportNotFound is returned for lookups of unknown report ids.
var ErrReportNotFound = errors.New("report not found")

type reportRepo struct {
	db *gorm.DB
}

func (r *reportRepo) Ensure(ctx context.Context, reportID, conversationID string) error {
	now := time.Now().UTC()
	model := ReportModel{
		ID:             reportID,
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{"updated_at": now}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("ensuring report %s: %w", reportID, err)
	}
	return nil
}

func (r *reportRepo) AttachArtifact(ctx context.Context, art Artifact) error {
	model := ArtifactModel{
		ReportID:  art.ReportID,
		Filename:  art.Filename,
		MediaType: art.MediaType,
		SizeBytes: art.SizeBytes,
		CreatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "report_id"}, {Name: "filename"}},
			DoUpdates: clause.AssignmentColumns([]string{"media_type", "size_bytes", "created_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("attaching artifact %s/%s: %w", art.ReportID, art.Filename, err)
	}
	return nil
}

func (r *reportRepo) Get(ctx context.Context, reportID string) (*Report, error) {
	var model ReportModel
	err := r.db.WithContext(ctx).Where("id = ?", reportID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading report %s: %w", reportID, err)
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&ArtifactModel{}).Where("report_id = ?", reportID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("counting artifacts for %s: %w", reportID, err)
	}
	report := toReport(model)
	report.ArtifactCount = int(count)
	return &report, nil
}

func (r *reportRepo) List(ctx context.Context, limit int) ([]Report, error) {
	q := r.db.WithContext(ctx).Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []ReportModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	reports := make([]Report, 0, len(models))
	for _, m := range models {
		var count int64
		if err := r.db.WithContext(ctx).Model(&ArtifactModel{}).Where("report_id = ?", m.ID).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("counting artifacts for %s: %w", m.ID, err)
		}
		report := toReport(m)
		report.ArtifactCount = int(count)
		reports = append(reports, report)
	}
	return reports, nil
}

func (r *reportRepo) Artifacts(ctx context.Context, reportID string) ([]Artifact, error) {
	var models []ArtifactModel
	err := r.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("filename ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing artifacts for %s: %w", reportID, err)
	}

	arts := make([]Artifact, 0, len(models))
	for _, m := range models {
		arts = append(arts, Artifact{
			ReportID:  m.ReportID,
			Filename:  m.Filename,
			MediaType: m.MediaType,
			SizeBytes: m.SizeBytes,
			CreatedAt: m.CreatedAt,
		})
	}
	return arts, nil
}

func (r *reportRepo) Delete(ctx context.Context, reportID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("report_id = ?", reportID).Delete(&ArtifactModel{}).Error; err != nil {
			return fmt.Errorf("deleting artifacts for %s: %w", reportID, err)
		}
		if err := tx.Where("id = ?", reportID).Delete(&ReportModel{}).Error; err != nil {
			return fmt.Errorf("deleting report %s: %w", reportID, err)
		}
		return nil
	})
}

func (r *reportRepo) OlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&ReportModel{}).
		Where("updated_at < ?", cutoff.UTC()).
		Order("updated_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing reports older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return ids, nil
}

func toReport(m ReportModel) Report {
	return Report{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

var _ ReportStore = (*reportRepo)(nil)
