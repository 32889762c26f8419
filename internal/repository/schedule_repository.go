package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pathakanu/carecall/internal/apperr"
	"github.com/pathakanu/carecall/internal/model"
)

// ScheduleRepository persists weekly call schedules with optimistic versioning.
type ScheduleRepository struct {
	db *gorm.DB
}

func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) Get(ctx context.Context, id uint) (*model.Schedule, error) {
	var schedule model.Schedule
	err := r.db.WithContext(ctx).First(&schedule, id).Error
	switch {
	case err == nil:
		return &schedule, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, apperr.New(apperr.CodeNotFound, "schedule %d not found", id)
	default:
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, fmt.Sprintf("find schedule %d", id))
	}
}

func (r *ScheduleRepository) Insert(ctx context.Context, schedule *model.Schedule) error {
	schedule.Version = 1
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return apperr.Wrap(apperr.CodeDatabaseError, err, "create schedule")
	}
	return nil
}

// Update writes schedule when the stored version still matches schedule.Version.
func (r *ScheduleRepository) Update(ctx context.Context, schedule *model.Schedule) error {
	expected := schedule.Version
	schedule.Version = expected + 1

	res := r.db.WithContext(ctx).
		Model(&model.Schedule{ID: schedule.ID}).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(schedule)
	if res.Error != nil {
		schedule.Version = expected
		return apperr.Wrap(apperr.CodeDatabaseError, res.Error, fmt.Sprintf("update schedule %d", schedule.ID))
	}
	if res.RowsAffected == 0 {
		schedule.Version = expected
		var count int64
		if err := r.db.WithContext(ctx).Model(&model.Schedule{}).Where("id = ?", schedule.ID).Count(&count).Error; err != nil {
			return apperr.Wrap(apperr.CodeDatabaseError, err, fmt.Sprintf("count schedule %d", schedule.ID))
		}
		if count == 0 {
			return apperr.New(apperr.CodeNotFound, "schedule %d not found", schedule.ID)
		}
		return apperr.ErrVersionConflict
	}
	return nil
}

// ListDue returns enabled schedules whose next call is at or before now.
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error) {
	var schedules []model.Schedule
	query := r.db.WithContext(ctx).
		Where("enabled = ? AND next_call_at IS NOT NULL AND next_call_at <= ?", true, now.UTC()).
		Order("next_call_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&schedules).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "list due schedules")
	}
	return schedules, nil
}

// ListByLine returns every schedule of a line, enabled or not.
func (r *ScheduleRepository) ListByLine(ctx context.Context, lineID string) ([]model.Schedule, error) {
	var schedules []model.Schedule
	if err := r.db.WithContext(ctx).Where("line_id = ?", lineID).Order("id ASC").Find(&schedules).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "list schedules by line")
	}
	return schedules, nil
}
