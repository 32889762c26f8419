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

// dispatchableStatuses are the reminder states a dispatcher may fire.
var dispatchableStatuses = []model.ReminderStatus{model.StatusScheduled, model.StatusSnoozed}

// ReminderRepository persists reminders with optimistic versioning.
type ReminderRepository struct {
	db *gorm.DB
}

func NewReminderRepository(db *gorm.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

func (r *ReminderRepository) Get(ctx context.Context, id uint) (*model.Reminder, error) {
	var reminder model.Reminder
	err := r.db.WithContext(ctx).First(&reminder, id).Error
	switch {
	case err == nil:
		return &reminder, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, apperr.New(apperr.CodeNotFound, "reminder %d not found", id)
	default:
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, fmt.Sprintf("find reminder %d", id))
	}
}

// Insert stores a new reminder at version 1.
func (r *ReminderRepository) Insert(ctx context.Context, reminder *model.Reminder) error {
	reminder.Version = 1
	if err := r.db.WithContext(ctx).Create(reminder).Error; err != nil {
		return apperr.Wrap(apperr.CodeDatabaseError, err, "create reminder")
	}
	return nil
}

// Update writes every column of reminder when the stored version still matches
// reminder.Version. On success the version is bumped in place.
func (r *ReminderRepository) Update(ctx context.Context, reminder *model.Reminder) error {
	expected := reminder.Version
	reminder.Version = expected + 1

	res := r.db.WithContext(ctx).
		Model(&model.Reminder{ID: reminder.ID}).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(reminder)
	if res.Error != nil {
		reminder.Version = expected
		return apperr.Wrap(apperr.CodeDatabaseError, res.Error, fmt.Sprintf("update reminder %d", reminder.ID))
	}
	if res.RowsAffected == 0 {
		reminder.Version = expected
		return r.missingOrStale(ctx, reminder.ID)
	}
	return nil
}

func (r *ReminderRepository) missingOrStale(ctx context.Context, id uint) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Reminder{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return apperr.Wrap(apperr.CodeDatabaseError, err, fmt.Sprintf("count reminder %d", id))
	}
	if count == 0 {
		return apperr.New(apperr.CodeNotFound, "reminder %d not found", id)
	}
	return apperr.ErrVersionConflict
}

// ListDue returns scheduled or snoozed reminders whose due time is at or before now.
func (r *ReminderRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	var reminders []model.Reminder
	query := r.db.WithContext(ctx).
		Where("status IN ? AND due_at <= ?", dispatchableStatuses, now.UTC()).
		Order("due_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&reminders).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "list due reminders")
	}
	return reminders, nil
}

// ListByLine returns the non-terminal reminders of a line ordered by due time.
func (r *ReminderRepository) ListByLine(ctx context.Context, lineID string) ([]model.Reminder, error) {
	var reminders []model.Reminder
	if err := r.db.WithContext(ctx).
		Where("line_id = ? AND status IN ?", lineID, []model.ReminderStatus{model.StatusScheduled, model.StatusSnoozed, model.StatusPaused}).
		Order("due_at ASC, id ASC").
		Find(&reminders).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "list reminders by line")
	}
	return reminders, nil
}
