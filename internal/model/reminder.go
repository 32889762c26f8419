package model

import "time"

// ReminderStatus is the lifecycle state of a reminder.
type ReminderStatus string

const (
	StatusScheduled ReminderStatus = "scheduled"
	StatusSnoozed   ReminderStatus = "snoozed"
	StatusPaused    ReminderStatus = "paused"
	StatusCanceled  ReminderStatus = "canceled"
	StatusCompleted ReminderStatus = "completed"
	StatusFailed    ReminderStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ReminderStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusSnoozed, StatusPaused, StatusCanceled, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from s.
func (s ReminderStatus) Terminal() bool {
	switch s {
	case StatusCanceled, StatusCompleted, StatusFailed:
		return true
	case StatusScheduled, StatusSnoozed, StatusPaused:
		return false
	default:
		// Unknown statuses are treated as terminal so they are never dispatched.
		return true
	}
}

// CanTransition reports whether the lifecycle permits moving from s to next.
func (s ReminderStatus) CanTransition(next ReminderStatus) bool {
	switch s {
	case StatusScheduled:
		switch next {
		case StatusSnoozed, StatusPaused, StatusCanceled, StatusCompleted, StatusFailed:
			return true
		}
	case StatusSnoozed:
		switch next {
		case StatusScheduled, StatusCanceled, StatusPaused:
			return true
		}
	case StatusPaused:
		switch next {
		case StatusScheduled, StatusCanceled:
			return true
		}
	case StatusCanceled, StatusCompleted, StatusFailed:
	}
	return false
}

// Frequency describes how a recurring reminder repeats.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom:
		return true
	default:
		return false
	}
}

// Origin records which surface created a reminder.
type Origin string

const (
	OriginVoice     Origin = "voice"
	OriginCaregiver Origin = "caregiver"
)

// PrivacyScope controls who may see a reminder's message.
type PrivacyScope string

const (
	PrivacyShared  PrivacyScope = "shared"
	PrivacyPrivate PrivacyScope = "private"
)

// Recurrence describes how a reminder repeats. TimeOfDay anchors every occurrence
// of the series to the same local wall-clock time.
type Recurrence struct {
	IsRecurring bool
	Frequency   Frequency `gorm:"type:varchar(16)"`
	Interval    int
	DaysOfWeek  []int `gorm:"serializer:json"`
	DayOfMonth  int
	TimeOfDay   string `gorm:"type:varchar(5)"`
	EndsAt      *time.Time
}

// Reminder is a call reminder for a household line. DueAt is always UTC.
// SlotAt is the nominal instant of the current occurrence; snoozes move DueAt
// but leave SlotAt alone so a recurring series advances from its own slot.
type Reminder struct {
	ID                 uint           `gorm:"primaryKey"`
	LineID             string         `gorm:"index;not null"`
	DueAt              time.Time      `gorm:"index;not null"`
	SlotAt             *time.Time     `gorm:"column:slot_at"`
	TimeZone           string         `gorm:"not null"`
	Message            string         `gorm:"type:text;not null"`
	Recurrence         Recurrence     `gorm:"embedded;embeddedPrefix:recur_"`
	Status             ReminderStatus `gorm:"type:varchar(16);index;not null"`
	CurrentSnoozeCount int            `gorm:"not null"`
	IsPaused           bool           `gorm:"not null"`
	PrivacyScope       PrivacyScope   `gorm:"type:varchar(16);not null"`
	Origin             Origin         `gorm:"type:varchar(16);not null"`
	Version            int            `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"autoCreateTime"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime"`
}

// SeriesAnchor returns the instant the next occurrence is computed from.
// Rows written before SlotAt existed fall back to DueAt.
func (r *Reminder) SeriesAnchor() time.Time {
	if r.SlotAt != nil {
		return *r.SlotAt
	}
	return r.DueAt
}
