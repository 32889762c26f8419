package model

import "time"

// RetryPolicy bounds how often an unanswered scheduled call is retried.
type RetryPolicy struct {
	MaxRetries         int
	RetryWindowMinutes int
}

// Schedule is a weekly companionship call plan for a household line.
type Schedule struct {
	ID           uint        `gorm:"primaryKey"`
	LineID       string      `gorm:"index;not null"`
	TimeZone     string      `gorm:"not null"`
	DaysOfWeek   []int       `gorm:"serializer:json;not null"`
	TimeOfDay    string      `gorm:"type:varchar(5);not null"`
	Enabled      bool        `gorm:"index;not null"`
	Retry        RetryPolicy `gorm:"embedded;embeddedPrefix:retry_"`
	NextCallAt   *time.Time  `gorm:"index"`
	SlotAt       *time.Time
	RetryAttempt int       `gorm:"not null"`
	Version      int       `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}
