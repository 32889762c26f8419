package model

import "time"

// RateCounter is a fixed-window request counter for one rate-limit key.
type RateCounter struct {
	Key         string    `gorm:"primaryKey;size:255"`
	Count       int       `gorm:"not null"`
	WindowStart time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"index;not null"`
}
