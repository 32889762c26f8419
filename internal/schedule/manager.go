// Package schedule manages weekly companionship call schedules.
package schedule

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pathakanu/carecall/internal/apperr"
	"github.com/pathakanu/carecall/internal/model"
	"github.com/pathakanu/carecall/internal/occurrence"
)

const (
	DefaultMaxRetries         = 2
	DefaultRetryWindowMinutes = 30

	maxRetries            = 10
	minRetryWindowMinutes = 5
	maxRetryWindowMinutes = 1440
	maxConflictAttempts   = 3
)

// DefaultRetryPolicy is applied when a schedule is created without one.
var DefaultRetryPolicy = model.RetryPolicy{MaxRetries: DefaultMaxRetries, RetryWindowMinutes: DefaultRetryWindowMinutes}

// Store is the persistence contract the manager relies on.
type Store interface {
	Get(ctx context.Context, id uint) (*model.Schedule, error)
	Insert(ctx context.Context, schedule *model.Schedule) error
	Update(ctx context.Context, schedule *model.Schedule) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error)
	ListByLine(ctx context.Context, lineID string) ([]model.Schedule, error)
}

// Manager validates and mutates schedules and computes their call times.
type Manager struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewManager(store Store, log zerolog.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store: store,
		log:   log.With().Str("component", "schedule").Logger(),
		now:   now,
	}
}

// CreateInput carries a create command. Enabled defaults to true and Retry to
// DefaultRetryPolicy.
type CreateInput struct {
	LineID     string
	TimeZone   string
	DaysOfWeek []int
	TimeOfDay  string
	Enabled    *bool
	Retry      *model.RetryPolicy
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	TimeZone   *string
	DaysOfWeek []int
	TimeOfDay  *string
	Enabled    *bool
	Retry      *model.RetryPolicy
}

func (m *Manager) Create(ctx context.Context, in CreateInput) (*model.Schedule, error) {
	lineID := strings.TrimSpace(in.LineID)
	if lineID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "line id is required")
	}
	loc, err := occurrence.LoadZone(in.TimeZone)
	if err != nil {
		return nil, err
	}
	if err := occurrence.ValidateWeekdays(in.DaysOfWeek); err != nil {
		return nil, err
	}
	tod, err := occurrence.ParseTimeOfDay(in.TimeOfDay)
	if err != nil {
		return nil, err
	}
	retry := DefaultRetryPolicy
	if in.Retry != nil {
		if err := validateRetry(*in.Retry); err != nil {
			return nil, err
		}
		retry = *in.Retry
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	sched := &model.Schedule{
		LineID:     lineID,
		TimeZone:   loc.String(),
		DaysOfWeek: occurrence.NormalizeWeekdays(in.DaysOfWeek),
		TimeOfDay:  tod.String(),
		Enabled:    enabled,
		Retry:      retry,
	}
	if err := m.checkConflict(ctx, sched); err != nil {
		return nil, err
	}
	if err := m.reslot(sched, m.now()); err != nil {
		return nil, err
	}
	if err := m.store.Insert(ctx, sched); err != nil {
		return nil, err
	}

	event := m.log.Info().Uint("schedule_id", sched.ID).Str("line_id", lineID).Bool("enabled", enabled)
	if sched.NextCallAt != nil {
		event = event.Time("next_call_at", *sched.NextCallAt)
	}
	event.Msg("schedule created")
	return sched, nil
}

// Update validates only the supplied fields and applies them. Disabling keeps
// the row so the schedule can be re-enabled later.
func (m *Manager) Update(ctx context.Context, id uint, in UpdateInput) (*model.Schedule, error) {
	var zone string
	if in.TimeZone != nil {
		loc, err := occurrence.LoadZone(*in.TimeZone)
		if err != nil {
			return nil, err
		}
		zone = loc.String()
	}
	if in.DaysOfWeek != nil {
		if err := occurrence.ValidateWeekdays(in.DaysOfWeek); err != nil {
			return nil, err
		}
	}
	var tod string
	if in.TimeOfDay != nil {
		parsed, err := occurrence.ParseTimeOfDay(*in.TimeOfDay)
		if err != nil {
			return nil, err
		}
		tod = parsed.String()
	}
	if in.Retry != nil {
		if err := validateRetry(*in.Retry); err != nil {
			return nil, err
		}
	}

	sched, err := m.mutate(ctx, id, func(s *model.Schedule, now time.Time) error {
		timing := false
		if in.TimeZone != nil && zone != s.TimeZone {
			s.TimeZone = zone
			timing = true
		}
		if in.DaysOfWeek != nil {
			s.DaysOfWeek = occurrence.NormalizeWeekdays(in.DaysOfWeek)
			timing = true
		}
		if in.TimeOfDay != nil && tod != s.TimeOfDay {
			s.TimeOfDay = tod
			timing = true
		}
		if in.Enabled != nil && *in.Enabled != s.Enabled {
			s.Enabled = *in.Enabled
			timing = true
		}
		if in.Retry != nil {
			s.Retry = *in.Retry
		}
		if !timing {
			return nil
		}
		if err := m.checkConflict(ctx, s); err != nil {
			return err
		}
		return m.reslot(s, now)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Uint("schedule_id", id).Bool("enabled", sched.Enabled).Msg("schedule updated")
	return sched, nil
}

// NextCall returns the next call instant of s strictly after `after`.
func (m *Manager) NextCall(s *model.Schedule, after time.Time) (time.Time, error) {
	loc, err := occurrence.LoadZone(s.TimeZone)
	if err != nil {
		return time.Time{}, err
	}
	tod, err := occurrence.ParseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	next, ok := occurrence.NextWeekly(tod, loc, s.DaysOfWeek, after)
	if !ok {
		return time.Time{}, apperr.New(apperr.CodeInvalidInput, "schedule %d has no call days", s.ID)
	}
	return next, nil
}

// RecordCallOutcome reports the result of the call fired at firedAt. An
// unanswered call is retried inside the retry window while attempts remain;
// otherwise the schedule moves to its next weekly slot. An answered call
// settles its slot even when a retry has already been armed for it. Reports
// for a slot the schedule has already moved past are ignored.
func (m *Manager) RecordCallOutcome(ctx context.Context, id uint, firedAt time.Time, answered bool) (*model.Schedule, error) {
	firedAt = firedAt.UTC()
	sched, err := m.mutate(ctx, id, func(s *model.Schedule, _ time.Time) error {
		if !s.Enabled || s.NextCallAt == nil {
			return errUnchanged
		}
		slot := *s.NextCallAt
		if s.SlotAt != nil {
			slot = *s.SlotAt
		}
		if answered {
			if firedAt.Before(slot) || (s.RetryAttempt == 0 && s.NextCallAt.After(firedAt)) {
				return errUnchanged
			}
		} else if s.NextCallAt.After(firedAt) {
			return errUnchanged
		}

		if !answered && s.RetryAttempt < s.Retry.MaxRetries {
			window := time.Duration(s.Retry.RetryWindowMinutes) * time.Minute
			retryAt := firedAt.Add(window / time.Duration(s.Retry.MaxRetries)).Truncate(time.Second)
			if !retryAt.After(slot.Add(window)) {
				s.NextCallAt = &retryAt
				s.SlotAt = &slot
				s.RetryAttempt++
				return nil
			}
		}

		next, err := m.NextCall(s, firedAt)
		if err != nil {
			return err
		}
		s.NextCallAt = &next
		s.SlotAt = &next
		s.RetryAttempt = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().
		Uint("schedule_id", id).
		Bool("answered", answered).
		Int("retry_attempt", sched.RetryAttempt).
		Msg("schedule call outcome recorded")
	return sched, nil
}

func (m *Manager) Get(ctx context.Context, id uint) (*model.Schedule, error) {
	return m.load(ctx, id)
}

// ListDue returns enabled schedules whose next call is due at now.
func (m *Manager) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error) {
	schedules, err := m.store.ListDue(ctx, now, limit)
	if errors.Is(err, apperr.ErrDatabase) {
		schedules, err = m.store.ListDue(ctx, now, limit)
	}
	return schedules, err
}

// reslot recomputes the next call of s from now, clearing it when disabled.
func (m *Manager) reslot(s *model.Schedule, now time.Time) error {
	s.RetryAttempt = 0
	if !s.Enabled {
		s.NextCallAt = nil
		s.SlotAt = nil
		return nil
	}
	next, err := m.NextCall(s, now)
	if err != nil {
		return err
	}
	s.NextCallAt = &next
	s.SlotAt = &next
	return nil
}

// checkConflict rejects a second enabled schedule on the same line that rings
// at the same time on an overlapping day.
func (m *Manager) checkConflict(ctx context.Context, s *model.Schedule) error {
	if !s.Enabled {
		return nil
	}
	existing, err := m.store.ListByLine(ctx, s.LineID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == s.ID || !other.Enabled || other.TimeOfDay != s.TimeOfDay {
			continue
		}
		if overlaps(other.DaysOfWeek, s.DaysOfWeek) {
			return apperr.New(apperr.CodeScheduleConflict, "schedule %d already calls line %s at %s", other.ID, s.LineID, s.TimeOfDay)
		}
	}
	return nil
}

var errUnchanged = errors.New("schedule unchanged")

func (m *Manager) mutate(ctx context.Context, id uint, apply func(s *model.Schedule, now time.Time) error) (*model.Schedule, error) {
	for attempt := 0; attempt < maxConflictAttempts; attempt++ {
		sched, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := apply(sched, m.now().UTC()); err != nil {
			if errors.Is(err, errUnchanged) {
				return sched, nil
			}
			return nil, err
		}
		err = m.store.Update(ctx, sched)
		if err == nil {
			return sched, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, apperr.New(apperr.CodeScheduleConflict, "schedule %d is being changed concurrently", id)
}

func (m *Manager) load(ctx context.Context, id uint) (*model.Schedule, error) {
	sched, err := m.store.Get(ctx, id)
	if errors.Is(err, apperr.ErrDatabase) && ctx.Err() == nil {
		m.log.Warn().Err(err).Uint("schedule_id", id).Msg("retrying schedule read")
		sched, err = m.store.Get(ctx, id)
	}
	return sched, err
}

func validateRetry(p model.RetryPolicy) error {
	if p.MaxRetries < 0 || p.MaxRetries > maxRetries {
		return apperr.New(apperr.CodeInvalidInput, "max retries %d is out of range 0-%d", p.MaxRetries, maxRetries)
	}
	if p.RetryWindowMinutes < minRetryWindowMinutes || p.RetryWindowMinutes > maxRetryWindowMinutes {
		return apperr.New(apperr.CodeInvalidInput, "retry window %d minutes is out of range %d-%d",
			p.RetryWindowMinutes, minRetryWindowMinutes, maxRetryWindowMinutes)
	}
	return nil
}

func overlaps(a, b []int) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
