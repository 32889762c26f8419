// Package reminder owns the reminder lifecycle: creation, snooze, pause, resume,
// cancellation, edits and dispatcher completion reports.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pathakanu/carecall/internal/apperr"
	"github.com/pathakanu/carecall/internal/model"
	"github.com/pathakanu/carecall/internal/occurrence"
)

const (
	// MaxSnoozes is the number of snoozes a reminder accepts before it must fire.
	MaxSnoozes = 3
	// DefaultMinLead is the minimum lead time for one-time voice reminders.
	DefaultMinLead = 5 * time.Minute

	maxConflictAttempts = 3
	maxInterval         = 365
)

// SnoozeDurations lists the accepted snooze lengths in minutes.
var SnoozeDurations = []int{5, 10, 15, 30, 60}

// Store is the persistence contract the manager relies on.
type Store interface {
	Get(ctx context.Context, id uint) (*model.Reminder, error)
	Insert(ctx context.Context, reminder *model.Reminder) error
	Update(ctx context.Context, reminder *model.Reminder) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	ListByLine(ctx context.Context, lineID string) ([]model.Reminder, error)
}

// Manager applies lifecycle rules to reminders.
type Manager struct {
	store   Store
	log     zerolog.Logger
	now     func() time.Time
	minLead time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMinLead sets the minimum lead time for one-time voice reminders.
func WithMinLead(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.minLead = d
		}
	}
}

func NewManager(store Store, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		log:     log.With().Str("component", "reminder").Logger(),
		now:     time.Now,
		minLead: DefaultMinLead,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecurrenceInput describes a repeating reminder in structured form.
type RecurrenceInput struct {
	Frequency   model.Frequency
	Interval    int
	DaysOfWeek  []int
	DayOfMonth  int
	EndsAtLocal string
}

// CreateInput carries a validated create command.
type CreateInput struct {
	LineID       string
	TimeZone     string
	DueAtLocal   string
	Message      string
	Recurrence   *RecurrenceInput
	Origin       model.Origin
	PrivacyScope model.PrivacyScope
}

// TooSoonError rejects a due time inside the minimum lead window and offers
// the earliest time that would be accepted.
type TooSoonError struct {
	Requested time.Time
	Earliest  time.Time
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("%s: due time %s is too soon, earliest allowed is %s",
		apperr.CodeDueTimeTooSoon, e.Requested.Format(time.RFC3339), e.Earliest.Format(time.RFC3339))
}

func (e *TooSoonError) Unwrap() error { return apperr.ErrDueTimeTooSoon }

// Create validates input, converts the local due time to UTC and stores a
// scheduled reminder.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*model.Reminder, error) {
	lineID := strings.TrimSpace(in.LineID)
	if lineID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "line id is required")
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "message is required")
	}
	loc, err := occurrence.LoadZone(in.TimeZone)
	if err != nil {
		return nil, err
	}
	local, err := occurrence.ParseLocalDateTime(in.DueAtLocal)
	if err != nil {
		return nil, err
	}
	origin, err := normalizeOrigin(in.Origin)
	if err != nil {
		return nil, err
	}
	scope, err := normalizeScope(in.PrivacyScope)
	if err != nil {
		return nil, err
	}

	due := local.In(loc)
	rec, err := buildRecurrence(in.Recurrence, local, loc, due)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if !rec.IsRecurring {
		if err := m.checkLead(due, now, origin); err != nil {
			return nil, err
		}
	} else if !due.After(now) {
		next, ok := occurrence.NextReminderAfter(rec, loc, due, now)
		if !ok {
			return nil, apperr.New(apperr.CodeInvalidInput, "recurring reminder ends before its next occurrence")
		}
		due = next
	}

	reminder := &model.Reminder{
		LineID:       lineID,
		DueAt:        due,
		SlotAt:       &due,
		TimeZone:     loc.String(),
		Message:      message,
		Recurrence:   rec,
		Status:       model.StatusScheduled,
		PrivacyScope: scope,
		Origin:       origin,
	}
	if err := m.store.Insert(ctx, reminder); err != nil {
		return nil, err
	}

	m.log.Info().
		Uint("reminder_id", reminder.ID).
		Str("line_id", lineID).
		Time("due_at", reminder.DueAt).
		Bool("recurring", rec.IsRecurring).
		Msg("reminder created")
	return reminder, nil
}

func (m *Manager) checkLead(due, now time.Time, origin model.Origin) error {
	switch origin {
	case model.OriginVoice:
		earliest := now.Add(m.minLead)
		if due.Before(earliest) {
			return &TooSoonError{Requested: due, Earliest: ceilMinute(earliest)}
		}
	case model.OriginCaregiver:
		if !due.After(now) {
			return &TooSoonError{Requested: due, Earliest: ceilMinute(now.Add(time.Minute))}
		}
	}
	return nil
}

func buildRecurrence(in *RecurrenceInput, local occurrence.LocalDateTime, loc *time.Location, due time.Time) (model.Recurrence, error) {
	if in == nil {
		return model.Recurrence{}, nil
	}
	if !in.Frequency.Valid() {
		return model.Recurrence{}, apperr.New(apperr.CodeInvalidInput, "unknown frequency %q", in.Frequency)
	}
	interval := in.Interval
	if interval == 0 {
		interval = 1
	}
	if interval < 1 || interval > maxInterval {
		return model.Recurrence{}, apperr.New(apperr.CodeInvalidInput, "interval %d is out of range 1-%d", in.Interval, maxInterval)
	}

	rec := model.Recurrence{
		IsRecurring: true,
		Frequency:   in.Frequency,
		Interval:    interval,
		TimeOfDay:   occurrence.TimeOfDay{Hour: local.Hour, Minute: local.Minute}.String(),
	}

	if len(in.DaysOfWeek) > 0 {
		if err := occurrence.ValidateWeekdays(in.DaysOfWeek); err != nil {
			return model.Recurrence{}, err
		}
		rec.DaysOfWeek = occurrence.NormalizeWeekdays(in.DaysOfWeek)
	}

	switch in.Frequency {
	case model.FrequencyMonthly:
		rec.DayOfMonth = in.DayOfMonth
		if rec.DayOfMonth == 0 {
			rec.DayOfMonth = local.Day
		}
		if rec.DayOfMonth < 1 || rec.DayOfMonth > 31 {
			return model.Recurrence{}, apperr.New(apperr.CodeInvalidInput, "day of month %d is out of range 1-31", in.DayOfMonth)
		}
	case model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyCustom:
	}

	if strings.TrimSpace(in.EndsAtLocal) != "" {
		endsLocal, err := occurrence.ParseLocalDateTime(in.EndsAtLocal)
		if err != nil {
			return model.Recurrence{}, err
		}
		ends := endsLocal.In(loc)
		if ends.Before(due) {
			return model.Recurrence{}, apperr.New(apperr.CodeInvalidInput, "series end %s is before the first occurrence", in.EndsAtLocal)
		}
		rec.EndsAt = &ends
	}
	return rec, nil
}

// Get loads a reminder.
func (m *Manager) Get(ctx context.Context, id uint) (*model.Reminder, error) {
	return m.load(ctx, id)
}

// ListByLine returns the active reminders of a line.
func (m *Manager) ListByLine(ctx context.Context, lineID string) ([]model.Reminder, error) {
	reminders, err := m.store.ListByLine(ctx, lineID)
	if errors.Is(err, apperr.ErrDatabase) {
		reminders, err = m.store.ListByLine(ctx, lineID)
	}
	return reminders, err
}

// ListDue returns reminders the dispatcher should fire at now.
func (m *Manager) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	reminders, err := m.store.ListDue(ctx, now, limit)
	if errors.Is(err, apperr.ErrDatabase) {
		reminders, err = m.store.ListDue(ctx, now, limit)
	}
	return reminders, err
}

// Snooze defers a reminder to now + minutes.
func (m *Manager) Snooze(ctx context.Context, id uint, minutes int) (*model.Reminder, error) {
	if !slices.Contains(SnoozeDurations, minutes) {
		return nil, apperr.New(apperr.CodeInvalidSnoozeDuration, "snooze of %d minutes is not allowed", minutes)
	}
	rem, err := m.mutate(ctx, id, func(rem *model.Reminder, now time.Time) error {
		switch rem.Status {
		case model.StatusScheduled, model.StatusSnoozed:
		default:
			return apperr.New(apperr.CodeReminderNotSnoozable, "reminder %d is %s", rem.ID, rem.Status)
		}
		if rem.CurrentSnoozeCount >= MaxSnoozes {
			return apperr.New(apperr.CodeSnoozeLimitReached, "reminder %d was already snoozed %d times", rem.ID, rem.CurrentSnoozeCount)
		}
		rem.DueAt = now.Add(time.Duration(minutes) * time.Minute).Truncate(time.Second)
		rem.CurrentSnoozeCount++
		rem.Status = model.StatusSnoozed
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Uint("reminder_id", id).Int("minutes", minutes).Int("snooze_count", rem.CurrentSnoozeCount).Msg("reminder snoozed")
	return rem, nil
}

// Pause suspends a scheduled or snoozed reminder.
func (m *Manager) Pause(ctx context.Context, id uint) (*model.Reminder, error) {
	rem, err := m.mutate(ctx, id, func(rem *model.Reminder, _ time.Time) error {
		if !rem.Status.CanTransition(model.StatusPaused) {
			return apperr.New(apperr.CodeReminderNotPausable, "reminder %d is %s", rem.ID, rem.Status)
		}
		rem.Status = model.StatusPaused
		rem.IsPaused = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Uint("reminder_id", id).Msg("reminder paused")
	return rem, nil
}

// Resume reactivates a paused reminder. An elapsed one-time reminder becomes
// due immediately; an elapsed recurring reminder moves to its next occurrence.
func (m *Manager) Resume(ctx context.Context, id uint) (*model.Reminder, error) {
	rem, err := m.mutate(ctx, id, func(rem *model.Reminder, now time.Time) error {
		if rem.Status != model.StatusPaused {
			return apperr.New(apperr.CodeReminderNotResumable, "reminder %d is %s", rem.ID, rem.Status)
		}
		rem.IsPaused = false
		rem.Status = model.StatusScheduled
		if rem.DueAt.After(now) {
			return nil
		}
		if !rem.Recurrence.IsRecurring {
			rem.DueAt = now.Truncate(time.Second)
			return nil
		}
		loc, err := occurrence.LoadZone(rem.TimeZone)
		if err != nil {
			return err
		}
		next, ok := occurrence.NextReminderAfter(rem.Recurrence, loc, rem.SeriesAnchor(), now)
		if !ok {
			// The series ended while paused. The missed slot is due now and
			// the dispatcher's completion closes the series.
			rem.DueAt = now.Truncate(time.Second)
			return nil
		}
		setSlot(rem, next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Uint("reminder_id", id).Str("status", string(rem.Status)).Time("due_at", rem.DueAt).Msg("reminder resumed")
	return rem, nil
}

// Cancel ends a reminder and, for recurring reminders, the whole series.
// Canceling an already canceled reminder is a no-op.
func (m *Manager) Cancel(ctx context.Context, id uint) (*model.Reminder, error) {
	rem, err := m.mutate(ctx, id, func(rem *model.Reminder, _ time.Time) error {
		switch rem.Status {
		case model.StatusCanceled:
			return errUnchanged
		}
		if !rem.Status.CanTransition(model.StatusCanceled) {
			return apperr.New(apperr.CodeReminderNotEditable, "reminder %d is already %s", rem.ID, rem.Status)
		}
		rem.Status = model.StatusCanceled
		rem.IsPaused = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Uint("reminder_id", id).Msg("reminder canceled")
	return rem, nil
}

// EditInput changes a reminder's message and/or time. At least one of
// Message or NewTimeLocal is required. TimeZone moves the reminder to a new zone.
type EditInput struct {
	Message      *string
	NewTimeLocal *string
	TimeZone     *string
}

// Edit updates a non-terminal reminder.
func (m *Manager) Edit(ctx context.Context, id uint, in EditInput) (*model.Reminder, error) {
	if in.Message == nil && in.NewTimeLocal == nil {
		return nil, apperr.New(apperr.CodeInvalidInput, "a new message or a new time is required")
	}
	var message string
	if in.Message != nil {
		message = strings.TrimSpace(*in.Message)
		if message == "" {
			return nil, apperr.New(apperr.CodeInvalidInput, "message cannot be empty")
		}
	}
	var newLocal *occurrence.LocalDateTime
	if in.NewTimeLocal != nil {
		parsed, err := occurrence.ParseLocalDateTime(*in.NewTimeLocal)
		if err != nil {
			return nil, err
		}
		newLocal = &parsed
	}
	var newLoc *time.Location
	if in.TimeZone != nil {
		loc, err := occurrence.LoadZone(*in.TimeZone)
		if err != nil {
			return nil, err
		}
		newLoc = loc
	}

	rem, err := m.mutate(ctx, id, func(rem *model.Reminder, now time.Time) error {
		if rem.Status.Terminal() {
			return apperr.New(apperr.CodeReminderNotEditable, "reminder %d is %s", rem.ID, rem.Status)
		}
		if in.Message != nil {
			rem.Message = message
		}
		if newLocal == nil && newLoc == nil {
			return nil
		}

		current, err := occurrence.LoadZone(rem.TimeZone)
		if err != nil {
			return err
		}
		loc := current
		if newLoc != nil {
			loc = newLoc
		}
		local := newLocal
		if local == nil {
			// Same wall-clock time, reinterpreted in the new zone.
			wall := rem.DueAt.In(current)
			if rem.Recurrence.IsRecurring {
				wall = rem.SeriesAnchor().In(current)
			}
			local = &occurrence.LocalDateTime{Year: wall.Year(), Month: wall.Month(), Day: wall.Day(), Hour: wall.Hour(), Minute: wall.Minute()}
		}

		due := local.In(loc)
		if !due.After(now) {
			return &TooSoonError{Requested: due, Earliest: ceilMinute(now.Add(time.Minute))}
		}
		setSlot(rem, due)
		rem.TimeZone = loc.String()
		if rem.Recurrence.IsRecurring {
			rem.Recurrence.TimeOfDay = occurrence.TimeOfDay{Hour: local.Hour, Minute: local.Minute}.String()
			if rem.Recurrence.Frequency == model.FrequencyMonthly && newLocal != nil {
				rem.Recurrence.DayOfMonth = local.Day
			}
		}
		if rem.Status == model.StatusSnoozed {
			rem.Status = model.StatusScheduled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Uint("reminder_id", id).Time("due_at", rem.DueAt).Msg("reminder edited")
	return rem, nil
}

// CompleteOccurrence records that the dispatcher fired the reminder at firedAt.
// Recurring reminders advance to their next occurrence or complete when the
// series has ended; one-time reminders complete. Repeated reports for an
// occurrence that was already advanced are no-ops.
func (m *Manager) CompleteOccurrence(ctx context.Context, id uint, firedAt time.Time) (*model.Reminder, error) {
	return m.settleOccurrence(ctx, id, firedAt, model.StatusCompleted)
}

// FailOccurrence records that the call for the occurrence could not be placed.
// One-time reminders become failed; recurring reminders move on to the next
// occurrence exactly as on completion.
func (m *Manager) FailOccurrence(ctx context.Context, id uint, firedAt time.Time) (*model.Reminder, error) {
	return m.settleOccurrence(ctx, id, firedAt, model.StatusFailed)
}

func (m *Manager) settleOccurrence(ctx context.Context, id uint, firedAt time.Time, final model.ReminderStatus) (*model.Reminder, error) {
	firedAt = firedAt.UTC()
	rem, err := m.mutate(ctx, id, func(rem *model.Reminder, _ time.Time) error {
		if rem.Status.Terminal() {
			return errUnchanged
		}
		if rem.DueAt.After(firedAt) {
			// Occurrence already advanced, or the reminder was re-timed after firing.
			return errUnchanged
		}
		if rem.Status == model.StatusPaused {
			// Paused while the call was live; Resume picks up from the slot.
			return errUnchanged
		}
		if !rem.Recurrence.IsRecurring {
			rem.Status = final
			return nil
		}

		loc, err := occurrence.LoadZone(rem.TimeZone)
		if err != nil {
			return err
		}
		next, ok := occurrence.NextReminderAfter(rem.Recurrence, loc, rem.SeriesAnchor(), firedAt)
		if !ok {
			rem.Status = model.StatusCompleted
			return nil
		}
		setSlot(rem, next)
		rem.CurrentSnoozeCount = 0
		rem.Status = model.StatusScheduled
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().
		Uint("reminder_id", id).
		Time("fired_at", firedAt).
		Str("status", string(rem.Status)).
		Time("due_at", rem.DueAt).
		Msg("reminder occurrence settled")
	return rem, nil
}

// errUnchanged marks a mutation that leaves the stored record as is.
var errUnchanged = errors.New("reminder unchanged")

// mutate runs a read-modify-write under the store's optimistic version check.
// A lost race is re-evaluated against fresh state so rule checks always see
// the winner's write; persistence failures are returned as is.
func (m *Manager) mutate(ctx context.Context, id uint, apply func(rem *model.Reminder, now time.Time) error) (*model.Reminder, error) {
	for attempt := 0; attempt < maxConflictAttempts; attempt++ {
		rem, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		from := rem.Status
		if err := apply(rem, m.now().UTC()); err != nil {
			if errors.Is(err, errUnchanged) {
				return rem, nil
			}
			return nil, err
		}
		if !permitted(from, rem.Status) {
			return nil, apperr.New(apperr.CodeReminderNotEditable, "reminder %d cannot move from %s to %s", id, from, rem.Status)
		}
		err = m.store.Update(ctx, rem)
		if err == nil {
			return rem, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return nil, err
		}
		m.log.Debug().Uint("reminder_id", id).Int("attempt", attempt+1).Msg("reminder changed concurrently, re-evaluating")
	}
	return nil, apperr.New(apperr.CodeScheduleConflict, "reminder %d is being changed concurrently", id)
}

// permitted reports whether one mutation may move a reminder from one status
// to another. A snoozed reminder that fires is back to scheduled first.
func permitted(from, to model.ReminderStatus) bool {
	if from == to || from.CanTransition(to) {
		return true
	}
	return from == model.StatusSnoozed && model.StatusScheduled.CanTransition(to)
}

// setSlot moves the reminder to a new occurrence of its series.
func setSlot(rem *model.Reminder, at time.Time) {
	rem.DueAt = at
	rem.SlotAt = &at
}

// load reads a reminder, retrying one transient database failure.
func (m *Manager) load(ctx context.Context, id uint) (*model.Reminder, error) {
	rem, err := m.store.Get(ctx, id)
	if errors.Is(err, apperr.ErrDatabase) && ctx.Err() == nil {
		m.log.Warn().Err(err).Uint("reminder_id", id).Msg("retrying reminder read")
		rem, err = m.store.Get(ctx, id)
	}
	return rem, err
}

func normalizeOrigin(o model.Origin) (model.Origin, error) {
	switch o {
	case "":
		return model.OriginCaregiver, nil
	case model.OriginVoice, model.OriginCaregiver:
		return o, nil
	default:
		return "", apperr.New(apperr.CodeInvalidInput, "unknown origin %q", o)
	}
}

func normalizeScope(s model.PrivacyScope) (model.PrivacyScope, error) {
	switch s {
	case "":
		return model.PrivacyShared, nil
	case model.PrivacyShared, model.PrivacyPrivate:
		return s, nil
	default:
		return "", apperr.New(apperr.CodeInvalidInput, "unknown privacy scope %q", s)
	}
}

func ceilMinute(t time.Time) time.Time {
	truncated := t.Truncate(time.Minute)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(time.Minute)
}
