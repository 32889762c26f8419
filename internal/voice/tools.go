package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pathakanu/carecall/internal/apperr"
	"github.com/pathakanu/carecall/internal/model"
	"github.com/pathakanu/carecall/internal/quota"
	"github.com/pathakanu/carecall/internal/reminder"
)

// Tool names the voice agent may call.
const (
	ToolCreateReminder = "create_reminder"
	ToolListReminders  = "list_reminders"
	ToolSnoozeReminder = "snooze_reminder"
	ToolPauseReminder  = "pause_reminder"
	ToolResumeReminder = "resume_reminder"
	ToolCancelReminder = "cancel_reminder"
	ToolEditReminder   = "edit_reminder"
)

// Reminders is the part of the reminder manager the tools use.
type Reminders interface {
	Create(ctx context.Context, in reminder.CreateInput) (*model.Reminder, error)
	Get(ctx context.Context, id uint) (*model.Reminder, error)
	ListByLine(ctx context.Context, lineID string) ([]model.Reminder, error)
	Snooze(ctx context.Context, id uint, minutes int) (*model.Reminder, error)
	Pause(ctx context.Context, id uint) (*model.Reminder, error)
	Resume(ctx context.Context, id uint) (*model.Reminder, error)
	Cancel(ctx context.Context, id uint) (*model.Reminder, error)
	Edit(ctx context.Context, id uint, in reminder.EditInput) (*model.Reminder, error)
}

type Guard interface {
	Check(ctx context.Context, action quota.Action, ids ...quota.Identifier) quota.Decision
}

// Phraser rewrites confirmation text for speech.
type Phraser interface {
	Confirm(ctx context.Context, template string) string
}

// Call is one tool invocation from the voice agent.
type Call struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is what the agent reads back to the caller.
type Result struct {
	OK                bool           `json:"ok"`
	Code              apperr.Code    `json:"code,omitempty"`
	Text              string         `json:"text"`
	ReminderID        uint           `json:"reminder_id,omitempty"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
	Reminders         []ReminderView `json:"reminders,omitempty"`
}

// ReminderView is a reminder as presented to the agent, in the caller's local time.
type ReminderView struct {
	ID        uint   `json:"id"`
	Message   string `json:"message"`
	DueLocal  string `json:"due_local"`
	Status    string `json:"status"`
	Recurring bool   `json:"recurring"`
}

type recurrenceArgs struct {
	Frequency   model.Frequency `json:"frequency"`
	Interval    int             `json:"interval"`
	DaysOfWeek  []int           `json:"days_of_week"`
	DayOfMonth  int             `json:"day_of_month"`
	EndsAtLocal string          `json:"ends_at_local"`
}

type createArgs struct {
	Message    string          `json:"message"`
	DueAtLocal string          `json:"due_at_local"`
	TimeZone   string          `json:"time_zone"`
	Recurrence *recurrenceArgs `json:"recurrence"`
}

type idArgs struct {
	ReminderID uint `json:"reminder_id"`
}

type snoozeArgs struct {
	ReminderID uint `json:"reminder_id"`
	Minutes    int  `json:"minutes"`
}

type editArgs struct {
	ReminderID   uint    `json:"reminder_id"`
	Message      *string `json:"message"`
	NewTimeLocal *string `json:"new_time_local"`
	TimeZone     *string `json:"time_zone"`
}

const spokenTime = "Monday, January 2 at 3:04 PM"

// Tools executes voice tool calls against the reminder engine. Every mutating
// tool passes the quota guard first.
type Tools struct {
	reminders Reminders
	guard     Guard
	phraser   Phraser
	log       zerolog.Logger
}

func NewTools(reminders Reminders, guard Guard, phraser Phraser, log zerolog.Logger) *Tools {
	return &Tools{
		reminders: reminders,
		guard:     guard,
		phraser:   phraser,
		log:       log.With().Str("component", "voice_tools").Logger(),
	}
}

func (t *Tools) Invoke(ctx context.Context, sess Session, call Call) Result {
	logger := t.log.With().Str("call_sid", sess.CallSID).Str("tool", call.Tool).Logger()

	var (
		res Result
		err error
	)
	switch call.Tool {
	case ToolCreateReminder:
		res, err = t.create(ctx, sess, call.Arguments)
	case ToolListReminders:
		res, err = t.list(ctx, sess)
	case ToolSnoozeReminder:
		res, err = t.snooze(ctx, sess, call.Arguments)
	case ToolPauseReminder, ToolResumeReminder, ToolCancelReminder:
		res, err = t.transition(ctx, sess, call.Tool, call.Arguments)
	case ToolEditReminder:
		res, err = t.edit(ctx, sess, call.Arguments)
	default:
		err = apperr.New(apperr.CodeInvalidInput, "unknown tool %q", call.Tool)
	}

	if err != nil {
		failed := renderError(err, sess.TimeZone)
		event := logger.Info()
		if failed.Code == apperr.CodeDatabaseError || failed.Code == "" {
			event = logger.Error()
		}
		event.Err(err).Str("code", string(failed.Code)).Msg("voice tool failed")
		return failed
	}

	res.OK = true
	if t.phraser != nil && res.Text != "" && call.Tool != ToolListReminders {
		res.Text = t.phraser.Confirm(ctx, res.Text)
	}
	logger.Info().Uint("reminder_id", res.ReminderID).Msg("voice tool succeeded")
	return res
}

func (t *Tools) create(ctx context.Context, sess Session, raw json.RawMessage) (Result, error) {
	var args createArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	if err := t.admit(ctx, quota.ActionReminderCreate, sess); err != nil {
		return Result{}, err
	}

	zone := args.TimeZone
	if zone == "" {
		zone = sess.TimeZone
	}
	in := reminder.CreateInput{
		LineID:     sess.LineID,
		TimeZone:   zone,
		DueAtLocal: args.DueAtLocal,
		Message:    args.Message,
		Origin:     model.OriginVoice,
	}
	if r := args.Recurrence; r != nil {
		in.Recurrence = &reminder.RecurrenceInput{
			Frequency:   r.Frequency,
			Interval:    r.Interval,
			DaysOfWeek:  r.DaysOfWeek,
			DayOfMonth:  r.DayOfMonth,
			EndsAtLocal: r.EndsAtLocal,
		}
	}

	rem, err := t.reminders.Create(ctx, in)
	if err != nil {
		return Result{}, err
	}
	text := fmt.Sprintf("Okay. I'll remind you to %s on %s.", rem.Message, localTime(rem.DueAt, rem.TimeZone))
	if rem.Recurrence.IsRecurring {
		text = fmt.Sprintf("Okay. I'll remind you to %s %s, starting %s.", rem.Message, describeRecurrence(rem.Recurrence), localTime(rem.DueAt, rem.TimeZone))
	}
	return Result{Text: text, ReminderID: rem.ID}, nil
}

func (t *Tools) list(ctx context.Context, sess Session) (Result, error) {
	reminders, err := t.reminders.ListByLine(ctx, sess.LineID)
	if err != nil {
		return Result{}, err
	}
	if len(reminders) == 0 {
		return Result{Text: "You don't have any reminders set right now."}, nil
	}

	views := make([]ReminderView, 0, len(reminders))
	lines := make([]string, 0, len(reminders))
	for i, rem := range reminders {
		due := localTime(rem.DueAt, rem.TimeZone)
		views = append(views, ReminderView{
			ID:        rem.ID,
			Message:   rem.Message,
			DueLocal:  due,
			Status:    string(rem.Status),
			Recurring: rem.Recurrence.IsRecurring,
		})
		line := fmt.Sprintf("%d: %s, %s", i+1, rem.Message, due)
		if rem.Status == model.StatusPaused {
			line += ", paused"
		}
		lines = append(lines, line)
	}

	noun := "reminders"
	if len(reminders) == 1 {
		noun = "reminder"
	}
	text := fmt.Sprintf("You have %d %s. %s.", len(reminders), noun, strings.Join(lines, ". "))
	return Result{Text: text, Reminders: views}, nil
}

func (t *Tools) snooze(ctx context.Context, sess Session, raw json.RawMessage) (Result, error) {
	var args snoozeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	if err := t.admit(ctx, quota.ActionReminderMutate, sess); err != nil {
		return Result{}, err
	}
	if err := t.owned(ctx, sess, args.ReminderID); err != nil {
		return Result{}, err
	}

	rem, err := t.reminders.Snooze(ctx, args.ReminderID, args.Minutes)
	if err != nil {
		return Result{}, err
	}
	left := reminder.MaxSnoozes - rem.CurrentSnoozeCount
	text := fmt.Sprintf("Okay, I'll remind you again at %s.", localClock(rem.DueAt, rem.TimeZone))
	if left == 0 {
		text += " That was the last snooze for this reminder."
	}
	return Result{Text: text, ReminderID: rem.ID}, nil
}

func (t *Tools) transition(ctx context.Context, sess Session, tool string, raw json.RawMessage) (Result, error) {
	var args idArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	if err := t.admit(ctx, quota.ActionReminderMutate, sess); err != nil {
		return Result{}, err
	}
	if err := t.owned(ctx, sess, args.ReminderID); err != nil {
		return Result{}, err
	}

	var (
		rem  *model.Reminder
		err  error
		text string
	)
	switch tool {
	case ToolPauseReminder:
		rem, err = t.reminders.Pause(ctx, args.ReminderID)
		text = "Okay, I've paused that reminder. Just ask me when you want it back."
	case ToolResumeReminder:
		rem, err = t.reminders.Resume(ctx, args.ReminderID)
		if err == nil {
			text = fmt.Sprintf("Okay, that reminder is back on. The next one is %s.", localTime(rem.DueAt, rem.TimeZone))
		}
	case ToolCancelReminder:
		rem, err = t.reminders.Cancel(ctx, args.ReminderID)
		text = "Okay, I've cancelled that reminder."
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Text: text, ReminderID: rem.ID}, nil
}

func (t *Tools) edit(ctx context.Context, sess Session, raw json.RawMessage) (Result, error) {
	var args editArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	if err := t.admit(ctx, quota.ActionReminderMutate, sess); err != nil {
		return Result{}, err
	}
	if err := t.owned(ctx, sess, args.ReminderID); err != nil {
		return Result{}, err
	}

	rem, err := t.reminders.Edit(ctx, args.ReminderID, reminder.EditInput{
		Message:      args.Message,
		NewTimeLocal: args.NewTimeLocal,
		TimeZone:     args.TimeZone,
	})
	if err != nil {
		return Result{}, err
	}
	text := fmt.Sprintf("Okay, I've updated it. I'll remind you to %s on %s.", rem.Message, localTime(rem.DueAt, rem.TimeZone))
	return Result{Text: text, ReminderID: rem.ID}, nil
}

// admit runs the quota guard for the caller's phone line and call session.
func (t *Tools) admit(ctx context.Context, action quota.Action, sess Session) error {
	if t.guard == nil {
		return nil
	}
	decision := t.guard.Check(ctx, action, quota.Phone(sess.LineID), quota.Session(sess.CallSID))
	if decision.Allowed {
		return nil
	}
	return &rateLimitedError{decision: decision}
}

// owned reports NOT_FOUND for reminders that belong to another line so
// callers cannot probe other households' reminders.
func (t *Tools) owned(ctx context.Context, sess Session, id uint) error {
	if id == 0 {
		return apperr.New(apperr.CodeInvalidInput, "reminder_id is required")
	}
	rem, err := t.reminders.Get(ctx, id)
	if err != nil {
		return err
	}
	if rem.LineID != sess.LineID {
		return apperr.New(apperr.CodeNotFound, "reminder %d not found", id)
	}
	return nil
}

type rateLimitedError struct {
	decision quota.Decision
}

func (e *rateLimitedError) Error() string { return e.decision.Err().Error() }
func (e *rateLimitedError) Unwrap() error { return apperr.ErrRateLimited }

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, err, "decode tool arguments")
	}
	return nil
}

// renderError turns an engine error into something the agent can say.
func renderError(err error, zone string) Result {
	res := Result{Code: apperr.CodeOf(err)}

	var tooSoon *reminder.TooSoonError
	if errors.As(err, &tooSoon) {
		res.Code = apperr.CodeDueTimeTooSoon
		res.Text = fmt.Sprintf("That's a little too soon for me to set up. The earliest I can do is %s.", localClock(tooSoon.Earliest, zone))
		return res
	}
	var limited *rateLimitedError
	if errors.As(err, &limited) {
		res.Code = apperr.CodeRateLimited
		res.RetryAfterSeconds = limited.decision.RetryAfterSeconds
	}

	switch res.Code {
	case apperr.CodeInvalidInput:
		res.Text = "I didn't quite catch that. Could you say it again?"
	case apperr.CodeInvalidTimezone:
		res.Text = "I couldn't work out which time zone you meant."
	case apperr.CodeInvalidTimeOfDay:
		res.Text = "I didn't catch the time. Could you tell me the time again?"
	case apperr.CodeInvalidSnoozeDuration:
		res.Text = "I can snooze a reminder for 5, 10, 15, 30 or 60 minutes."
	case apperr.CodeDueTimeTooSoon:
		res.Text = "That time is too soon for me to set up."
	case apperr.CodeReminderNotPausable:
		res.Text = "That reminder can't be paused right now."
	case apperr.CodeReminderNotResumable:
		res.Text = "That reminder isn't paused, so there's nothing to resume."
	case apperr.CodeReminderNotSnoozable:
		res.Text = "That reminder can't be snoozed right now."
	case apperr.CodeReminderNotEditable:
		res.Text = "That reminder is already finished, so I can't change it."
	case apperr.CodeSnoozeLimitReached:
		res.Text = fmt.Sprintf("I've already snoozed that reminder %d times, so I can't snooze it again.", reminder.MaxSnoozes)
	case apperr.CodeScheduleConflict:
		res.Text = "That reminder was just changed by someone else. Please try again."
	case apperr.CodeNotFound:
		res.Text = "I couldn't find that reminder."
	case apperr.CodeDatabaseError:
		res.Text = "I'm having trouble reaching your reminders right now. Please try again in a moment."
	case apperr.CodeRateLimited:
		res.Text = "We've made a lot of changes just now. Let's try again in a few minutes."
	default:
		res.Text = "Something went wrong on my end. Please try again."
	}
	return res
}

func localTime(t time.Time, zone string) string {
	return t.In(loadOrUTC(zone)).Format(spokenTime)
}

func localClock(t time.Time, zone string) string {
	return t.In(loadOrUTC(zone)).Format("3:04 PM")
}

func loadOrUTC(zone string) *time.Location {
	loc, err := time.LoadLocation(zone)
	if err != nil || zone == "" {
		return time.UTC
	}
	return loc
}

func describeRecurrence(r model.Recurrence) string {
	switch r.Frequency {
	case model.FrequencyDaily:
		if r.Interval > 1 {
			return fmt.Sprintf("every %d days", r.Interval)
		}
		return "every day"
	case model.FrequencyWeekly:
		if r.Interval > 1 {
			return fmt.Sprintf("every %d weeks", r.Interval)
		}
		return "every week"
	case model.FrequencyMonthly:
		return fmt.Sprintf("every month on day %d", r.DayOfMonth)
	case model.FrequencyCustom:
		if len(r.DaysOfWeek) > 0 {
			names := make([]string, 0, len(r.DaysOfWeek))
			for _, d := range r.DaysOfWeek {
				names = append(names, time.Weekday(d).String())
			}
			return "every " + strings.Join(names, " and ")
		}
		return fmt.Sprintf("every %d days", r.Interval)
	default:
		return "regularly"
	}
}
