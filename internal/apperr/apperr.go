package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error condition surfaced at the engine boundary.
type Code string

const (
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeInvalidTimezone       Code = "INVALID_TIMEZONE"
	CodeInvalidTimeOfDay      Code = "INVALID_TIME_OF_DAY"
	CodeInvalidSnoozeDuration Code = "INVALID_SNOOZE_DURATION"
	CodeDueTimeTooSoon        Code = "DUE_TIME_TOO_SOON"

	CodeReminderNotPausable  Code = "REMINDER_NOT_PAUSABLE"
	CodeReminderNotResumable Code = "REMINDER_NOT_RESUMABLE"
	CodeReminderNotSnoozable Code = "REMINDER_NOT_SNOOZABLE"
	CodeReminderNotEditable  Code = "REMINDER_NOT_EDITABLE"
	CodeSnoozeLimitReached   Code = "SNOOZE_LIMIT_REACHED"
	CodeScheduleConflict     Code = "SCHEDULE_CONFLICT"

	CodeNotFound      Code = "NOT_FOUND"
	CodeDatabaseError Code = "DATABASE_ERROR"
	CodeRateLimited   Code = "RATE_LIMITED"
)

// Kind groups codes so callers can tell bad input from rule violations.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindLifecycle
	KindInfrastructure
)

// Kind classifies the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidInput, CodeInvalidTimezone, CodeInvalidTimeOfDay, CodeInvalidSnoozeDuration, CodeDueTimeTooSoon:
		return KindValidation
	case CodeReminderNotPausable, CodeReminderNotResumable, CodeReminderNotSnoozable,
		CodeReminderNotEditable, CodeSnoozeLimitReached, CodeScheduleConflict:
		return KindLifecycle
	case CodeNotFound, CodeDatabaseError, CodeRateLimited:
		return KindInfrastructure
	default:
		return KindUnknown
	}
}

// Error is the engine's error type. Two errors match under errors.Is when their codes match.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidInput          = &Error{Code: CodeInvalidInput}
	ErrInvalidTimezone       = &Error{Code: CodeInvalidTimezone}
	ErrInvalidTimeOfDay      = &Error{Code: CodeInvalidTimeOfDay}
	ErrInvalidSnoozeDuration = &Error{Code: CodeInvalidSnoozeDuration}
	ErrDueTimeTooSoon        = &Error{Code: CodeDueTimeTooSoon}
	ErrReminderNotPausable   = &Error{Code: CodeReminderNotPausable}
	ErrReminderNotResumable  = &Error{Code: CodeReminderNotResumable}
	ErrReminderNotSnoozable  = &Error{Code: CodeReminderNotSnoozable}
	ErrReminderNotEditable   = &Error{Code: CodeReminderNotEditable}
	ErrSnoozeLimitReached    = &Error{Code: CodeSnoozeLimitReached}
	ErrScheduleConflict      = &Error{Code: CodeScheduleConflict}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrDatabase              = &Error{Code: CodeDatabaseError}
	ErrRateLimited           = &Error{Code: CodeRateLimited}
)

// New returns an error with a code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf returns the code carried by err, or "" when err has none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrVersionConflict reports that a record changed between read and write.
// Stores return it for optimistic updates; managers decide how to surface it.
var ErrVersionConflict = errors.New("record version changed")
