package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("pause reminder 7: %w", New(CodeReminderNotPausable, "reminder is %s", "paused"))
	if !errors.Is(err, ErrReminderNotPausable) {
		t.Fatalf("expected wrapped error to match ErrReminderNotPausable")
	}
	if errors.Is(err, ErrSnoozeLimitReached) {
		t.Fatalf("did not expect match with ErrSnoozeLimitReached")
	}
	if got := CodeOf(err); got != CodeReminderNotPausable {
		t.Fatalf("CodeOf = %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := Wrap(CodeDatabaseError, cause, "load reminder")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !errors.Is(err, ErrDatabase) {
		t.Fatalf("expected DATABASE_ERROR match")
	}
	if err.Error() != "DATABASE_ERROR: load reminder: connection reset" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCodeKind(t *testing.T) {
	t.Parallel()

	cases := map[Code]Kind{
		CodeInvalidTimezone:       KindValidation,
		CodeInvalidSnoozeDuration: KindValidation,
		CodeSnoozeLimitReached:    KindLifecycle,
		CodeReminderNotPausable:   KindLifecycle,
		CodeNotFound:              KindInfrastructure,
		Code("SOMETHING_NEW"):     KindUnknown,
	}
	for code, want := range cases {
		if got := code.Kind(); got != want {
			t.Fatalf("%s.Kind() = %v, want %v", code, got, want)
		}
	}
}
