package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pathakanu/carecall/internal/apperr"
	"github.com/pathakanu/carecall/internal/database"
	"github.com/pathakanu/carecall/internal/model"
	"github.com/pathakanu/carecall/internal/repository"
)

func newTestManager(t *testing.T, now time.Time) *Manager {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_fk=1", name, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite memory: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return NewManager(repository.NewScheduleRepository(db), zerolog.Nop(), func() time.Time { return now })
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

// Monday 2024-03-04 12:00 UTC.
var monday = time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

func TestCreateComputesNextCall(t *testing.T) {
	m := newTestManager(t, monday)

	sched, err := m.Create(context.Background(), CreateInput{
		LineID:     "+15550002222",
		TimeZone:   "America/New_York",
		DaysOfWeek: []int{3, 1},
		TimeOfDay:  "09:30",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sched.TimeOfDay != "09:30" {
		t.Fatalf("time of day = %q, want 09:30", sched.TimeOfDay)
	}
	if got := sched.DaysOfWeek; len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("days = %v, want [1 3]", got)
	}
	if sched.Retry != DefaultRetryPolicy {
		t.Fatalf("retry = %+v, want default", sched.Retry)
	}
	// 09:30 EST is still ahead at 07:00 local.
	want := time.Date(2024, time.March, 4, 14, 30, 0, 0, time.UTC)
	if sched.NextCallAt == nil || !sched.NextCallAt.Equal(want) {
		t.Fatalf("next call = %v, want %v", sched.NextCallAt, want)
	}
}

func TestCreateValidation(t *testing.T) {
	m := newTestManager(t, monday)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"bad zone", CreateInput{LineID: "+1", TimeZone: "Mars/Base", DaysOfWeek: []int{1}, TimeOfDay: "09:00"}, apperr.ErrInvalidTimezone},
		{"no days", CreateInput{LineID: "+1", TimeZone: "UTC", TimeOfDay: "09:00"}, apperr.ErrInvalidInput},
		{"day out of range", CreateInput{LineID: "+1", TimeZone: "UTC", DaysOfWeek: []int{7}, TimeOfDay: "09:00"}, apperr.ErrInvalidInput},
		{"bad time", CreateInput{LineID: "+1", TimeZone: "UTC", DaysOfWeek: []int{1}, TimeOfDay: "25:00"}, apperr.ErrInvalidTimeOfDay},
		{"missing line", CreateInput{TimeZone: "UTC", DaysOfWeek: []int{1}, TimeOfDay: "09:00"}, apperr.ErrInvalidInput},
		{"too many retries", CreateInput{LineID: "+1", TimeZone: "UTC", DaysOfWeek: []int{1}, TimeOfDay: "09:00",
			Retry: &model.RetryPolicy{MaxRetries: 11, RetryWindowMinutes: 30}}, apperr.ErrInvalidInput},
		{"short window", CreateInput{LineID: "+1", TimeZone: "UTC", DaysOfWeek: []int{1}, TimeOfDay: "09:00",
			Retry: &model.RetryPolicy{MaxRetries: 1, RetryWindowMinutes: 4}}, apperr.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Create(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("create error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateRejectsOverlappingSchedule(t *testing.T) {
	m := newTestManager(t, monday)
	ctx := context.Background()

	base := CreateInput{LineID: "+15550002222", TimeZone: "UTC", DaysOfWeek: []int{1, 2}, TimeOfDay: "10:00"}
	if _, err := m.Create(ctx, base); err != nil {
		t.Fatalf("create: %v", err)
	}

	clash := base
	clash.DaysOfWeek = []int{2, 5}
	if _, err := m.Create(ctx, clash); !errors.Is(err, apperr.ErrScheduleConflict) {
		t.Fatalf("overlapping create error = %v, want SCHEDULE_CONFLICT", err)
	}

	other := base
	other.DaysOfWeek = []int{4}
	if _, err := m.Create(ctx, other); err != nil {
		t.Fatalf("disjoint days should be accepted: %v", err)
	}
}

func TestUpdateAppliesOnlySuppliedFields(t *testing.T) {
	m := newTestManager(t, monday)
	ctx := context.Background()

	sched, err := m.Create(ctx, CreateInput{LineID: "+15550002222", TimeZone: "UTC", DaysOfWeek: []int{1}, TimeOfDay: "13:00"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Update(ctx, sched.ID, UpdateInput{TimeZone: strPtr("Nowhere/Town")}); !errors.Is(err, apperr.ErrInvalidTimezone) {
		t.Fatalf("invalid zone error = %v", err)
	}
	unchanged, err := m.Get(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if unchanged.Version != sched.Version {
		t.Fatalf("rejected update changed version %d -> %d", sched.Version, unchanged.Version)
	}

	updated, err := m.Update(ctx, sched.ID, UpdateInput{TimeOfDay: strPtr("15:45")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TimeOfDay != "15:45" || updated.TimeZone != "UTC" || len(updated.DaysOfWeek) != 1 {
		t.Fatalf("unexpected schedule after update: %+v", updated)
	}
	want := time.Date(2024, time.March, 4, 15, 45, 0, 0, time.UTC)
	if updated.NextCallAt == nil || !updated.NextCallAt.Equal(want) {
		t.Fatalf("next call = %v, want %v", updated.NextCallAt, want)
	}
}

func TestDisableKeepsScheduleAndReenableReslots(t *testing.T) {
	m := newTestManager(t, monday)
	ctx := context.Background()

	sched, err := m.Create(ctx, CreateInput{LineID: "+15550002222", TimeZone: "UTC", DaysOfWeek: []int{2}, TimeOfDay: "08:00"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	disabled, err := m.Update(ctx, sched.ID, UpdateInput{Enabled: boolPtr(false)})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if disabled.Enabled || disabled.NextCallAt != nil {
		t.Fatalf("disabled schedule = %+v", disabled)
	}
	if _, err := m.Get(ctx, sched.ID); err != nil {
		t.Fatalf("disabled schedule should still exist: %v", err)
	}

	due, err := m.ListDue(ctx, monday.Add(30*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("disabled schedule listed as due: %+v", due)
	}

	enabled, err := m.Update(ctx, sched.ID, UpdateInput{Enabled: boolPtr(true)})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	want := time.Date(2024, time.March, 5, 8, 0, 0, 0, time.UTC)
	if enabled.NextCallAt == nil || !enabled.NextCallAt.Equal(want) {
		t.Fatalf("next call = %v, want %v", enabled.NextCallAt, want)
	}
}

func TestNextCallAcrossSpringForward(t *testing.T) {
	m := newTestManager(t, monday)
	sched := &model.Schedule{TimeZone: "America/New_York", DaysOfWeek: []int{0}, TimeOfDay: "02:30"}

	// Sunday 2024-03-10 02:30 does not exist in New York.
	next, err := m.NextCall(sched, monday)
	if err != nil {
		t.Fatalf("next call: %v", err)
	}
	want := time.Date(2024, time.March, 10, 7, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next call = %v, want %v", next, want)
	}
}

func TestRecordCallOutcomeRetriesThenAdvances(t *testing.T) {
	m := newTestManager(t, monday)
	ctx := context.Background()

	sched, err := m.Create(ctx, CreateInput{
		LineID:     "+15550002222",
		TimeZone:   "UTC",
		DaysOfWeek: []int{1},
		TimeOfDay:  "18:00",
		Retry:      &model.RetryPolicy{MaxRetries: 2, RetryWindowMinutes: 30},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	slot := *sched.NextCallAt

	first, err := m.RecordCallOutcome(ctx, sched.ID, slot, false)
	if err != nil {
		t.Fatalf("record first: %v", err)
	}
	if first.RetryAttempt != 1 || !first.NextCallAt.Equal(slot.Add(15*time.Minute)) {
		t.Fatalf("after first miss: attempt=%d next=%v", first.RetryAttempt, first.NextCallAt)
	}

	// A duplicate report for the original slot is ignored.
	dup, err := m.RecordCallOutcome(ctx, sched.ID, slot, false)
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if dup.RetryAttempt != 1 || dup.Version != first.Version {
		t.Fatalf("duplicate report changed schedule: %+v", dup)
	}

	second, err := m.RecordCallOutcome(ctx, sched.ID, *first.NextCallAt, false)
	if err != nil {
		t.Fatalf("record second: %v", err)
	}
	if second.RetryAttempt != 2 || !second.NextCallAt.Equal(slot.Add(30*time.Minute)) {
		t.Fatalf("after second miss: attempt=%d next=%v", second.RetryAttempt, second.NextCallAt)
	}

	third, err := m.RecordCallOutcome(ctx, sched.ID, *second.NextCallAt, false)
	if err != nil {
		t.Fatalf("record third: %v", err)
	}
	if third.RetryAttempt != 0 || !third.NextCallAt.Equal(slot.AddDate(0, 0, 7)) {
		t.Fatalf("after exhausted retries: attempt=%d next=%v", third.RetryAttempt, third.NextCallAt)
	}
}

func TestRecordCallOutcomeAnsweredAdvances(t *testing.T) {
	m := newTestManager(t, monday)
	ctx := context.Background()

	sched, err := m.Create(ctx, CreateInput{LineID: "+15550002222", TimeZone: "UTC", DaysOfWeek: []int{1, 4}, TimeOfDay: "18:00"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := m.RecordCallOutcome(ctx, sched.ID, sched.NextCallAt.Add(20*time.Second), true)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	want := time.Date(2024, time.March, 7, 18, 0, 0, 0, time.UTC)
	if !got.NextCallAt.Equal(want) || got.RetryAttempt != 0 {
		t.Fatalf("next call = %v attempt=%d, want %v", got.NextCallAt, got.RetryAttempt, want)
	}
}

func TestUpdateUnknownSchedule(t *testing.T) {
	m := newTestManager(t, monday)
	if _, err := m.Update(context.Background(), 42, UpdateInput{Enabled: boolPtr(false)}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("update error = %v, want NOT_FOUND", err)
	}
}

func TestAnsweredCallSettlesArmedRetry(t *testing.T) {
	m := newTestManager(t, monday)
	ctx := context.Background()

	sched, err := m.Create(ctx, CreateInput{LineID: "+15550002222", TimeZone: "UTC", DaysOfWeek: []int{1}, TimeOfDay: "18:00"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	slot := *sched.NextCallAt

	// The dispatcher arms a retry when it places the call.
	armed, err := m.RecordCallOutcome(ctx, sched.ID, slot, false)
	if err != nil {
		t.Fatalf("arm retry: %v", err)
	}
	if armed.RetryAttempt != 1 {
		t.Fatalf("retry attempt = %d, want 1", armed.RetryAttempt)
	}

	answered, err := m.RecordCallOutcome(ctx, sched.ID, slot, true)
	if err != nil {
		t.Fatalf("record answered: %v", err)
	}
	next := slot.AddDate(0, 0, 7)
	if answered.RetryAttempt != 0 || !answered.NextCallAt.Equal(next) || !answered.SlotAt.Equal(next) {
		t.Fatalf("after answer: attempt=%d next=%v slot=%v", answered.RetryAttempt, answered.NextCallAt, answered.SlotAt)
	}

	again, err := m.RecordCallOutcome(ctx, sched.ID, slot, true)
	if err != nil {
		t.Fatalf("record duplicate answer: %v", err)
	}
	if again.Version != answered.Version {
		t.Fatalf("duplicate answer changed the schedule")
	}
}
