package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pathakanu/carecall/internal/apperr"
	"github.com/pathakanu/carecall/internal/database"
	"github.com/pathakanu/carecall/internal/quota"
	"github.com/pathakanu/carecall/internal/reminder"
	"github.com/pathakanu/carecall/internal/repository"
)

// Monday 2024-06-03 08:00 in New York.
var now = time.Date(2024, time.June, 3, 12, 0, 0, 0, time.UTC)

const line = "+15550001111"

func newTestTools(t *testing.T, policy *quota.Policy) (*Tools, *reminder.Manager) {
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

	mgr := reminder.NewManager(repository.NewReminderRepository(db), zerolog.Nop(),
		reminder.WithClock(func() time.Time { return now }))
	guard := quota.NewGuard(quota.NewMemoryStore(), policy, zerolog.Nop(),
		quota.WithClock(func() time.Time { return now }))
	return NewTools(mgr, guard, nil, zerolog.Nop()), mgr
}

func testSession() Session {
	return Session{CallSID: "CA100", LineID: line, TimeZone: "America/New_York", Kind: CallSchedule}
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return b
}

func TestSessionStoreBounds(t *testing.T) {
	store := NewSessionStore(2, time.Hour)
	clock := now
	store.now = func() time.Time { return clock }

	store.Begin(Session{CallSID: "a"})
	clock = clock.Add(time.Minute)
	store.Begin(Session{CallSID: "b"})
	clock = clock.Add(time.Minute)
	store.Begin(Session{CallSID: "c"})

	if store.Len() != 2 {
		t.Fatalf("len = %d, want 2", store.Len())
	}
	if _, ok := store.Get("a"); ok {
		t.Fatalf("oldest session should have been evicted")
	}

	clock = clock.Add(59 * time.Minute)
	if _, ok := store.Get("b"); ok {
		t.Fatalf("expired session returned")
	}
	if _, ok := store.Get("c"); !ok {
		t.Fatalf("live session missing")
	}

	if _, ok := store.End("c"); !ok {
		t.Fatalf("end live session")
	}
	if _, ok := store.End("c"); ok {
		t.Fatalf("session ended twice")
	}
	if store.Len() != 0 {
		t.Fatalf("len after teardown = %d", store.Len())
	}
}

func TestCreateAndListReminders(t *testing.T) {
	tools, _ := newTestTools(t, nil)
	ctx := context.Background()
	sess := testSession()

	res := tools.Invoke(ctx, sess, Call{Tool: ToolCreateReminder, Arguments: args(t, map[string]any{
		"message":      "take your blood pressure pill",
		"due_at_local": "2024-06-03T09:00",
	})})
	if !res.OK || res.ReminderID == 0 {
		t.Fatalf("create result = %+v", res)
	}
	if !strings.Contains(res.Text, "Monday, June 3 at 9:00 AM") {
		t.Fatalf("confirmation should speak local time: %q", res.Text)
	}

	res = tools.Invoke(ctx, sess, Call{Tool: ToolListReminders})
	if !res.OK || len(res.Reminders) != 1 || !strings.HasPrefix(res.Text, "You have 1 reminder.") {
		t.Fatalf("list result = %+v", res)
	}
}

func TestCreateTooSoonOffersEarliestTime(t *testing.T) {
	tools, _ := newTestTools(t, nil)

	res := tools.Invoke(context.Background(), testSession(), Call{Tool: ToolCreateReminder, Arguments: args(t, map[string]any{
		"message":      "turn off the oven",
		"due_at_local": "2024-06-03T08:02",
	})})
	if res.OK || res.Code != apperr.CodeDueTimeTooSoon {
		t.Fatalf("result = %+v, want DUE_TIME_TOO_SOON", res)
	}
	if !strings.Contains(res.Text, "8:05 AM") {
		t.Fatalf("text should offer 8:05 AM: %q", res.Text)
	}
}

func TestSnoozeLimitIsSpoken(t *testing.T) {
	tools, _ := newTestTools(t, nil)
	ctx := context.Background()
	sess := testSession()

	created := tools.Invoke(ctx, sess, Call{Tool: ToolCreateReminder, Arguments: args(t, map[string]any{
		"message":      "drink some water",
		"due_at_local": "2024-06-03T10:00",
	})})
	if !created.OK {
		t.Fatalf("create = %+v", created)
	}

	snooze := Call{Tool: ToolSnoozeReminder, Arguments: args(t, map[string]any{"reminder_id": created.ReminderID, "minutes": 10})}
	for i := 0; i < reminder.MaxSnoozes; i++ {
		if res := tools.Invoke(ctx, sess, snooze); !res.OK {
			t.Fatalf("snooze %d = %+v", i+1, res)
		}
	}
	res := tools.Invoke(ctx, sess, snooze)
	if res.OK || res.Code != apperr.CodeSnoozeLimitReached {
		t.Fatalf("fourth snooze = %+v", res)
	}
}

func TestOtherLinesRemindersAreHidden(t *testing.T) {
	tools, mgr := newTestTools(t, nil)
	ctx := context.Background()

	other, err := mgr.Create(ctx, reminder.CreateInput{
		LineID:     "+15559998888",
		TimeZone:   "UTC",
		DueAtLocal: "2024-06-04T09:00",
		Message:    "someone else's reminder",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res := tools.Invoke(ctx, testSession(), Call{Tool: ToolCancelReminder, Arguments: args(t, map[string]any{"reminder_id": other.ID})})
	if res.OK || res.Code != apperr.CodeNotFound {
		t.Fatalf("cancel other line = %+v, want NOT_FOUND", res)
	}
	got, err := mgr.Get(ctx, other.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "scheduled" {
		t.Fatalf("other line's reminder changed to %s", got.Status)
	}
}

func TestMutationsAreRateLimited(t *testing.T) {
	policy := &quota.Policy{Actions: map[quota.Action]quota.ActionPolicy{
		quota.ActionReminderCreate: {Limits: map[quota.IdentifierKind]quota.Limit{
			quota.KindPhone: {Max: 2, Window: time.Hour},
		}},
	}}
	tools, _ := newTestTools(t, policy)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := tools.Invoke(ctx, testSession(), Call{Tool: ToolCreateReminder, Arguments: args(t, map[string]any{
			"message":      fmt.Sprintf("reminder %d", i),
			"due_at_local": "2024-06-03T11:00",
		})})
		if !res.OK {
			t.Fatalf("create %d = %+v", i, res)
		}
	}
	res := tools.Invoke(ctx, testSession(), Call{Tool: ToolCreateReminder, Arguments: args(t, map[string]any{
		"message":      "one too many",
		"due_at_local": "2024-06-03T11:00",
	})})
	if res.OK || res.Code != apperr.CodeRateLimited || res.RetryAfterSeconds != 3600 {
		t.Fatalf("third create = %+v, want RATE_LIMITED with 3600s", res)
	}
}

func TestUnknownToolAndBadArguments(t *testing.T) {
	tools, _ := newTestTools(t, nil)
	ctx := context.Background()

	if res := tools.Invoke(ctx, testSession(), Call{Tool: "order_pizza"}); res.Code != apperr.CodeInvalidInput {
		t.Fatalf("unknown tool = %+v", res)
	}
	if res := tools.Invoke(ctx, testSession(), Call{Tool: ToolPauseReminder, Arguments: json.RawMessage(`{"reminder_id":"x"}`)}); res.Code != apperr.CodeInvalidInput {
		t.Fatalf("bad arguments = %+v", res)
	}
}

func TestRenderErrorCoversEveryCode(t *testing.T) {
	codes := []apperr.Code{
		apperr.CodeInvalidInput, apperr.CodeInvalidTimezone, apperr.CodeInvalidTimeOfDay,
		apperr.CodeInvalidSnoozeDuration, apperr.CodeDueTimeTooSoon, apperr.CodeReminderNotPausable,
		apperr.CodeReminderNotResumable, apperr.CodeReminderNotSnoozable, apperr.CodeReminderNotEditable,
		apperr.CodeSnoozeLimitReached, apperr.CodeScheduleConflict, apperr.CodeNotFound,
		apperr.CodeDatabaseError, apperr.CodeRateLimited,
	}
	generic := renderError(fmt.Errorf("boom"), "UTC").Text
	for _, code := range codes {
		res := renderError(apperr.New(code, "x"), "UTC")
		if res.Code != code || res.Text == "" || res.Text == generic {
			t.Fatalf("code %s rendered as %+v", code, res)
		}
	}
}

func TestHandler(t *testing.T) {
	tools, _ := newTestTools(t, nil)
	sessions := NewSessionStore(4, time.Hour)
	sessions.Begin(testSession())
	h := NewHandler(tools, sessions, zerolog.Nop())

	body, _ := json.Marshal(map[string]any{
		"call_sid":  "CA100",
		"tool":      ToolCreateReminder,
		"arguments": map[string]any{"message": "call Maria", "due_at_local": "2024-06-03T18:30"},
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/voice/tools", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !res.OK || res.ReminderID == 0 {
		t.Fatalf("response = %+v", res)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/voice/tools", strings.NewReader(`{"call_sid":"CA404","tool":"list_reminders"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voice/tools", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
}
