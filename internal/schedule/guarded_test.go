package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pathakanu/carecall/internal/apperr"
	"github.com/pathakanu/carecall/internal/quota"
)

func newGuarded(t *testing.T, policy *quota.Policy) (*Guarded, *Manager, *quota.Guard) {
	t.Helper()
	m := newTestManager(t, monday)
	guard := quota.NewGuard(quota.NewMemoryStore(), policy, zerolog.Nop(),
		quota.WithClock(func() time.Time { return monday }))
	return NewGuarded(m, guard), m, guard
}

func TestGuardedCreateIsRateLimitedPerAccount(t *testing.T) {
	policy := &quota.Policy{Actions: map[quota.Action]quota.ActionPolicy{
		quota.ActionScheduleMutate: {Limits: map[quota.IdentifierKind]quota.Limit{
			quota.KindAccount: {Max: 2, Window: time.Hour},
		}},
	}}
	g, _, _ := newGuarded(t, policy)
	ctx := context.Background()
	caller := Caller{AccountID: "acct-7", IP: "203.0.113.9"}

	for i, tod := range []string{"09:00", "15:00"} {
		if _, err := g.Create(ctx, caller, CreateInput{
			LineID:     "+15550002222",
			TimeZone:   "UTC",
			DaysOfWeek: []int{1},
			TimeOfDay:  tod,
		}); err != nil {
			t.Fatalf("create %d: %v", i+1, err)
		}
	}

	_, err := g.Create(ctx, caller, CreateInput{
		LineID:     "+15550002222",
		TimeZone:   "UTC",
		DaysOfWeek: []int{1},
		TimeOfDay:  "19:00",
	})
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("third create: expected RATE_LIMITED, got %v", err)
	}

	other := Caller{AccountID: "acct-8", IP: "203.0.113.9"}
	if _, err := g.Create(ctx, other, CreateInput{
		LineID:     "+15550003333",
		TimeZone:   "UTC",
		DaysOfWeek: []int{1},
		TimeOfDay:  "19:00",
	}); err != nil {
		t.Fatalf("other account should not be limited: %v", err)
	}
}

func TestGuardedUpdateBlockedWhenDisabled(t *testing.T) {
	policy := &quota.Policy{Actions: map[quota.Action]quota.ActionPolicy{
		quota.ActionScheduleMutate: {Limits: map[quota.IdentifierKind]quota.Limit{
			quota.KindIP: {Max: 10, Window: time.Hour},
		}},
	}}
	g, m, guard := newGuarded(t, policy)
	ctx := context.Background()
	caller := Caller{AccountID: "acct-7", IP: "203.0.113.9"}

	sched, err := g.Create(ctx, caller, CreateInput{
		LineID:     "+15550002222",
		TimeZone:   "UTC",
		DaysOfWeek: []int{1, 3},
		TimeOfDay:  "09:00",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	guard.SetPolicy(&quota.Policy{Actions: map[quota.Action]quota.ActionPolicy{
		quota.ActionScheduleMutate: {Disabled: true},
	}})
	if _, err := g.Update(ctx, caller, sched.ID, UpdateInput{Enabled: boolPtr(false)}); !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("update while disabled: expected RATE_LIMITED, got %v", err)
	}
	got, err := m.Get(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Enabled || got.Version != sched.Version {
		t.Fatalf("blocked update changed the schedule: %+v", got)
	}
}
