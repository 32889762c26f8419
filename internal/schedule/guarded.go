package schedule

import (
	"context"

	"github.com/pathakanu/carecall/internal/model"
	"github.com/pathakanu/carecall/internal/quota"
)

// Guard admits a request before a rate-limited operation.
type Guard interface {
	Check(ctx context.Context, action quota.Action, ids ...quota.Identifier) quota.Decision
}

// Caller identifies who asked for a schedule change.
type Caller struct {
	AccountID string
	IP        string
}

func (c Caller) identifiers() []quota.Identifier {
	return []quota.Identifier{quota.Account(c.AccountID), quota.IP(c.IP)}
}

// Guarded is the entry point for caregiver-facing schedule changes. Every
// create and update passes the schedule_mutate quota before reaching the
// manager; a blocked request never touches the store.
type Guarded struct {
	manager *Manager
	guard   Guard
}

func NewGuarded(manager *Manager, guard Guard) *Guarded {
	return &Guarded{manager: manager, guard: guard}
}

// Create counts the request against the caller and the target line.
func (g *Guarded) Create(ctx context.Context, caller Caller, in CreateInput) (*model.Schedule, error) {
	ids := append(caller.identifiers(), quota.Phone(in.LineID))
	if d := g.guard.Check(ctx, quota.ActionScheduleMutate, ids...); !d.Allowed {
		return nil, d.Err()
	}
	return g.manager.Create(ctx, in)
}

func (g *Guarded) Update(ctx context.Context, caller Caller, id uint, in UpdateInput) (*model.Schedule, error) {
	if d := g.guard.Check(ctx, quota.ActionScheduleMutate, caller.identifiers()...); !d.Allowed {
		return nil, d.Err()
	}
	return g.manager.Update(ctx, id, in)
}
