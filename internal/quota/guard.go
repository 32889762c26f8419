package quota

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pathakanu/carecall/internal/apperr"
)

const (
	// LimitDisabled is reported when the whole action category is switched off.
	LimitDisabled = "disabled"
	// LimitUnavailable is reported when the counter store failed and the guard fails closed.
	LimitUnavailable = "unavailable"

	DefaultStoreTimeout = 2 * time.Second
	unavailableRetry    = 30
)

// Decision is the outcome of a Check. LimitType names the identifier kind of
// the most restrictive offending key, or one of the Limit* constants.
type Decision struct {
	Allowed           bool
	LimitType         string
	Key               string
	RetryAfterSeconds int
	Degraded          bool
}

// Err returns a RATE_LIMITED error for a blocked decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.New(apperr.CodeRateLimited, "%s limit reached, retry in %ds", d.LimitType, d.RetryAfterSeconds)
}

// Observer receives every decision. It is advisory and cannot change the outcome.
type Observer interface {
	Observe(action Action, key string, allowed bool)
}

type Option func(*Guard)

// WithFailOpen allows requests when the counter store is unreachable.
func WithFailOpen(open bool) Option {
	return func(g *Guard) { g.failOpen = open }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(g *Guard) { g.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// Guard applies a Policy to requests using a CounterStore.
type Guard struct {
	store    CounterStore
	policy   atomic.Pointer[Policy]
	failOpen bool
	timeout  time.Duration
	observer Observer
	now      func() time.Time
	log      zerolog.Logger
}

func NewGuard(store CounterStore, policy *Policy, log zerolog.Logger, opts ...Option) *Guard {
	g := &Guard{
		store:   store,
		timeout: DefaultStoreTimeout,
		now:     time.Now,
		log:     log.With().Str("component", "quota").Logger(),
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	g.policy.Store(policy)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetPolicy swaps the active policy. In-flight checks finish with the old one.
func (g *Guard) SetPolicy(p *Policy) {
	if p == nil {
		return
	}
	g.policy.Store(p)
	g.log.Info().Int("actions", len(p.Actions)).Msg("quota policy applied")
}

func (g *Guard) Policy() *Policy {
	return g.policy.Load()
}

// Check evaluates every identifier against the action's limits. When any key
// is at its limit the request is blocked and the key with the longest wait is
// reported; counters are incremented only when the request is allowed.
func (g *Guard) Check(ctx context.Context, action Action, ids ...Identifier) Decision {
	ap, ok := g.policy.Load().action(action)
	if !ok {
		return Decision{Allowed: true}
	}
	if ap.Disabled {
		g.log.Info().Str("action", string(action)).Msg("action disabled by policy")
		g.observe(action, string(action), false)
		return Decision{LimitType: LimitDisabled, Key: string(action)}
	}

	reqs := make([]Request, 0, len(ids))
	kinds := make([]IdentifierKind, 0, len(ids))
	for _, id := range ids {
		limit, ok := ap.Limits[id.Kind]
		if !ok || id.Value == "" {
			continue
		}
		reqs = append(reqs, Request{Key: counterKey(action, id), Max: limit.Max, Window: limit.Window})
		kinds = append(kinds, id.Kind)
	}
	if len(reqs) == 0 {
		return Decision{Allowed: true}
	}

	now := g.now()
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	allowed, usage, err := g.store.Consume(sctx, now, reqs)
	cancel()
	if err != nil {
		return g.degraded(action, err)
	}

	if allowed {
		for _, req := range reqs {
			g.observe(action, req.Key, true)
		}
		return Decision{Allowed: true}
	}

	decision := Decision{}
	for i, req := range reqs {
		if usage[i].Count < req.Max {
			continue
		}
		g.observe(action, req.Key, false)
		retry := retryAfter(now, usage[i].ResetAt)
		if decision.Key == "" || retry > decision.RetryAfterSeconds {
			decision.LimitType = string(kinds[i])
			decision.Key = req.Key
			decision.RetryAfterSeconds = retry
		}
	}
	g.log.Debug().
		Str("action", string(action)).
		Str("key", decision.Key).
		Int("retry_after", decision.RetryAfterSeconds).
		Msg("request rate limited")
	return decision
}

func (g *Guard) degraded(action Action, err error) Decision {
	g.log.Warn().Err(err).Str("action", string(action)).Bool("fail_open", g.failOpen).Msg("quota store unavailable")
	if g.failOpen {
		return Decision{Allowed: true, Degraded: true}
	}
	return Decision{LimitType: LimitUnavailable, RetryAfterSeconds: unavailableRetry, Degraded: true}
}

func (g *Guard) observe(action Action, key string, allowed bool) {
	if g.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Msg("quota observer panicked")
		}
	}()
	g.observer.Observe(action, key, allowed)
}

func counterKey(action Action, id Identifier) string {
	return fmt.Sprintf("%s:%s:%s", action, id.Kind, id.Value)
}

func retryAfter(now, resetAt time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
