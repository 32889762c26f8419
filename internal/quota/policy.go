// Package quota guards mutation entry points with per-key request counters.
// The verification_send category is reserved for caregiver phone verification,
// which runs outside this service; its limits live here so one policy file
// covers every guarded surface.
package quota

import (
	"bytes"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Action names a category of guarded operation.
type Action string

const (
	ActionReminderCreate   Action = "reminder_create"
	ActionReminderMutate   Action = "reminder_mutate"
	ActionScheduleMutate   Action = "schedule_mutate"
	ActionVerificationSend Action = "verification_send"
)

// IdentifierKind is the kind of key a request is counted against.
type IdentifierKind string

const (
	KindPhone   IdentifierKind = "phone"
	KindIP      IdentifierKind = "ip"
	KindAccount IdentifierKind = "account"
	KindSession IdentifierKind = "session"
)

func (k IdentifierKind) Valid() bool {
	switch k {
	case KindPhone, KindIP, KindAccount, KindSession:
		return true
	default:
		return false
	}
}

// Identifier is one key a request is attributed to, e.g. the caller's phone number.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

func Phone(v string) Identifier   { return Identifier{Kind: KindPhone, Value: v} }
func IP(v string) Identifier      { return Identifier{Kind: KindIP, Value: v} }
func Account(v string) Identifier { return Identifier{Kind: KindAccount, Value: v} }
func Session(v string) Identifier { return Identifier{Kind: KindSession, Value: v} }

// Limit allows Max requests per Window for one key.
type Limit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// ActionPolicy configures one action category. Disabled rejects every request
// for the action without touching counters.
type ActionPolicy struct {
	Disabled bool                     `yaml:"disabled"`
	Limits   map[IdentifierKind]Limit `yaml:"limits"`
}

type Policy struct {
	Actions map[Action]ActionPolicy `yaml:"actions"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{Actions: map[Action]ActionPolicy{
		ActionReminderCreate: {Limits: map[IdentifierKind]Limit{
			KindPhone:   {Max: 10, Window: time.Hour},
			KindSession: {Max: 5, Window: 10 * time.Minute},
		}},
		ActionReminderMutate: {Limits: map[IdentifierKind]Limit{
			KindPhone:   {Max: 30, Window: time.Hour},
			KindSession: {Max: 15, Window: 10 * time.Minute},
		}},
		ActionScheduleMutate: {Limits: map[IdentifierKind]Limit{
			KindAccount: {Max: 20, Window: time.Hour},
			KindIP:      {Max: 60, Window: time.Hour},
		}},
		ActionVerificationSend: {Limits: map[IdentifierKind]Limit{
			KindPhone: {Max: 3, Window: 15 * time.Minute},
			KindIP:    {Max: 10, Window: time.Hour},
		}},
	}}
}

func (p *Policy) action(a Action) (ActionPolicy, bool) {
	if p == nil {
		return ActionPolicy{}, false
	}
	ap, ok := p.Actions[a]
	return ap, ok
}

func (p *Policy) Validate() error {
	for action, ap := range p.Actions {
		for kind, l := range ap.Limits {
			if !kind.Valid() {
				return fmt.Errorf("action %s: unknown identifier kind %q", action, kind)
			}
			if l.Max < 1 {
				return fmt.Errorf("action %s/%s: max must be at least 1", action, kind)
			}
			if l.Window <= 0 {
				return fmt.Errorf("action %s/%s: window must be positive", action, kind)
			}
		}
	}
	return nil
}

// ParsePolicy decodes a YAML policy and overlays it on DefaultPolicy. An action
// entry without limits keeps the default limits, so a file can carry just
// `disabled: true` for an action.
func ParsePolicy(data []byte) (*Policy, error) {
	var file Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode quota policy: %w", err)
	}

	policy := DefaultPolicy()
	for action, ap := range file.Actions {
		if ap.Limits == nil {
			ap.Limits = policy.Actions[action].Limits
		}
		policy.Actions[action] = ap
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("validate quota policy: %w", err)
	}
	return policy, nil
}

// LoadPolicy reads the policy file at path, or returns DefaultPolicy when path is empty.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quota policy: %w", err)
	}
	return ParsePolicy(data)
}
