package quota

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type outcomeWindow struct {
	allowed int
	blocked int
	resetAt time.Time
}

// AnomalyObserver records allowed and blocked outcomes per key and logs an
// alert when a key keeps hitting its limit. Alerts are throttled.
type AnomalyObserver struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	windows   map[string]*outcomeWindow
	alerts    *rate.Limiter
	now       func() time.Time
	log       zerolog.Logger
}

// NewAnomalyObserver alerts once a key is blocked threshold times within window.
func NewAnomalyObserver(log zerolog.Logger, window time.Duration, threshold int) *AnomalyObserver {
	if threshold < 1 {
		threshold = 1
	}
	return &AnomalyObserver{
		window:    window,
		threshold: threshold,
		windows:   make(map[string]*outcomeWindow),
		alerts:    rate.NewLimiter(rate.Every(time.Minute), 5),
		now:       time.Now,
		log:       log.With().Str("component", "quota_observer").Logger(),
	}
}

func (o *AnomalyObserver) Observe(action Action, key string, allowed bool) {
	now := o.now()

	o.mu.Lock()
	w, ok := o.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &outcomeWindow{resetAt: now.Add(o.window)}
		o.windows[key] = w
	}
	if allowed {
		w.allowed++
	} else {
		w.blocked++
	}
	passed, blocked := w.allowed, w.blocked
	o.mu.Unlock()

	if !allowed && blocked >= o.threshold && o.alerts.Allow() {
		o.log.Warn().
			Str("action", string(action)).
			Str("key", key).
			Int("blocked", blocked).
			Int("allowed", passed).
			Float64("block_ratio", float64(blocked)/float64(blocked+passed)).
			Dur("window", o.window).
			Msg("repeated rate limit hits")
	}
}

// Outcomes returns the allowed and blocked counts recorded for key in its
// current window.
func (o *AnomalyObserver) Outcomes(key string) (allowed, blocked int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.windows[key]
	if !ok || !o.now().Before(w.resetAt) {
		return 0, 0
	}
	return w.allowed, w.blocked
}

// Blocked returns the number of blocked requests recorded for key in its current window.
func (o *AnomalyObserver) Blocked(key string) int {
	_, blocked := o.Outcomes(key)
	return blocked
}

// Sweep forgets windows that have ended.
func (o *AnomalyObserver) Sweep() {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, w := range o.windows {
		if !now.Before(w.resetAt) {
			delete(o.windows, key)
		}
	}
}
