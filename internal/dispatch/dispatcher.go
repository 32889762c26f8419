// Package dispatch places the calls for due reminders and schedules and feeds
// call outcomes back into the engine.
package dispatch

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pathakanu/carecall/internal/model"
	"github.com/pathakanu/carecall/internal/voice"
)

const (
	DefaultSpec      = "@every 1m"
	defaultBatchSize = 100
	tickTimeout      = 50 * time.Second

	scheduleGreeting = "Hello, this is your CareCall companion calling to check in on you."
)

// Caller places outbound voice calls.
type Caller interface {
	PlaceCall(ctx context.Context, to, message, statusCallback string) (string, error)
}

// Announcer turns a reminder message into the script read on the call.
type Announcer interface {
	Announce(ctx context.Context, message string) string
}

type Reminders interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	CompleteOccurrence(ctx context.Context, id uint, firedAt time.Time) (*model.Reminder, error)
	FailOccurrence(ctx context.Context, id uint, firedAt time.Time) (*model.Reminder, error)
}

type Schedules interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error)
	RecordCallOutcome(ctx context.Context, id uint, firedAt time.Time, answered bool) (*model.Schedule, error)
}

// Config wires a Dispatcher.
type Config struct {
	Reminders Reminders
	Schedules Schedules
	Caller    Caller
	Announcer Announcer
	Sessions  *voice.SessionStore
	// PublicBaseURL is where Twilio reaches this service; status callbacks
	// are disabled when it is empty.
	PublicBaseURL string
	Spec          string
	BatchSize     int
	Log           zerolog.Logger
	Now           func() time.Time
}

// Stats summarises one tick.
type Stats struct {
	RemindersCalled int
	RemindersFailed int
	SchedulesCalled int
	SchedulesFailed int
}

// Dispatcher polls for due work on a cron schedule.
type Dispatcher struct {
	reminders Reminders
	schedules Schedules
	caller    Caller
	announcer Announcer
	sessions  *voice.SessionStore
	baseURL   string
	spec      string
	batch     int
	cron      *cron.Cron
	log       zerolog.Logger
	now       func() time.Time
}

func New(cfg Config) *Dispatcher {
	log := cfg.Log.With().Str("component", "dispatch").Logger()
	cl := cronLogger{log: log}
	d := &Dispatcher{
		reminders: cfg.Reminders,
		schedules: cfg.Schedules,
		caller:    cfg.Caller,
		announcer: cfg.Announcer,
		sessions:  cfg.Sessions,
		baseURL:   cfg.PublicBaseURL,
		spec:      cfg.Spec,
		batch:     cfg.BatchSize,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
		now: cfg.Now,
	}
	if d.spec == "" {
		d.spec = DefaultSpec
	}
	if d.batch <= 0 {
		d.batch = defaultBatchSize
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.sessions == nil {
		d.sessions = voice.NewSessionStore(0, 0)
	}
	return d
}

// StartScheduler registers the dispatch job and starts the cron loop.
func (d *Dispatcher) StartScheduler() error {
	_, err := d.cron.AddFunc(d.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		defer cancel()
		d.Tick(ctx, d.now())
	})
	if err != nil {
		return err
	}
	d.cron.Start()
	d.log.Info().Str("spec", d.spec).Msg("dispatcher started")
	return nil
}

// AddMaintenance runs fn on its own cron spec alongside dispatching.
func (d *Dispatcher) AddMaintenance(spec, name string, fn func(ctx context.Context)) error {
	_, err := d.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		defer cancel()
		fn(ctx)
		d.log.Debug().Str("job", name).Msg("maintenance job finished")
	})
	return err
}

// StopScheduler stops the cron scheduler and waits for running jobs.
func (d *Dispatcher) StopScheduler() {
	ctx := d.cron.Stop()
	<-ctx.Done()
}

// Tick calls every reminder and schedule due at now. Canceled reminders and
// disabled schedules are never listed as due, so they are skipped silently.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) Stats {
	var stats Stats
	fired := now.UTC().Truncate(time.Second)

	reminders, err := d.reminders.ListDue(ctx, now, d.batch)
	if err != nil {
		d.log.Error().Err(err).Msg("list due reminders")
	}
	for _, rem := range reminders {
		if ctx.Err() != nil {
			return stats
		}
		if d.callReminder(ctx, rem, fired) {
			stats.RemindersCalled++
		} else {
			stats.RemindersFailed++
		}
	}

	schedules, err := d.schedules.ListDue(ctx, now, d.batch)
	if err != nil {
		d.log.Error().Err(err).Msg("list due schedules")
	}
	for _, sched := range schedules {
		if ctx.Err() != nil {
			return stats
		}
		if d.callSchedule(ctx, sched, fired) {
			stats.SchedulesCalled++
		} else {
			stats.SchedulesFailed++
		}
	}

	if len(reminders)+len(schedules) > 0 {
		d.log.Info().
			Int("reminders_called", stats.RemindersCalled).
			Int("reminders_failed", stats.RemindersFailed).
			Int("schedules_called", stats.SchedulesCalled).
			Int("schedules_failed", stats.SchedulesFailed).
			Msg("dispatch tick")
	}
	return stats
}

func (d *Dispatcher) callReminder(ctx context.Context, rem model.Reminder, fired time.Time) bool {
	logger := d.log.With().Uint("reminder_id", rem.ID).Str("line_id", rem.LineID).Logger()

	script := "This is your reminder: " + rem.Message
	if d.announcer != nil {
		script = d.announcer.Announce(ctx, rem.Message)
	}
	sid, err := d.caller.PlaceCall(ctx, rem.LineID, script, d.callbackURL(voice.CallReminder, rem.ID, fired))
	if err != nil {
		logger.Error().Err(err).Msg("reminder call failed")
		if _, ferr := d.reminders.FailOccurrence(ctx, rem.ID, fired); ferr != nil {
			logger.Error().Err(ferr).Msg("record reminder failure")
		}
		return false
	}

	d.sessions.Begin(voice.Session{
		CallSID:  sid,
		LineID:   rem.LineID,
		TimeZone: rem.TimeZone,
		Kind:     voice.CallReminder,
		RecordID: rem.ID,
		FiredAt:  fired,
	})
	if _, err := d.reminders.CompleteOccurrence(ctx, rem.ID, fired); err != nil {
		logger.Error().Err(err).Str("call_sid", sid).Msg("record reminder completion")
	}
	logger.Info().Str("call_sid", sid).Msg("reminder call placed")
	return true
}

// callSchedule places a companionship call. The attempt is recorded as
// unanswered straight away so a retry is armed; the status webhook settles
// the slot once Twilio reports the call was answered.
func (d *Dispatcher) callSchedule(ctx context.Context, sched model.Schedule, fired time.Time) bool {
	logger := d.log.With().Uint("schedule_id", sched.ID).Str("line_id", sched.LineID).Logger()

	sid, err := d.caller.PlaceCall(ctx, sched.LineID, scheduleGreeting, d.callbackURL(voice.CallSchedule, sched.ID, fired))
	if err != nil {
		logger.Error().Err(err).Msg("schedule call failed")
	} else {
		d.sessions.Begin(voice.Session{
			CallSID:  sid,
			LineID:   sched.LineID,
			TimeZone: sched.TimeZone,
			Kind:     voice.CallSchedule,
			RecordID: sched.ID,
			FiredAt:  fired,
		})
		logger.Info().Str("call_sid", sid).Int("retry_attempt", sched.RetryAttempt).Msg("schedule call placed")
	}

	if _, rerr := d.schedules.RecordCallOutcome(ctx, sched.ID, fired, false); rerr != nil {
		logger.Error().Err(rerr).Msg("record schedule attempt")
	}
	return err == nil
}

func (d *Dispatcher) callbackURL(kind voice.CallKind, id uint, fired time.Time) string {
	if d.baseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("kind", string(kind))
	q.Set("id", strconv.FormatUint(uint64(id), 10))
	q.Set("fired", strconv.FormatInt(fired.Unix(), 10))
	return d.baseURL + StatusPath + "?" + q.Encode()
}

// cronLogger adapts zerolog to cron's logger interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
