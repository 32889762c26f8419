package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pathakanu/carecall/internal/config"
	"github.com/pathakanu/carecall/internal/database"
	"github.com/pathakanu/carecall/internal/dispatch"
	"github.com/pathakanu/carecall/internal/logging"
	myopenai "github.com/pathakanu/carecall/internal/openai"
	"github.com/pathakanu/carecall/internal/quota"
	"github.com/pathakanu/carecall/internal/reminder"
	"github.com/pathakanu/carecall/internal/repository"
	"github.com/pathakanu/carecall/internal/schedule"
	"github.com/pathakanu/carecall/internal/twilio"
	"github.com/pathakanu/carecall/internal/voice"
)

const maintenanceSpec = "@every 10m"

func main() {
	cfg, warnings := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogConsole)
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	db, err := database.New(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openAIClient := myopenai.New(cfg.OpenAIAPIKey)
	twilioClient := twilio.New(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioCallerNumber)
	logger.Info().
		Str("caller_number", cfg.TwilioCallerNumber).
		Bool("openai", openAIClient.Enabled()).
		Msg("integrations configured")

	policy, err := quota.LoadPolicy(cfg.QuotaPolicyPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("quota policy load failed")
	}
	counters := quota.NewGormStore(db)
	observer := quota.NewAnomalyObserver(logger, 10*time.Minute, 5)
	guard := quota.NewGuard(counters, policy, logger,
		quota.WithFailOpen(cfg.QuotaFailOpen),
		quota.WithStoreTimeout(cfg.QuotaStoreTimeout),
		quota.WithObserver(observer),
	)
	if cfg.QuotaPolicyPath != "" {
		watcher := quota.NewPolicyWatcher(cfg.QuotaPolicyPath, guard, logger)
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error().Err(err).Msg("quota policy watcher stopped")
			}
		}()
	}

	reminders := reminder.NewManager(repository.NewReminderRepository(db), logger, reminder.WithMinLead(cfg.ReminderMinLead))
	schedules := schedule.NewManager(repository.NewScheduleRepository(db), logger, nil)
	sessions := voice.NewSessionStore(cfg.VoiceSessionCapacity, cfg.VoiceSessionTTL)

	dispatcher := dispatch.New(dispatch.Config{
		Reminders:     reminders,
		Schedules:     schedules,
		Caller:        twilioClient,
		Announcer:     openAIClient,
		Sessions:      sessions,
		PublicBaseURL: cfg.PublicBaseURL,
		Spec:          cfg.DispatchSpec,
		Log:           logger,
	})
	err = dispatcher.AddMaintenance(maintenanceSpec, "housekeeping", func(ctx context.Context) {
		if n, err := counters.Purge(ctx, time.Now()); err != nil {
			logger.Warn().Err(err).Msg("purge quota counters")
		} else if n > 0 {
			logger.Debug().Int64("purged", n).Msg("expired quota counters removed")
		}
		sessions.Sweep()
		observer.Sweep()
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("maintenance job registration failed")
	}
	if err := dispatcher.StartScheduler(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler start failed")
	}

	tools := voice.NewTools(reminders, guard, openAIClient, logger)

	mux := http.NewServeMux()
	mux.Handle(dispatch.StatusPath, dispatcher.StatusHandler(twilioClient))
	mux.Handle("/voice/tools", voice.NewHandler(tools, sessions, logger))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	waitForShutdown(server, dispatcher, logger)
}

func waitForShutdown(server *http.Server, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) {
	logger.Info().Msg("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	dispatcher.StopScheduler()
}
