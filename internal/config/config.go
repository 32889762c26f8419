package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	Port          string
	DatabaseURL   string
	PublicBaseURL string

	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioCallerNumber string
	OpenAIAPIKey       string

	LogLevel   string
	LogConsole bool

	DispatchSpec    string
	ReminderMinLead time.Duration

	QuotaPolicyPath   string
	QuotaFailOpen     bool
	QuotaStoreTimeout time.Duration

	VoiceSessionCapacity int
	VoiceSessionTTL      time.Duration
}

// Load reads configuration values and prepares defaults where applicable.
// Malformed values fall back to their defaults and are reported in warnings so
// the caller can log them once a logger exists.
func Load() (*Config, []string) {
	_ = godotenv.Load()

	var warnings []string
	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("config: unable to parse %s=%q: %v", key, value, err))
	}

	cfg := &Config{
		Port:          getenvDefault("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),

		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioCallerNumber: os.Getenv("TWILIO_CALLER_NUMBER"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),

		LogLevel:   getenvDefault("LOG_LEVEL", "info"),
		LogConsole: parseBoolEnv("LOG_CONSOLE", true, warn),

		DispatchSpec:    getenvDefault("DISPATCH_SPEC", "@every 1m"),
		ReminderMinLead: time.Duration(ParseIntEnv("REMINDER_MIN_LEAD_MINUTES", 5, warn)) * time.Minute,

		QuotaPolicyPath:   os.Getenv("QUOTA_POLICY_PATH"),
		QuotaFailOpen:     parseBoolEnv("QUOTA_FAIL_OPEN", false, warn),
		QuotaStoreTimeout: parseDurationEnv("QUOTA_STORE_TIMEOUT", 2*time.Second, warn),

		VoiceSessionCapacity: ParseIntEnv("VOICE_SESSION_CAPACITY", 512, warn),
		VoiceSessionTTL:      parseDurationEnv("VOICE_SESSION_TTL", 2*time.Hour, warn),
	}
	return cfg, warnings
}

func getenvDefault(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	return value
}

type warnFunc func(key, value string, err error)

// ParseIntEnv returns the integer value for an environment variable or the provided default.
func ParseIntEnv(key string, def int, warn warnFunc) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		warn(key, value, err)
		return def
	}
	return parsed
}

func parseBoolEnv(key string, def bool, warn warnFunc) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		warn(key, value, err)
		return def
	}
	return parsed
}

func parseDurationEnv(key string, def time.Duration, warn warnFunc) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		warn(key, value, err)
		return def
	}
	return parsed
}
