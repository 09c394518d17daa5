package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	// memory or postgres.
	StoreBackend string
	DatabaseURL  string

	// storage (default) or redis.
	SequencerBackend string
	RedisAddr        string

	// log (default) or asynq. asynq requires RedisAddr.
	NotifierBackend string
	RunNotifyWorker bool

	LockTimeout time.Duration
	MaxRetries  int

	// Tenant defaults until a settings service is wired.
	StartNumber                int
	AverageConsultationMinutes int
	RollingWindow              int
	RolloverHour               int
	Timezone                   string

	RateLimitPerMinute       int
	RateLimitBurst           int
	TenantRateLimitPerMinute int
	TenantRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:             port,
		StoreBackend:     readString("STORE_BACKEND", "memory"),
		DatabaseURL:      os.Getenv("DB_DSN"),
		SequencerBackend: readString("SEQUENCER_BACKEND", "storage"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		NotifierBackend:  readString("NOTIFIER_BACKEND", "log"),
		RunNotifyWorker:  readBool("RUN_NOTIFY_WORKER", false),

		LockTimeout: readDurationMillis("LOCK_TIMEOUT_MS", 250),
		MaxRetries:  readInt("MAX_RETRIES", 3),

		StartNumber:                readInt("TOKEN_START_NUMBER", 1),
		AverageConsultationMinutes: readInt("AVG_CONSULTATION_MINUTES", 10),
		RollingWindow:              readInt("ROLLING_WINDOW", 10),
		RolloverHour:               readInt("SERVICE_DAY_ROLLOVER_HOUR", 0),
		Timezone:                   readString("CLINIC_TIMEZONE", "UTC"),

		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		TenantRateLimitPerMinute: readInt("TENANT_RATE_LIMIT_PER_MIN", 600),
		TenantRateLimitBurst:     readInt("TENANT_RATE_LIMIT_BURST", 120),
	}
}

func readString(key, fallback string) string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	return raw
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
