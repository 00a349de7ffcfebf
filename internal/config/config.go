package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config keeps runtime settings for the bot and its background jobs.
type Config struct {
	TelegramToken string
	DatabaseURL   string
	LogLevel      string

	// Timezone is the fixed local calendar timezone for all date
	// arithmetic (recurrence, day boundaries, job anchors).
	Timezone string
	Location *time.Location

	ReminderLead      time.Duration
	ReminderGrace     time.Duration
	ReminderScanEvery time.Duration

	SyncEvery         time.Duration
	SyncOverlap       time.Duration
	SyncFirstLookback time.Duration
	SyncLookahead     time.Duration

	// NudgeTime is the local HH:MM at which the daily summary goes out.
	NudgeTime string

	NotifyRatePerSec float64
	NotifyBurst      int
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	cfg := Config{
		TelegramToken: strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		LogLevel:      strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		Timezone:      strings.TrimSpace(os.Getenv("TIMEZONE")),
		NudgeTime:     strings.TrimSpace(os.Getenv("NUDGE_TIME")),

		ReminderLead:      parseDuration(os.Getenv("REMINDER_LEAD"), 30*time.Minute),
		ReminderGrace:     parseDuration(os.Getenv("REMINDER_GRACE"), time.Hour),
		ReminderScanEvery: parseDuration(os.Getenv("REMINDER_SCAN_INTERVAL"), 30*time.Second),

		SyncEvery:         parseDuration(os.Getenv("SYNC_INTERVAL"), 10*time.Minute),
		SyncOverlap:       parseDuration(os.Getenv("SYNC_OVERLAP"), time.Hour),
		SyncFirstLookback: parseDuration(os.Getenv("SYNC_FIRST_LOOKBACK"), 7*24*time.Hour),
		SyncLookahead:     parseDuration(os.Getenv("SYNC_LOOKAHEAD"), 30*24*time.Hour),

		NotifyRatePerSec: parseFloat(os.Getenv("NOTIFY_RATE"), 20),
		NotifyBurst:      parseInt(os.Getenv("NOTIFY_BURST"), 5),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "todobot.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.NudgeTime == "" {
		cfg.NudgeTime = "08:00"
	}

	if cfg.Timezone == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return cfg, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	if cfg.TelegramToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_TOKEN is required")
	}

	return cfg, nil
}

func parseDuration(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseFloat(raw string, def float64) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func parseInt(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
