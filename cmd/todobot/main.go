package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"todobot/internal/bot"
	"todobot/internal/calendar"
	"todobot/internal/config"
	"todobot/internal/logx"
	"todobot/internal/notify"
	"todobot/internal/repository"
	"todobot/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "todobot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logx.NewConsole(cfg.LogLevel)

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	users := repository.NewUserRepository(db)
	tasks := repository.NewTaskRepository(db)

	// No calendar provider is wired in this build; the gateway reports
	// itself disabled and the sync engine stays dormant.
	gate := calendar.NewDisabled()

	taskSvc := service.NewTaskService(tasks, gate, log, cfg.Location)

	telegramBot, err := bot.New(cfg.TelegramToken, users, taskSvc, log, cfg.Location)
	if err != nil {
		return fmt.Errorf("bot: %w", err)
	}

	sender := notify.NewBreaker(notify.NewThrottled(telegramBot, cfg.NotifyRatePerSec, cfg.NotifyBurst))

	generatorSvc := service.NewGeneratorService(tasks, log, cfg.Location)
	reminderSvc := service.NewReminderService(tasks, users, sender, log, cfg.Location, cfg.ReminderLead, cfg.ReminderGrace)
	nudgeSvc := service.NewNudgeService(tasks, users, sender, log, cfg.Location)
	syncSvc := service.NewSyncService(tasks, users, gate, log, cfg.Location, cfg.SyncOverlap, cfg.SyncFirstLookback, cfg.SyncLookahead)

	scheduler := service.NewSchedulerService(cfg.Location, log)
	if err := scheduler.ScheduleDaily("generation", "00:00", func(ctx context.Context) error {
		return generatorSvc.Run(ctx, time.Now().In(cfg.Location))
	}); err != nil {
		return err
	}
	if err := scheduler.ScheduleInterval("reminders", cfg.ReminderScanEvery, func(ctx context.Context) error {
		_, err := reminderSvc.RunOnce(ctx, time.Now().In(cfg.Location))
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.ScheduleInterval("sync", cfg.SyncEvery, func(ctx context.Context) error {
		return syncSvc.RunAll(ctx, time.Now().In(cfg.Location))
	}); err != nil {
		return err
	}
	if err := scheduler.ScheduleDaily("nudge", cfg.NudgeTime, func(ctx context.Context) error {
		return nudgeSvc.RunOnce(ctx, time.Now().In(cfg.Location))
	}); err != nil {
		return err
	}

	// Catch up on recurring instances missed while the process was down.
	if err := generatorSvc.Run(ctx, time.Now().In(cfg.Location)); err != nil {
		log.Error().Err(err).Msg("startup generation failed")
	}

	scheduler.Start()
	defer scheduler.Stop()

	log.Info().Msg("todobot started")
	if err := telegramBot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("bot stopped: %w", err)
	}
	log.Info().Msg("shutdown complete")
	return nil
}
