package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// jobTimeout bounds one tick of any scheduled job.
const jobTimeout = 5 * time.Minute

// JobFunc is one tick of periodic work.
type JobFunc func(ctx context.Context) error

// SchedulerService wraps cron-based jobs. Every job runs with a bounded
// context and panic isolation, so one bad tick cannot stall or kill the
// whole schedule.
type SchedulerService struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func NewSchedulerService(loc *time.Location, log zerolog.Logger) *SchedulerService {
	return &SchedulerService{
		cron: cron.New(cron.WithLocation(loc), cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// ScheduleDaily registers a job at the given local HH:MM time, every day.
func (s *SchedulerService) ScheduleDaily(name, timeStr string, job JobFunc) error {
	spec, err := buildDailySpec(timeStr)
	if err != nil {
		return err
	}
	return s.add(name, spec, job)
}

// ScheduleInterval registers a periodic job every given duration.
func (s *SchedulerService) ScheduleInterval(name string, interval time.Duration, job JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	// Convert to cron spec: every N seconds.
	seconds := int(interval.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return s.add(name, fmt.Sprintf("@every %ds", seconds), job)
}

func (s *SchedulerService) add(name, spec string, job JobFunc) error {
	if _, err := s.cron.AddFunc(spec, func() { s.runJob(name, job) }); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Info().Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

func (s *SchedulerService) runJob(name string, job JobFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("job", name).Msg("job panicked")
		}
	}()
	start := time.Now()
	if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Str("job", name).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
}

func (s *SchedulerService) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *SchedulerService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func buildDailySpec(timeStr string) (string, error) {
	parts := strings.Split(timeStr, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid time %q, expected HH:MM", timeStr)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in %q", timeStr)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid minute in %q", timeStr)
	}
	// cron format: second minute hour dom month dow
	return fmt.Sprintf("0 %d %d * * *", minute, hour), nil
}
