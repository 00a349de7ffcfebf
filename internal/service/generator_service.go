package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"todobot/internal/model"
	"todobot/internal/recurrence"
	"todobot/internal/repository"
)

// GeneratorService turns active recurring patterns into concrete task
// instances. Each pattern advances inside its own transaction, so one broken
// rule never blocks the rest, and a crash between patterns loses nothing.
type GeneratorService struct {
	tasks *repository.TaskRepository
	log   zerolog.Logger
	loc   *time.Location
}

func NewGeneratorService(tasks *repository.TaskRepository, log zerolog.Logger, loc *time.Location) *GeneratorService {
	return &GeneratorService{
		tasks: tasks,
		log:   log.With().Str("component", "generator").Logger(),
		loc:   loc,
	}
}

// Run materializes every occurrence that falls on or before today's date.
// A pattern that sat idle for days emits all the occurrences it missed, one
// per loop turn, so catch-up after downtime is automatic.
func (g *GeneratorService) Run(ctx context.Context, now time.Time) error {
	now = now.In(g.loc)
	year, month, day := now.Date()
	tomorrow := time.Date(year, month, day, 0, 0, 0, 0, g.loc).AddDate(0, 0, 1)

	patterns, err := g.tasks.ListDuePatterns(ctx, tomorrow)
	if err != nil {
		return mapStoreErr(err)
	}
	for _, pattern := range patterns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.runPattern(ctx, pattern, tomorrow); err != nil {
			g.log.Error().Err(err).Uint("pattern", pattern.ID).Msg("pattern generation failed")
		}
	}
	return nil
}

func (g *GeneratorService) runPattern(ctx context.Context, pattern model.Task, before time.Time) error {
	for pattern.DueAt != nil && pattern.DueAt.Before(before) {
		if pattern.InstanceCount >= instanceCap(&pattern) {
			g.log.Warn().Uint("pattern", pattern.ID).Int("cap", instanceCap(&pattern)).Msg("instance cap reached, generation paused")
			return nil
		}
		due := pattern.DueAt.In(g.loc)

		next, err := recurrence.Next(pattern.Rule(), due)
		var nextDue *time.Time
		exhausted := errors.Is(err, recurrence.ErrExhausted)
		switch {
		case exhausted:
			// Current occurrence still materializes, then the series ends.
		case err != nil:
			return fmt.Errorf("advance pattern: %w", err)
		default:
			nextDue = &next
		}

		instance := &model.Task{
			UserID:          pattern.UserID,
			Description:     pattern.Description,
			Status:          model.StatusPending,
			DueAt:           &due,
			ParentPatternID: &pattern.ID,
			Origin:          model.OriginBot,
			LastModifiedAt:  due,
		}
		created, err := g.tasks.SpawnInstance(ctx, pattern.ID, instance, nextDue)
		if err != nil {
			return mapStoreErr(err)
		}
		if !created {
			// Someone else already materialized this occurrence and advanced
			// the pattern; our snapshot is stale, so stop here.
			g.log.Debug().Uint("pattern", pattern.ID).Msg("occurrence already materialized elsewhere")
			return nil
		}
		g.log.Info().Uint("pattern", pattern.ID).Uint("instance", instance.ID).Time("due", due).Msg("instance generated")
		if exhausted {
			g.log.Info().Uint("pattern", pattern.ID).Msg("series end reached, pattern completed")
			return nil
		}
		pattern.DueAt = nextDue
		pattern.InstanceCount++
	}
	return nil
}

func instanceCap(p *model.Task) int {
	if p.MaxInstances <= 0 {
		return model.DefaultMaxInstances
	}
	return p.MaxInstances
}
