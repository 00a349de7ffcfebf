package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"todobot/internal/model"
	"todobot/internal/recurrence"
	"todobot/internal/repository"
)

func seedPattern(t *testing.T, tasks *repository.TaskRepository, userID uint, kind recurrence.Kind, due time.Time, mutate func(*model.Task)) *model.Task {
	t.Helper()
	pattern := &model.Task{
		UserID:         userID,
		Description:    "water the plants",
		Status:         model.StatusPending,
		IsPattern:      true,
		RecurKind:      kind,
		DueAt:          &due,
		MaxInstances:   model.DefaultMaxInstances,
		Origin:         model.OriginBot,
		LastModifiedAt: due,
	}
	if mutate != nil {
		mutate(pattern)
	}
	require.NoError(t, tasks.Create(context.Background(), pattern))
	return pattern
}

func pendingInstances(t *testing.T, tasks *repository.TaskRepository, userID uint) []model.Task {
	t.Helper()
	list, err := tasks.ListPending(context.Background(), userID)
	require.NoError(t, err)
	return list
}

func TestGeneratorRunIsIdempotent(t *testing.T) {
	t.Parallel()
	tasks, users := newServiceRepos(t)
	user := seedServiceUser(t, users, 100)
	gen := NewGeneratorService(tasks, zerolog.Nop(), time.UTC)

	due := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	pattern := seedPattern(t, tasks, user.ID, recurrence.KindDaily, due, nil)

	require.NoError(t, gen.Run(context.Background(), now))
	require.NoError(t, gen.Run(context.Background(), now))

	instances := pendingInstances(t, tasks, user.ID)
	require.Len(t, instances, 1)
	assert.Equal(t, "water the plants", instances[0].Description)
	require.NotNil(t, instances[0].ParentPatternID)
	assert.Equal(t, pattern.ID, *instances[0].ParentPatternID)
	assert.WithinDuration(t, due, *instances[0].DueAt, time.Second)

	refreshed, err := tasks.FindByID(context.Background(), user.ID, pattern.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.InstanceCount)
	assert.WithinDuration(t, due.AddDate(0, 0, 1), *refreshed.DueAt, time.Second)
}

func TestGeneratorCatchesUpMissedDays(t *testing.T) {
	t.Parallel()
	tasks, users := newServiceRepos(t)
	user := seedServiceUser(t, users, 101)
	gen := NewGeneratorService(tasks, zerolog.Nop(), time.UTC)

	// The pattern sat idle since March 7th; one run on the 10th emits
	// every missed day plus today.
	due := time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	pattern := seedPattern(t, tasks, user.ID, recurrence.KindDaily, due, nil)

	require.NoError(t, gen.Run(context.Background(), now))

	instances := pendingInstances(t, tasks, user.ID)
	require.Len(t, instances, 4)

	refreshed, err := tasks.FindByID(context.Background(), user.ID, pattern.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, refreshed.InstanceCount)
	assert.WithinDuration(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), *refreshed.DueAt, time.Second)
}

func TestGeneratorClampsMonthEnd(t *testing.T) {
	t.Parallel()
	tasks, users := newServiceRepos(t)
	user := seedServiceUser(t, users, 102)
	gen := NewGeneratorService(tasks, zerolog.Nop(), time.UTC)

	due := time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC)
	now := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	pattern := seedPattern(t, tasks, user.ID, recurrence.KindMonthly, due, func(p *model.Task) {
		p.RecurDayOfMonth = 31
	})

	require.NoError(t, gen.Run(context.Background(), now))

	instances := pendingInstances(t, tasks, user.ID)
	require.Len(t, instances, 1)
	assert.WithinDuration(t, due, *instances[0].DueAt, time.Second)

	// February 2025 has 28 days, so the 31st clamps to the 28th.
	refreshed, err := tasks.FindByID(context.Background(), user.ID, pattern.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC), *refreshed.DueAt, time.Second)
}

func TestGeneratorCompletesExhaustedPattern(t *testing.T) {
	t.Parallel()
	tasks, users := newServiceRepos(t)
	user := seedServiceUser(t, users, 103)
	gen := NewGeneratorService(tasks, zerolog.Nop(), time.UTC)

	due := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	pattern := seedPattern(t, tasks, user.ID, recurrence.KindDaily, due, func(p *model.Task) {
		p.RecurEndAt = ptrTime(due)
	})

	require.NoError(t, gen.Run(context.Background(), now))

	// The final occurrence still materializes, then the series retires.
	instances := pendingInstances(t, tasks, user.ID)
	require.Len(t, instances, 1)

	refreshed, err := tasks.FindByID(context.Background(), user.ID, pattern.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, refreshed.Status)

	require.NoError(t, gen.Run(context.Background(), now))
	assert.Len(t, pendingInstances(t, tasks, user.ID), 1)
}

func TestGeneratorPausesAtInstanceCap(t *testing.T) {
	t.Parallel()
	tasks, users := newServiceRepos(t)
	user := seedServiceUser(t, users, 104)
	gen := NewGeneratorService(tasks, zerolog.Nop(), time.UTC)

	due := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	pattern := seedPattern(t, tasks, user.ID, recurrence.KindDaily, due, func(p *model.Task) {
		p.MaxInstances = 3
		p.InstanceCount = 3
	})

	require.NoError(t, gen.Run(context.Background(), now))

	assert.Empty(t, pendingInstances(t, tasks, user.ID))
	refreshed, err := tasks.FindByID(context.Background(), user.ID, pattern.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, refreshed.Status)
	assert.WithinDuration(t, due, *refreshed.DueAt, time.Second)
}
