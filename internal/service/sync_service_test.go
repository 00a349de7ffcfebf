package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"todobot/internal/calendar"
	"todobot/internal/model"
	"todobot/internal/repository"
)

func newSyncEnv(t *testing.T, telegramID int64) (*SyncService, *repository.TaskRepository, *repository.UserRepository, *model.User, *fakeGateway) {
	t.Helper()
	tasks, users := newServiceRepos(t)
	seeded := seedServiceUser(t, users, telegramID)
	require.NoError(t, users.SetSyncSettings(context.Background(), seeded.ID, true, "5", true))
	user, err := users.FindByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	gate := newFakeGateway()
	svc := NewSyncService(tasks, users, gate, zerolog.Nop(), time.UTC,
		time.Hour, 7*24*time.Hour, 30*24*time.Hour)
	return svc, tasks, users, user, gate
}

func seedLinkedTask(t *testing.T, tasks *repository.TaskRepository, userID uint, ref, description string, due, localStamp time.Time, externalStamp *time.Time) *model.Task {
	t.Helper()
	task := &model.Task{
		UserID:             userID,
		Description:        description,
		Status:             model.StatusPending,
		DueAt:              &due,
		Origin:             model.OriginBot,
		ExternalRef:        ref,
		LastModifiedAt:     localStamp,
		ExternalModifiedAt: externalStamp,
	}
	require.NoError(t, tasks.Create(context.Background(), task))
	return task
}

func TestSyncAdoptsWorthyEvents(t *testing.T) {
	t.Parallel()
	svc, tasks, users, user, gate := newSyncEnv(t, 400)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	stamp := now.Add(-time.Hour)
	start := now.Add(24 * time.Hour)
	gate.seed(calendar.Event{ID: "e-color", Title: "dentist appointment", Start: start, End: start.Add(time.Hour), Color: "5", UpdatedAt: stamp})
	gate.seed(calendar.Event{ID: "e-plain", Title: "random party", Start: start, End: start.Add(time.Hour), Color: "3", UpdatedAt: stamp})
	gate.seed(calendar.Event{ID: "e-tag", Title: "#groceries run", Start: start, End: start.Add(time.Hour), Color: "3", UpdatedAt: stamp})
	gate.seed(calendar.Event{ID: "e-done", Title: "✅ already handled", Start: start, End: start.Add(time.Hour), Color: "5", UpdatedAt: stamp})

	require.NoError(t, svc.RunUser(context.Background(), *user, now))

	linked, err := tasks.ListLinked(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, linked, 2)

	byRef := make(map[string]model.Task)
	for _, task := range linked {
		byRef[task.ExternalRef] = task
	}
	colorTask, ok := byRef["e-color"]
	require.True(t, ok)
	assert.Equal(t, "dentist appointment", colorTask.Description)
	assert.Equal(t, model.OriginExternal, colorTask.Origin)
	assert.WithinDuration(t, start, *colorTask.DueAt, time.Second)
	assert.WithinDuration(t, stamp, colorTask.LastModifiedAt, time.Second)

	_, ok = byRef["e-tag"]
	require.True(t, ok)

	refreshed, err := users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, refreshed.LastSyncAt)
	assert.WithinDuration(t, now, *refreshed.LastSyncAt, time.Second)

	// A second cycle re-reads the same events without duplicating tasks.
	require.NoError(t, svc.RunUser(context.Background(), *refreshed, now.Add(10*time.Minute)))
	linked, err = tasks.ListLinked(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 2)
}

func TestSyncHashtagToggle(t *testing.T) {
	t.Parallel()
	svc, tasks, users, user, gate := newSyncEnv(t, 401)
	require.NoError(t, users.SetSyncSettings(context.Background(), user.ID, true, "5", false))
	refreshed, err := users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	start := now.Add(2 * time.Hour)
	gate.seed(calendar.Event{ID: "e-tag", Title: "#groceries", Start: start, End: start.Add(time.Hour), Color: "3", UpdatedAt: now.Add(-time.Hour)})

	require.NoError(t, svc.RunUser(context.Background(), *refreshed, now))

	linked, err := tasks.ListLinked(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Empty(t, linked)
}

func TestSyncLastWriteWins(t *testing.T) {
	t.Parallel()
	svc, tasks, _, user, gate := newSyncEnv(t, 402)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	t0 := now.Add(-4 * time.Hour)
	t1 := now.Add(-3 * time.Hour)
	t2 := now.Add(-2 * time.Hour)
	start := now.Add(6 * time.Hour)

	// Bot side edited later than the calendar: push wins.
	pushTask := seedLinkedTask(t, tasks, user.ID, "e-push", "report, final version", start, t2, &t0)
	gate.seed(calendar.Event{ID: "e-push", Title: "report, draft", Start: start, End: start.Add(time.Hour), Color: "5", UpdatedAt: t1})

	// Calendar edited later than the bot: pull wins.
	movedStart := start.Add(2 * time.Hour)
	pullTask := seedLinkedTask(t, tasks, user.ID, "e-pull", "old wording", start, t0, &t0)
	gate.seed(calendar.Event{ID: "e-pull", Title: "new wording from calendar", Start: movedStart, End: movedStart.Add(time.Hour), Color: "5", UpdatedAt: t2})

	pushStamp := now.Add(-time.Minute)
	gate.stampNext(pushStamp)

	require.NoError(t, svc.RunUser(context.Background(), *user, now))

	pushedEvent, ok := gate.event("e-push")
	require.True(t, ok)
	assert.Equal(t, "report, final version", pushedEvent.Title)
	gotPush, err := tasks.FindByID(context.Background(), user.ID, pushTask.ID)
	require.NoError(t, err)
	require.NotNil(t, gotPush.ExternalModifiedAt)
	assert.WithinDuration(t, pushStamp, *gotPush.ExternalModifiedAt, time.Second)

	gotPull, err := tasks.FindByID(context.Background(), user.ID, pullTask.ID)
	require.NoError(t, err)
	assert.Equal(t, "new wording from calendar", gotPull.Description)
	assert.WithinDuration(t, movedStart, *gotPull.DueAt, time.Second)
	assert.False(t, gotPull.ReminderSent)
	assert.WithinDuration(t, t2, gotPull.LastModifiedAt, time.Second)
}

func TestSyncEqualStampsCalendarWins(t *testing.T) {
	t.Parallel()
	svc, tasks, _, user, gate := newSyncEnv(t, 403)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	t0 := now.Add(-4 * time.Hour)
	t1 := now.Add(-2 * time.Hour)
	start := now.Add(3 * time.Hour)

	task := seedLinkedTask(t, tasks, user.ID, "e-tie", "bot wording", start, t1, &t0)
	gate.seed(calendar.Event{ID: "e-tie", Title: "calendar wording", Start: start, End: start.Add(time.Hour), Color: "5", UpdatedAt: t1})

	require.NoError(t, svc.RunUser(context.Background(), *user, now))

	got, err := tasks.FindByID(context.Background(), user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "calendar wording", got.Description)
}

func TestSyncPullCompletesAndReopens(t *testing.T) {
	t.Parallel()
	svc, tasks, users, user, gate := newSyncEnv(t, 404)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	t0 := now.Add(-5 * time.Hour)
	t2 := now.Add(-2 * time.Hour)
	start := now.Add(4 * time.Hour)

	task := seedLinkedTask(t, tasks, user.ID, "e-flip", "buy milk", start, t0, &t0)
	gate.seed(calendar.Event{ID: "e-flip", Title: "✅ buy milk", Start: start, End: start.Add(time.Hour), Color: "5", UpdatedAt: t2})

	require.NoError(t, svc.RunUser(context.Background(), *user, now))

	got, err := tasks.FindByID(context.Background(), user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, t2, *got.CompletedAt, time.Second)

	// The calendar side reopens the event later on.
	later := now.Add(time.Hour)
	t3 := now.Add(30 * time.Minute)
	gate.seed(calendar.Event{ID: "e-flip", Title: "buy milk", Start: start, End: start.Add(time.Hour), Color: "5", UpdatedAt: t3})
	refreshed, err := users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RunUser(context.Background(), *refreshed, later))

	got, err = tasks.FindByID(context.Background(), user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.False(t, got.ReminderSent)
}

func TestSyncDeletionMirror(t *testing.T) {
	t.Parallel()
	svc, tasks, _, user, _ := newSyncEnv(t, 405)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	stamp := now.Add(-2 * time.Hour)

	gone := seedLinkedTask(t, tasks, user.ID, "e-gone", "cancelled downstream", now.Add(2*time.Hour), stamp, &stamp)

	doneTask := seedLinkedTask(t, tasks, user.ID, "e-finished", "already celebrated", now.Add(-3*time.Hour), stamp, &stamp)
	completedAt := now.Add(-time.Hour)
	_, err := tasks.Mutate(context.Background(), user.ID, doneTask.ID, func(row *model.Task) error {
		row.Status = model.StatusCompleted
		row.CompletedAt = &completedAt
		return nil
	})
	require.NoError(t, err)

	// Due far beyond the fetch horizon: its event was never listed, so
	// absence proves nothing and the task must survive.
	far := seedLinkedTask(t, tasks, user.ID, "e-far", "next quarter planning", now.Add(60*24*time.Hour), stamp, &stamp)

	require.NoError(t, svc.RunUser(context.Background(), *user, now))

	_, err = tasks.FindByID(context.Background(), user.ID, gone.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	kept, err := tasks.FindByID(context.Background(), user.ID, doneTask.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, kept.Status)

	_, err = tasks.FindByID(context.Background(), user.ID, far.ID)
	assert.NoError(t, err)
}

func TestSyncEchoAvoidance(t *testing.T) {
	t.Parallel()
	svc, tasks, users, user, gate := newSyncEnv(t, 406)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	t0 := now.Add(-6 * time.Hour)
	t2 := now.Add(-2 * time.Hour)
	start := now.Add(5 * time.Hour)

	task := seedLinkedTask(t, tasks, user.ID, "e-echo", "original", start, t0, &t0)
	gate.seed(calendar.Event{ID: "e-echo", Title: "edited on calendar", Start: start, End: start.Add(time.Hour), Color: "5", UpdatedAt: t2})

	require.NoError(t, svc.RunUser(context.Background(), *user, now))

	refreshed, err := users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RunUser(context.Background(), *refreshed, now.Add(10*time.Minute)))

	// The pulled edit must not bounce back to the calendar.
	assert.Equal(t, 0, gate.creates)
	assert.Equal(t, 0, gate.updates)

	got, err := tasks.FindByID(context.Background(), user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited on calendar", got.Description)
	assert.WithinDuration(t, t2, got.LastModifiedAt, time.Second)
}

func TestSyncOutboundSweep(t *testing.T) {
	t.Parallel()
	svc, tasks, _, user, gate := newSyncEnv(t, 407)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	gate.stampNext(now)

	due := now.Add(8 * time.Hour)
	loose := &model.Task{
		UserID: user.ID, Description: "loose end", Status: model.StatusPending,
		DueAt: &due, Origin: model.OriginBot, LastModifiedAt: now.Add(-time.Hour),
	}
	require.NoError(t, tasks.Create(context.Background(), loose))

	farDue := now.Add(60 * 24 * time.Hour)
	retry := seedLinkedTask(t, tasks, user.ID, "e-retry", "flaky push", farDue, now.Add(-time.Hour), nil)
	_, err := tasks.Mutate(context.Background(), user.ID, retry.ID, func(row *model.Task) error {
		row.SyncError = "gateway timeout"
		return nil
	})
	require.NoError(t, err)
	gate.seed(calendar.Event{ID: "e-retry", Title: "stale title", Start: farDue, End: farDue.Add(time.Hour), Color: "5", UpdatedAt: now.Add(-3 * time.Hour)})

	require.NoError(t, svc.RunUser(context.Background(), *user, now))

	gotLoose, err := tasks.FindByID(context.Background(), user.ID, loose.ID)
	require.NoError(t, err)
	require.NotEmpty(t, gotLoose.ExternalRef)
	assert.Empty(t, gotLoose.SyncError)
	event, ok := gate.event(gotLoose.ExternalRef)
	require.True(t, ok)
	assert.Equal(t, "loose end", event.Title)

	gotRetry, err := tasks.FindByID(context.Background(), user.ID, retry.ID)
	require.NoError(t, err)
	assert.Empty(t, gotRetry.SyncError)
	retried, ok := gate.event("e-retry")
	require.True(t, ok)
	assert.Equal(t, "flaky push", retried.Title)
}

func TestSyncOutboundFailureFlagsTask(t *testing.T) {
	t.Parallel()
	svc, tasks, users, user, gate := newSyncEnv(t, 408)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	due := now.Add(8 * time.Hour)
	loose := &model.Task{
		UserID: user.ID, Description: "unlucky", Status: model.StatusPending,
		DueAt: &due, Origin: model.OriginBot, LastModifiedAt: now.Add(-time.Hour),
	}
	require.NoError(t, tasks.Create(context.Background(), loose))

	gate.failWrites = errors.New("api down")
	require.NoError(t, svc.RunUser(context.Background(), *user, now))

	got, err := tasks.FindByID(context.Background(), user.ID, loose.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExternalRef)
	assert.Contains(t, got.SyncError, "api down")

	// Next cycle retries and heals the marker.
	gate.failWrites = nil
	gate.stampNext(now)
	refreshed, err := users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RunUser(context.Background(), *refreshed, now.Add(10*time.Minute)))

	got, err = tasks.FindByID(context.Background(), user.ID, loose.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ExternalRef)
	assert.Empty(t, got.SyncError)
}

func TestSyncReassertsCompletions(t *testing.T) {
	t.Parallel()
	svc, tasks, _, user, gate := newSyncEnv(t, 409)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	start := now.Add(-2 * time.Hour)
	stamp := now.Add(-4 * time.Hour)

	task := seedLinkedTask(t, tasks, user.ID, "e-assert", "ship release", start, stamp, &stamp)
	completedAt := now.Add(-time.Hour)
	_, err := tasks.Mutate(context.Background(), user.ID, task.ID, func(row *model.Task) error {
		row.Status = model.StatusCompleted
		row.CompletedAt = &completedAt
		row.LastModifiedAt = completedAt
		return nil
	})
	require.NoError(t, err)
	// Someone edited the event afterwards and wiped the done tag.
	gate.seed(calendar.Event{ID: "e-assert", Title: "ship release", Start: start, End: start.Add(time.Hour), Color: "5", UpdatedAt: stamp})

	gate.stampNext(now)
	require.NoError(t, svc.RunUser(context.Background(), *user, now))

	assert.Contains(t, gate.done, "e-assert")
	event, ok := gate.event("e-assert")
	require.True(t, ok)
	assert.Contains(t, event.Title, "✅")
	assert.Equal(t, "8", event.Color)
}

func TestSyncDisabledGatewaySkips(t *testing.T) {
	t.Parallel()
	tasks, users := newServiceRepos(t)
	seeded := seedServiceUser(t, users, 410)
	require.NoError(t, users.SetSyncSettings(context.Background(), seeded.ID, true, "5", true))
	svc := NewSyncService(tasks, users, calendar.NewDisabled(), zerolog.Nop(), time.UTC,
		time.Hour, 7*24*time.Hour, 30*24*time.Hour)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, svc.RunAll(context.Background(), now))

	refreshed, err := users.FindByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Nil(t, refreshed.LastSyncAt)
}
