package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"todobot/internal/calendar"
	"todobot/internal/model"
	"todobot/internal/repository"
)

const (
	// doneTitlePrefix tags calendar events whose task is completed.
	doneTitlePrefix = "✅ "
	// doneColor is the provider color completed events are repainted with.
	doneColor = "8"

	// gatewayTimeout bounds each individual calendar call.
	gatewayTimeout = 10 * time.Second

	// doneAssertWindow is how far back completions are re-asserted on the
	// calendar, covering event edits that wiped the done tag.
	doneAssertWindow = 24 * time.Hour

	eventDuration = time.Hour
)

// SyncService reconciles tasks with the external calendar in both
// directions. Conflicts resolve by modification time, later write wins; on a
// tie the calendar side wins. A deletion beats an edit regardless of origin,
// but only pending tasks are ever removed.
type SyncService struct {
	tasks *repository.TaskRepository
	users *repository.UserRepository
	gate  calendar.Gateway
	log   zerolog.Logger
	loc   *time.Location

	overlap       time.Duration
	firstLookback time.Duration
	lookahead     time.Duration
}

func NewSyncService(tasks *repository.TaskRepository, users *repository.UserRepository, gate calendar.Gateway, log zerolog.Logger, loc *time.Location, overlap, firstLookback, lookahead time.Duration) *SyncService {
	return &SyncService{
		tasks:         tasks,
		users:         users,
		gate:          gate,
		log:           log.With().Str("component", "sync").Logger(),
		loc:           loc,
		overlap:       overlap,
		firstLookback: firstLookback,
		lookahead:     lookahead,
	}
}

// RunAll runs one sync cycle for every user who enabled calendar sync.
func (s *SyncService) RunAll(ctx context.Context, now time.Time) error {
	users, err := s.users.ListSyncEnabled(ctx)
	if err != nil {
		return mapStoreErr(err)
	}
	for i := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.RunUser(ctx, users[i], now); err != nil {
			if errors.Is(err, calendar.ErrDisabled) {
				return nil
			}
			s.log.Warn().Err(err).Int64("chat", users[i].TelegramID).Msg("sync cycle failed")
		}
	}
	return nil
}

// RunUser reconciles one user's tasks against their calendar. The sync
// watermark advances only when every inbound item landed, so a failed pull
// is re-read on the next cycle through the overlap window.
func (s *SyncService) RunUser(ctx context.Context, user model.User, now time.Time) error {
	now = now.In(s.loc)
	log := s.log.With().Str("cycle", uuid.NewString()[:8]).Int64("chat", user.TelegramID).Logger()

	since := now.Add(-s.firstLookback)
	if user.LastSyncAt != nil {
		since = user.LastSyncAt.Add(-s.overlap)
	}
	until := now.Add(s.lookahead)

	listCtx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	events, err := s.gate.ListEventsSince(listCtx, user.TelegramID, since, until)
	cancel()
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	linked, err := s.tasks.ListLinked(ctx, user.ID)
	if err != nil {
		return mapStoreErr(err)
	}
	byRef := make(map[string]model.Task, len(linked))
	for _, task := range linked {
		byRef[task.ExternalRef] = task
	}

	inboundErrs := 0
	seen := make(map[string]bool, len(events))
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[event.ID] = true
		task, ok := byRef[event.ID]
		if !ok {
			if !taskWorthy(event, &user) {
				continue
			}
			if err := s.adoptEvent(ctx, &user, event, log); err != nil {
				inboundErrs++
				log.Warn().Err(err).Str("event", event.ID).Msg("event adoption failed")
			}
			continue
		}
		if err := s.reconcile(ctx, &user, task, event, log); err != nil {
			inboundErrs++
			log.Warn().Err(err).Str("event", event.ID).Uint("task", task.ID).Msg("reconcile failed")
		}
	}

	inboundErrs += s.detectDeletions(ctx, &user, linked, seen, since, until, log)
	s.reassertDone(ctx, &user, now, log)
	s.sweepOutbound(ctx, &user, log)

	if inboundErrs > 0 {
		log.Warn().Int("failed", inboundErrs).Msg("sync watermark held back")
		return nil
	}
	if err := s.users.UpdateLastSync(ctx, user.ID, now); err != nil {
		return mapStoreErr(err)
	}
	log.Debug().Int("events", len(events)).Msg("sync cycle finished")
	return nil
}

// reconcile applies last-write-wins to one linked task/event pair.
func (s *SyncService) reconcile(ctx context.Context, user *model.User, task model.Task, event calendar.Event, log zerolog.Logger) error {
	// Neither side moved since the stamps were recorded.
	if task.ExternalModifiedAt != nil && event.UpdatedAt.Equal(*task.ExternalModifiedAt) && !task.LastModifiedAt.After(event.UpdatedAt) {
		return nil
	}
	if task.LastModifiedAt.After(event.UpdatedAt) {
		return s.push(ctx, user, task, log)
	}
	return s.pull(ctx, user, task, event, log)
}

func (s *SyncService) push(ctx context.Context, user *model.User, task model.Task, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	if err := pushTaskEvent(ctx, s.gate, s.tasks, user, &task); err != nil {
		return err
	}
	log.Info().Uint("task", task.ID).Msg("task pushed to calendar")
	return nil
}

func (s *SyncService) pull(ctx context.Context, user *model.User, task model.Task, event calendar.Event, log zerolog.Logger) error {
	_, err := s.tasks.Mutate(ctx, user.ID, task.ID, func(row *model.Task) error {
		if description := clampDescription(cleanEventTitle(event.Title)); description != "" {
			row.Description = description
		}
		if row.DueAt == nil || !row.DueAt.Equal(event.Start) {
			start := event.Start
			row.DueAt = &start
			row.ReminderSent = false
		}
		done := isDoneTagged(event.Title)
		switch {
		case done && row.Status == model.StatusPending:
			completedAt := event.UpdatedAt
			row.Status = model.StatusCompleted
			row.CompletedAt = &completedAt
		case !done && row.Status == model.StatusCompleted:
			// The calendar reopened it.
			row.Status = model.StatusPending
			row.CompletedAt = nil
			row.ReminderSent = false
		}
		// Mirror the winning side's stamp so this pull does not bounce
		// back as a push on the next cycle.
		stamp := event.UpdatedAt
		row.LastModifiedAt = stamp
		row.ExternalModifiedAt = &stamp
		return nil
	})
	if err != nil {
		return mapStoreErr(err)
	}
	log.Info().Uint("task", task.ID).Str("event", event.ID).Msg("task updated from calendar")
	return nil
}

// adoptEvent creates a task from a calendar event the bot has never seen.
func (s *SyncService) adoptEvent(ctx context.Context, user *model.User, event calendar.Event, log zerolog.Logger) error {
	if isDoneTagged(event.Title) {
		// Already-done events are history, not new work.
		return nil
	}
	description := clampDescription(cleanEventTitle(event.Title))
	if description == "" {
		return nil
	}
	start := event.Start
	stamp := event.UpdatedAt
	task := &model.Task{
		UserID:             user.ID,
		Description:        description,
		Status:             model.StatusPending,
		DueAt:              &start,
		Origin:             model.OriginExternal,
		ExternalRef:        event.ID,
		ExternalModifiedAt: &stamp,
		LastModifiedAt:     stamp,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return mapStoreErr(err)
	}
	log.Info().Uint("task", task.ID).Str("event", event.ID).Msg("task adopted from calendar")
	return nil
}

// detectDeletions removes pending tasks whose linked event vanished from the
// fetched range. Tasks due outside the range are left alone: their events
// were never listed, so absence proves nothing about them.
func (s *SyncService) detectDeletions(ctx context.Context, user *model.User, linked []model.Task, seen map[string]bool, since, until time.Time, log zerolog.Logger) int {
	failed := 0
	for _, task := range linked {
		if seen[task.ExternalRef] || task.IsPattern || task.Status != model.StatusPending {
			continue
		}
		if task.DueAt == nil || task.DueAt.Before(since) || task.DueAt.After(until) {
			continue
		}
		if err := s.tasks.Delete(ctx, user.ID, task.ID); err != nil {
			failed++
			log.Warn().Err(err).Uint("task", task.ID).Msg("deletion mirror failed")
			continue
		}
		log.Info().Uint("task", task.ID).Str("event", task.ExternalRef).Msg("task removed after calendar deletion")
	}
	return failed
}

// reassertDone re-marks recently completed tasks on the calendar, covering
// event edits that cleared the done tag between cycles.
func (s *SyncService) reassertDone(ctx context.Context, user *model.User, now time.Time, log zerolog.Logger) {
	recent, err := s.tasks.RecentlyCompleted(ctx, user.ID, now.Add(-doneAssertWindow))
	if err != nil {
		log.Warn().Err(err).Msg("completed lookup failed")
		return
	}
	for _, task := range recent {
		if task.ExternalRef == "" {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, gatewayTimeout)
		err := s.gate.MarkEventDone(callCtx, user.TelegramID, task.ExternalRef)
		cancel()
		if err != nil && !errors.Is(err, calendar.ErrDisabled) {
			log.Debug().Err(err).Uint("task", task.ID).Msg("done re-assert failed")
		}
	}
}

// sweepOutbound links dated bot tasks that never reached the calendar and
// retries pushes that failed earlier.
func (s *SyncService) sweepOutbound(ctx context.Context, user *model.User, log zerolog.Logger) {
	tasks, err := s.tasks.ListUnsynced(ctx, user.ID)
	if err != nil {
		log.Warn().Err(err).Msg("unsynced lookup failed")
		return
	}
	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := s.push(ctx, user, tasks[i], log); err != nil && !errors.Is(err, calendar.ErrDisabled) {
			log.Warn().Err(err).Uint("task", tasks[i].ID).Msg("outbound push failed")
		}
	}
}

// pushTaskEvent creates or updates the calendar event for a task and records
// the link and the provider's fresh stamp. On gateway failure the task is
// flagged so the next sync cycle retries it.
func pushTaskEvent(ctx context.Context, gate calendar.Gateway, tasks *repository.TaskRepository, user *model.User, task *model.Task) error {
	if task.IsPattern || task.DueAt == nil {
		return nil
	}
	event := eventForTask(task, user.SyncColor)
	var stored calendar.Event
	var err error
	if task.ExternalRef == "" {
		stored, err = gate.CreateEvent(ctx, user.TelegramID, event)
	} else {
		stored, err = gate.UpdateEvent(ctx, user.TelegramID, event)
	}
	if err != nil {
		if !errors.Is(err, calendar.ErrDisabled) {
			// Record the failure even when ctx already expired.
			recordCtx := context.WithoutCancel(ctx)
			_, _ = tasks.Mutate(recordCtx, user.ID, task.ID, func(row *model.Task) error {
				row.SyncError = truncateErr(err)
				return nil
			})
		}
		return err
	}
	updated, err := tasks.Mutate(ctx, user.ID, task.ID, func(row *model.Task) error {
		row.ExternalRef = stored.ID
		row.ExternalModifiedAt = &stored.UpdatedAt
		row.SyncError = ""
		return nil
	})
	if err != nil {
		return mapStoreErr(err)
	}
	*task = *updated
	return nil
}

func eventForTask(task *model.Task, color string) calendar.Event {
	event := calendar.Event{
		ID:    task.ExternalRef,
		Title: task.Description,
		Start: *task.DueAt,
		End:   task.DueAt.Add(eventDuration),
		Color: color,
	}
	if task.Status == model.StatusCompleted {
		event.Title = doneTitlePrefix + task.Description
		event.Color = doneColor
	}
	return event
}

// taskWorthy reports whether an unlinked event should become a task: either
// it carries the user's task color or, with hashtag matching on, a '#' tag.
func taskWorthy(event calendar.Event, user *model.User) bool {
	if user.SyncColor != "" && event.Color == user.SyncColor {
		return true
	}
	return user.HashtagEnabled && strings.Contains(event.Title, "#")
}

func isDoneTagged(title string) bool {
	return strings.HasPrefix(strings.TrimSpace(title), "✅")
}

func cleanEventTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.TrimPrefix(title, "✅")
	return strings.TrimSpace(title)
}

func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
