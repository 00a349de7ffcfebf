package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"todobot/internal/calendar"
	"todobot/internal/model"
	"todobot/internal/recurrence"
	"todobot/internal/repository"
	"todobot/internal/resolver"
)

// Action identifies one structured operation coming from the conversation
// layer.
type Action string

const (
	ActionAdd            Action = "add"
	ActionComplete       Action = "complete"
	ActionDelete         Action = "delete"
	ActionUpdate         Action = "update"
	ActionReschedule     Action = "reschedule"
	ActionQuery          Action = "query"
	ActionStopSeries     Action = "stop_series"
	ActionCompleteSeries Action = "complete_series"
)

// Reference addresses an existing task one of three ways: by numeric id, by
// 1-based position in the user's pending list, or by free-text description.
// The first non-zero field wins, in the order id, position, description.
type Reference struct {
	ID          uint
	Position    int
	Description string
}

func (r Reference) empty() bool {
	return r.ID == 0 && r.Position == 0 && strings.TrimSpace(r.Description) == ""
}

// Request is one parsed user action. DueAt arrives already resolved to a
// concrete timestamp; Recurrence is set only when adding a repeating task.
type Request struct {
	Action      Action
	Reference   Reference
	Description string
	DueAt       *time.Time
	Recurrence  *recurrence.Rule
}

// Result carries whatever the action produced. LowConfidence and
// Disambiguated report how a description reference was resolved so the
// conversation layer can disclose the match to the user.
type Result struct {
	Task          *model.Task
	Tasks         []model.Task
	Stats         *Stats
	Removed       int
	LowConfidence bool
	Disambiguated bool
}

// Stats summarizes one user's tasks.
type Stats struct {
	Total          int64
	Pending        int
	Completed      int64
	Overdue        int
	DueToday       int
	CompletionRate float64
}

// TaskService owns every user-initiated task mutation. Calendar pushes after
// a successful write are best effort: a gateway failure marks the task for
// the next sync cycle instead of failing the user's action.
type TaskService struct {
	tasks *repository.TaskRepository
	gate  calendar.Gateway
	log   zerolog.Logger
	loc   *time.Location
	now   func() time.Time
}

func NewTaskService(tasks *repository.TaskRepository, gate calendar.Gateway, log zerolog.Logger, loc *time.Location) *TaskService {
	return &TaskService{
		tasks: tasks,
		gate:  gate,
		log:   log.With().Str("component", "tasks").Logger(),
		loc:   loc,
		now:   time.Now,
	}
}

// Apply routes one request to its operation.
func (s *TaskService) Apply(ctx context.Context, user *model.User, req Request) (Result, error) {
	switch req.Action {
	case ActionAdd:
		return s.add(ctx, user, req)
	case ActionComplete:
		return s.complete(ctx, user, req.Reference)
	case ActionDelete:
		return s.delete(ctx, user, req.Reference)
	case ActionUpdate:
		return s.update(ctx, user, req)
	case ActionReschedule:
		return s.reschedule(ctx, user, req)
	case ActionQuery:
		return s.query(ctx, user)
	case ActionStopSeries:
		return s.stopSeries(ctx, user, req.Reference)
	case ActionCompleteSeries:
		return s.completeSeries(ctx, user, req.Reference)
	default:
		return Result{}, fmt.Errorf("unknown action %q", req.Action)
	}
}

func (s *TaskService) add(ctx context.Context, user *model.User, req Request) (Result, error) {
	description := clampDescription(req.Description)
	if description == "" {
		return Result{}, fmt.Errorf("%w: description required", ErrInvalidState)
	}
	now := s.now().In(s.loc)
	task := &model.Task{
		UserID:         user.ID,
		Description:    description,
		Status:         model.StatusPending,
		DueAt:          req.DueAt,
		Origin:         model.OriginBot,
		LastModifiedAt: now,
	}
	if req.Recurrence != nil {
		rule := *req.Recurrence
		task.IsPattern = true
		task.RecurKind = rule.Kind
		task.RecurInterval = rule.Interval
		task.RecurDays = datatypes.NewJSONSlice(rule.DaysOfWeek)
		task.RecurDayOfMonth = rule.DayOfMonth
		task.RecurEndAt = rule.EndAt
		task.MaxInstances = model.DefaultMaxInstances
		if task.DueAt == nil {
			// No explicit start, so the first occurrence counts from now.
			first, err := recurrence.Next(rule, now)
			if err != nil {
				return Result{}, fmt.Errorf("%w: the recurrence has no upcoming occurrence, check its end date", ErrInvalidState)
			}
			task.DueAt = &first
		}
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return Result{}, mapStoreErr(err)
	}
	s.log.Info().Uint("task", task.ID).Bool("pattern", task.IsPattern).Msg("task created")
	if !task.IsPattern {
		s.syncAfterWrite(ctx, user, task)
	}
	return Result{Task: task}, nil
}

func (s *TaskService) complete(ctx context.Context, user *model.User, ref Reference) (Result, error) {
	target, res, err := s.resolve(ctx, user, ref, false)
	if err != nil {
		return Result{}, err
	}
	now := s.now().In(s.loc)
	task, err := s.tasks.Mutate(ctx, user.ID, target.ID, func(row *model.Task) error {
		if row.IsPattern {
			return fmt.Errorf("%w: %q is a recurring series, complete or stop the whole series instead", ErrInvalidState, row.Description)
		}
		switch row.Status {
		case model.StatusCompleted:
			return fmt.Errorf("%w: task is already completed", ErrInvalidState)
		case model.StatusCancelled:
			return fmt.Errorf("%w: task was cancelled", ErrInvalidState)
		}
		row.Status = model.StatusCompleted
		row.CompletedAt = &now
		row.LastModifiedAt = now
		return nil
	})
	if err != nil {
		return Result{}, mapStoreErr(err)
	}
	s.log.Info().Uint("task", task.ID).Msg("task completed")
	s.syncAfterComplete(ctx, user, task)
	res.Task = task
	return res, nil
}

func (s *TaskService) delete(ctx context.Context, user *model.User, ref Reference) (Result, error) {
	target, res, err := s.resolve(ctx, user, ref, false)
	if err != nil {
		return Result{}, err
	}
	if target.IsPattern {
		return Result{}, fmt.Errorf("%w: %q is a recurring series, stop the series instead", ErrInvalidState, target.Description)
	}
	if err := s.tasks.Delete(ctx, user.ID, target.ID); err != nil {
		return Result{}, mapStoreErr(err)
	}
	s.log.Info().Uint("task", target.ID).Msg("task deleted")
	s.syncAfterDelete(ctx, user, target)
	res.Task = target
	return res, nil
}

func (s *TaskService) update(ctx context.Context, user *model.User, req Request) (Result, error) {
	description := clampDescription(req.Description)
	if description == "" {
		return Result{}, fmt.Errorf("%w: new description required", ErrInvalidState)
	}
	target, res, err := s.resolve(ctx, user, req.Reference, false)
	if err != nil {
		return Result{}, err
	}
	now := s.now().In(s.loc)
	if target.IsPattern {
		// Renaming a series follows through to its open instances.
		pattern, followed, err := s.tasks.UpdateSeriesDescription(ctx, user.ID, target.ID, description, now)
		if err != nil {
			return Result{}, mapStoreErr(err)
		}
		s.log.Info().Uint("pattern", pattern.ID).Int64("instances", followed).Msg("series renamed")
		res.Task = pattern
		res.Removed = int(followed)
		return res, nil
	}
	task, err := s.tasks.Mutate(ctx, user.ID, target.ID, func(row *model.Task) error {
		if row.Status.Terminal() {
			return fmt.Errorf("%w: task is already closed", ErrInvalidState)
		}
		row.Description = description
		row.LastModifiedAt = now
		return nil
	})
	if err != nil {
		return Result{}, mapStoreErr(err)
	}
	s.log.Info().Uint("task", task.ID).Msg("task updated")
	s.syncAfterWrite(ctx, user, task)
	res.Task = task
	return res, nil
}

func (s *TaskService) reschedule(ctx context.Context, user *model.User, req Request) (Result, error) {
	if req.DueAt == nil {
		return Result{}, fmt.Errorf("%w: new due time required", ErrInvalidState)
	}
	target, res, err := s.resolve(ctx, user, req.Reference, false)
	if err != nil {
		return Result{}, err
	}
	now := s.now().In(s.loc)
	task, err := s.tasks.Mutate(ctx, user.ID, target.ID, func(row *model.Task) error {
		if row.Status.Terminal() {
			return fmt.Errorf("%w: task is already closed", ErrInvalidState)
		}
		row.DueAt = req.DueAt
		// Moving a task re-arms its reminder even when one already fired.
		row.ReminderSent = false
		row.LastModifiedAt = now
		return nil
	})
	if err != nil {
		return Result{}, mapStoreErr(err)
	}
	s.log.Info().Uint("task", task.ID).Time("due", *req.DueAt).Msg("task rescheduled")
	if !task.IsPattern {
		s.syncAfterWrite(ctx, user, task)
	}
	res.Task = task
	return res, nil
}

func (s *TaskService) query(ctx context.Context, user *model.User) (Result, error) {
	tasks, err := s.tasks.ListPending(ctx, user.ID)
	if err != nil {
		return Result{}, mapStoreErr(err)
	}
	stats, err := s.UserStats(ctx, user)
	if err != nil {
		return Result{}, err
	}
	return Result{Tasks: tasks, Stats: &stats}, nil
}

func (s *TaskService) stopSeries(ctx context.Context, user *model.User, ref Reference) (Result, error) {
	target, res, err := s.resolve(ctx, user, ref, true)
	if err != nil {
		return Result{}, err
	}
	if !target.IsPattern {
		return Result{}, fmt.Errorf("%w: %q is not a recurring series", ErrInvalidState, target.Description)
	}
	if target.Status.Terminal() {
		return Result{}, fmt.Errorf("%w: series is already closed", ErrInvalidState)
	}
	now := s.now().In(s.loc)
	pattern, removed, err := s.tasks.CancelSeries(ctx, user.ID, target.ID, now)
	if err != nil {
		return Result{}, mapStoreErr(err)
	}
	s.log.Info().Uint("pattern", pattern.ID).Int("removed", len(removed)).Msg("series stopped")
	for i := range removed {
		s.syncAfterDelete(ctx, user, &removed[i])
	}
	res.Task = pattern
	res.Removed = len(removed)
	return res, nil
}

func (s *TaskService) completeSeries(ctx context.Context, user *model.User, ref Reference) (Result, error) {
	target, res, err := s.resolve(ctx, user, ref, true)
	if err != nil {
		return Result{}, err
	}
	if !target.IsPattern {
		return Result{}, fmt.Errorf("%w: %q is not a recurring series", ErrInvalidState, target.Description)
	}
	now := s.now().In(s.loc)
	pattern, err := s.tasks.Mutate(ctx, user.ID, target.ID, func(row *model.Task) error {
		if row.Status.Terminal() {
			return fmt.Errorf("%w: series is already closed", ErrInvalidState)
		}
		// Retires the pattern only; instances that already exist keep
		// their own lifecycle.
		row.Status = model.StatusCompleted
		row.CompletedAt = &now
		row.LastModifiedAt = now
		return nil
	})
	if err != nil {
		return Result{}, mapStoreErr(err)
	}
	s.log.Info().Uint("pattern", pattern.ID).Msg("series completed")
	res.Task = pattern
	return res, nil
}

// UserStats counts the user's tasks by state for the stats report.
func (s *TaskService) UserStats(ctx context.Context, user *model.User) (Stats, error) {
	total, err := s.tasks.CountTasks(ctx, user.ID)
	if err != nil {
		return Stats{}, mapStoreErr(err)
	}
	completed, err := s.tasks.CountByStatus(ctx, user.ID, model.StatusCompleted)
	if err != nil {
		return Stats{}, mapStoreErr(err)
	}
	pending, err := s.tasks.ListPending(ctx, user.ID)
	if err != nil {
		return Stats{}, mapStoreErr(err)
	}
	stats := Stats{Total: total, Completed: completed, Pending: len(pending)}
	now := s.now().In(s.loc)
	for _, task := range pending {
		switch resolver.ClassifyDue(task.DueAt, now) {
		case resolver.ClassOverdue:
			stats.Overdue++
		case resolver.ClassDueToday:
			stats.DueToday++
		}
	}
	if total > 0 {
		stats.CompletionRate = float64(completed) / float64(total) * 100
	}
	return stats, nil
}

// resolve turns a reference into a concrete task. Series operations resolve
// positions and descriptions against the user's active patterns, everything
// else against the pending list. By-id lookups bypass the candidate set so a
// closed or mismatched task still resolves and then fails its state check
// with a precise message.
func (s *TaskService) resolve(ctx context.Context, user *model.User, ref Reference, series bool) (*model.Task, Result, error) {
	if ref.empty() {
		return nil, Result{}, ErrEmptyReference
	}
	if ref.ID != 0 {
		task, err := s.tasks.FindByID(ctx, user.ID, ref.ID)
		if err != nil {
			return nil, Result{}, mapStoreErr(err)
		}
		return task, Result{}, nil
	}
	candidates, err := s.candidates(ctx, user, series)
	if err != nil {
		return nil, Result{}, mapStoreErr(err)
	}
	if ref.Position != 0 {
		if ref.Position < 1 || ref.Position > len(candidates) {
			return nil, Result{}, ErrNotFound
		}
		task := candidates[ref.Position-1]
		return &task, Result{}, nil
	}
	match, err := resolver.Resolve(ref.Description, candidates, s.now().In(s.loc))
	switch {
	case errors.Is(err, resolver.ErrNoMatch):
		return nil, Result{}, ErrNotFound
	case errors.Is(err, resolver.ErrEmptyQuery):
		return nil, Result{}, ErrEmptyReference
	case err != nil:
		return nil, Result{}, err
	}
	task := match.Task
	res := Result{
		LowConfidence: match.Confidence == resolver.ConfidenceLow,
		Disambiguated: match.Disambiguated,
	}
	if res.LowConfidence || res.Disambiguated {
		s.log.Debug().
			Uint("task", task.ID).
			Float64("score", match.Score).
			Bool("disambiguated", match.Disambiguated).
			Str("query", ref.Description).
			Msg("fuzzy reference resolved")
	}
	return &task, res, nil
}

func (s *TaskService) candidates(ctx context.Context, user *model.User, series bool) ([]model.Task, error) {
	if series {
		return s.tasks.ListPendingPatterns(ctx, user.ID)
	}
	return s.tasks.ListPending(ctx, user.ID)
}

// syncAfterWrite pushes a created or edited task to the calendar right away.
func (s *TaskService) syncAfterWrite(ctx context.Context, user *model.User, task *model.Task) {
	if !user.SyncEnabled || task.DueAt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	if err := pushTaskEvent(ctx, s.gate, s.tasks, user, task); err != nil && !errors.Is(err, calendar.ErrDisabled) {
		s.log.Warn().Err(err).Uint("task", task.ID).Msg("calendar push failed, left for next sync")
	}
}

func (s *TaskService) syncAfterComplete(ctx context.Context, user *model.User, task *model.Task) {
	if !user.SyncEnabled || task.ExternalRef == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	if err := s.gate.MarkEventDone(ctx, user.TelegramID, task.ExternalRef); err != nil && !errors.Is(err, calendar.ErrDisabled) {
		s.log.Warn().Err(err).Uint("task", task.ID).Msg("calendar done mark failed")
		s.markSyncError(ctx, user.ID, task.ID, err)
	}
}

func (s *TaskService) syncAfterDelete(ctx context.Context, user *model.User, task *model.Task) {
	if !user.SyncEnabled || task.ExternalRef == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	if err := s.gate.DeleteEvent(ctx, user.TelegramID, task.ExternalRef); err != nil && !errors.Is(err, calendar.ErrDisabled) {
		s.log.Warn().Err(err).Uint("task", task.ID).Msg("calendar event delete failed")
	}
}

func (s *TaskService) markSyncError(ctx context.Context, userID, taskID uint, cause error) {
	_, err := s.tasks.Mutate(context.WithoutCancel(ctx), userID, taskID, func(row *model.Task) error {
		row.SyncError = truncateErr(cause)
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Uint("task", taskID).Msg("failed to record sync error")
	}
}

// clampDescription trims and caps a description at the storage limit,
// counting runes so multi-byte text is never cut mid-character.
func clampDescription(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > model.DescriptionLimit {
		return strings.TrimSpace(string(runes[:model.DescriptionLimit]))
	}
	return s
}
