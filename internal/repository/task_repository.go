package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"todobot/internal/model"
)

// TaskRepository handles persistence for tasks, patterns and instances.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *TaskRepository) FindByID(ctx context.Context, userID, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ListPending is the default listing: open non-pattern tasks, due date first,
// undated ones last. Position references index into this exact order.
func (r *TaskRepository) ListPending(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND is_pattern = ?", userID, model.StatusPending, false).
		Order("due_at NULLS LAST, created_at DESC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListPendingPatterns returns one user's active recurring patterns, used when
// a series operation references its series by description.
func (r *TaskRepository) ListPendingPatterns(ctx context.Context, userID uint) ([]model.Task, error) {
	var patterns []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND is_pattern = ?", userID, model.StatusPending, true).
		Order("created_at ASC").
		Find(&patterns).Error; err != nil {
		return nil, err
	}
	return patterns, nil
}

// ListDuePatterns feeds the instance generator: every active pattern across
// all users whose next occurrence falls strictly before the boundary.
func (r *TaskRepository) ListDuePatterns(ctx context.Context, before time.Time) ([]model.Task, error) {
	var patterns []model.Task
	if err := r.db.WithContext(ctx).
		Where("status = ? AND is_pattern = ? AND due_at IS NOT NULL AND due_at < ?", model.StatusPending, true, before).
		Order("id ASC").
		Find(&patterns).Error; err != nil {
		return nil, err
	}
	return patterns, nil
}

// SpawnInstance creates one generated instance and advances its pattern in a
// single transaction. A nil nextDue means the recurrence is exhausted and the
// pattern is marked completed instead. When the uq_task_parent_due constraint
// rejects the instance a concurrent run already handled this occurrence; the
// whole transaction rolls back and created reports false.
func (r *TaskRepository) SpawnInstance(ctx context.Context, patternID uint, instance *model.Task, nextDue *time.Time) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(instance).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"instance_count": gorm.Expr("instance_count + 1"),
		}
		if nextDue != nil {
			updates["due_at"] = *nextDue
		} else {
			updates["status"] = model.StatusCompleted
		}
		return tx.Model(&model.Task{}).Where("id = ?", patternID).Updates(updates).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("spawn instance: %w", err)
	}
	return true, nil
}

// ReminderCandidates selects open tasks inside the reminder window: due within
// lead from now, and not past due by more than grace.
func (r *TaskRepository) ReminderCandidates(ctx context.Context, now time.Time, lead, grace time.Duration) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("status = ? AND is_pattern = ? AND reminder_sent = ? AND due_at IS NOT NULL AND due_at <= ? AND due_at > ?",
			model.StatusPending, false, false, now.Add(lead), now.Add(-grace)).
		Order("due_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ClaimReminder flips reminder_sent in one guarded update. Only the tick that
// sees RowsAffected == 1 may notify, which keeps delivery at-most-once even
// when dispatcher runs overlap.
func (r *TaskRepository) ClaimReminder(ctx context.Context, taskID uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND reminder_sent = ? AND status = ?", taskID, false, model.StatusPending).
		Update("reminder_sent", true)
	if res.Error != nil {
		return false, fmt.Errorf("claim reminder: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Mutate runs a read-modify-write on one task inside a transaction so user
// actions and scheduler ticks touching the same row cannot lose updates.
func (r *TaskRepository) Mutate(ctx context.Context, userID, taskID uint, fn func(*model.Task) error) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND id = ?", userID, taskID).First(&task).Error; err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		return tx.Save(&task).Error
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) Delete(ctx context.Context, userID, taskID uint) error {
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).
		Delete(&model.Task{}).Error; err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// CancelSeries marks a pattern cancelled and removes its still-pending
// instances in the same transaction. Completed instances are never touched.
// The removed instances are returned so linked calendar events can be cleaned
// up afterwards.
func (r *TaskRepository) CancelSeries(ctx context.Context, userID, patternID uint, at time.Time) (*model.Task, []model.Task, error) {
	var pattern model.Task
	var removed []model.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND id = ?", userID, patternID).First(&pattern).Error; err != nil {
			return err
		}
		pattern.Status = model.StatusCancelled
		pattern.LastModifiedAt = at
		if err := tx.Save(&pattern).Error; err != nil {
			return err
		}
		if err := tx.Where("parent_pattern_id = ? AND status = ?", patternID, model.StatusPending).
			Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		return tx.Where("parent_pattern_id = ? AND status = ?", patternID, model.StatusPending).
			Delete(&model.Task{}).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &pattern, removed, nil
}

// UpdateSeriesDescription renames a pattern and all of its still-pending
// instances in one transaction. Returns the updated pattern and how many
// instances followed it.
func (r *TaskRepository) UpdateSeriesDescription(ctx context.Context, userID, patternID uint, description string, at time.Time) (*model.Task, int64, error) {
	var pattern model.Task
	var followed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND id = ?", userID, patternID).First(&pattern).Error; err != nil {
			return err
		}
		pattern.Description = description
		pattern.LastModifiedAt = at
		if err := tx.Save(&pattern).Error; err != nil {
			return err
		}
		res := tx.Model(&model.Task{}).
			Where("parent_pattern_id = ? AND status = ?", patternID, model.StatusPending).
			Updates(map[string]any{"description": description, "last_modified_at": at})
		followed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return nil, 0, err
	}
	return &pattern, followed, nil
}

func (r *TaskRepository) FindByExternalRef(ctx context.Context, userID uint, ref string) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Where("user_id = ? AND external_ref = ?", userID, ref).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ListLinked returns every task of the user that references a calendar event.
func (r *TaskRepository) ListLinked(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND external_ref <> ''", userID).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListUnsynced returns dated, bot-originated open tasks that have no calendar
// event yet or whose last push failed, so the sync cycle can retry them.
func (r *TaskRepository) ListUnsynced(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND is_pattern = ? AND origin = ? AND due_at IS NOT NULL AND (external_ref = '' OR sync_error <> '')",
			userID, model.StatusPending, false, model.OriginBot).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// RecentlyCompleted returns linked tasks finished at or after since.
func (r *TaskRepository) RecentlyCompleted(ctx context.Context, userID uint, since time.Time) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND external_ref <> '' AND completed_at IS NOT NULL AND completed_at >= ?",
			userID, model.StatusCompleted, since).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// CountTasks counts non-pattern tasks of any status.
func (r *TaskRepository) CountTasks(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("user_id = ? AND is_pattern = ?", userID, false).
		Count(&n).Error
	return n, err
}

func (r *TaskRepository) CountByStatus(ctx context.Context, userID uint, status model.Status) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("user_id = ? AND is_pattern = ? AND status = ?", userID, false, status).
		Count(&n).Error
	return n, err
}
