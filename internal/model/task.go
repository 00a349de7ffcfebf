package model

import (
	"time"

	"gorm.io/datatypes"

	"todobot/internal/recurrence"
)

// Status is the lifecycle state of a task. Completed and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further lifecycle transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Origin records which side created the record.
type Origin string

const (
	OriginBot      Origin = "bot"
	OriginExternal Origin = "external"
)

const (
	// DescriptionLimit caps free-text length; longer input is truncated.
	DescriptionLimit = 500
	// DefaultMaxInstances bounds how many instances a pattern may spawn.
	DefaultMaxInstances = 100
)

// Task is the single entity behind standalone tasks, recurring patterns and
// generated instances. Pattern rows carry IsPattern = true plus the Recur*
// fields; instances point back through ParentPatternID.
type Task struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      uint   `gorm:"index"`
	Description string
	Status      Status `gorm:"index;default:pending"`

	DueAt        *time.Time `gorm:"uniqueIndex:uq_task_parent_due,priority:2"`
	ReminderSent bool       `gorm:"default:false"`

	IsPattern       bool `gorm:"default:false"`
	RecurKind       recurrence.Kind
	RecurInterval   int
	RecurDays       datatypes.JSONSlice[time.Weekday]
	RecurDayOfMonth int
	RecurEndAt      *time.Time

	ParentPatternID *uint `gorm:"index;uniqueIndex:uq_task_parent_due,priority:1"`
	InstanceCount   int
	MaxInstances    int `gorm:"default:100"`

	// LastModifiedAt is the bot-side write stamp used for conflict
	// resolution against the calendar. Not the same as UpdatedAt, which
	// gorm bumps on any write including sync pulls.
	LastModifiedAt     time.Time
	ExternalRef        string `gorm:"index"`
	ExternalModifiedAt *time.Time
	SyncError          string
	Origin             Origin `gorm:"default:bot"`

	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Rule assembles the recurrence definition stored on a pattern row.
func (t *Task) Rule() recurrence.Rule {
	return recurrence.Rule{
		Kind:       t.RecurKind,
		Interval:   t.RecurInterval,
		DaysOfWeek: []time.Weekday(t.RecurDays),
		DayOfMonth: t.RecurDayOfMonth,
		EndAt:      t.RecurEndAt,
	}
}
