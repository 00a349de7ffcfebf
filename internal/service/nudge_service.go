package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"todobot/internal/model"
	"todobot/internal/notify"
	"todobot/internal/repository"
	"todobot/internal/resolver"
)

// NudgeService sends the morning summary: what is overdue, what is due today
// and what comes next. Users with nothing pending are skipped.
type NudgeService struct {
	tasks  *repository.TaskRepository
	users  *repository.UserRepository
	sender notify.Sender
	log    zerolog.Logger
	loc    *time.Location
}

func NewNudgeService(tasks *repository.TaskRepository, users *repository.UserRepository, sender notify.Sender, log zerolog.Logger, loc *time.Location) *NudgeService {
	return &NudgeService{
		tasks:  tasks,
		users:  users,
		sender: sender,
		log:    log.With().Str("component", "nudge").Logger(),
		loc:    loc,
	}
}

// RunOnce builds and sends the summary for every known user.
func (s *NudgeService) RunOnce(ctx context.Context, now time.Time) error {
	users, err := s.users.ListAll(ctx)
	if err != nil {
		return mapStoreErr(err)
	}
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := s.Summary(ctx, user, now)
		if err != nil {
			s.log.Error().Err(err).Int64("chat", user.TelegramID).Msg("summary build failed")
			continue
		}
		if text == "" {
			continue
		}
		if err := s.sender.Send(ctx, user.TelegramID, text); err != nil {
			s.log.Warn().Err(err).Int64("chat", user.TelegramID).Msg("summary send failed")
		}
	}
	return nil
}

// Summary renders one user's pending tasks grouped by urgency. Returns the
// empty string when there is nothing to report.
func (s *NudgeService) Summary(ctx context.Context, user model.User, now time.Time) (string, error) {
	tasks, err := s.tasks.ListPending(ctx, user.ID)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if len(tasks) == 0 {
		return "", nil
	}
	now = now.In(s.loc)

	var overdue, today, upcoming, someday []model.Task
	for _, task := range tasks {
		switch resolver.ClassifyDue(task.DueAt, now) {
		case resolver.ClassOverdue:
			overdue = append(overdue, task)
		case resolver.ClassDueToday:
			today = append(today, task)
		case resolver.ClassUpcoming:
			upcoming = append(upcoming, task)
		default:
			someday = append(someday, task)
		}
	}

	var builder strings.Builder
	builder.WriteString("📋 <b>Daily plan</b>\n")
	builder.WriteString(fmt.Sprintf("🗓 %s\n", now.Format("Mon, 02 Jan 2006")))

	writeSection(&builder, "⚠️ <b>Overdue</b>", overdue, func(t model.Task) string {
		return fmt.Sprintf("• %s · was due %s", html.EscapeString(t.Description), t.DueAt.In(s.loc).Format("02 Jan 15:04"))
	})
	writeSection(&builder, "🔥 <b>Today</b>", today, func(t model.Task) string {
		return fmt.Sprintf("• %s · %s", html.EscapeString(t.Description), t.DueAt.In(s.loc).Format("15:04"))
	})
	writeSection(&builder, "⏳ <b>Upcoming</b>", upcoming, func(t model.Task) string {
		return fmt.Sprintf("• %s · %s", html.EscapeString(t.Description), t.DueAt.In(s.loc).Format("02 Jan 15:04"))
	})
	writeSection(&builder, "🗂 <b>Someday</b>", someday, func(t model.Task) string {
		return fmt.Sprintf("• %s", html.EscapeString(t.Description))
	})

	return strings.TrimSpace(builder.String()), nil
}

func writeSection(builder *strings.Builder, header string, tasks []model.Task, line func(model.Task) string) {
	if len(tasks) == 0 {
		return
	}
	builder.WriteByte('\n')
	builder.WriteString(header)
	builder.WriteByte('\n')
	for _, task := range tasks {
		builder.WriteString(line(task))
		builder.WriteByte('\n')
	}
}
