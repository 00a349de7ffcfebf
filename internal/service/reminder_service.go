package service

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/rs/zerolog"

	"todobot/internal/model"
	"todobot/internal/notify"
	"todobot/internal/repository"
)

// ReminderService scans for tasks entering their reminder window and
// notifies the owner exactly once per task. The task is claimed before the
// message goes out, so overlapping scans never double-send; a transport
// failure after the claim is logged and the reminder is not retried.
type ReminderService struct {
	tasks  *repository.TaskRepository
	users  *repository.UserRepository
	sender notify.Sender
	log    zerolog.Logger
	loc    *time.Location
	lead   time.Duration
	grace  time.Duration
}

func NewReminderService(tasks *repository.TaskRepository, users *repository.UserRepository, sender notify.Sender, log zerolog.Logger, loc *time.Location, lead, grace time.Duration) *ReminderService {
	return &ReminderService{
		tasks:  tasks,
		users:  users,
		sender: sender,
		log:    log.With().Str("component", "reminders").Logger(),
		loc:    loc,
		lead:   lead,
		grace:  grace,
	}
}

// RunOnce performs a single scan tick and returns how many reminders went out.
func (s *ReminderService) RunOnce(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.tasks.ReminderCandidates(ctx, now, s.lead, s.grace)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	chats, err := s.chatIndex(ctx)
	if err != nil {
		return 0, mapStoreErr(err)
	}

	sent := 0
	for _, task := range candidates {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		claimed, err := s.tasks.ClaimReminder(ctx, task.ID)
		if err != nil {
			s.log.Error().Err(err).Uint("task", task.ID).Msg("reminder claim failed")
			continue
		}
		if !claimed {
			continue
		}
		chatID, ok := chats[task.UserID]
		if !ok {
			s.log.Warn().Uint("task", task.ID).Uint("user", task.UserID).Msg("task owner has no chat")
			continue
		}
		if err := s.sender.Send(ctx, chatID, reminderText(task, s.loc)); err != nil {
			// The claim stands: better a lost reminder than a duplicate.
			s.log.Warn().Err(err).Uint("task", task.ID).Msg("reminder send failed")
			continue
		}
		sent++
		s.log.Info().Uint("task", task.ID).Int64("chat", chatID).Msg("reminder sent")
	}
	return sent, nil
}

func (s *ReminderService) chatIndex(ctx context.Context) (map[uint]int64, error) {
	users, err := s.users.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	chats := make(map[uint]int64, len(users))
	for _, user := range users {
		chats[user.ID] = user.TelegramID
	}
	return chats, nil
}

func reminderText(task model.Task, loc *time.Location) string {
	due := task.DueAt.In(loc)
	return fmt.Sprintf("⏰ <b>Reminder</b>\n%s\n🕒 due %s", html.EscapeString(task.Description), due.Format("15:04"))
}
