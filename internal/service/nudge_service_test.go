package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"todobot/internal/model"
)

func TestNudgeSummaryGroupsByUrgency(t *testing.T) {
	t.Parallel()
	tasks, users := newServiceRepos(t)
	user := seedServiceUser(t, users, 500)
	sender := &fakeSender{}
	svc := NewNudgeService(tasks, users, sender, zerolog.Nop(), time.UTC)

	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	seedDueTask(t, tasks, user.ID, "file expense report", now.Add(-30*time.Hour))
	seedDueTask(t, tasks, user.ID, "dentist", now.Add(3*time.Hour))
	seedDueTask(t, tasks, user.ID, "prepare slides", now.Add(72*time.Hour))
	undated := &model.Task{
		UserID: user.ID, Description: "learn the banjo", Status: model.StatusPending,
		Origin: model.OriginBot, LastModifiedAt: now,
	}
	require.NoError(t, tasks.Create(context.Background(), undated))

	text, err := svc.Summary(context.Background(), *user, now)
	require.NoError(t, err)

	assert.Contains(t, text, "Overdue")
	assert.Contains(t, text, "file expense report")
	assert.Contains(t, text, "Today")
	assert.Contains(t, text, "dentist")
	assert.Contains(t, text, "Upcoming")
	assert.Contains(t, text, "prepare slides")
	assert.Contains(t, text, "Someday")
	assert.Contains(t, text, "learn the banjo")
}

func TestNudgeSkipsIdleUsers(t *testing.T) {
	t.Parallel()
	tasks, users := newServiceRepos(t)
	seedServiceUser(t, users, 501)
	sender := &fakeSender{}
	svc := NewNudgeService(tasks, users, sender, zerolog.Nop(), time.UTC)

	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, svc.RunOnce(context.Background(), now))
	assert.Empty(t, sender.messages())
}

func TestNudgeRunOnceDelivers(t *testing.T) {
	t.Parallel()
	tasks, users := newServiceRepos(t)
	user := seedServiceUser(t, users, 502)
	sender := &fakeSender{}
	svc := NewNudgeService(tasks, users, sender, zerolog.Nop(), time.UTC)

	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	seedDueTask(t, tasks, user.ID, "send invoices", now.Add(2*time.Hour))

	require.NoError(t, svc.RunOnce(context.Background(), now))

	messages := sender.messages()
	require.Len(t, messages, 1)
	assert.Equal(t, user.TelegramID, messages[0].chat)
	assert.Contains(t, messages[0].text, "send invoices")
	assert.Contains(t, messages[0].text, "Daily plan")
}
