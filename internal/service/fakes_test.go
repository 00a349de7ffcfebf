package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"todobot/internal/calendar"
	"todobot/internal/model"
	"todobot/internal/repository"
)

func newServiceRepos(t *testing.T) (*repository.TaskRepository, *repository.UserRepository) {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	return repository.NewTaskRepository(db), repository.NewUserRepository(db)
}

func seedServiceUser(t *testing.T, users *repository.UserRepository, telegramID int64) *model.User {
	t.Helper()
	user, err := users.UpsertFromTelegram(context.Background(), telegramID, "Test", "", "test")
	require.NoError(t, err)
	return user
}

type sentMessage struct {
	chat int64
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail error
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMessage{chat: chatID, text: text})
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// fakeGateway is an in-memory calendar. Write stamps are controlled through
// stampNext so tests can steer last-write-wins comparisons.
type fakeGateway struct {
	mu         sync.Mutex
	events     map[string]calendar.Event
	nextID     int
	stamp      time.Time
	fail       error // fails every call
	failWrites error // fails mutating calls only
	creates    int
	updates    int
	done       []string
	deleted    []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{events: make(map[string]calendar.Event)}
}

func (g *fakeGateway) stampNext(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stamp = at
}

// seed places an event without touching counters or stamps.
func (g *fakeGateway) seed(event calendar.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[event.ID] = event
}

func (g *fakeGateway) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.events, id)
}

func (g *fakeGateway) event(id string) (calendar.Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	event, ok := g.events[id]
	return event, ok
}

func (g *fakeGateway) writeErr() error {
	if g.fail != nil {
		return g.fail
	}
	return g.failWrites
}

func (g *fakeGateway) CreateEvent(_ context.Context, _ int64, event calendar.Event) (calendar.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writeErr(); err != nil {
		return calendar.Event{}, err
	}
	g.nextID++
	g.creates++
	event.ID = fmt.Sprintf("ev-%d", g.nextID)
	event.UpdatedAt = g.stamp
	g.events[event.ID] = event
	return event, nil
}

func (g *fakeGateway) UpdateEvent(_ context.Context, _ int64, event calendar.Event) (calendar.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writeErr(); err != nil {
		return calendar.Event{}, err
	}
	if _, ok := g.events[event.ID]; !ok {
		return calendar.Event{}, fmt.Errorf("event %s not found", event.ID)
	}
	g.updates++
	event.UpdatedAt = g.stamp
	g.events[event.ID] = event
	return event, nil
}

func (g *fakeGateway) DeleteEvent(_ context.Context, _ int64, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writeErr(); err != nil {
		return err
	}
	delete(g.events, eventID)
	g.deleted = append(g.deleted, eventID)
	return nil
}

func (g *fakeGateway) ListEventsSince(_ context.Context, _ int64, since, until time.Time) ([]calendar.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return nil, g.fail
	}
	var out []calendar.Event
	for _, event := range g.events {
		if event.Start.Before(since) || event.Start.After(until) {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

func (g *fakeGateway) MarkEventDone(_ context.Context, _ int64, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writeErr(); err != nil {
		return err
	}
	event, ok := g.events[eventID]
	if !ok {
		return fmt.Errorf("event %s not found", eventID)
	}
	if !strings.HasPrefix(event.Title, "✅") {
		event.Title = "✅ " + event.Title
	}
	event.Color = "8"
	event.UpdatedAt = g.stamp
	g.events[eventID] = event
	g.done = append(g.done, eventID)
	return nil
}

func ptrTime(t time.Time) *time.Time { return &t }
