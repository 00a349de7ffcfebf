package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"todobot/internal/model"
	"todobot/internal/recurrence"
	"todobot/internal/repository"
	"todobot/internal/resolver"
	"todobot/internal/service"
)

const (
	iconDefault   = "🟢"
	iconDue       = "🔥"
	iconOverdue   = "⚠️"
	iconSomeday   = "🗂"
	iconRecurring = "♻️"

	// clauseSep separates a task reference from its new value in /edit
	// and /move.
	clauseSep = "->"

	defaultDueHour   = 9
	defaultSyncColor = "5"
)

// Bot is the Telegram front: it parses commands into structured requests,
// hands them to the task service and renders replies. It also implements
// notify.Sender so the background engines deliver through the same API.
type Bot struct {
	api   *tgbotapi.BotAPI
	users *repository.UserRepository
	tasks *service.TaskService
	log   zerolog.Logger
	loc   *time.Location
}

func New(token string, users *repository.UserRepository, tasks *service.TaskService, log zerolog.Logger, loc *time.Location) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log = log.With().Str("component", "bot").Logger()
	log.Info().Str("account", api.Self.UserName).Msg("bot authorized")

	return &Bot{
		api:   api,
		users: users,
		tasks: tasks,
		log:   log,
		loc:   loc,
	}, nil
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	b.log.Info().Msg("start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		msg := update.Message
		if msg == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
			continue
		}
		if err := b.handleMessage(ctx, msg); err != nil {
			b.log.Error().Err(err).Int64("chat", msg.Chat.ID).Msg("handle message")
		}
	}

	return nil
}

// Send delivers one HTML-formatted message. It satisfies notify.Sender so
// reminders and nudges go out through the bot's API connection.
func (b *Bot) Send(_ context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}
	user, err := b.users.UpsertFromTelegram(ctx, msg.From.ID, msg.From.FirstName, msg.From.LastName, msg.From.UserName)
	if err != nil {
		b.replyPlain(msg.Chat.ID, "Something went wrong on my side, please try again.")
		return fmt.Errorf("upsert user: %w", err)
	}
	if !msg.IsCommand() {
		b.replyPlain(msg.Chat.ID, "I understand commands only, see /help.")
		return nil
	}

	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.reply(chatID, greeting(msg.From.FirstName))
	case "help":
		b.reply(chatID, helpText)
	case "add":
		b.handleAdd(ctx, user, chatID, args)
	case "list":
		b.handleList(ctx, user, chatID)
	case "today":
		b.handleToday(ctx, user, chatID)
	case "done":
		b.handleAction(ctx, user, chatID, service.Request{Action: service.ActionComplete, Reference: parseReference(args)},
			func(res service.Result) string {
				return fmt.Sprintf("✅ Done: <b>%s</b>", html.EscapeString(res.Task.Description))
			})
	case "del":
		b.handleAction(ctx, user, chatID, service.Request{Action: service.ActionDelete, Reference: parseReference(args)},
			func(res service.Result) string {
				return fmt.Sprintf("🗑 Deleted: <b>%s</b>", html.EscapeString(res.Task.Description))
			})
	case "edit":
		b.handleEdit(ctx, user, chatID, args)
	case "move":
		b.handleMove(ctx, user, chatID, args)
	case "stats":
		b.handleStats(ctx, user, chatID)
	case "stopseries":
		b.handleAction(ctx, user, chatID, service.Request{Action: service.ActionStopSeries, Reference: parseReference(args)},
			func(res service.Result) string {
				return fmt.Sprintf("🛑 Stopped series <b>%s</b>, removed %d open task(s).",
					html.EscapeString(res.Task.Description), res.Removed)
			})
	case "doneseries":
		b.handleAction(ctx, user, chatID, service.Request{Action: service.ActionCompleteSeries, Reference: parseReference(args)},
			func(res service.Result) string {
				return fmt.Sprintf("🏁 Series <b>%s</b> is finished; existing tasks stay on your list.",
					html.EscapeString(res.Task.Description))
			})
	case "sync":
		b.handleSync(ctx, user, chatID, args)
	default:
		b.replyPlain(chatID, "Unknown command, see /help.")
	}
	return nil
}

func (b *Bot) handleAdd(ctx context.Context, user *model.User, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /add pay rent @ tomorrow 10:00\nAdd <code>every day|week|month|mon,thu</code> for a recurring task.")
		return
	}
	now := time.Now().In(b.loc)
	description := args

	var rule *recurrence.Rule
	if i := strings.LastIndex(description, " every "); i >= 0 {
		if parsed, err := parseRecurrence(description[i+len(" every "):], b.loc); err == nil {
			rule = parsed
			description = strings.TrimSpace(description[:i])
		}
	}

	var due *time.Time
	if i := strings.LastIndex(description, " @ "); i >= 0 {
		when, err := parseWhen(description[i+len(" @ "):], now, b.loc)
		if err != nil {
			b.replyPlain(chatID, "I can read times like 2025-07-01 18:30, tomorrow 10:00, or 16:45.")
			return
		}
		due = &when
		description = strings.TrimSpace(description[:i])
	}

	res, err := b.tasks.Apply(ctx, user, service.Request{
		Action:      service.ActionAdd,
		Description: description,
		DueAt:       due,
		Recurrence:  rule,
	})
	if err != nil {
		b.replyPlain(chatID, userMessage(err))
		return
	}

	task := res.Task
	if task.IsPattern {
		b.reply(chatID, fmt.Sprintf("%s Added series <b>%s</b>, first on %s.",
			iconRecurring, html.EscapeString(task.Description), task.DueAt.In(b.loc).Format("Mon, 02 Jan 15:04")))
		return
	}
	if task.DueAt != nil {
		b.reply(chatID, fmt.Sprintf("📝 Added <b>%s</b> for %s.",
			html.EscapeString(task.Description), task.DueAt.In(b.loc).Format("Mon, 02 Jan 15:04")))
		return
	}
	b.reply(chatID, fmt.Sprintf("📝 Added <b>%s</b>.", html.EscapeString(task.Description)))
}

func (b *Bot) handleList(ctx context.Context, user *model.User, chatID int64) {
	res, err := b.tasks.Apply(ctx, user, service.Request{Action: service.ActionQuery})
	if err != nil {
		b.replyPlain(chatID, userMessage(err))
		return
	}
	b.reply(chatID, renderList(res, b.loc))
}

// handleToday shows what is due or overdue now, a trimmed view of /list.
func (b *Bot) handleToday(ctx context.Context, user *model.User, chatID int64) {
	res, err := b.tasks.Apply(ctx, user, service.Request{Action: service.ActionQuery})
	if err != nil {
		b.replyPlain(chatID, userMessage(err))
		return
	}
	now := time.Now().In(b.loc)
	var sb strings.Builder
	// Positions stay aligned with /list so /done N keeps meaning the same task.
	for i, task := range res.Tasks {
		class := resolver.ClassifyDue(task.DueAt, now)
		if class != resolver.ClassOverdue && class != resolver.ClassDueToday {
			continue
		}
		sb.WriteString(renderTaskLine(i+1, task, now, b.loc))
	}
	if sb.Len() == 0 {
		b.reply(chatID, "✨ Nothing due today. Enjoy!")
		return
	}
	b.reply(chatID, "🗓 <b>Today</b>\n"+sb.String())
}

func (b *Bot) handleEdit(ctx context.Context, user *model.User, chatID int64, args string) {
	ref, value, ok := splitClause(args)
	if !ok {
		b.reply(chatID, "Usage: /edit buy milk "+clauseSep+" buy oat milk")
		return
	}
	b.handleAction(ctx, user, chatID, service.Request{
		Action:      service.ActionUpdate,
		Reference:   parseReference(ref),
		Description: value,
	}, func(res service.Result) string {
		if res.Task.IsPattern {
			return fmt.Sprintf("✏️ Renamed the series to <b>%s</b> (%d open task(s) follow).",
				html.EscapeString(res.Task.Description), res.Removed)
		}
		return fmt.Sprintf("✏️ Updated: <b>%s</b>", html.EscapeString(res.Task.Description))
	})
}

func (b *Bot) handleMove(ctx context.Context, user *model.User, chatID int64, args string) {
	ref, value, ok := splitClause(args)
	if !ok {
		b.reply(chatID, "Usage: /move buy milk "+clauseSep+" tomorrow 18:00")
		return
	}
	when, err := parseWhen(value, time.Now().In(b.loc), b.loc)
	if err != nil {
		b.replyPlain(chatID, "I can read times like 2025-07-01 18:30, tomorrow 10:00, or 16:45.")
		return
	}
	b.handleAction(ctx, user, chatID, service.Request{
		Action:    service.ActionReschedule,
		Reference: parseReference(ref),
		DueAt:     &when,
	}, func(res service.Result) string {
		return fmt.Sprintf("📆 Moved <b>%s</b> to %s.",
			html.EscapeString(res.Task.Description), res.Task.DueAt.In(b.loc).Format("Mon, 02 Jan 15:04"))
	})
}

func (b *Bot) handleStats(ctx context.Context, user *model.User, chatID int64) {
	stats, err := b.tasks.UserStats(ctx, user)
	if err != nil {
		b.replyPlain(chatID, userMessage(err))
		return
	}
	var sb strings.Builder
	sb.WriteString("📊 <b>Your numbers</b>\n")
	sb.WriteString(fmt.Sprintf("Open: %d", stats.Pending))
	if stats.DueToday > 0 || stats.Overdue > 0 {
		sb.WriteString(fmt.Sprintf(" (%s %d today, %s %d overdue)", iconDue, stats.DueToday, iconOverdue, stats.Overdue))
	}
	sb.WriteString(fmt.Sprintf("\nCompleted: %d of %d", stats.Completed, stats.Total))
	if stats.Total > 0 {
		sb.WriteString(fmt.Sprintf(" (%.0f%%)", stats.CompletionRate))
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) handleSync(ctx context.Context, user *model.User, chatID int64, args string) {
	fields := strings.Fields(strings.ToLower(args))
	if len(fields) == 0 {
		b.reply(chatID, syncStatus(user, b.loc))
		return
	}

	enabled, color, hashtag := user.SyncEnabled, user.SyncColor, user.HashtagEnabled
	switch fields[0] {
	case "on":
		enabled = true
		if color == "" {
			color = defaultSyncColor
		}
	case "off":
		enabled = false
	case "color":
		if len(fields) < 2 {
			b.replyPlain(chatID, "Usage: /sync color 5")
			return
		}
		color = fields[1]
	case "hashtag":
		if len(fields) < 2 || (fields[1] != "on" && fields[1] != "off") {
			b.replyPlain(chatID, "Usage: /sync hashtag on|off")
			return
		}
		hashtag = fields[1] == "on"
	default:
		b.replyPlain(chatID, "Usage: /sync [on|off|color <id>|hashtag on|off]")
		return
	}

	if err := b.users.SetSyncSettings(ctx, user.ID, enabled, color, hashtag); err != nil {
		b.replyPlain(chatID, "Could not save sync settings, please try again.")
		b.log.Error().Err(err).Int64("chat", chatID).Msg("sync settings update failed")
		return
	}
	user.SyncEnabled, user.SyncColor, user.HashtagEnabled = enabled, color, hashtag
	b.reply(chatID, syncStatus(user, b.loc))
}

// handleAction runs one resolving action and renders either the result or a
// friendly error. When the reference matched fuzzily the reply says so.
func (b *Bot) handleAction(ctx context.Context, user *model.User, chatID int64, req service.Request, render func(service.Result) string) {
	res, err := b.tasks.Apply(ctx, user, req)
	if err != nil {
		b.replyPlain(chatID, userMessage(err))
		return
	}
	text := render(res)
	if note := matchNote(res); note != "" {
		text += "\n" + note
	}
	b.reply(chatID, text)
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn().Err(err).Int64("chat", chatID).Msg("reply failed")
	}
}

// replyPlain sends without HTML parsing, for texts that may embed user input
// verbatim.
func (b *Bot) replyPlain(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn().Err(err).Int64("chat", chatID).Msg("reply failed")
	}
}

func matchNote(res service.Result) string {
	switch {
	case res.Task == nil:
		return ""
	case res.LowConfidence:
		return "ℹ️ That matched only loosely; /list and #id are exact."
	case res.Disambiguated:
		return "ℹ️ Several tasks looked alike, I took the most urgent one."
	}
	return ""
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return "😕 I couldn't find that task. /list shows what's open."
	case errors.Is(err, service.ErrEmptyReference):
		return "Tell me which task: its number from /list, #id, or a few words of its text."
	case errors.Is(err, service.ErrInvalidState):
		return "🚫 " + strings.TrimPrefix(err.Error(), service.ErrInvalidState.Error()+": ")
	case errors.Is(err, service.ErrStoreUnavailable):
		return "💾 Storage is not answering right now, please try again in a minute."
	default:
		return "Something went wrong, please try again."
	}
}

func greeting(firstName string) string {
	name := html.EscapeString(strings.TrimSpace(firstName))
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s! I keep your tasks and remind you in time.\n\n"+
		"Try <code>/add pay rent @ tomorrow 10:00</code>, then /list.\n"+
		"Full reference: /help", name)
}

const helpText = `<b>Adding</b>
/add buy milk - someday task
/add buy milk @ tomorrow 18:00 - with a due time
/add standup @ 09:30 every day - recurring series
  every week · every 3 days · every mon,thu · every month 25
  append "until 2025-12-31" to end a series on a date

<b>Working the list</b>
/list - open tasks with their numbers
/today - today's plan
/done 2 - complete by list number
/done #14 - complete by id
/done buy mi - complete by text, typos are fine
/edit &lt;task&gt; -&gt; &lt;new text&gt;
/move &lt;task&gt; -&gt; &lt;new time&gt;
/del &lt;task&gt;

<b>Recurring series</b>
/stopseries &lt;series&gt; - stop it and drop open tasks
/doneseries &lt;series&gt; - finish it, keep open tasks

<b>Other</b>
/stats - your numbers
/sync - calendar sync settings`

func syncStatus(user *model.User, loc *time.Location) string {
	var sb strings.Builder
	sb.WriteString("🔄 <b>Calendar sync</b>\n")
	if user.SyncEnabled {
		sb.WriteString("Status: on\n")
		sb.WriteString(fmt.Sprintf("Color: %s (events with it become tasks)\n", user.SyncColor))
		if user.HashtagEnabled {
			sb.WriteString("Hashtags: on (events with # become tasks)\n")
		} else {
			sb.WriteString("Hashtags: off\n")
		}
		if user.LastSyncAt != nil {
			sb.WriteString(fmt.Sprintf("Last sync: %s", user.LastSyncAt.In(loc).Format("02 Jan 15:04")))
		} else {
			sb.WriteString("Last sync: not yet")
		}
	} else {
		sb.WriteString("Status: off\nTurn on with /sync on")
	}
	return sb.String()
}

func renderList(res service.Result, loc *time.Location) string {
	if len(res.Tasks) == 0 {
		return "✨ Nothing pending. Add one with /add."
	}
	now := time.Now().In(loc)
	var sb strings.Builder
	sb.WriteString("📋 <b>Your tasks</b>\n")
	for i, task := range res.Tasks {
		sb.WriteString(renderTaskLine(i+1, task, now, loc))
	}
	if res.Stats != nil && (res.Stats.Overdue > 0 || res.Stats.DueToday > 0) {
		sb.WriteString(fmt.Sprintf("\n%s %d overdue · %s %d today", iconOverdue, res.Stats.Overdue, iconDue, res.Stats.DueToday))
	}
	return sb.String()
}

func renderTaskLine(position int, task model.Task, now time.Time, loc *time.Location) string {
	icon := iconSomeday
	switch resolver.ClassifyDue(task.DueAt, now) {
	case resolver.ClassOverdue:
		icon = iconOverdue
	case resolver.ClassDueToday:
		icon = iconDue
	case resolver.ClassUpcoming:
		icon = iconDefault
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d. %s %s", position, icon, html.EscapeString(task.Description)))
	if task.ParentPatternID != nil {
		sb.WriteString(" " + iconRecurring)
	}
	if task.DueAt != nil {
		sb.WriteString(fmt.Sprintf(" · %s", task.DueAt.In(loc).Format("Mon, 02 Jan 15:04")))
	}
	sb.WriteString(fmt.Sprintf("  <i>#%d</i>\n", task.ID))
	return sb.String()
}

// parseReference reads one task reference: "#12" is an id, a bare number is
// a position in /list, anything else is matched against task text.
func parseReference(raw string) service.Reference {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "#"); ok {
		if id, err := strconv.ParseUint(rest, 10, 32); err == nil {
			return service.Reference{ID: uint(id)}
		}
	}
	if pos, err := strconv.Atoi(raw); err == nil && pos > 0 {
		return service.Reference{Position: pos}
	}
	return service.Reference{Description: raw}
}

func splitClause(args string) (ref, value string, ok bool) {
	parts := strings.SplitN(args, clauseSep, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	ref = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	return ref, value, ref != "" && value != ""
}

// parseWhen reads absolute and relative due times: "2025-07-01 18:30",
// "2025-07-01", "today", "tomorrow 10:00", bare "16:45" for today. Date-only
// inputs land on 09:00.
func parseWhen(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	switch lower {
	case "today":
		return midnight.Add(defaultDueHour * time.Hour), nil
	case "tomorrow":
		return midnight.AddDate(0, 0, 1).Add(defaultDueHour * time.Hour), nil
	}
	if rest, ok := strings.CutPrefix(lower, "today "); ok {
		return atClock(midnight, rest)
	}
	if rest, ok := strings.CutPrefix(lower, "tomorrow "); ok {
		return atClock(midnight.AddDate(0, 0, 1), rest)
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", raw, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		return t.Add(defaultDueHour * time.Hour), nil
	}
	if t, err := atClock(midnight, lower); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cannot understand time %q", raw)
}

func atClock(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot understand time %q", clock)
	}
	return day.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute), nil
}

// parseRecurrence reads the clause after "every": day, week, month, month N,
// N days, N weeks, a weekday list, each with an optional "until YYYY-MM-DD".
func parseRecurrence(raw string, loc *time.Location) (*recurrence.Rule, error) {
	words := strings.Fields(strings.ToLower(raw))
	rule := recurrence.Rule{Interval: 1}

	if len(words) >= 2 && words[len(words)-2] == "until" {
		end, err := time.ParseInLocation("2006-01-02", words[len(words)-1], loc)
		if err != nil {
			return nil, fmt.Errorf("cannot understand end date %q", words[len(words)-1])
		}
		endOfDay := end.AddDate(0, 0, 1).Add(-time.Second)
		rule.EndAt = &endOfDay
		words = words[:len(words)-2]
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty recurrence")
	}

	switch words[0] {
	case "day", "daily":
		rule.Kind = recurrence.KindDaily
		return &rule, nil
	case "week", "weekly":
		rule.Kind = recurrence.KindWeekly
		return &rule, nil
	case "month", "monthly":
		rule.Kind = recurrence.KindMonthly
		if len(words) > 1 {
			day, err := strconv.Atoi(words[1])
			if err != nil || day < 1 || day > 31 {
				return nil, fmt.Errorf("cannot understand day of month %q", words[1])
			}
			rule.DayOfMonth = day
		}
		return &rule, nil
	}

	if n, err := strconv.Atoi(words[0]); err == nil && n > 0 && len(words) > 1 {
		switch strings.TrimSuffix(words[1], "s") {
		case "day":
			rule.Kind = recurrence.KindInterval
			rule.Interval = n
			return &rule, nil
		case "week":
			rule.Kind = recurrence.KindWeekly
			rule.Interval = n
			return &rule, nil
		}
		return nil, fmt.Errorf("cannot understand recurrence %q", raw)
	}

	days, err := parseWeekdays(words)
	if err != nil {
		return nil, err
	}
	rule.Kind = recurrence.KindSpecificDays
	rule.DaysOfWeek = days
	return &rule, nil
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

func parseWeekdays(words []string) ([]time.Weekday, error) {
	joined := strings.Join(words, "")
	var days []time.Weekday
	for _, part := range strings.Split(joined, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		day, ok := weekdayNames[part]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", part)
		}
		days = append(days, day)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no weekdays given")
	}
	return days, nil
}
