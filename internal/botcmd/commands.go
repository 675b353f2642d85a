// Package botcmd implements the chat commands users manage reminders with.
package botcmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/directory"
	"remindbot/internal/localtime"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/transport/telegram/router"
)

// Users is the slice of the directory the commands need.
type Users interface {
	Register(ctx context.Context, id int64, name, lang string) (directory.User, bool, error)
	Get(id int64) (directory.User, bool)
	SetTimezone(ctx context.Context, id int64, zone string) error
	Delete(ctx context.Context, id int64) error
}

// Reminders is the slice of the scheduler the commands need.
type Reminders interface {
	ScheduleOneOff(ctx context.Context, userID int64, message string, instant time.Time) (string, error)
	EnsureDailyDigest(ctx context.Context, userID int64) error
	CancelReminder(ctx context.Context, userID int64, id string) error
	Pending(ctx context.Context, userID int64) ([]storage.Reminder, error)
}

type Handlers struct {
	users Users
	rem   Reminders
	now   func() time.Time
}

func New(users Users, rem Reminders, now func() time.Time) *Handlers {
	if now == nil {
		now = time.Now
	}
	return &Handlers{users: users, rem: rem, now: now}
}

// Commands returns the router table.
func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "register and enable the evening digest", Usage: "/start [uz|ru|en]", Handle: h.start},
		{Name: "timezone", Aliases: []string{"tz"}, Description: "show or change your timezone", Usage: "/timezone [Area/City]", Handle: h.timezone},
		{Name: "remind", Description: "schedule a reminder", Usage: "/remind YYYY-MM-DD HH:MM text", Handle: h.remind},
		{Name: "reminders", Aliases: []string{"list"}, Description: "list pending reminders", Usage: "/reminders", Handle: h.list},
		{Name: "cancel", Description: "cancel a reminder by number or id", Usage: "/cancel <n|id>", Handle: h.cancel},
		{Name: "delete_account", Description: "delete your account and all reminders", Usage: "/delete_account confirm", Timeout: 30 * time.Second, Handle: h.deleteAccount},
	}
}

func (h *Handlers) profile(req *router.Request) (directory.User, error) {
	u, ok := h.users.Get(req.FromID)
	if !ok || !u.Active {
		return directory.User{}, router.Userf("You are not registered yet. Send /start first.")
	}
	return u, nil
}

func (h *Handlers) start(ctx context.Context, req *router.Request) error {
	lang := req.LanguageCode
	if len(req.Args) > 0 {
		lang = req.Args[0]
	}
	u, created, err := h.users.Register(ctx, req.FromID, req.FromName, lang)
	if err != nil {
		return err
	}
	if err := h.rem.EnsureDailyDigest(ctx, u.ID); err != nil {
		return err
	}
	greet := "Welcome back!"
	if created {
		greet = "Welcome!"
	}
	return req.Reply(ctx, fmt.Sprintf("%s Your timezone is %s.\nI'll remind you to record expenses every evening at 20:00.\nChange the zone with /timezone Area/City.", greet, u.Timezone))
}

func (h *Handlers) timezone(ctx context.Context, req *router.Request) error {
	u, err := h.profile(req)
	if err != nil {
		return err
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Your timezone is "+u.Timezone+".")
	}
	zone := req.Args[0]
	if err := h.users.SetTimezone(ctx, u.ID, zone); err != nil {
		if errors.Is(err, localtime.ErrUnknownTimezone) {
			return router.Userf("Unknown timezone %q. Use a name like Asia/Tashkent or Europe/Moscow.", zone)
		}
		return err
	}
	loc, _ := localtime.ZoneOrUTC(zone)
	return req.Reply(ctx, "Timezone set to "+loc.String()+".")
}

func (h *Handlers) remind(ctx context.Context, req *router.Request) error {
	u, err := h.profile(req)
	if err != nil {
		return err
	}
	fields := strings.Fields(req.Text)
	if len(fields) < 3 {
		return router.Userf("Usage: /remind YYYY-MM-DD HH:MM text")
	}
	date, err := localtime.ParseDate(fields[0])
	if err != nil {
		return router.Userf("Bad date %q, expected YYYY-MM-DD.", fields[0])
	}
	clock, err := localtime.ParseClock(fields[1])
	if err != nil {
		return router.Userf("Bad time %q, expected HH:MM.", fields[1])
	}
	// Keep the message as typed, line breaks included.
	_, text, _ := strings.Cut(req.Text, fields[1])
	text = strings.TrimSpace(text)

	loc, _ := localtime.ZoneOrUTC(u.Timezone)
	at := localtime.LocalClockToInstant(date, clock, loc)
	if _, err := h.rem.ScheduleOneOff(ctx, u.ID, text, at); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrInstantInPast):
			return router.Userf("That time has already passed.")
		case errors.Is(err, scheduler.ErrEmptyMessage):
			return router.Userf("The reminder text is empty.")
		}
		return err
	}
	return req.Reply(ctx, "✅ Reminder set for "+at.In(loc).Format("2006-01-02 15:04")+" ("+loc.String()+").")
}

// oneOffs returns the user's pending one-off rows in trigger order.
func (h *Handlers) oneOffs(ctx context.Context, userID int64) ([]storage.Reminder, error) {
	rows, err := h.rem.Pending(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := rows[:0:0]
	for _, r := range rows {
		if r.Kind == storage.KindOneOff {
			out = append(out, r)
		}
	}
	return out, nil
}

func (h *Handlers) list(ctx context.Context, req *router.Request) error {
	u, err := h.profile(req)
	if err != nil {
		return err
	}
	rows, err := h.oneOffs(ctx, u.ID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return req.Reply(ctx, "No pending reminders.")
	}
	loc, _ := localtime.ZoneOrUTC(u.Timezone)
	var b strings.Builder
	b.WriteString("Pending reminders:\n")
	for i, r := range rows {
		fmt.Fprintf(&b, "%d. %s  %s\n   id: %s\n", i+1, r.TriggerAt.In(loc).Format("2006-01-02 15:04"), firstLine(r.Message), r.ID)
	}
	b.WriteString("\nCancel with /cancel <n>.")
	return req.Reply(ctx, b.String())
}

func (h *Handlers) cancel(ctx context.Context, req *router.Request) error {
	u, err := h.profile(req)
	if err != nil {
		return err
	}
	if len(req.Args) != 1 {
		return router.Userf("Usage: /cancel <n|id>")
	}
	id := req.Args[0]
	if n, convErr := strconv.Atoi(id); convErr == nil {
		rows, err := h.oneOffs(ctx, u.ID)
		if err != nil {
			return err
		}
		if n < 1 || n > len(rows) {
			return router.Userf("No reminder number %d. See /reminders.", n)
		}
		id = rows[n-1].ID
	}
	if err := h.rem.CancelReminder(ctx, u.ID, id); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return router.Userf("Reminder not found. See /reminders.")
		}
		return err
	}
	return req.Reply(ctx, "🗑 Reminder cancelled.")
}

func (h *Handlers) deleteAccount(ctx context.Context, req *router.Request) error {
	if _, err := h.profile(req); err != nil {
		return err
	}
	if len(req.Args) == 0 || req.Args[0] != "confirm" {
		return req.Reply(ctx, "This removes your profile and every reminder. Send /delete_account confirm to proceed.")
	}
	if err := h.users.Delete(ctx, req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "Your account and reminders were deleted. Send /start to come back.")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if r := []rune(line); len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return line
}
