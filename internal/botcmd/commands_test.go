package botcmd

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/directory"
	"remindbot/internal/eventbus"
	"remindbot/internal/lifecycle"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/testutil/clock"
	kit "remindbot/internal/transport"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

type chatLog struct {
	mu   sync.Mutex
	sent []string
}

func (c *chatLog) Start(context.Context, chan<- kit.Update) error { return nil }
func (c *chatLog) Stop(context.Context) error                     { return nil }
func (c *chatLog) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return kit.MessageRef{}, nil
}

func (c *chatLog) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

type nopChannel struct{}

func (nopChannel) Deliver(context.Context, int64, string) error { return nil }

type env struct {
	r     *router.Router
	chat  *chatLog
	dir   *directory.Directory
	sched *scheduler.Service
	store storage.Store
	clk   *clock.Clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.New(clock.Reference)
	store := storage.NewMemory()
	bus := eventbus.New()
	dir, err := directory.Open("", logx.Nop(), directory.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	sched := scheduler.New(scheduler.DefaultConfig(), scheduler.Deps{Store: store, Channel: nopChannel{}, Dir: dir, Bus: bus, Now: clk.Now})
	if _, err := sched.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	dir.SetHooks(lifecycle.New(store, sched, bus, logx.Nop(), clk.Now))

	chat := &chatLog{}
	r := router.New(logx.Nop(), chat)
	r.SetCommands(context.Background(), New(dir, sched, clk.Now).Commands())
	return &env{r: r, chat: chat, dir: dir, sched: sched, store: store, clk: clk}
}

func (e *env) say(t *testing.T, text string) string {
	t.Helper()
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 5, FromID: 5, FromName: "Dana", LanguageCode: "en", Text: text}}
	if err := e.r.Exec(context.Background(), up); err != nil {
		t.Fatalf("%s: %v", text, err)
	}
	return e.chat.last()
}

func TestStartRegistersAndArmsDigest(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	reply := e.say(t, "/start uz")
	if !strings.Contains(reply, "Asia/Tashkent") {
		t.Fatalf("reply=%q", reply)
	}
	if _, ok := e.sched.Registry().Lookup(scheduler.DigestKey(5)); !ok {
		t.Fatalf("digest not armed")
	}
	if reply := e.say(t, "/start"); !strings.Contains(reply, "Welcome back") {
		t.Fatalf("second start=%q", reply)
	}
}

func TestRemindListCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.say(t, "/start")

	if reply := e.say(t, "/remind 2025-06-03 09:30 pay rent\nand utilities"); !strings.Contains(reply, "2025-06-03 09:30") {
		t.Fatalf("remind reply=%q", reply)
	}
	rows, _ := e.store.ByUser(context.Background(), 5)
	var oneOff storage.Reminder
	for _, r := range rows {
		if r.Kind == storage.KindOneOff {
			oneOff = r
		}
	}
	if oneOff.Message != "pay rent\nand utilities" {
		t.Fatalf("message=%q", oneOff.Message)
	}
	want := time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)
	if !oneOff.TriggerAt.Equal(want) {
		t.Fatalf("trigger=%v want %v", oneOff.TriggerAt, want)
	}

	if list := e.say(t, "/reminders"); !strings.Contains(list, "1. 2025-06-03 09:30  pay rent") {
		t.Fatalf("list=%q", list)
	}
	if reply := e.say(t, "/cancel 2"); !strings.Contains(reply, "No reminder number 2") {
		t.Fatalf("bad index reply=%q", reply)
	}
	if reply := e.say(t, "/cancel 1"); !strings.Contains(reply, "cancelled") {
		t.Fatalf("cancel reply=%q", reply)
	}
	if _, ok := e.sched.Registry().Lookup(scheduler.ExactKey(5, oneOff.ID)); ok {
		t.Fatalf("exact job still armed")
	}
	if list := e.say(t, "/reminders"); list != "No pending reminders." {
		t.Fatalf("list after cancel=%q", list)
	}
}

func TestRemindValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if reply := e.say(t, "/remind 2025-06-03 09:30 x"); !strings.Contains(reply, "/start") {
		t.Fatalf("unregistered reply=%q", reply)
	}
	e.say(t, "/start")
	cases := map[string]string{
		"/remind":                          "Usage",
		"/remind 03.06.2025 09:30 x":       "Bad date",
		"/remind 2025-06-03 9h x":          "Bad time",
		"/remind 2025-06-01 09:30 too old": "already passed",
	}
	for in, want := range cases {
		if reply := e.say(t, in); !strings.Contains(reply, want) {
			t.Fatalf("%q reply=%q want %q", in, reply, want)
		}
	}
}

func TestTimezoneCommandRekeysDigest(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.say(t, "/start en")
	before, _ := e.sched.Registry().Lookup(scheduler.DigestKey(5))

	if reply := e.say(t, "/tz Mars/Olympus"); !strings.Contains(reply, "Unknown timezone") {
		t.Fatalf("bad zone reply=%q", reply)
	}
	if reply := e.say(t, "/timezone Asia/Tashkent"); !strings.Contains(reply, "Asia/Tashkent") {
		t.Fatalf("set reply=%q", reply)
	}
	after, _ := e.sched.Registry().Lookup(scheduler.DigestKey(5))
	// 20:00 Tashkent (UTC+5) is 15:00 UTC, earlier than 20:00 UTC on the same day.
	if !after.FireAt.Equal(time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)) || after.FireAt.Equal(before.FireAt) {
		t.Fatalf("digest fire=%v before=%v", after.FireAt, before.FireAt)
	}
	if reply := e.say(t, "/timezone"); reply != "Your timezone is Asia/Tashkent." {
		t.Fatalf("show reply=%q", reply)
	}
}

func TestDeleteAccountNeedsConfirm(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.say(t, "/start")
	e.say(t, "/remind 2025-06-03 09:30 pay rent")

	if reply := e.say(t, "/delete_account"); !strings.Contains(reply, "confirm") {
		t.Fatalf("reply=%q", reply)
	}
	if e.sched.Registry().Len() == 0 {
		t.Fatalf("jobs cancelled without confirmation")
	}
	e.say(t, "/delete_account confirm")
	if n := e.sched.Registry().Len(); n != 0 {
		t.Fatalf("registry still has %d jobs", n)
	}
	if rows, _ := e.store.ByUser(context.Background(), 5); len(rows) != 0 {
		t.Fatalf("rows left: %d", len(rows))
	}
	if e.dir.IsActive(5) {
		t.Fatalf("user still active")
	}
}
