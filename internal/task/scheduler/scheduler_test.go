package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/localtime"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/testutil/clock"
)

type delivery struct {
	user int64
	text string
	at   time.Time
}

type fakeChannel struct {
	mu    sync.Mutex
	clk   *clock.Clock
	fail  int // fail this many calls, -1 = always
	calls int
	sent  []delivery
}

func (c *fakeChannel) Deliver(_ context.Context, userID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail < 0 || c.calls <= c.fail {
		return errors.New("channel down")
	}
	c.sent = append(c.sent, delivery{user: userID, text: text, at: c.clk.Now()})
	return nil
}

func (c *fakeChannel) deliveries() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.sent...)
}

type fakeDir struct {
	mu     sync.Mutex
	zones  map[int64]string
	active map[int64]bool
}

func newFakeDir() *fakeDir {
	return &fakeDir{zones: map[int64]string{}, active: map[int64]bool{}}
}

func (d *fakeDir) add(id int64, zone string) {
	d.mu.Lock()
	d.zones[id], d.active[id] = zone, true
	d.mu.Unlock()
}

func (d *fakeDir) deactivate(id int64) {
	d.mu.Lock()
	d.active[id] = false
	d.mu.Unlock()
}

func (d *fakeDir) Timezone(id int64) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zones[id]
}

func (d *fakeDir) IsActive(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[id]
}

type failingStore struct {
	storage.Store
}

func (failingStore) Create(context.Context, *storage.Reminder) error {
	return storage.ErrStoreUnavailable
}

type harness struct {
	s     *Service
	clk   *clock.Clock
	store storage.Store
	ch    *fakeChannel
	dir   *fakeDir
	bus   eventbus.Bus
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = engine.TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, RetryJitter: 0.01}
	return cfg
}

func newHarness(t *testing.T, start time.Time, store storage.Store) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	clk := clock.New(start)
	h := &harness{
		clk:   clk,
		store: store,
		ch:    &fakeChannel{clk: clk},
		dir:   newFakeDir(),
		bus:   eventbus.New(),
	}
	h.s = New(testConfig(), Deps{Store: store, Channel: h.ch, Dir: h.dir, Bus: h.bus, Now: clk.Now})
	return h
}

func (h *harness) recover(t *testing.T) RecoveryReport {
	t.Helper()
	rep, err := h.s.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	return rep
}

func (h *harness) seed(t *testing.T, r storage.Reminder) storage.Reminder {
	t.Helper()
	if err := h.store.Create(context.Background(), &r); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return r
}

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := localtime.LoadZone(name)
	if err != nil {
		t.Fatalf("zone %s: %v", name, err)
	}
	return loc
}

func TestOneOffTashkentTwoStages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC), nil)
	h.dir.add(1, "Asia/Tashkent")
	h.recover(t)

	tomorrow := localtime.Date{Year: 2025, Month: time.June, Day: 3}
	instant := localtime.LocalClockToInstant(tomorrow, localtime.Clock{Hour: 15}, mustZone(t, "Asia/Tashkent"))
	if want := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC); !instant.Equal(want) {
		t.Fatalf("instant=%v want %v", instant, want)
	}
	id, err := h.s.ScheduleOneOff(ctx, 1, "pay rent", instant)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	warn, ok := h.s.reg.Lookup(WarnKey(1, id))
	if !ok || !warn.FireAt.Equal(time.Date(2025, 6, 3, 9, 50, 0, 0, time.UTC)) {
		t.Fatalf("warn job=%v ok=%v", warn, ok)
	}

	h.clk.Set(warn.FireAt)
	if n := h.s.Tick(ctx); n != 1 {
		t.Fatalf("tick at warn fired %d jobs", n)
	}
	h.clk.Set(instant)
	if n := h.s.Tick(ctx); n != 1 {
		t.Fatalf("tick at exact fired %d jobs", n)
	}

	got := h.ch.deliveries()
	if len(got) != 2 {
		t.Fatalf("deliveries=%d want 2", len(got))
	}
	if !strings.HasPrefix(got[0].text, "⏰") || !got[0].at.Equal(warn.FireAt) {
		t.Fatalf("first delivery %+v is not the warning", got[0])
	}
	if got[1].text != "🔔 Reminder:\npay rent" || !got[1].at.Equal(instant) {
		t.Fatalf("second delivery %+v is not the exact fire", got[1])
	}
	if _, err := h.store.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("fired row must be deleted, got %v", err)
	}
	if h.s.reg.Len() != 0 {
		t.Fatalf("registry not empty: %v", h.s.reg.Snapshot())
	}
}

func TestWarningSkippedForShortLead(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, nil)
	h.dir.add(1, "UTC")
	h.recover(t)

	id, err := h.s.ScheduleOneOff(context.Background(), 1, "soon", h.clk.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, ok := h.s.reg.Lookup(WarnKey(1, id)); ok {
		t.Fatalf("warning must not be armed for a 5 minute lead")
	}
	if _, ok := h.s.reg.Lookup(ExactKey(1, id)); !ok {
		t.Fatalf("exact stage must be armed")
	}
}

func TestScheduleRequestErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, time.Time{}, nil)
	h.dir.add(1, "UTC")
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := h.s.ScheduleOneOff(waitCtx, 1, "x", h.clk.Now().Add(time.Hour)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("before recovery err=%v", err)
	}
	h.recover(t)

	cases := []struct {
		name string
		user int64
		msg  string
		at   time.Time
		want error
	}{
		{"past", 1, "x", h.clk.Now(), ErrInstantInPast},
		{"empty", 1, "  ", h.clk.Now().Add(time.Hour), ErrEmptyMessage},
		{"inactive", 2, "x", h.clk.Now().Add(time.Hour), ErrUserInactive},
	}
	for _, tc := range cases {
		if _, err := h.s.ScheduleOneOff(ctx, tc.user, tc.msg, tc.at); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}

	fh := newHarness(t, time.Time{}, failingStore{storage.NewMemory()})
	fh.dir.add(1, "UTC")
	fh.recover(t)
	if _, err := fh.s.ScheduleOneOff(ctx, 1, "x", fh.clk.Now().Add(time.Hour)); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("store failure err=%v", err)
	}
	if fh.s.reg.Len() != 0 {
		t.Fatalf("registry mutated after failed store write")
	}
}

func TestRecoveryGracePolicy(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name       string
		late       time.Duration
		stage      storage.Stage
		wantTexts  []string
		wantRow    bool
		wantReport RecoveryReport
	}{
		{"future", -time.Hour, storage.StageNone, nil, true, RecoveryReport{Rearmed: 1}},
		{"within grace replays both", 20 * time.Minute, storage.StageNone, []string{"⏰", "🔔"}, false, RecoveryReport{Replayed: 1}},
		{"warned fires exact once", 30 * time.Minute, storage.StageWarned, []string{"🔔"}, false, RecoveryReport{Replayed: 1}},
		{"beyond grace skips warning", 5 * time.Hour, storage.StageNone, []string{"🔔"}, false, RecoveryReport{Replayed: 1, WarningsSkipped: 1}},
		{"beyond drop window", 25 * time.Hour, storage.StageNone, nil, false, RecoveryReport{Dropped: 1}},
		{"already fired", 10 * time.Minute, storage.StageFired, nil, false, RecoveryReport{Discarded: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, now, nil)
			h.dir.add(1, "UTC")
			trigger := now.Add(-tc.late)
			row := h.seed(t, storage.Reminder{UserID: 1, Kind: storage.KindOneOff, Message: "m", TriggerAt: trigger, CreatedAt: trigger.Add(-time.Hour), Stage: tc.stage})

			rep := h.recover(t)
			if rep != tc.wantReport {
				t.Fatalf("report=%+v want %+v", rep, tc.wantReport)
			}
			got := h.ch.deliveries()
			if len(got) != len(tc.wantTexts) {
				t.Fatalf("deliveries=%d want %d", len(got), len(tc.wantTexts))
			}
			for i, prefix := range tc.wantTexts {
				if !strings.HasPrefix(got[i].text, prefix) {
					t.Fatalf("delivery %d=%q want prefix %q", i, got[i].text, prefix)
				}
			}
			_, err := h.store.Get(context.Background(), row.ID)
			if exists := err == nil; exists != tc.wantRow {
				t.Fatalf("row exists=%v want %v (err=%v)", exists, tc.wantRow, err)
			}

			// A second recovery over the same store never re-delivers.
			h.recover(t)
			if n := len(h.ch.deliveries()); n != len(tc.wantTexts) {
				t.Fatalf("second recovery delivered again: %d", n)
			}
		})
	}
}

func TestExactBeforeWarningDiscardsWarning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Time{}, nil)
	h.dir.add(1, "UTC")
	h.recover(t)

	id, err := h.s.ScheduleOneOff(ctx, 1, "m", h.clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.clk.Advance(2 * time.Hour)
	jobs := h.s.reg.PopDue(h.clk.Now())
	if len(jobs) != 2 || jobs[0].Key != WarnKey(1, id) {
		t.Fatalf("due jobs=%v", jobs)
	}
	// A worker picks the exact stage first.
	h.s.eng.RunNow(ctx, h.s.stageTask(jobs[1]))
	h.s.eng.RunNow(ctx, h.s.stageTask(jobs[0]))

	got := h.ch.deliveries()
	if len(got) != 1 || !strings.HasPrefix(got[0].text, "🔔") {
		t.Fatalf("warning delivered after exact: %+v", got)
	}
}

func TestPermanentFailureMarksAttempted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Time{}, nil)
	h.ch.fail = -1
	h.dir.add(1, "UTC")
	h.recover(t)
	events, unsub := h.bus.Subscribe(256)
	defer unsub()

	id, err := h.s.ScheduleOneOff(ctx, 1, "m", h.clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.clk.Advance(50 * time.Minute)
	h.s.Tick(ctx)
	row, err := h.store.Get(ctx, id)
	if err != nil || row.Stage != storage.StageWarned {
		t.Fatalf("warning failure must mark stage: row=%+v err=%v", row, err)
	}
	if h.ch.calls != 4 {
		t.Fatalf("attempts=%d want 4", h.ch.calls)
	}

	h.clk.Advance(10 * time.Minute)
	h.s.Tick(ctx)
	if _, err := h.store.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("exact failure must retire the row, got %v", err)
	}

	failures := 0
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.DeliveryFailed {
				failures++
			}
			continue
		default:
		}
		break
	}
	if failures != 2 {
		t.Fatalf("delivery.failed events=%d want 2", failures)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Time{}, nil)
	h.ch.fail = 2
	h.dir.add(1, "UTC")
	h.recover(t)

	if _, err := h.s.ScheduleOneOff(ctx, 1, "m", h.clk.Now().Add(5*time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.clk.Advance(5 * time.Minute)
	h.s.Tick(ctx)
	if got := h.ch.deliveries(); len(got) != 1 {
		t.Fatalf("deliveries=%d want 1", len(got))
	}
}

func TestInactiveUserIsNotDelivered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Time{}, nil)
	h.dir.add(1, "UTC")
	h.recover(t)

	id, err := h.s.ScheduleOneOff(ctx, 1, "m", h.clk.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.dir.deactivate(1)
	h.clk.Advance(5 * time.Minute)
	h.s.Tick(ctx)
	if n := len(h.ch.deliveries()); n != 0 {
		t.Fatalf("inactive user got %d deliveries", n)
	}
	if _, err := h.store.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("row of inactive user must be removed, got %v", err)
	}
}

func TestCancelReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Time{}, nil)
	h.dir.add(1, "UTC")
	h.recover(t)

	id, err := h.s.ScheduleOneOff(ctx, 1, "m", h.clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := h.s.CancelReminder(ctx, 2, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel by another user err=%v", err)
	}
	if err := h.s.CancelReminder(ctx, 1, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if h.s.reg.Len() != 0 {
		t.Fatalf("jobs left after cancel: %v", h.s.reg.Snapshot())
	}
	pending, err := h.s.Pending(ctx, 1)
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending=%v err=%v", pending, err)
	}
}

func TestDigestStaysAtLocalEightAcrossDST(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ny := mustZone(t, "America/New_York")
	h := newHarness(t, time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC), nil)
	h.dir.add(1, "America/New_York")
	h.recover(t)

	if err := h.s.EnsureDailyDigest(ctx, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := h.s.EnsureDailyDigest(ctx, 1); err != nil {
		t.Fatalf("ensure twice: %v", err)
	}
	for range 5 {
		next, ok := h.s.reg.NextWake()
		if !ok {
			t.Fatalf("digest not armed")
		}
		h.clk.Set(next)
		h.s.Tick(ctx)
	}

	got := h.ch.deliveries()
	if len(got) != 5 {
		t.Fatalf("deliveries=%d want 5", len(got))
	}
	day := 7
	for i, d := range got {
		local := d.at.In(ny)
		if local.Hour() != 20 || local.Minute() != 0 || local.Day() != day+i {
			t.Fatalf("fire %d at %v local, want March %d 20:00", i, local, day+i)
		}
	}
}

func TestDigestNotReplayedOnRecovery(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now, nil)
	h.dir.add(1, "UTC")
	h.seed(t, storage.Reminder{UserID: 1, Kind: storage.KindDailyDigest, Message: "d", TriggerAt: now.Add(-40 * time.Hour), Zone: "UTC"})

	rep := h.recover(t)
	if rep.Digests != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if n := len(h.ch.deliveries()); n != 0 {
		t.Fatalf("missed digest replayed %d times", n)
	}
	job, ok := h.s.reg.Lookup(DigestKey(1))
	if want := time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC); !ok || !job.FireAt.Equal(want) {
		t.Fatalf("digest job=%v want %v", job, want)
	}
}

func TestStaleDigestFireIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 19, 0, 0, 0, time.UTC)
	h := newHarness(t, now, nil)
	h.dir.add(1, "UTC")
	h.recover(t)
	if err := h.s.EnsureDailyDigest(ctx, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	old, _ := h.s.reg.Lookup(DigestKey(1))

	row, err := h.s.DigestRow(ctx, 1)
	if err != nil {
		t.Fatalf("digest row: %v", err)
	}
	if err := h.store.UpdateTrigger(ctx, row.ID, old.FireAt.Add(5*time.Hour), "America/New_York", ""); err != nil {
		t.Fatalf("update trigger: %v", err)
	}
	h.clk.Set(old.FireAt)
	h.s.Tick(ctx)
	if n := len(h.ch.deliveries()); n != 0 {
		t.Fatalf("stale fire delivered %d", n)
	}
}

func TestSweepSettlesUnarmedRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now, nil)
	h.dir.add(1, "UTC")
	h.recover(t)

	// Rows written behind the scheduler's back are only found by the sweep.
	h.seed(t, storage.Reminder{UserID: 1, Kind: storage.KindOneOff, Message: "m", TriggerAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour), Stage: storage.StageWarned})
	h.seed(t, storage.Reminder{UserID: 1, Kind: storage.KindDailyDigest, Message: "d", TriggerAt: now.Add(-time.Hour), Zone: "UTC"})

	rep, err := h.s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Replayed != 1 || rep.Digests != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if n := len(h.ch.deliveries()); n != 1 {
		t.Fatalf("deliveries=%d want 1", n)
	}
	if _, ok := h.s.reg.Lookup(DigestKey(1)); !ok {
		t.Fatalf("digest must be armed by sweep")
	}
}

func TestInFlightFireAfterDeletionIsDiscarded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Time{}, nil)
	h.dir.add(1, "UTC")
	h.recover(t)

	id, err := h.s.ScheduleOneOff(ctx, 1, "m", h.clk.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.clk.Advance(time.Minute)
	claimed := h.s.reg.PopDue(h.clk.Now())
	if len(claimed) != 1 {
		t.Fatalf("claimed=%d", len(claimed))
	}
	if _, err := h.store.DeleteAllForUser(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.s.eng.RunNow(ctx, h.s.stageTask(claimed[0]))
	if n := len(h.ch.deliveries()); n != 0 {
		t.Fatalf("deleted reminder delivered %d times", n)
	}
	if _, err := h.store.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("row resurrected: %v", err)
	}
}
