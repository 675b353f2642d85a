package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/testutil/clock"
	logx "remindbot/pkg/logx"
)

type recordingChannel struct {
	mu   sync.Mutex
	clk  *clock.Clock
	sent []time.Time
}

func (c *recordingChannel) Deliver(context.Context, int64, string) error {
	c.mu.Lock()
	c.sent = append(c.sent, c.clk.Now())
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type staticDir struct {
	mu     sync.Mutex
	zone   string
	active bool
}

func (d *staticDir) Timezone(int64) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zone
}

func (d *staticDir) IsActive(int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *staticDir) set(zone string, active bool) {
	d.mu.Lock()
	d.zone, d.active = zone, active
	d.mu.Unlock()
}

type brokenTriggerStore struct {
	storage.Store
}

func (brokenTriggerStore) UpdateTrigger(context.Context, string, time.Time, string, string) error {
	return storage.ErrStoreUnavailable
}

type fixture struct {
	clk   *clock.Clock
	store storage.Store
	ch    *recordingChannel
	dir   *staticDir
	sched *scheduler.Service
	lc    *Coordinator
}

func newFixture(t *testing.T, start time.Time, store storage.Store) *fixture {
	t.Helper()
	f := &fixture{clk: clock.New(start), store: store, dir: &staticDir{zone: "UTC", active: true}}
	f.ch = &recordingChannel{clk: f.clk}
	f.sched = scheduler.New(scheduler.DefaultConfig(), scheduler.Deps{Store: store, Channel: f.ch, Dir: f.dir, Now: f.clk.Now})
	f.lc = New(store, f.sched, nil, logx.Nop(), f.clk.Now)
	if _, err := f.sched.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return f
}

func TestTimezoneChangeRekeysDigest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	f := newFixture(t, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC), mem)

	if err := f.sched.EnsureDailyDigest(ctx, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	oneOff, err := f.sched.ScheduleOneOff(ctx, 1, "m", time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	utcEight := time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)
	if job, ok := f.sched.Registry().Lookup(scheduler.DigestKey(1)); !ok || !job.FireAt.Equal(utcEight) {
		t.Fatalf("digest job=%v", job)
	}

	f.clk.Set(time.Date(2025, 6, 2, 19, 0, 0, 0, time.UTC))
	f.dir.set("America/New_York", true)
	if err := f.lc.OnTimezoneChanged(ctx, 1, "America/New_York"); err != nil {
		t.Fatalf("timezone change: %v", err)
	}

	nyEight := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	job, ok := f.sched.Registry().Lookup(scheduler.DigestKey(1))
	if !ok || !job.FireAt.Equal(nyEight) {
		t.Fatalf("digest job=%v want %v", job, nyEight)
	}
	row, err := f.sched.DigestRow(ctx, 1)
	if err != nil || !row.TriggerAt.Equal(nyEight) || row.Zone != "America/New_York" {
		t.Fatalf("row=%+v err=%v", row, err)
	}
	if r, err := mem.Get(ctx, oneOff); err != nil || !r.TriggerAt.Equal(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("one-off must keep its instant: %+v err=%v", r, err)
	}

	f.clk.Set(utcEight)
	f.sched.Tick(ctx)
	if n := f.ch.count(); n != 0 {
		t.Fatalf("old UTC instant fired %d times", n)
	}
	f.clk.Set(nyEight)
	f.sched.Tick(ctx)
	if n := f.ch.count(); n != 1 {
		t.Fatalf("new instant fired %d times, want 1", n)
	}
}

func TestTimezoneChangeUnknownZoneFallsBackToUTC(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 6, 2, 21, 0, 0, 0, time.UTC), storage.NewMemory())
	if err := f.sched.EnsureDailyDigest(ctx, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := f.lc.OnTimezoneChanged(ctx, 1, "Mars/Olympus"); err != nil {
		t.Fatalf("timezone change: %v", err)
	}
	row, err := f.sched.DigestRow(ctx, 1)
	if err != nil || row.Zone != "UTC" || !row.TriggerAt.Equal(time.Date(2025, 6, 3, 20, 0, 0, 0, time.UTC)) {
		t.Fatalf("row=%+v err=%v", row, err)
	}
}

func TestTimezoneChangeStoreFailureKeepsRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC), storage.NewMemory())
	if err := f.sched.EnsureDailyDigest(ctx, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	before, _ := f.sched.Registry().Lookup(scheduler.DigestKey(1))

	broken := New(brokenTriggerStore{f.store}, f.sched, nil, logx.Nop(), f.clk.Now)
	if err := broken.OnTimezoneChanged(ctx, 1, "Asia/Tashkent"); !errors.Is(err, storage.ErrStoreUnavailable) {
		t.Fatalf("err=%v", err)
	}
	after, _ := f.sched.Registry().Lookup(scheduler.DigestKey(1))
	if after != before {
		t.Fatalf("registry changed on failed store write: %v -> %v", before, after)
	}
}

func TestAccountDeletionCancelsEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC), storage.NewMemory())
	if err := f.sched.EnsureDailyDigest(ctx, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.sched.ScheduleOneOff(ctx, 1, "soon", f.clk.Now().Add(time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := f.sched.ScheduleOneOff(ctx, 1, "later", f.clk.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := f.lc.OnAccountDeleted(ctx, 1); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	f.dir.set("UTC", false)
	if n := f.sched.Registry().Len(); n != 0 {
		t.Fatalf("jobs left: %d", n)
	}
	rows, err := f.store.ByUser(ctx, 1)
	if err != nil || len(rows) != 0 {
		t.Fatalf("rows left: %v err=%v", rows, err)
	}

	f.clk.Advance(24 * time.Hour)
	f.sched.Tick(ctx)
	if n := f.ch.count(); n != 0 {
		t.Fatalf("deleted account received %d deliveries", n)
	}
}
