package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

func (c *fakeChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// withPool swaps in a running worker pool so fires go through Enqueue as they do in production.
func (h *harness) withPool(t *testing.T, workers int) (*engine.Service, engine.Config) {
	t.Helper()
	cfg := engine.Config{Enabled: true, Workers: workers, QueueSize: 8}
	eng := engine.New(cfg, logx.Nop(), nil)
	h.s.eng = eng
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })
	return eng, cfg
}

// fireDue dispatches due jobs the way the wake loop does.
func (h *harness) fireDue() int {
	jobs := h.s.reg.PopDue(h.clk.Now())
	for _, j := range jobs {
		h.s.dispatch(j)
	}
	return len(jobs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolRestartDuringRetryKeepsReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Time{}, nil)
	h.ch.fail = 1
	h.dir.add(1, "UTC")
	h.s.cfg.Retry = engine.TaskOptions{RetryMax: 3, RetryBase: time.Hour, RetryMaxDelay: time.Hour, RetryJitter: 0.01}
	eng, cfg := h.withPool(t, 1)
	h.recover(t)

	id, err := h.s.ScheduleOneOff(ctx, 1, "m", h.clk.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.clk.Advance(5 * time.Minute)
	if n := h.fireDue(); n != 1 {
		t.Fatalf("fired %d jobs", n)
	}
	waitFor(t, "first delivery attempt", func() bool { return h.ch.callCount() == 1 })

	// The worker is now waiting an hour before its next attempt.
	cfg.Workers = 2
	eng.Apply(ctx, cfg)

	if _, err := h.store.Get(ctx, id); err != nil {
		t.Fatalf("row lost on pool restart: %v", err)
	}
	if h.s.reg.Busy(ExactKey(1, id)) {
		t.Fatalf("exact stage still marked in flight")
	}
	if n := len(h.ch.deliveries()); n != 0 {
		t.Fatalf("deliveries=%d before sweep", n)
	}

	h.clk.Advance(time.Minute)
	rep, err := h.s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Replayed != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if n := len(h.ch.deliveries()); n != 1 {
		t.Fatalf("deliveries=%d want 1", n)
	}
	if _, err := h.store.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("fired row must be deleted, got %v", err)
	}
}

func TestQueuedFireSurvivesPoolRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Time{}, nil)
	h.dir.add(1, "UTC")
	eng, cfg := h.withPool(t, 1)
	h.recover(t)

	started := make(chan struct{})
	err := eng.Enqueue(engine.Task{Name: "blocker", Run: func(c context.Context) error {
		close(started)
		<-c.Done()
		return c.Err()
	}})
	if err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}
	<-started

	id, err := h.s.ScheduleOneOff(ctx, 1, "m", h.clk.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.clk.Advance(5 * time.Minute)
	if n := h.fireDue(); n != 1 {
		t.Fatalf("fired %d jobs", n)
	}

	cfg.Workers = 2
	eng.Apply(ctx, cfg)

	waitFor(t, "delivery on restarted pool", func() bool { return len(h.ch.deliveries()) == 1 })
	waitFor(t, "in-flight mark released", func() bool { return !h.s.reg.Busy(ExactKey(1, id)) })
	if _, err := h.store.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("fired row must be deleted, got %v", err)
	}
}

func TestQueuedFireReleasedOnStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, time.Time{}, nil)
	h.dir.add(1, "UTC")
	eng, _ := h.withPool(t, 1)
	h.recover(t)

	started := make(chan struct{})
	if err := eng.Enqueue(engine.Task{Name: "blocker", Run: func(c context.Context) error {
		close(started)
		<-c.Done()
		return c.Err()
	}}); err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}
	<-started

	id, err := h.s.ScheduleOneOff(ctx, 1, "m", h.clk.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.clk.Advance(5 * time.Minute)
	h.fireDue()
	eng.Stop(ctx)

	if h.s.reg.Busy(ExactKey(1, id)) {
		t.Fatalf("queued fire left marked in flight after stop")
	}
	if _, err := h.store.Get(ctx, id); err != nil {
		t.Fatalf("row must wait for recovery, got %v", err)
	}
	if n := len(h.ch.deliveries()); n != 0 {
		t.Fatalf("deliveries=%d want 0", n)
	}
}

func TestDigestWithUnappliedZoneChangeMovesInsteadOfFiring(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now, nil)
	h.dir.add(1, "UTC")
	h.recover(t)
	if err := h.s.EnsureDailyDigest(ctx, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	old, ok := h.s.reg.Lookup(DigestKey(1))
	if want := time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC); !ok || !old.FireAt.Equal(want) {
		t.Fatalf("digest job=%v want %v", old, want)
	}

	// The directory already holds the new zone; the rekey did not happen.
	h.dir.add(1, "America/New_York")
	h.clk.Set(old.FireAt)
	h.s.Tick(ctx)

	if n := len(h.ch.deliveries()); n != 0 {
		t.Fatalf("digest fired at the old zone's 20:00 (%d deliveries)", n)
	}
	nyEight := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	job, ok := h.s.reg.Lookup(DigestKey(1))
	if !ok || !job.FireAt.Equal(nyEight) {
		t.Fatalf("digest job=%v want %v", job, nyEight)
	}
	row, err := h.s.DigestRow(ctx, 1)
	if err != nil {
		t.Fatalf("digest row: %v", err)
	}
	if row.Zone != "America/New_York" || !row.TriggerAt.Equal(nyEight) {
		t.Fatalf("row=%+v", row)
	}

	h.clk.Set(nyEight)
	h.s.Tick(ctx)
	got := h.ch.deliveries()
	if len(got) != 1 || got[0].at.In(mustZone(t, "America/New_York")).Hour() != 20 {
		t.Fatalf("deliveries=%+v want one at 20:00 New York", got)
	}
}

func TestDigestZoneChangeWithSameInstantStillFires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now, nil)
	h.dir.add(1, "UTC")
	h.recover(t)
	if err := h.s.EnsureDailyDigest(ctx, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	job, _ := h.s.reg.Lookup(DigestKey(1))

	// London is on UTC in January, so 20:00 UTC is also 20:00 there.
	h.dir.add(1, "Europe/London")
	h.clk.Set(job.FireAt)
	h.s.Tick(ctx)

	if n := len(h.ch.deliveries()); n != 1 {
		t.Fatalf("deliveries=%d want 1", n)
	}
	row, err := h.s.DigestRow(ctx, 1)
	if err != nil {
		t.Fatalf("digest row: %v", err)
	}
	if row.Zone != "Europe/London" {
		t.Fatalf("row zone=%q want Europe/London", row.Zone)
	}
}
