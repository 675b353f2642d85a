package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

var base = time.Date(2025, time.June, 11, 10, 0, 0, 0, time.UTC)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "reminders.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	out["file"] = fs

	ss, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "reminders.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	out["sqlite"] = ss

	t.Cleanup(func() {
		for _, st := range out {
			_ = st.Close()
		}
	})
	return out
}

func mustCreate(t *testing.T, st Store, r Reminder) Reminder {
	t.Helper()
	if err := st.Create(context.Background(), &r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			late := mustCreate(t, st, Reminder{UserID: 1, Kind: KindOneOff, Message: "late", TriggerAt: base.Add(2 * time.Hour)})
			tieB := mustCreate(t, st, Reminder{ID: "b", UserID: 1, Kind: KindOneOff, Message: "b", TriggerAt: base})
			tieA := mustCreate(t, st, Reminder{ID: "a", UserID: 2, Kind: KindOneOff, Message: "a", TriggerAt: base})
			digest := mustCreate(t, st, Reminder{UserID: 1, Kind: KindDailyDigest, TriggerAt: base.Add(time.Hour), Zone: "UTC"})

			if late.ID == "" || late.Stage != StageNone {
				t.Fatalf("defaults not applied: %+v", late)
			}

			due, err := st.DueBefore(ctx, base.Add(90*time.Minute))
			if err != nil {
				t.Fatalf("DueBefore: %v", err)
			}
			if got := ids(due); got != "a,b,"+digest.ID {
				t.Fatalf("DueBefore order=%s", got)
			}

			all, err := st.ListPending(ctx)
			if err != nil || len(all) != 4 || all[3].ID != late.ID {
				t.Fatalf("ListPending=%v err=%v", ids(all), err)
			}

			dup := Reminder{UserID: 1, Kind: KindDailyDigest, TriggerAt: base}
			if err := st.Create(ctx, &dup); !errors.Is(err, ErrDuplicateDigest) {
				t.Fatalf("duplicate digest err=%v", err)
			}

			if err := st.UpdateStage(ctx, tieB.ID, StageFired); err != nil {
				t.Fatalf("UpdateStage fired: %v", err)
			}
			if err := st.UpdateStage(ctx, tieB.ID, StageWarned); err != nil {
				t.Fatalf("UpdateStage warned: %v", err)
			}
			got, err := st.Get(ctx, tieB.ID)
			if err != nil || got.Stage != StageFired {
				t.Fatalf("stage must not regress: %+v err=%v", got, err)
			}
			if !got.TriggerAt.Equal(base) {
				t.Fatalf("trigger round-trip: %s", got.TriggerAt)
			}

			next := base.Add(25 * time.Hour)
			if err := st.UpdateTrigger(ctx, digest.ID, next, "Asia/Tashkent", "2025-06-11"); err != nil {
				t.Fatalf("UpdateTrigger: %v", err)
			}
			got, _ = st.Get(ctx, digest.ID)
			if !got.TriggerAt.Equal(next) || got.Zone != "Asia/Tashkent" || got.LastFiredDate != "2025-06-11" {
				t.Fatalf("digest after UpdateTrigger: %+v", got)
			}

			users, err := st.DailyDigestUsers(ctx)
			if err != nil || len(users) != 1 || users[0] != (DigestUser{UserID: 1, Zone: "Asia/Tashkent"}) {
				t.Fatalf("DailyDigestUsers=%v err=%v", users, err)
			}

			byUser, err := st.ByUser(ctx, 1)
			if err != nil || len(byUser) != 3 {
				t.Fatalf("ByUser=%v err=%v", ids(byUser), err)
			}

			if err := st.Delete(ctx, tieA.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := st.Delete(ctx, tieA.ID); err != nil {
				t.Fatalf("Delete must be idempotent: %v", err)
			}
			if _, err := st.Get(ctx, tieA.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get deleted err=%v", err)
			}
			if err := st.UpdateStage(ctx, tieA.ID, StageWarned); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateStage deleted err=%v", err)
			}

			n, err := st.DeleteAllForUser(ctx, 1)
			if err != nil || n != 3 {
				t.Fatalf("DeleteAllForUser n=%d err=%v", n, err)
			}
			rest, _ := st.ListPending(ctx)
			if len(rest) != 0 {
				t.Fatalf("rows left: %v", ids(rest))
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reminders.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	keep := mustCreate(t, st, Reminder{UserID: 5, Kind: KindOneOff, Message: "keep", TriggerAt: base})
	drop := mustCreate(t, st, Reminder{UserID: 6, Kind: KindOneOff, Message: "drop", TriggerAt: base})
	if err := st.UpdateStage(ctx, keep.ID, StageWarned); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if err := st.Delete(ctx, drop.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Simulate a crash: no Close, so state must come back from the journal alone.
	fs := st.(*fileStore)
	_ = fs.journal.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	rows, _ := st2.ListPending(ctx)
	if len(rows) != 1 || rows[0].ID != keep.ID || rows[0].Stage != StageWarned {
		t.Fatalf("after reopen: %+v", rows)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reminders.db")
	ctx := context.Background()
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r := mustCreate(t, st, Reminder{UserID: 9, Kind: KindOneOff, Message: "hi", TriggerAt: base})
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.Get(ctx, r.ID)
	if err != nil || got.Message != "hi" || got.UserID != 9 {
		t.Fatalf("Get after reopen: %+v err=%v", got, err)
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	t.Parallel()

	st := NewMemory()
	_ = st.Close()
	r := Reminder{UserID: 1, Kind: KindOneOff, TriggerAt: base}
	if err := st.Create(context.Background(), &r); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err=%v want ErrStoreUnavailable", err)
	}
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()

	st := NewMemory()
	cases := []Reminder{
		{Kind: KindOneOff, TriggerAt: base},
		{UserID: 1, Kind: "weekly", TriggerAt: base},
		{UserID: 1, Kind: KindOneOff},
	}
	for i, r := range cases {
		if err := st.Create(context.Background(), &r); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func ids(rs []Reminder) string {
	s := ""
	for i, r := range rs {
		if i > 0 {
			s += ","
		}
		s += r.ID
	}
	return s
}
