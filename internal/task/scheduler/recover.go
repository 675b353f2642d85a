package scheduler

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task/registry"
	logx "remindbot/pkg/logx"
)

type plan int

const (
	planArm plan = iota
	planReplay
	planExactOnly
	planDrop
	planDiscard
)

// classify applies the grace policy to a one-off row at now.
func (s *Service) classify(r storage.Reminder, now time.Time) plan {
	if r.Stage == storage.StageFired {
		return planDiscard
	}
	late := now.Sub(r.TriggerAt)
	switch {
	case late < 0:
		return planArm
	case late <= s.cfg.GraceWindow:
		return planReplay
	case late <= s.cfg.DropAfter:
		return planExactOnly
	default:
		return planDrop
	}
}

// Recover rebuilds the registry from the store. Overdue one-offs are settled inline, in order,
// before Recover returns; future rows are armed; digests are moved to their next occurrence from
// now. Scheduling requests block until the first successful Recover.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	start := time.Now()

	sctx, cancel := s.storeCtx(ctx)
	rows, err := s.store.ListPending(sctx)
	cancel()
	if err != nil {
		return rep, err
	}

	s.reg.Reset()
	now := s.now()
	horizon := now.Add(s.cfg.Horizon)
	for _, r := range rows {
		if r.TriggerAt.After(horizon) {
			rep.BeyondHorizon++
		}
		if r.Kind == storage.KindDailyDigest {
			if !s.active(r.UserID) {
				if err := s.delete(ctx, r.ID); err != nil {
					rep.Failed++
				}
				continue
			}
			if _, err := s.reconcileDigest(ctx, r, now); err != nil {
				s.log.Warn("digest recovery failed", logx.Int64("user", r.UserID), logx.Err(err))
				rep.Failed++
				continue
			}
			rep.Digests++
			continue
		}
		if err := s.settle(ctx, r, now, true, &rep); err != nil {
			s.log.Warn("reminder recovery failed", logx.String("id", r.ID), logx.Err(err))
			rep.Failed++
		}
	}

	s.markReady()
	s.log.Info("recovery finished",
		logx.Int("rows", len(rows)),
		logx.Int("rearmed", rep.Rearmed),
		logx.Int("replayed", rep.Replayed),
		logx.Int("warnings_skipped", rep.WarningsSkipped),
		logx.Int("dropped", rep.Dropped),
		logx.Int("discarded", rep.Discarded),
		logx.Int("digests", rep.Digests),
		logx.Int("failed", rep.Failed),
		logx.Int("beyond_horizon", rep.BeyondHorizon),
		logx.Duration("took", time.Since(start)),
	)
	return rep, nil
}

// settle applies the grace policy to one one-off row. Overdue stages run on the calling
// goroutine when inline is set, otherwise on a detached goroutine.
func (s *Service) settle(ctx context.Context, r storage.Reminder, now time.Time, inline bool, rep *RecoveryReport) error {
	switch s.classify(r, now) {
	case planDiscard:
		if err := s.delete(ctx, r.ID); err != nil {
			return err
		}
		rep.Discarded++
		s.publish(eventbus.ReminderDiscarded, r, storage.StageFired, "already fired")
		return nil

	case planDrop:
		if err := s.delete(ctx, r.ID); err != nil {
			return err
		}
		rep.Dropped++
		s.log.Warn("reminder dropped: too late", logx.String("id", r.ID), logx.Int64("user", r.UserID), logx.Duration("late", now.Sub(r.TriggerAt)))
		s.publish(eventbus.ReminderDropped, r, r.Stage, "beyond drop window")
		return nil

	case planArm:
		s.armOneOff(r)
		rep.Rearmed++
		return nil

	case planExactOnly:
		if r.Stage == storage.StageNone {
			sctx, cancel := s.storeCtx(ctx)
			err := s.store.UpdateStage(sctx, r.ID, storage.StageWarned)
			cancel()
			if err != nil {
				return err
			}
			rep.WarningsSkipped++
			s.log.Info("reminder warning skipped", logx.String("id", r.ID), logx.Duration("late", now.Sub(r.TriggerAt)))
		}
		rep.Replayed++
		s.replay(ctx, inline, registry.Job{Key: ExactKey(r.UserID, r.ID), FireAt: r.TriggerAt})
		return nil

	default: // planReplay
		var jobs []registry.Job
		if s.warningApplies(r) {
			jobs = append(jobs, registry.Job{Key: WarnKey(r.UserID, r.ID), FireAt: r.TriggerAt.Add(-s.cfg.WarnLead)})
		}
		jobs = append(jobs, registry.Job{Key: ExactKey(r.UserID, r.ID), FireAt: r.TriggerAt})
		rep.Replayed++
		s.replay(ctx, inline, jobs...)
		return nil
	}
}

// replay runs stages one after another. Each stage is claimed first so the wake loop and the
// sweep cannot run it concurrently.
func (s *Service) replay(ctx context.Context, inline bool, jobs ...registry.Job) {
	run := func(ctx context.Context) {
		for _, j := range jobs {
			if !s.reg.Claim(j.Key) {
				continue
			}
			s.eng.RunNow(ctx, s.stageTask(j))
		}
	}
	if inline {
		run(ctx)
		return
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		run(ctx)
		return
	}
	sup.Go0("reminder.catchup", run)
}

// Sweep re-dispatches overdue rows that are neither armed nor in flight and re-arms digests that
// fell out of the registry. It is the periodic safety net behind the wake loop.
func (s *Service) Sweep(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	if !s.Ready() {
		return rep, nil
	}
	now := s.now()

	sctx, cancel := s.storeCtx(ctx)
	due, err := s.store.DueBefore(sctx, now)
	cancel()
	if err != nil {
		return rep, err
	}
	for _, r := range due {
		if r.Kind != storage.KindOneOff {
			continue
		}
		if s.reg.Busy(WarnKey(r.UserID, r.ID)) || s.reg.Busy(ExactKey(r.UserID, r.ID)) {
			continue
		}
		if err := s.settle(ctx, r, now, false, &rep); err != nil {
			rep.Failed++
		}
	}

	sctx, cancel = s.storeCtx(ctx)
	users, err := s.store.DailyDigestUsers(sctx)
	cancel()
	if err != nil {
		return rep, err
	}
	for _, u := range users {
		key := DigestKey(u.UserID)
		if s.reg.Busy(key) {
			continue
		}
		if err := s.sweepDigest(ctx, key, now); err != nil {
			rep.Failed++
			continue
		}
		rep.Digests++
	}

	if rep != (RecoveryReport{}) {
		s.log.Info("sweep settled rows",
			logx.Int("replayed", rep.Replayed),
			logx.Int("dropped", rep.Dropped),
			logx.Int("discarded", rep.Discarded),
			logx.Int("digests", rep.Digests),
			logx.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}

func (s *Service) sweepDigest(ctx context.Context, key registry.Key, now time.Time) error {
	unlock := s.reg.Lock(key)
	defer unlock()
	if s.reg.Busy(key) {
		return nil
	}
	row, err := s.digestRow(ctx, key.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !s.active(key.UserID) {
		if err := s.delete(ctx, row.ID); err != nil {
			return err
		}
		s.publish(eventbus.DigestCancelled, row, storage.StageFired, "user inactive")
		return nil
	}
	_, err = s.reconcileDigest(ctx, row, now)
	return err
}
