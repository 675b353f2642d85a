package scheduler

import (
	"context"
	"errors"
	"fmt"

	"remindbot/internal/eventbus"
	"remindbot/internal/localtime"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/registry"
	logx "remindbot/pkg/logx"
)

// attempt is shared by every retry of one stage so a delivered message is never sent twice
// when only the store write after it failed.
type attempt struct {
	delivered bool
}

// dispatch is the wake loop callback. It must not block.
func (s *Service) dispatch(job registry.Job) {
	task := s.stageTask(job)
	err := s.eng.Enqueue(task)
	if err == nil {
		return
	}
	s.reportEnqueueError(task.Name, err)
	if !s.runDetached(task) {
		s.reg.Done(job.Key)
	}
}

// runDetached runs task on its own goroutine when the pool cannot take it.
func (s *Service) runDetached(task engine.Task) bool {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return false
	}
	sup.Go0(task.Name, func(ctx context.Context) { s.eng.RunNow(ctx, task) })
	return true
}

// Tick claims every due job and runs it on the calling goroutine, earliest first.
func (s *Service) Tick(ctx context.Context) int {
	jobs := s.reg.PopDue(s.now())
	for _, j := range jobs {
		s.eng.RunNow(ctx, s.stageTask(j))
	}
	return len(jobs)
}

func (s *Service) stageTask(job registry.Job) engine.Task {
	st := &attempt{}
	name := "reminder.warn"
	switch {
	case job.Key.Kind == storage.KindDailyDigest:
		name = "digest.fire"
	case job.Key.Stage == storage.StageFired:
		name = "reminder.fire"
	}
	return engine.Task{
		Name:    name,
		Timeout: s.cfg.DeliveryTimeout + 3*s.cfg.StoreTimeout,
		Opt:     s.cfg.Retry,
		Run: func(ctx context.Context) error {
			if job.Key.Kind == storage.KindDailyDigest {
				return s.fireDigest(ctx, job, st)
			}
			return s.fireStage(ctx, job, st)
		},
		Done: func(res engine.Result) {
			s.reg.Done(job.Key)
			switch {
			case res.Err == nil:
			case engine.IsAbandoned(res.Err):
				s.rearm(job, res.Err)
			default:
				s.giveUp(job, res)
			}
		},
	}
}

// rearm puts a fire the engine abandoned (pool restart, shutdown, stale queue) back on the
// registry. The row is untouched, so while the scheduler is stopped it waits for Recover.
func (s *Service) rearm(job registry.Job, cause error) {
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()
	if !running {
		s.log.Debug("abandoned fire left for recovery", logx.String("key", job.Key.String()), logx.Err(cause))
		return
	}

	unlock := s.reg.Lock(job.Key)
	defer unlock()
	if s.reg.Busy(job.Key) {
		return
	}
	s.reg.Arm(job.Key, job.FireAt)
	s.log.Info("abandoned fire re-armed", logx.String("key", job.Key.String()), logx.Time("fire_at", job.FireAt), logx.Err(cause))
}

// fireStage runs one stage of a one-off reminder.
func (s *Service) fireStage(ctx context.Context, job registry.Job, st *attempt) error {
	unlock := s.reg.Lock(job.Key)
	defer unlock()

	id, stage := job.Key.Ref, job.Key.Stage
	row, err := s.get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.discard(storage.Reminder{ID: id, UserID: job.Key.UserID, Kind: job.Key.Kind, TriggerAt: job.FireAt}, stage, "row gone", st)
		return nil
	}
	if err != nil {
		return err
	}

	switch stage {
	case storage.StageWarned:
		if row.Stage != storage.StageNone {
			s.discard(row, stage, "stage already "+string(row.Stage), st)
			return nil
		}
	case storage.StageFired:
		if row.Stage == storage.StageFired {
			if err := s.delete(ctx, row.ID); err != nil {
				return err
			}
			if st.delivered {
				// Persisted on an earlier attempt whose delete failed.
				s.reg.CancelRef(row.UserID, row.Kind, row.ID)
				s.publish(eventbus.ReminderFired, row, stage, "")
				return nil
			}
			s.discard(row, stage, "already fired", st)
			return nil
		}
	}

	if !s.active(row.UserID) {
		if err := s.delete(ctx, row.ID); err != nil {
			return err
		}
		s.reg.CancelRef(row.UserID, row.Kind, row.ID)
		s.discard(row, stage, "user inactive", st)
		return nil
	}

	if !st.delivered {
		tpl := s.cfg.Templates.Exact
		if stage == storage.StageWarned {
			tpl = s.cfg.Templates.Warning
		}
		if err := s.deliver(ctx, row.UserID, s.cfg.Templates.render(tpl, row.Message)); err != nil {
			return err
		}
		st.delivered = true
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.UpdateStage(sctx, row.ID, stage); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted while delivering: the late delivery stands but the row stays gone.
			s.discard(row, stage, "deleted during delivery", st)
			return nil
		}
		return err
	}

	if stage == storage.StageWarned {
		s.log.Info("reminder warned", logx.String("id", row.ID), logx.Int64("user", row.UserID))
		s.publish(eventbus.ReminderWarned, row, stage, "")
		return nil
	}
	if err := s.store.Delete(sctx, row.ID); err != nil {
		return err
	}
	s.reg.CancelRef(row.UserID, row.Kind, row.ID)
	s.log.Info("reminder fired", logx.String("id", row.ID), logx.Int64("user", row.UserID))
	s.publish(eventbus.ReminderFired, row, stage, "")
	return nil
}

// fireDigest delivers one daily digest occurrence and rolls the row to the next local DigestAt.
func (s *Service) fireDigest(ctx context.Context, job registry.Job, st *attempt) error {
	unlock := s.reg.Lock(job.Key)
	defer unlock()

	row, err := s.digestRow(ctx, job.Key.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		s.discard(storage.Reminder{UserID: job.Key.UserID, Kind: storage.KindDailyDigest, TriggerAt: job.FireAt}, storage.StageFired, "row gone", st)
		return nil
	}
	if err != nil {
		return err
	}
	if !row.TriggerAt.Equal(job.FireAt) {
		s.log.Debug("digest fire superseded", logx.Int64("user", row.UserID), logx.Time("fire_at", job.FireAt), logx.Time("trigger_at", row.TriggerAt), logx.Err(ErrStaleRekey))
		return nil
	}
	if !s.active(row.UserID) {
		if err := s.delete(ctx, row.ID); err != nil {
			return err
		}
		s.log.Info("digest cycle cancelled", logx.Int64("user", row.UserID))
		s.publish(eventbus.DigestCancelled, row, storage.StageFired, "user inactive")
		return nil
	}

	zone, loc := s.zoneFor(row.UserID, row.Zone)
	if row.Zone != "" && zone != row.Zone && !st.delivered {
		// The zone changed but the rekey never landed. Fire only if the instant is also DigestAt
		// in the new zone; otherwise move to the new zone's next occurrence without delivering.
		due := localtime.NextLocalOccurrence(s.cfg.DigestClock(), loc, job.FireAt.Add(-millisecond))
		if !due.Equal(job.FireAt) {
			next := localtime.NextLocalOccurrence(s.cfg.DigestClock(), loc, s.now()).UTC().Truncate(millisecond)
			if err := s.updateTrigger(ctx, row.ID, next, zone, row.LastFiredDate); err != nil {
				return err
			}
			s.reg.Arm(job.Key, next)
			s.log.Info("digest moved to current zone", logx.Int64("user", row.UserID), logx.String("from", row.Zone), logx.String("to", zone), logx.Time("next", next))
			row.TriggerAt = next
			s.publish(eventbus.DigestRekeyed, row, storage.StageFired, zone)
			return nil
		}
	}
	day, _ := localtime.InstantToLocal(job.FireAt, loc)
	if row.LastFiredDate != day.String() && !st.delivered {
		if err := s.deliver(ctx, row.UserID, row.Message); err != nil {
			return err
		}
		st.delivered = true
	}

	next := localtime.NextLocalOccurrence(s.cfg.DigestClock(), loc, maxTime(s.now(), job.FireAt))
	if err := s.updateTrigger(ctx, row.ID, next, zone, day.String()); err != nil {
		return err
	}
	s.reg.Arm(job.Key, next.UTC().Truncate(millisecond))
	if st.delivered {
		s.log.Info("digest fired", logx.Int64("user", row.UserID), logx.String("date", day.String()), logx.Time("next", next))
		s.publish(eventbus.DigestFired, row, storage.StageFired, "")
	}
	return nil
}

// giveUp records a permanently failed stage as attempted so it is not retried forever.
func (s *Service) giveUp(job registry.Job, res engine.Result) {
	log := s.log.With(logx.String("key", job.Key.String()), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
	log.Error("reminder delivery failed permanently")
	s.publishFailure(job, res.Err)

	ctx, cancel := s.storeCtx(context.Background())
	defer cancel()
	unlock := s.reg.Lock(job.Key)
	defer unlock()

	if job.Key.Kind == storage.KindDailyDigest {
		row, err := s.digestRow(ctx, job.Key.UserID)
		if err != nil || !row.TriggerAt.Equal(job.FireAt) {
			return
		}
		zone, loc := s.zoneFor(row.UserID, row.Zone)
		day, _ := localtime.InstantToLocal(job.FireAt, loc)
		next := localtime.NextLocalOccurrence(s.cfg.DigestClock(), loc, maxTime(s.now(), job.FireAt))
		if err := s.store.UpdateTrigger(ctx, row.ID, next, zone, day.String()); err != nil {
			log.Warn("digest advance after failure failed", logx.Err(err))
			return
		}
		s.reg.Arm(job.Key, next.UTC().Truncate(millisecond))
		return
	}

	if err := s.store.UpdateStage(ctx, job.Key.Ref, job.Key.Stage); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("mark stage attempted failed", logx.Err(err))
		}
		return
	}
	if job.Key.Stage == storage.StageFired {
		if err := s.store.Delete(ctx, job.Key.Ref); err != nil {
			log.Warn("delete after failure failed", logx.Err(err))
			return
		}
		s.reg.CancelRef(job.Key.UserID, job.Key.Kind, job.Key.Ref)
	}
}

func (s *Service) publishFailure(job registry.Job, err error) {
	r := storage.Reminder{ID: job.Key.Ref, UserID: job.Key.UserID, Kind: job.Key.Kind, TriggerAt: job.FireAt}
	s.publish(eventbus.DeliveryFailed, r, job.Key.Stage, err.Error())
}

func (s *Service) discard(r storage.Reminder, stage storage.Stage, reason string, st *attempt) {
	if st.delivered {
		s.log.Warn("late delivery discarded", logx.String("id", r.ID), logx.Int64("user", r.UserID), logx.String("stage", string(stage)), logx.String("reason", reason))
	} else {
		s.log.Debug("fire discarded", logx.String("id", r.ID), logx.Int64("user", r.UserID), logx.String("stage", string(stage)), logx.String("reason", reason))
	}
	s.publish(eventbus.ReminderDiscarded, r, stage, reason)
}

func (s *Service) deliver(ctx context.Context, userID int64, text string) error {
	if s.ch == nil {
		return engine.NoRetry(fmt.Errorf("%w: no channel configured", ErrDeliveryFailure))
	}
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()
	// Wrapping keeps engine.NoRetry and engine.RetryAfter hints from the channel visible.
	if err := s.ch.Deliver(dctx, userID, text); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
	return nil
}
