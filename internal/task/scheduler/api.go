package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/localtime"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// ScheduleOneOff persists a one-off reminder for instant and arms its stages. The warning is
// armed only when the reminder is created at least WarnLead before instant. A store failure is
// returned and leaves the registry untouched.
func (s *Service) ScheduleOneOff(ctx context.Context, userID int64, message string, instant time.Time) (string, error) {
	if err := s.waitReady(ctx); err != nil {
		return "", err
	}
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}
	if !s.active(userID) {
		return "", ErrUserInactive
	}
	now := s.now()
	if !instant.After(now) {
		return "", ErrInstantInPast
	}

	zone := ""
	if s.dir != nil {
		zone = s.dir.Timezone(userID)
	}
	row := storage.Reminder{
		UserID:    userID,
		Kind:      storage.KindOneOff,
		Message:   message,
		TriggerAt: instant,
		CreatedAt: now,
		Stage:     storage.StageNone,
		Zone:      zone,
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.Create(sctx, &row); err != nil {
		return "", err
	}

	s.armOneOff(row)
	s.log.Info("reminder scheduled", logx.String("id", row.ID), logx.Int64("user", userID), logx.Time("trigger_at", row.TriggerAt))
	s.publish(eventbus.ReminderScheduled, row, storage.StageNone, "")
	return row.ID, nil
}

func (s *Service) warningApplies(r storage.Reminder) bool {
	return r.Stage == storage.StageNone && r.TriggerAt.Sub(r.CreatedAt) >= s.cfg.WarnLead
}

func (s *Service) armOneOff(r storage.Reminder) {
	if s.warningApplies(r) {
		s.reg.Arm(WarnKey(r.UserID, r.ID), r.TriggerAt.Add(-s.cfg.WarnLead))
	}
	s.reg.Arm(ExactKey(r.UserID, r.ID), r.TriggerAt)
}

// EnsureDailyDigest creates the user's digest row at the next local DigestAt when missing and
// makes sure it is armed.
func (s *Service) EnsureDailyDigest(ctx context.Context, userID int64) error {
	if err := s.waitReady(ctx); err != nil {
		return err
	}
	if !s.active(userID) {
		return ErrUserInactive
	}
	key := DigestKey(userID)
	unlock := s.reg.Lock(key)
	defer unlock()

	row, err := s.digestRow(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		zone, loc := s.zoneFor(userID, "")
		now := s.now()
		row = storage.Reminder{
			UserID:    userID,
			Kind:      storage.KindDailyDigest,
			Message:   s.cfg.Templates.Digest,
			TriggerAt: localtime.NextLocalOccurrence(s.cfg.DigestClock(), loc, now),
			CreatedAt: now,
			Zone:      zone,
		}
		sctx, cancel := s.storeCtx(ctx)
		err = s.store.Create(sctx, &row)
		cancel()
		if errors.Is(err, storage.ErrDuplicateDigest) {
			row, err = s.digestRow(ctx, userID)
		}
		if err != nil {
			return err
		}
		s.log.Info("digest created", logx.Int64("user", userID), logx.String("zone", zone), logx.Time("trigger_at", row.TriggerAt))
		s.publish(eventbus.ReminderScheduled, row, storage.StageNone, "")
	case err != nil:
		return err
	}
	if s.reg.Busy(key) {
		return nil
	}
	_, err = s.reconcileDigest(ctx, row, s.now())
	return err
}

// reconcileDigest arms the digest row, first moving a past or mis-zoned trigger to the next
// occurrence from now. Missed days are never replayed.
func (s *Service) reconcileDigest(ctx context.Context, row storage.Reminder, now time.Time) (time.Time, error) {
	zone, loc := s.zoneFor(row.UserID, row.Zone)
	at := row.TriggerAt
	if !at.After(now) || zone != row.Zone {
		at = localtime.NextLocalOccurrence(s.cfg.DigestClock(), loc, now).UTC().Truncate(millisecond)
		if !at.Equal(row.TriggerAt) || zone != row.Zone {
			if err := s.updateTrigger(ctx, row.ID, at, zone, row.LastFiredDate); err != nil {
				return time.Time{}, err
			}
		}
	}
	s.reg.Arm(DigestKey(row.UserID), at)
	return at, nil
}

// CancelReminder deletes a one-off reminder owned by userID and cancels its stages.
func (s *Service) CancelReminder(ctx context.Context, userID int64, id string) error {
	row, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if row.UserID != userID || row.Kind != storage.KindOneOff {
		return storage.ErrNotFound
	}
	unlock := s.reg.Lock(ExactKey(userID, id))
	defer unlock()
	if err := s.delete(ctx, id); err != nil {
		return err
	}
	n := s.reg.CancelRef(userID, storage.KindOneOff, id)
	s.log.Info("reminder cancelled", logx.String("id", id), logx.Int64("user", userID), logx.Int("jobs", n))
	s.publish(eventbus.ReminderDiscarded, row, row.Stage, "cancelled")
	return nil
}

// Pending lists the user's rows, earliest trigger first.
func (s *Service) Pending(ctx context.Context, userID int64) ([]storage.Reminder, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.ByUser(sctx, userID)
}
