package scheduler

import (
	"context"
	"time"

	"remindbot/internal/localtime"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

const millisecond = time.Millisecond

func (s *Service) get(ctx context.Context, id string) (storage.Reminder, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.Get(sctx, id)
}

func (s *Service) delete(ctx context.Context, id string) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.Delete(sctx, id)
}

func (s *Service) updateTrigger(ctx context.Context, id string, at time.Time, zone, lastFired string) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.UpdateTrigger(sctx, id, at, zone, lastFired)
}

// DigestRow returns the user's daily digest row or storage.ErrNotFound.
func (s *Service) DigestRow(ctx context.Context, userID int64) (storage.Reminder, error) {
	return s.digestRow(ctx, userID)
}

func (s *Service) digestRow(ctx context.Context, userID int64) (storage.Reminder, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rows, err := s.store.ByUser(sctx, userID)
	if err != nil {
		return storage.Reminder{}, err
	}
	for _, r := range rows {
		if r.Kind == storage.KindDailyDigest {
			return r, nil
		}
	}
	return storage.Reminder{}, storage.ErrNotFound
}

// zoneFor resolves the zone a user's digest runs in. The directory wins over the zone stored
// on the row; anything unresolvable becomes UTC.
func (s *Service) zoneFor(userID int64, stored string) (string, *time.Location) {
	name := stored
	if s.dir != nil {
		if z := s.dir.Timezone(userID); z != "" {
			name = z
		}
	}
	loc, err := localtime.ZoneOrUTC(name)
	if err != nil {
		s.log.Warn("timezone fallback to UTC", logx.Int64("user", userID), logx.String("zone", name), logx.Err(err))
		return "UTC", loc
	}
	return loc.String(), loc
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
