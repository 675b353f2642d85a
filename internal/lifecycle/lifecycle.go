// Package lifecycle reacts to account deletion and timezone changes by cancelling or
// recomputing jobs through the registry and the record store.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/localtime"
	"remindbot/internal/storage"
	"remindbot/internal/task/registry"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

// Digests is the part of the scheduler the coordinator needs.
type Digests interface {
	Config() scheduler.Config
	Registry() *registry.Registry
	DigestRow(ctx context.Context, userID int64) (storage.Reminder, error)
}

type Coordinator struct {
	store   storage.Store
	digests Digests
	reg     *registry.Registry
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	timeout time.Duration
}

func New(store storage.Store, digests Digests, bus eventbus.Bus, log logx.Logger, now func() time.Time) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:   store,
		digests: digests,
		reg:     digests.Registry(),
		bus:     bus,
		log:     log.With(logx.String("comp", "lifecycle")),
		now:     now,
		timeout: digests.Config().StoreTimeout,
	}
}

// OnAccountDeleted cancels every armed job of the user before deleting the rows, so no timer
// can fire into a half-deleted account. Fires already in flight re-read the store and find
// nothing.
func (c *Coordinator) OnAccountDeleted(ctx context.Context, userID int64) error {
	jobs := c.reg.CancelAll(userID)

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	rows, err := c.store.DeleteAllForUser(sctx, userID)
	if err != nil {
		c.log.Error("account purge failed", logx.Int64("user", userID), logx.Err(err))
		return err
	}
	c.log.Info("account purged", logx.Int64("user", userID), logx.Int("jobs", jobs), logx.Int("rows", rows))
	c.publish(eventbus.AccountPurged, storage.Reminder{UserID: userID}, "")
	return nil
}

// OnTimezoneChanged moves the user's daily digest to the next DigestAt in zone. One-off
// reminders keep their absolute instants. An unknown zone falls back to UTC.
func (c *Coordinator) OnTimezoneChanged(ctx context.Context, userID int64, zone string) error {
	loc, err := localtime.ZoneOrUTC(zone)
	if err != nil {
		c.log.Warn("timezone fallback to UTC", logx.Int64("user", userID), logx.String("zone", zone), logx.Err(err))
	}
	zone = loc.String()

	key := scheduler.DigestKey(userID)
	unlock := c.reg.Lock(key)
	defer unlock()

	row, err := c.digests.DigestRow(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	next := localtime.NextLocalOccurrence(c.digests.Config().DigestClock(), loc, c.now()).UTC().Truncate(time.Millisecond)
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.UpdateTrigger(sctx, row.ID, next, zone, row.LastFiredDate); err != nil {
		return err
	}
	if !c.reg.Rekey(key, next) {
		c.reg.Arm(key, next)
	}
	c.log.Info("digest rekeyed", logx.Int64("user", userID), logx.String("zone", zone), logx.Time("from", row.TriggerAt), logx.Time("to", next))
	row.TriggerAt = next
	c.publish(eventbus.DigestRekeyed, row, zone)
	return nil
}

func (c *Coordinator) publish(typ string, r storage.Reminder, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: eventbus.ReminderData{
		ReminderID: r.ID,
		UserID:     r.UserID,
		Kind:       string(r.Kind),
		FireAt:     r.TriggerAt,
		Reason:     reason,
	}})
}
