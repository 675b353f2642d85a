package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/registry"
	logx "remindbot/pkg/logx"
)

// Deps are the collaborators of the scheduler. Dir and Bus may be nil.
type Deps struct {
	Store    storage.Store
	Registry *registry.Registry
	Engine   *engine.Service
	Channel  Channel
	Dir      Directory
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

func New(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Registry == nil {
		d.Registry = registry.New(registry.WithClock(d.Now))
	}
	if d.Engine == nil {
		d.Engine = engine.New(engine.Config{}, d.Log, d.Bus)
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   d.Log,
		bus:   d.Bus,
		store: d.Store,
		reg:   d.Registry,
		eng:   d.Engine,
		ch:    d.Channel,
		dir:   d.Dir,
		now:   d.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) sweep specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ready:       make(chan struct{}),
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) Registry() *registry.Registry { return s.reg }

// Start launches the wake loop and the sweep. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	sched, err := s.parser.Parse(s.cfg.SweepSpec)
	if err != nil {
		return err
	}

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	sup := s.sup
	sup.GoRestart("registry.wake", func(c context.Context) error {
		return s.reg.Run(c, s.dispatch)
	}, rtsup.WithPublishFirstError(true))

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.Sweep(sup.Context()); err != nil {
			s.log.Warn("sweep failed", logx.Err(err))
		}
	}))
	s.c.Start()

	s.log.Info("scheduler started", logx.String("sweep", s.cfg.SweepSpec), logx.Int("armed", s.reg.Len()))
	return nil
}

// Stop halts the sweep and the wake loop, waits for detached fires up to ctx and tears the
// registry down. Rows stay in the store for the next Recover.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			s.log.Warn("scheduler stop incomplete", logx.Err(err))
		}
	}
	s.reg.Reset()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Ready reports whether Recover has completed.
func (s *Service) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *Service) markReady() { s.readyOnce.Do(func() { close(s.ready) }) }

func (s *Service) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{Ready: s.Ready(), Armed: s.reg.Len(), Engine: s.eng.Snapshot()}
	if next, ok := s.reg.NextWake(); ok {
		snap.NextWake = next
	}
	return snap
}

func WarnKey(userID int64, id string) registry.Key {
	return registry.Key{UserID: userID, Kind: storage.KindOneOff, Ref: id, Stage: storage.StageWarned}
}

func ExactKey(userID int64, id string) registry.Key {
	return registry.Key{UserID: userID, Kind: storage.KindOneOff, Ref: id, Stage: storage.StageFired}
}

// DigestKey is the singleton key of a user's daily digest.
func DigestKey(userID int64) registry.Key {
	return registry.Key{UserID: userID, Kind: storage.KindDailyDigest, Stage: storage.StageFired}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) active(userID int64) bool {
	return s.dir == nil || s.dir.IsActive(userID)
}

func (s *Service) publish(typ string, r storage.Reminder, stage storage.Stage, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: eventbus.ReminderData{
		ReminderID: r.ID,
		UserID:     r.UserID,
		Kind:       string(r.Kind),
		Stage:      string(stage),
		FireAt:     r.TriggerAt,
		Reason:     reason,
	}})
}
