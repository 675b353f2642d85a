// Package app wires the reminder engine, its transports and the ambient services together.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/api"
	"remindbot/internal/botcmd"
	"remindbot/internal/config"
	"remindbot/internal/debug/pprof"
	"remindbot/internal/directory"
	"remindbot/internal/eventbus"
	"remindbot/internal/lifecycle"
	"remindbot/internal/notifier"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	"remindbot/internal/transport/telegram/adapter"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	dir   *directory.Directory

	adapter kit.Adapter // nil when telegram is disabled
	cmds    *router.Router
	bot     *botcmd.Handlers

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	life   *lifecycle.Coordinator
	api    *api.Server
	pprof  *pprof.Server

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// The alert sender (notifier) does not exist yet; it is attached below.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	dir, err := directory.Open(cfg.Directory.Path, log, directory.WithDefaultLanguage(cfg.Telegram.DefaultLanguage))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var ad kit.Adapter
	if cfg.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		tg, err := adapter.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		ad = tg
	} else {
		log.Warn("telegram disabled; reminders cannot be delivered")
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)
	logSvc.SetSender(notif)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	schedCfg, err := mapSchedulerConfig(cfg, engCfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Store:   store,
		Engine:  engSvc,
		Channel: notif,
		Dir:     dir,
		Bus:     bus,
		Log:     log.With(logx.String("comp", "scheduler")),
	})

	life := lifecycle.New(store, sched, bus, log.With(logx.String("comp", "lifecycle")), nil)
	dir.SetHooks(life)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		dir:     dir,
		adapter: ad,
		engine:  engSvc,
		sched:   sched,
		notif:   notif,
		life:    life,
		pprof:   pprof.New(log),
		updates: make(chan kit.Update, 256),
	}
	if ad != nil {
		a.cmds = router.New(log.With(logx.String("comp", "commands")), ad)
		a.bot = botcmd.New(dir, sched, nil)
	}
	if cfg.API.Enabled {
		a.api = api.New(mapAPIConfig(cfg), sched, dir, log)
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start recovers persisted reminders before anything can schedule new ones, then opens the
// transports.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		_, err := mapNotifierConfig(cfg)
		return err
	})

	a.startEventLog()
	a.engine.Start(runCtx)

	rep, err := a.sched.Recover(runCtx)
	if err != nil {
		return fmt.Errorf("recover reminders: %w", err)
	}
	if rep.Failed > 0 {
		a.log.Warn("some reminders could not be recovered", logx.Int("failed", rep.Failed))
	}
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		a.cmds.SetCommands(runCtx, a.bot.Commands())
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmds.Dispatch(c, a.updates)
		})
	}
	if a.api != nil {
		a.sup.Go("api.serve", a.api.Serve)
	}

	a.pprof.Apply(runCtx, mapPprofConfig(a.cfgm.Get()))

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	sdNotify(a.log, daemon.SdNotifyReady)
	a.startWatchdog()
	a.log.Info("app started")
	return nil
}

// startEventLog mirrors bus events into the log. Failures and drops are warnings.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if d, ok := e.Data.(eventbus.ReminderData); ok {
					fields = append(fields, logx.String("reminder", d.ReminderID), logx.Int64("user", d.UserID), logx.String("stage", d.Stage))
					if d.Reason != "" {
						fields = append(fields, logx.String("reason", d.Reason))
					}
				}
				switch e.Type {
				case eventbus.DeliveryFailed, eventbus.ReminderDropped:
					a.log.Warn("event", fields...)
				default:
					// Keep this debug-level; reminders fire constantly.
					a.log.Debug("event", fields...)
				}
			}
		}
	})
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "scheduler", "directory", "telegram", "api":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if ecfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
	}
	a.pprof.Apply(ctx, mapPprofConfig(next))
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, a.adapter.Stop)
	}
	step("pprof", 2*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 6*time.Second, a.sup.Wait)
	// Storage closes last: in-flight fires persist their stage on the way out.
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
