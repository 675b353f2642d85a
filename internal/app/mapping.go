package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/api"
	"remindbot/internal/config"
	"remindbot/internal/debug/pprof"
	"remindbot/internal/localtime"
	"remindbot/internal/notifier"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/transport/telegram/adapter"
	logx "remindbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled && cfg.Telegram.Enabled,
			ChatID:     cfg.Telegram.AlertChatID,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("task_engine.retry_base", te.RetryBase, 500*time.Millisecond)
	if err != nil {
		return engine.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("task_engine.retry_max_delay", te.RetryMaxDelay, 15*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax := te.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	jitter := te.RetryJitter
	if jitter <= 0 {
		jitter = 0.2
	}
	return engine.Config{
		Enabled:        true,
		Workers:        max(te.Workers, 2),
		QueueSize:      te.QueueSize,
		DefaultTimeout: 30 * time.Second,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       retryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMaxDelay,
		RetryJitter:    jitter,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config, eng engine.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.DefaultConfig()
	err := config.ParseDurations(
		config.DurationField{Path: "scheduler.warn_lead", Raw: sc.WarnLead, Dst: &out.WarnLead},
		config.DurationField{Path: "scheduler.grace_window", Raw: sc.GraceWindow, Dst: &out.GraceWindow},
		config.DurationField{Path: "scheduler.drop_after", Raw: sc.DropAfter, Dst: &out.DropAfter},
		config.DurationField{Path: "scheduler.store_timeout", Raw: sc.StoreTimeout, Dst: &out.StoreTimeout},
		config.DurationField{Path: "scheduler.delivery_timeout", Raw: sc.DeliveryTimeout, Dst: &out.DeliveryTimeout},
	)
	if err != nil {
		return scheduler.Config{}, err
	}
	if s := strings.TrimSpace(sc.DigestAt); s != "" {
		at, err := localtime.ParseClock(s)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.digest_at: %w", err)
		}
		out.DigestAt = &at
	}
	if s := strings.TrimSpace(sc.SweepSpec); s != "" {
		out.SweepSpec = s
	}
	if sc.Templates.Warning != "" {
		out.Templates.Warning = sc.Templates.Warning
	}
	if sc.Templates.Exact != "" {
		out.Templates.Exact = sc.Templates.Exact
	}
	if sc.Templates.Digest != "" {
		out.Templates.Digest = sc.Templates.Digest
	}
	out.Retry = engine.TaskOptions{
		RetryMax:      eng.RetryMax,
		RetryBase:     eng.RetryBase,
		RetryMaxDelay: eng.RetryMaxDelay,
		RetryJitter:   eng.RetryJitter,
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", nc.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.alert_dedup_window", nc.AlertDedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:  nc.RatePerSec,
		Burst:       nc.Burst,
		SendTimeout: sendTimeout,
		DedupWindow: dedup,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (adapter.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return adapter.Config{}, err
	}
	return adapter.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapAPIConfig(cfg *config.Config) api.Config {
	return api.Config{Addr: cfg.API.Addr, JWTSecret: cfg.API.JWTSecret, Issuer: cfg.API.Issuer}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	p := cfg.Pprof
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		BlockProfileRate:     p.BlockProfileRate,
		MutexProfileFraction: p.MutexProfileFraction,
	}
}
