package config

import (
	"errors"
	"fmt"
	"strings"

	"remindbot/internal/localtime"
)

// Validate checks values that would otherwise fail later at wiring time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", cfg.Storage.Driver))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}

	if s := strings.TrimSpace(cfg.Scheduler.DigestAt); s != "" {
		if _, err := localtime.ParseClock(s); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.digest_at: %w", err))
		}
	}

	if err := ParseDurations(durationFields(cfg)...); err != nil {
		errs = append(errs, err)
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token is required when telegram.enabled (or set %s)", EnvTelegramToken))
	}
	if cfg.API.Enabled && strings.TrimSpace(cfg.API.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("api.jwt_secret is required when api.enabled (or set %s)", EnvJWTSecret))
	}
	if cfg.Pprof.BlockProfileRate < 0 || cfg.Pprof.MutexProfileFraction < 0 {
		errs = append(errs, errors.New("pprof profile rates must be >= 0"))
	}
	return errors.Join(errs...)
}
