package config

import "strings"

// Environment variables that override secrets from the file.
const (
	EnvTelegramToken = "REMINDBOT_TELEGRAM_TOKEN"
	EnvJWTSecret     = "REMINDBOT_API_JWT_SECRET"
	EnvStorageDSN    = "REMINDBOT_STORAGE_DSN"
)

// ApplyEnv fills secrets from the environment. Non-empty variables win over file values.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvJWTSecret)); v != "" {
		cfg.API.JWTSecret = v
	}
	if v := strings.TrimSpace(getenv(EnvStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
}
