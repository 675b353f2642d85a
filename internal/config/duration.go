package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Durations are Go duration strings ("90s", "10m", "3h") or whole days ("1d", "30d").
// An empty string means "not set".

// DurationField ties a config path to its raw value. Dst, when set, receives the parsed value;
// an unset or zero value leaves Dst holding its default.
type DurationField struct {
	Path string
	Raw  string
	Dst  *time.Duration
}

func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurations parses every field and reports all failures together.
func ParseDurations(fields ...DurationField) error {
	var errs []error
	for _, f := range fields {
		d, err := ParseDurationField(f.Path, f.Raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if f.Dst != nil && d > 0 {
			*f.Dst = d
		}
	}
	return errors.Join(errs...)
}

// durationFields lists every duration in cfg, in file order.
func durationFields(cfg *Config) []DurationField {
	return []DurationField{
		{Path: "telegram.poll_timeout", Raw: cfg.Telegram.PollTimeout},
		{Path: "storage.busy_timeout", Raw: cfg.Storage.BusyTimeout},
		{Path: "scheduler.warn_lead", Raw: cfg.Scheduler.WarnLead},
		{Path: "scheduler.grace_window", Raw: cfg.Scheduler.GraceWindow},
		{Path: "scheduler.drop_after", Raw: cfg.Scheduler.DropAfter},
		{Path: "scheduler.store_timeout", Raw: cfg.Scheduler.StoreTimeout},
		{Path: "scheduler.delivery_timeout", Raw: cfg.Scheduler.DeliveryTimeout},
		{Path: "task_engine.max_queue_delay", Raw: cfg.TaskEngine.MaxQueueDelay},
		{Path: "task_engine.retry_base", Raw: cfg.TaskEngine.RetryBase},
		{Path: "task_engine.retry_max_delay", Raw: cfg.TaskEngine.RetryMaxDelay},
		{Path: "notifier.send_timeout", Raw: cfg.Notifier.SendTimeout},
		{Path: "notifier.alert_dedup_window", Raw: cfg.Notifier.AlertDedupWindow},
	}
}
