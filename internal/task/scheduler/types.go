package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	"remindbot/internal/localtime"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/registry"
	logx "remindbot/pkg/logx"
)

// Channel delivers text to a user. Any error is treated as retryable.
type Channel interface {
	Deliver(ctx context.Context, userID int64, text string) error
}

// Directory is read access to user profiles.
type Directory interface {
	Timezone(userID int64) string
	IsActive(userID int64) bool
}

type Templates struct {
	Warning string // %s is the reminder message
	Exact   string
	Digest  string
}

func (t Templates) render(tpl, msg string) string {
	if strings.Contains(tpl, "%s") {
		return fmt.Sprintf(tpl, msg)
	}
	if msg == "" {
		return tpl
	}
	return tpl + "\n" + msg
}

type Config struct {
	WarnLead time.Duration
	// DigestAt is the local time of the daily digest; nil means 20:00. Midnight is a valid setting.
	DigestAt *localtime.Clock

	// Overdue one-offs within GraceWindow replay every missed stage; up to DropAfter only the
	// exact stage fires; older ones are dropped.
	GraceWindow time.Duration
	DropAfter   time.Duration
	// Horizon only affects the recovery log line counting far-future rows.
	Horizon time.Duration

	SweepSpec string

	StoreTimeout    time.Duration
	DeliveryTimeout time.Duration

	Templates Templates
	Retry     engine.TaskOptions
}

var defaultDigestAt = localtime.Clock{Hour: 20}

func DefaultConfig() Config {
	digestAt := defaultDigestAt
	return Config{
		WarnLead:        10 * time.Minute,
		DigestAt:        &digestAt,
		GraceWindow:     3 * time.Hour,
		DropAfter:       24 * time.Hour,
		Horizon:         30 * 24 * time.Hour,
		SweepSpec:       "@every 1m",
		StoreTimeout:    5 * time.Second,
		DeliveryTimeout: 10 * time.Second,
		Templates: Templates{
			Warning: "⏰ Reminder (10 minutes left):\n%s",
			Exact:   "🔔 Reminder:\n%s",
			Digest:  "📝 Don't forget to record today's expenses!",
		},
		Retry: engine.TaskOptions{RetryMax: 3, RetryBase: 500 * time.Millisecond, RetryMaxDelay: 15 * time.Second, RetryJitter: 0.2},
	}
}

// DigestClock returns DigestAt, or the default when it is unset.
func (c Config) DigestClock() localtime.Clock {
	if c.DigestAt == nil {
		return defaultDigestAt
	}
	return *c.DigestAt
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WarnLead <= 0 {
		c.WarnLead = d.WarnLead
	}
	if c.DigestAt == nil || !c.DigestAt.Valid() {
		c.DigestAt = d.DigestAt
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = d.GraceWindow
	}
	if c.DropAfter < c.GraceWindow {
		c.DropAfter = max(d.DropAfter, c.GraceWindow)
	}
	if c.Horizon <= 0 {
		c.Horizon = d.Horizon
	}
	if strings.TrimSpace(c.SweepSpec) == "" {
		c.SweepSpec = d.SweepSpec
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.Templates.Warning == "" {
		c.Templates.Warning = d.Templates.Warning
	}
	if c.Templates.Exact == "" {
		c.Templates.Exact = d.Templates.Exact
	}
	if c.Templates.Digest == "" {
		c.Templates.Digest = d.Templates.Digest
	}
	return c
}

// RecoveryReport summarizes one Recover pass.
type RecoveryReport struct {
	Rearmed         int `json:"rearmed"`
	Replayed        int `json:"replayed"`
	WarningsSkipped int `json:"warnings_skipped"`
	Dropped         int `json:"dropped"`
	Discarded       int `json:"discarded"`
	Digests         int `json:"digests"`
	Failed          int `json:"failed"`
	BeyondHorizon   int `json:"beyond_horizon"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Ready    bool            `json:"ready"`
	Armed    int             `json:"armed"`
	NextWake time.Time       `json:"next_wake,omitzero"`
	Engine   engine.Snapshot `json:"-"`
}

type Service struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	reg   *registry.Registry
	eng   *engine.Service
	ch    Channel
	dir   Directory
	now   func() time.Time

	parser cron.Parser

	readyOnce sync.Once
	ready     chan struct{}

	mu  sync.Mutex
	c   *cron.Cron
	sup *rtsup.Supervisor

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}
