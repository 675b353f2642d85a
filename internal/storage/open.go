package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "remindbot/pkg/logx"
)

// Store is the reminder persistence contract.
type Store interface {
	// Create assigns an ID when empty. A second daily digest for a user fails with ErrDuplicateDigest.
	Create(ctx context.Context, r *Reminder) error
	Get(ctx context.Context, id string) (Reminder, error)
	// UpdateStage advances the stage; it never moves backwards. ErrNotFound when the row is gone.
	UpdateStage(ctx context.Context, id string, stage Stage) error
	// UpdateTrigger moves a daily digest to its next occurrence.
	UpdateTrigger(ctx context.Context, id string, at time.Time, zone, lastFiredDate string) error
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	// DueBefore returns rows with TriggerAt < t, ascending by TriggerAt then ID.
	DueBefore(ctx context.Context, t time.Time) ([]Reminder, error)
	// ListPending returns every row in DueBefore order.
	ListPending(ctx context.Context) ([]Reminder, error)
	ByUser(ctx context.Context, userID int64) ([]Reminder, error)
	DailyDigestUsers(ctx context.Context) ([]DigestUser, error)
	DeleteAllForUser(ctx context.Context, userID int64) (int, error)
	Close() error
}

// Open initializes the configured driver. An empty driver is the in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
