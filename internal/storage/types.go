package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("storage: reminder not found")
	ErrDuplicateDigest  = errors.New("storage: daily digest already exists for user")
	ErrStoreUnavailable = errors.New("storage: unavailable")
	ErrClosed           = errors.New("storage: closed")
)

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Kind string

const (
	KindOneOff      Kind = "one_off"
	KindDailyDigest Kind = "daily_digest"
)

// Stage tracks delivery progress of a one-off reminder. It only moves forward.
type Stage string

const (
	StageNone   Stage = "none"
	StageWarned Stage = "warned"
	StageFired  Stage = "fired"
)

func (s Stage) rank() int {
	switch s {
	case StageWarned:
		return 1
	case StageFired:
		return 2
	default:
		return 0
	}
}

// Advance returns the later of s and next.
func (s Stage) Advance(next Stage) Stage {
	if next.rank() > s.rank() {
		return next
	}
	if s == "" {
		return StageNone
	}
	return s
}

// Reminder is one durable row.
//
// TriggerAt of a one-off is fixed at creation. A daily digest is a singleton per user whose
// TriggerAt rolls forward after each fire and after timezone changes; LastFiredDate is the
// local date (YYYY-MM-DD in Zone) of its last fire.
type Reminder struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"user_id"`
	Kind          Kind      `json:"kind"`
	Message       string    `json:"message"`
	TriggerAt     time.Time `json:"trigger_at"`
	CreatedAt     time.Time `json:"created_at"`
	Stage         Stage     `json:"stage"`
	LastFiredDate string    `json:"last_fired_date,omitempty"`
	Zone          string    `json:"zone,omitempty"`
}

// DigestUser is a row of DailyDigestUsers.
type DigestUser struct {
	UserID int64
	Zone   string
}

// NewID returns a time-ordered identifier, so ID ties follow creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func normalize(r *Reminder) error {
	if r.UserID == 0 {
		return errors.New("storage: reminder user_id is required")
	}
	switch r.Kind {
	case KindOneOff, KindDailyDigest:
	default:
		return fmt.Errorf("storage: unknown reminder kind %q", r.Kind)
	}
	if r.TriggerAt.IsZero() {
		return errors.New("storage: reminder trigger_at is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Stage == "" {
		r.Stage = StageNone
	}
	// Millisecond precision matches what every driver round-trips.
	r.TriggerAt = r.TriggerAt.UTC().Truncate(time.Millisecond)
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Millisecond)
	return nil
}

// sortByTrigger orders ascending by TriggerAt, ties by ID.
func sortByTrigger(rs []Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].TriggerAt.Equal(rs[j].TriggerAt) {
			return rs[i].TriggerAt.Before(rs[j].TriggerAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// unavailable wraps a driver error so callers can test errors.Is(err, ErrStoreUnavailable).
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateDigest) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
