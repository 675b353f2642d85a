package notifier

import "time"

// Config controls delivery rate and alert dedup.
type Config struct {
	RatePerSec      float64
	Burst           int
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	HistorySize     int
}

type HistoryItem struct {
	At     time.Time
	UserID int64
	Len    int
	Error  string
}

// NotificationEvent is emitted on the event bus after each delivery attempt.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
