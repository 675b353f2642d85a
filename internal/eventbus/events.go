package eventbus

import "time"

// Reminder lifecycle event types.
const (
	ReminderScheduled = "reminder.scheduled"
	ReminderWarned    = "reminder.warned"
	ReminderFired     = "reminder.fired"
	ReminderDropped   = "reminder.dropped"
	ReminderDiscarded = "reminder.discarded"
	DigestFired       = "digest.fired"
	DigestCancelled   = "digest.cancelled"
	DeliveryFailed    = "delivery.failed"
	AccountPurged     = "account.purged"
	DigestRekeyed     = "digest.rekeyed"
)

// ReminderData is the payload for reminder.* and digest.* events.
type ReminderData struct {
	ReminderID string
	UserID     int64
	Kind       string
	Stage      string
	FireAt     time.Time
	Reason     string
}
