package scheduler

import (
	"errors"

	"remindbot/internal/localtime"
	"remindbot/internal/storage"
)

var (
	ErrUnknownTimezone  = localtime.ErrUnknownTimezone
	ErrStoreUnavailable = storage.ErrStoreUnavailable
	ErrNotFound         = storage.ErrNotFound

	ErrDeliveryFailure = errors.New("scheduler: delivery failed")
	// ErrStaleRekey marks a fire whose instant was superseded by a newer trigger. It is a no-op.
	ErrStaleRekey    = errors.New("scheduler: stale rekey")
	ErrInstantInPast = errors.New("scheduler: instant is not in the future")
	ErrUserInactive  = errors.New("scheduler: user is not active")
	ErrEmptyMessage  = errors.New("scheduler: message is empty")
)
