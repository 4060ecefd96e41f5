package entities

import "time"

// LockRecord is a live mutual-exclusion claim on a named resource
type LockRecord struct {
	LockID     string    `json:"lock_id"`
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the TTL has elapsed at now.
func (l LockRecord) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
