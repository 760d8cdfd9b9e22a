package models

import "time"

// DeviceToken is a persisted device-trust record. Only the SHA-256 hash of
// the token is stored; the raw token exists once, in the issuance response
// and the trust cookie.
type DeviceToken struct {
	UserID     string    `db:"user_id"`
	TokenHash  string    `db:"token_hash"`
	DeviceName string    `db:"device_name"`
	IP         string    `db:"ip_address"`
	CreatedAt  time.Time `db:"created_at"`
	LastUsedAt time.Time `db:"last_used_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// Expired reports whether the token is past its validity window.
func (t *DeviceToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
