package models

import "time"

// Company компания (владелец журнала), зарегистрированная на relay.
// Relay хранит только хеш auth key и публичную соль.
type Company struct {
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	AuthKeyHash string     `json:"auth_key_hash"` // SHA256 хеш auth_key
	PublicSalt  string     `json:"public_salt"`   // base64 encoded salt (32 bytes)
}

// Device устройство компании, известное relay
type Device struct {
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	CompanyID    string    `json:"company_id"`
	DeviceID     string    `json:"device_id"`
	PulledCursor int64     `json:"pulled_cursor"` // PulledCursor relay sequence, до которого устройство все получило
}

// RefreshToken refresh token устройства
type RefreshToken struct {
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	Token     string    `json:"token"`
	CompanyID string    `json:"company_id"`
	DeviceID  string    `json:"device_id"`
}

// IsExpired проверяет истечение токена
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
