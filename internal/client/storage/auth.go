package storage

import (
	"context"
)

// AuthStorage defines interface for storing device session data on client.
// This is the lowest storage layer - it works with raw data (already encrypted tokens)
// and doesn't perform any encryption/decryption itself.
type AuthStorage interface {
	// SaveAuth stores session data as-is (tokens should already be encrypted)
	SaveAuth(ctx context.Context, auth *AuthData) error

	// GetAuth retrieves stored session data as-is (tokens will be encrypted)
	// Returns ErrAuthNotFound if no session exists
	GetAuth(ctx context.Context) (*AuthData, error)

	// DeleteAuth removes stored session data (logout)
	DeleteAuth(ctx context.Context) error

	// IsAuthenticated checks if a session exists and is not expired
	IsAuthenticated(ctx context.Context) (bool, error)

	// GetDeviceID returns the persistent device identity or "" if it was never created
	GetDeviceID(ctx context.Context) (string, error)

	// SaveDeviceID stores the device identity; it survives logout
	SaveDeviceID(ctx context.Context, deviceID string) error
}

// AuthData represents device session information in storage.
// Tokens are plaintext in memory and encrypted (base64 ciphertext) in BoltDB;
// the auth.Store layer does the conversion.
type AuthData struct {
	Company      string `json:"company"`
	CompanyID    string `json:"company_id"`
	DeviceID     string `json:"device_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	PublicSalt   string `json:"public_salt"`
	ExpiresAt    int64  `json:"expires_at"`
}
