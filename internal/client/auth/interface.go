package auth

import (
	"context"

	"github.com/iudanet/ledgerkeeper/pkg/api"
)

//go:generate moq -out relay_mock.go . Relay

// Relay методы relay, нужные для авторизации устройства
type Relay interface {
	Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error)
	GetSalt(ctx context.Context, company string) (*api.SaltResponse, error)
	Login(ctx context.Context, req api.LoginRequest) (*api.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*api.TokenResponse, error)
	Logout(ctx context.Context, refreshToken string) error
}

//go:generate moq -out service_mock.go . Service

// Service defines authentication of this device within a company.
// Keys are derived from the company passphrase on every call and never stored;
// tokens are kept on disk encrypted with the derived key.
type Service interface {
	// Register создает компанию на relay и сразу входит с этого устройства
	Register(ctx context.Context, company, passphrase string) (*Session, error)

	// Login выполняет вход устройства в существующую компанию
	Login(ctx context.Context, company, passphrase string) (*Session, error)

	// Unlock восстанавливает сохраненную сессию по парольной фразе без обращения к relay
	Unlock(ctx context.Context, passphrase string) (*Session, error)

	// EnsureFresh обновляет токены, если access token истекает
	EnsureFresh(ctx context.Context, sess *Session) (*Session, error)

	// Logout отзывает refresh token (best effort) и удаляет локальную сессию.
	// Идентификатор устройства сохраняется.
	Logout(ctx context.Context, sess *Session) error

	// IsAuthenticated checks if a non-expired session is stored
	IsAuthenticated(ctx context.Context) (bool, error)
}
