package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/ledgerkeeper/internal/client/api"
	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/crypto"
	"github.com/iudanet/ledgerkeeper/internal/validation"
	pkgapi "github.com/iudanet/ledgerkeeper/pkg/api"
)

// refreshSkew запас до истечения access token, после которого токены обновляются
const refreshSkew = 30 * time.Second

var (
	// ErrNotAuthenticated на устройстве нет сохраненной сессии
	ErrNotAuthenticated = errors.New("not authenticated, run 'ledgerkeeper login' first")
	// ErrWrongPassphrase парольная фраза не открывает сохраненную сессию
	ErrWrongPassphrase = errors.New("wrong passphrase")
	// ErrSessionExpired relay отклонил refresh token
	ErrSessionExpired = errors.New("session expired, run 'ledgerkeeper login' again")
	// ErrCompanyMismatch устройство уже вошло в другую компанию
	ErrCompanyMismatch = errors.New("device is logged in to another company")
)

// Session расшифрованная сессия устройства. Живет только в памяти процесса.
type Session struct {
	ExpiresAt    time.Time
	Keys         *crypto.Keys
	Company      string
	CompanyID    string
	DeviceID     string
	AccessToken  string
	RefreshToken string
	PublicSalt   string
}

// Expired сообщает, истек ли access token к моменту now
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type service struct {
	relay  Relay
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// Compile-time check that service implements Service
var _ Service = (*service)(nil)

// NewService создает сервис авторизации
func NewService(relay Relay, store *Store, logger *slog.Logger) Service {
	return &service{
		relay:  relay,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Register регистрирует компанию и входит с этого устройства
func (s *service) Register(ctx context.Context, company, passphrase string) (*Session, error) {
	if err := validateCredentials(company, passphrase); err != nil {
		return nil, err
	}

	// 1. Генерируем публичную соль компании
	salt, err := crypto.GenerateSaltBase64()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// 2. Деривируем ключи из парольной фразы
	keys, err := crypto.DeriveKeysFromBase64Salt(passphrase, company, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	// 3. Relay хранит только хеш auth key
	hash, err := crypto.HashAuthKey(keys.AuthKey)
	if err != nil {
		return nil, fmt.Errorf("failed to hash auth key: %w", err)
	}

	resp, err := s.relay.Register(ctx, pkgapi.RegisterRequest{
		Company:     company,
		AuthKeyHash: hash,
		PublicSalt:  salt,
	})
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	s.logger.InfoContext(ctx, "company registered",
		slog.String("company", company),
		slog.String("company_id", resp.CompanyID),
	)

	return s.login(ctx, company, salt, keys, hash)
}

// Login выполняет вход устройства в компанию
func (s *service) Login(ctx context.Context, company, passphrase string) (*Session, error) {
	if err := validateCredentials(company, passphrase); err != nil {
		return nil, err
	}

	saltResp, err := s.relay.GetSalt(ctx, company)
	if err != nil {
		return nil, fmt.Errorf("failed to get salt: %w", err)
	}

	keys, err := crypto.DeriveKeysFromBase64Salt(passphrase, company, saltResp.PublicSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}
	hash, err := crypto.HashAuthKey(keys.AuthKey)
	if err != nil {
		return nil, fmt.Errorf("failed to hash auth key: %w", err)
	}

	return s.login(ctx, company, saltResp.PublicSalt, keys, hash)
}

func (s *service) login(ctx context.Context, company, salt string, keys *crypto.Keys, hash string) (*Session, error) {
	current, err := s.store.company(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if current != "" && current != company {
		return nil, fmt.Errorf("%w: %s", ErrCompanyMismatch, current)
	}

	deviceID, err := s.store.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.relay.Login(ctx, pkgapi.LoginRequest{
		Company:     company,
		AuthKeyHash: hash,
		DeviceID:    deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	sess := &Session{
		Keys:       keys,
		Company:    company,
		CompanyID:  resp.CompanyID,
		DeviceID:   deviceID,
		PublicSalt: salt,
	}
	s.applyTokens(sess, resp)
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "device logged in",
		slog.String("company_id", sess.CompanyID),
		slog.String("device_id", deviceID),
	)
	return sess, nil
}

// Unlock восстанавливает сессию из хранилища
func (s *service) Unlock(ctx context.Context, passphrase string) (*Session, error) {
	stored, err := s.store.GetAuthEncryptData(ctx)
	if errors.Is(err, storage.ErrAuthNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth data: %w", err)
	}

	keys, err := crypto.DeriveKeysFromBase64Salt(passphrase, stored.Company, stored.PublicSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	auth, err := s.store.GetAuthDecryptData(ctx, keys.EncryptionKey)
	if errors.Is(err, crypto.ErrAuthFailed) {
		return nil, ErrWrongPassphrase
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt auth data: %w", err)
	}

	return &Session{
		Keys:         keys,
		Company:      auth.Company,
		CompanyID:    auth.CompanyID,
		DeviceID:     auth.DeviceID,
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
		PublicSalt:   auth.PublicSalt,
		ExpiresAt:    time.Unix(auth.ExpiresAt, 0),
	}, nil
}

// EnsureFresh обновляет токены заранее, до истечения access token
func (s *service) EnsureFresh(ctx context.Context, sess *Session) (*Session, error) {
	if sess.ExpiresAt.Sub(s.now()) > refreshSkew {
		return sess, nil
	}

	resp, err := s.relay.Refresh(ctx, sess.RefreshToken)
	if errors.Is(err, api.ErrUnauthorized) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	fresh := *sess
	s.applyTokens(&fresh, resp)
	if err := s.save(ctx, &fresh); err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "tokens refreshed", slog.Time("expires_at", fresh.ExpiresAt))
	return &fresh, nil
}

// Logout удаляет локальную сессию даже если relay недоступен
func (s *service) Logout(ctx context.Context, sess *Session) error {
	if sess != nil && sess.RefreshToken != "" {
		if err := s.relay.Logout(ctx, sess.RefreshToken); err != nil {
			s.logger.WarnContext(ctx, "failed to logout on relay", slog.Any("error", err))
		}
	}

	if err := s.store.DeleteAuth(ctx); err != nil && !errors.Is(err, storage.ErrAuthNotFound) {
		return fmt.Errorf("failed to delete local auth data: %w", err)
	}
	return nil
}

// IsAuthenticated проверяет наличие неистекшей сессии
func (s *service) IsAuthenticated(ctx context.Context) (bool, error) {
	return s.store.IsAuthenticated(ctx)
}

func (s *service) applyTokens(sess *Session, resp *pkgapi.TokenResponse) {
	sess.AccessToken = resp.AccessToken
	sess.RefreshToken = resp.RefreshToken
	sess.ExpiresAt = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
}

func (s *service) save(ctx context.Context, sess *Session) error {
	err := s.store.SaveAuth(ctx, &storage.AuthData{
		Company:      sess.Company,
		CompanyID:    sess.CompanyID,
		DeviceID:     sess.DeviceID,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		PublicSalt:   sess.PublicSalt,
		ExpiresAt:    sess.ExpiresAt.Unix(),
	}, sess.Keys.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to save auth data: %w", err)
	}
	return nil
}

func validateCredentials(company, passphrase string) error {
	if err := validation.ValidateCompany(company); err != nil {
		return fmt.Errorf("invalid company: %w", err)
	}
	if err := validation.ValidatePassphrase(passphrase); err != nil {
		return fmt.Errorf("invalid passphrase: %w", err)
	}
	return nil
}
